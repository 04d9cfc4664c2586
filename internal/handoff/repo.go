package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/suPer8Hu/handoff/internal/common"
	"gorm.io/gorm"
)

// Store owns the durable representation of sessions. It enforces the
// one-open-session-per-user rule and the legal state transitions; it applies
// no other policy.
type Store interface {
	Create(ctx context.Context, userID string, createdAt time.Time) (*Session, error)
	// Get returns the user's open session, or the most recent closed one.
	Get(ctx context.Context, userID string) (*Session, error)
	Transition(ctx context.Context, userID string, to State, f TransitionFields) (*Session, error)
	// GetByOperator returns the operator's earliest-accepted active session.
	GetByOperator(ctx context.Context, operatorID string) (*Session, error)
	CountActiveByOperator(ctx context.Context, operatorID string) (int64, error)
	// ListWaiting returns waiting sessions created before the given time
	// (all of them when zero), oldest first.
	ListWaiting(ctx context.Context, createdBefore time.Time) ([]Session, error)
	Discard(ctx context.Context, sessionID string) error
	PurgeClosed(ctx context.Context, closedBefore time.Time) (int64, error)
}

type TransitionFields struct {
	At         time.Time
	OperatorID string
	Reason     CloseReason
	// MaxActive caps the operator's active sessions on activation; 0 means no cap.
	MaxActive int
}

func slotKey(operatorID string, n int) string {
	return fmt.Sprintf("%s#%d", operatorID, n)
}

func canTransition(from, to State) bool {
	switch from {
	case StateWaiting:
		return to == StateActive || to == StateClosed
	case StateActive:
		return to == StateClosed
	default:
		return false
	}
}

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Session{})
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func (r *Repo) Create(ctx context.Context, userID string, createdAt time.Time) (*Session, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	key := userID
	s := &Session{
		ID:        id,
		UserID:    userID,
		State:     StateWaiting,
		ActiveKey: &key,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Session{}).Where("active_key = ?", userID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyWaitingOrActive
		}
		return tx.Create(s).Error
	})
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, ErrAlreadyWaitingOrActive), errors.Is(err, gorm.ErrDuplicatedKey):
		return nil, ErrAlreadyWaitingOrActive
	default:
		return nil, unavailable(err)
	}
}

func (r *Repo) Get(ctx context.Context, userID string) (*Session, error) {
	var s Session
	err := r.db.WithContext(ctx).Where("active_key = ?", userID).First(&s).Error
	if err == nil {
		return &s, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, unavailable(err)
	}

	err = r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return &s, nil
}

// Transition moves the user's open session to the given state. The update is
// conditional on the state read inside the same transaction, so a concurrent
// writer makes it fail with ErrInvalidTransition instead of overwriting.
func (r *Repo) Transition(ctx context.Context, userID string, to State, f TransitionFields) (*Session, error) {
	var out Session
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s Session
		if err := tx.Where("active_key = ?", userID).First(&s).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !canTransition(s.State, to) {
			return ErrInvalidTransition
		}

		at := f.At
		updates := map[string]any{"state": to}
		switch to {
		case StateActive:
			if f.OperatorID == "" {
				return ErrInvalidTransition
			}
			if at.Before(s.CreatedAt) {
				at = s.CreatedAt
			}
			updates["operator_id"] = f.OperatorID
			updates["accepted_at"] = at
			updates["updated_at"] = at
			if err := activate(tx, s, updates, f.OperatorID, f.MaxActive); err != nil {
				return err
			}
			return tx.Where("id = ?", s.ID).First(&out).Error
		case StateClosed:
			floor := s.CreatedAt
			if s.AcceptedAt != nil {
				floor = *s.AcceptedAt
			}
			if at.Before(floor) {
				at = floor
			}
			updates["closed_at"] = at
			updates["close_reason"] = f.Reason
			updates["active_key"] = nil
			updates["slot_key"] = nil
		}
		updates["updated_at"] = at

		if err := casUpdate(tx, s, updates); err != nil {
			return err
		}
		return tx.Where("id = ?", s.ID).First(&out).Error
	})
	switch {
	case err == nil:
		return &out, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrOperatorBusy):
		return nil, err
	default:
		return nil, unavailable(err)
	}
}

// activate claims a free capacity slot of the operator together with the
// state change. The unique slot_key index rejects a slot taken concurrently,
// including by another process, and the next slot is tried.
func activate(tx *gorm.DB, s Session, updates map[string]any, operatorID string, maxActive int) error {
	if maxActive <= 0 {
		return casUpdate(tx, s, updates)
	}
	for n := 0; n < maxActive; n++ {
		updates["slot_key"] = slotKey(operatorID, n)
		err := casUpdate(tx, s, updates)
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			continue
		}
		return err
	}
	return ErrOperatorBusy
}

func casUpdate(tx *gorm.DB, s Session, updates map[string]any) error {
	res := tx.Model(&Session{}).
		Where("id = ? AND state = ?", s.ID, s.State).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (r *Repo) GetByOperator(ctx context.Context, operatorID string) (*Session, error) {
	var s Session
	err := r.db.WithContext(ctx).
		Where("operator_id = ? AND state = ?", operatorID, StateActive).
		Order("accepted_at ASC").
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return &s, nil
}

func (r *Repo) CountActiveByOperator(ctx context.Context, operatorID string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&Session{}).
		Where("operator_id = ? AND state = ?", operatorID, StateActive).
		Count(&n).Error; err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (r *Repo) ListWaiting(ctx context.Context, createdBefore time.Time) ([]Session, error) {
	q := r.db.WithContext(ctx).Where("state = ?", StateWaiting)
	if !createdBefore.IsZero() {
		q = q.Where("created_at < ?", createdBefore)
	}
	var out []Session
	if err := q.Order("created_at ASC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// Discard deletes a session that is still waiting. It undoes a Create whose
// queue insertion failed.
func (r *Repo) Discard(ctx context.Context, sessionID string) error {
	if err := r.db.WithContext(ctx).
		Where("id = ? AND state = ?", sessionID, StateWaiting).
		Delete(&Session{}).Error; err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Repo) PurgeClosed(ctx context.Context, closedBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("state = ? AND closed_at < ?", StateClosed, closedBefore).
		Delete(&Session{})
	if res.Error != nil {
		return 0, unavailable(res.Error)
	}
	return res.RowsAffected, nil
}
