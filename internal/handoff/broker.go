package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Options struct {
	// MaxSessionsPerOperator caps concurrent active sessions per operator. Default 1.
	MaxSessionsPerOperator int
	// Operators receive queue broadcasts (request queued / cancelled).
	Operators []string
	Metrics   *Metrics
	Now       func() time.Time
}

// Broker runs the hand-off state machine over a Store and a Queue.
//
// Every command holds the lock of the user it touches; ACCEPT additionally
// holds the acting operator's lock (taken first) across its capacity check,
// queue pop and transition. The queue pop is atomic, so concurrent ACCEPTs can
// never obtain the same user. The locks are process-local; the store checks the
// operator cap again when it activates a session, so brokers sharing one store
// cannot exceed it either. Notifications go out after all locks are released.
type Broker struct {
	store    Store
	queue    Queue
	notifier Notifier
	logger   *zap.Logger
	metrics  *Metrics

	now            func() time.Time
	maxPerOperator int
	operators      []string
	locks          *keyedMutex
}

func NewBroker(store Store, queue Queue, notifier Notifier, logger *zap.Logger, opts Options) *Broker {
	if notifier == nil {
		notifier = NotifierFunc(func(context.Context, string, Event) error { return nil })
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxSessionsPerOperator <= 0 {
		opts.MaxSessionsPerOperator = 1
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Broker{
		store:          store,
		queue:          queue,
		notifier:       notifier,
		logger:         logger.With(zap.String("component", "broker")),
		metrics:        opts.Metrics,
		now:            opts.Now,
		maxPerOperator: opts.MaxSessionsPerOperator,
		operators:      append([]string(nil), opts.Operators...),
		locks:          newKeyedMutex(),
	}
}

func userKey(id string) string     { return "user:" + id }
func operatorKey(id string) string { return "op:" + id }

// Dispatch routes a resolved command to its handler. ACCEPT requires the
// operator role.
func (b *Broker) Dispatch(ctx context.Context, inv Invocation) (*Session, error) {
	switch inv.Command {
	case CommandRequest:
		return b.Request(ctx, inv.ActorID)
	case CommandCancel:
		return b.Cancel(ctx, inv.ActorID)
	case CommandAccept:
		if inv.Role != RoleOperator {
			b.finish(CommandAccept, inv.ActorID, ErrNotAuthorized)
			return nil, ErrNotAuthorized
		}
		return b.Accept(ctx, inv.ActorID, inv.TargetUserID)
	case CommandClose:
		return b.Close(ctx, inv.ActorID, inv.Role, inv.TargetUserID)
	default:
		return nil, fmt.Errorf("handoff: unknown command %d", inv.Command)
	}
}

// Request puts the user in the waiting queue.
func (b *Broker) Request(ctx context.Context, userID string) (*Session, error) {
	sess, out, err := b.request(ctx, userID)
	b.finish(CommandRequest, userID, err)
	b.deliver(ctx, out)
	return sess, err
}

func (b *Broker) request(ctx context.Context, userID string) (*Session, []outbound, error) {
	if userID == "" {
		return nil, nil, ErrNotAuthorized
	}
	unlock := b.locks.Lock(userKey(userID))
	defer unlock()

	now := b.now()
	sess, err := b.store.Create(ctx, userID, now)
	if err != nil {
		if errors.Is(err, ErrAlreadyWaitingOrActive) {
			return nil, nil, ErrDuplicateRequest
		}
		return nil, nil, err
	}

	if err := b.queue.Enqueue(ctx, userID, sess.CreatedAt); err != nil {
		if derr := b.store.Discard(ctx, sess.ID); derr != nil {
			b.logger.Error("discard after failed enqueue",
				zap.String("user_id", userID), zap.String("session_id", sess.ID), zap.Error(derr))
		}
		return nil, nil, fmt.Errorf("%w: enqueue: %v", ErrStoreUnavailable, err)
	}
	b.refreshDepth(ctx)

	ev := Event{Type: EventRequestQueued, SessionID: sess.ID, UserID: userID, At: now}
	return sess, b.withOperators(userID, ev), nil
}

// Cancel withdraws a waiting request. An active session must be closed instead.
func (b *Broker) Cancel(ctx context.Context, userID string) (*Session, error) {
	sess, out, err := b.cancel(ctx, userID)
	b.finish(CommandCancel, userID, err)
	b.deliver(ctx, out)
	return sess, err
}

func (b *Broker) cancel(ctx context.Context, userID string) (*Session, []outbound, error) {
	unlock := b.locks.Lock(userKey(userID))
	defer unlock()

	sess, err := b.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrNoActiveRequest
		}
		return nil, nil, err
	}
	if sess.State != StateWaiting {
		return nil, nil, ErrNoActiveRequest
	}

	now := b.now()
	sess, err = b.store.Transition(ctx, userID, StateClosed, TransitionFields{At: now, Reason: ReasonUserCancelled})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return nil, nil, ErrNoActiveRequest
		}
		return nil, nil, err
	}
	b.dropFromQueue(ctx, userID)

	ev := Event{Type: EventRequestCancelled, SessionID: sess.ID, UserID: userID, At: now}
	return sess, b.withOperators(userID, ev), nil
}

// Accept binds the operator to a waiting user: the one at the queue head, or
// targetUserID when given.
func (b *Broker) Accept(ctx context.Context, operatorID, targetUserID string) (*Session, error) {
	sess, out, err := b.accept(ctx, operatorID, targetUserID)
	b.finish(CommandAccept, operatorID, err)
	b.deliver(ctx, out)
	return sess, err
}

func (b *Broker) accept(ctx context.Context, operatorID, targetUserID string) (*Session, []outbound, error) {
	if operatorID == "" {
		return nil, nil, ErrNotAuthorized
	}
	unlock := b.locks.Lock(operatorKey(operatorID))
	defer unlock()

	n, err := b.store.CountActiveByOperator(ctx, operatorID)
	if err != nil {
		return nil, nil, err
	}
	if n >= int64(b.maxPerOperator) {
		return nil, nil, ErrOperatorBusy
	}

	if targetUserID != "" {
		return b.acceptTarget(ctx, operatorID, targetUserID)
	}

	for {
		e, ok, err := b.queue.DequeueNext(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: dequeue: %v", ErrStoreUnavailable, err)
		}
		if !ok {
			return nil, nil, ErrQueueEmpty
		}
		sess, out, stale, err := b.assign(ctx, operatorID, e)
		if stale {
			b.logger.Debug("skip stale queue entry", zap.String("user_id", e.UserID))
			continue
		}
		b.refreshDepth(ctx)
		return sess, out, err
	}
}

// assign activates the session of a popped entry. stale reports an entry whose
// user no longer waits (cancelled between pop and lock); the caller moves on.
// On store failure the entry is put back at its original position.
func (b *Broker) assign(ctx context.Context, operatorID string, e Entry) (*Session, []outbound, bool, error) {
	unlock := b.locks.Lock(userKey(e.UserID))
	defer unlock()

	sess, err := b.store.Get(ctx, e.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, true, nil
		}
		b.requeue(ctx, e)
		return nil, nil, false, err
	}
	if sess.State != StateWaiting {
		return nil, nil, true, nil
	}

	sess, err = b.activate(ctx, operatorID, e.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return nil, nil, true, nil
		}
		b.requeue(ctx, e)
		return nil, nil, false, err
	}
	// the user may have re-requested after e was popped; that entry is now served
	b.dropFromQueue(ctx, e.UserID)
	return sess, b.acceptedEvents(sess), false, nil
}

func (b *Broker) acceptTarget(ctx context.Context, operatorID, userID string) (*Session, []outbound, error) {
	unlock := b.locks.Lock(userKey(userID))
	defer unlock()

	sess, err := b.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrNoActiveRequest
		}
		return nil, nil, err
	}
	if sess.State != StateWaiting {
		return nil, nil, ErrNoActiveRequest
	}

	sess, err = b.activate(ctx, operatorID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return nil, nil, ErrNoActiveRequest
		}
		return nil, nil, err
	}
	b.dropFromQueue(ctx, userID)
	b.refreshDepth(ctx)
	return sess, b.acceptedEvents(sess), nil
}

func (b *Broker) activate(ctx context.Context, operatorID, userID string) (*Session, error) {
	sess, err := b.store.Transition(ctx, userID, StateActive, TransitionFields{
		At:         b.now(),
		OperatorID: operatorID,
		MaxActive:  b.maxPerOperator,
	})
	if err != nil {
		return nil, err
	}
	if sess.AcceptedAt != nil {
		b.metrics.accepted(sess.AcceptedAt.Sub(sess.CreatedAt))
	}
	return sess, nil
}

func (b *Broker) acceptedEvents(sess *Session) []outbound {
	ev := Event{
		Type:       EventAccepted,
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		OperatorID: sess.OperatorID,
	}
	if sess.AcceptedAt != nil {
		ev.At = *sess.AcceptedAt
	} else {
		ev.At = b.now()
	}
	return []outbound{{sess.UserID, ev}, {sess.OperatorID, ev}}
}

// Close ends an active session. A user closes their own session; an operator
// closes the session bound to them, selected by targetUserID or, when empty,
// their earliest-accepted one.
func (b *Broker) Close(ctx context.Context, actorID string, role Role, targetUserID string) (*Session, error) {
	sess, out, err := b.close(ctx, actorID, role, targetUserID)
	b.finish(CommandClose, actorID, err)
	b.deliver(ctx, out)
	return sess, err
}

func (b *Broker) close(ctx context.Context, actorID string, role Role, targetUserID string) (*Session, []outbound, error) {
	if actorID == "" {
		return nil, nil, ErrNotAuthorized
	}

	var userID string
	switch role {
	case RoleUser:
		if targetUserID != "" && targetUserID != actorID {
			return nil, nil, ErrNotAuthorized
		}
		userID = actorID
	case RoleOperator:
		userID = targetUserID
		if userID == "" {
			s, err := b.store.GetByOperator(ctx, actorID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil, nil, ErrNoActiveSession
				}
				return nil, nil, err
			}
			userID = s.UserID
		}
	default:
		return nil, nil, ErrNotAuthorized
	}

	unlock := b.locks.Lock(userKey(userID))
	defer unlock()

	sess, err := b.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrNoActiveSession
		}
		return nil, nil, err
	}
	if sess.State != StateActive {
		return nil, nil, ErrNoActiveSession
	}

	reason := ReasonUserClosed
	counterpart := sess.OperatorID
	if role == RoleOperator {
		if sess.OperatorID != actorID {
			return nil, nil, ErrNotAuthorized
		}
		reason = ReasonOperatorClosed
		counterpart = sess.UserID
	}

	sess, err = b.store.Transition(ctx, userID, StateClosed, TransitionFields{At: b.now(), Reason: reason})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return nil, nil, ErrNoActiveSession
		}
		return nil, nil, err
	}

	ev := Event{
		Type:       EventSessionClosed,
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		OperatorID: sess.OperatorID,
		Reason:     reason,
		At:         *sess.ClosedAt,
	}
	return sess, []outbound{{counterpart, ev}}, nil
}

// Session returns the user's open session, or their latest closed one.
func (b *Broker) Session(ctx context.Context, userID string) (*Session, error) {
	return b.store.Get(ctx, userID)
}

// Waiting lists the queue, earliest first.
func (b *Broker) Waiting(ctx context.Context) ([]Entry, error) {
	entries, err := b.queue.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list queue: %v", ErrStoreUnavailable, err)
	}
	return entries, nil
}

// Peer returns the other party of the actor's active session, i.e. where a
// chat message from the actor should be forwarded.
func (b *Broker) Peer(ctx context.Context, actorID string, role Role) (string, error) {
	switch role {
	case RoleOperator:
		s, err := b.store.GetByOperator(ctx, actorID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return "", ErrNoActiveSession
			}
			return "", err
		}
		return s.UserID, nil
	case RoleUser:
		s, err := b.store.Get(ctx, actorID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return "", ErrNoActiveSession
			}
			return "", err
		}
		if s.State != StateActive {
			return "", ErrNoActiveSession
		}
		return s.OperatorID, nil
	default:
		return "", ErrNotAuthorized
	}
}

// Rebuild enqueues every waiting session from the store. It restores a
// process-local queue after a restart and is a no-op for entries already queued.
func (b *Broker) Rebuild(ctx context.Context) (int, error) {
	waiting, err := b.store.ListWaiting(ctx, time.Time{})
	if err != nil {
		return 0, err
	}
	for _, s := range waiting {
		if err := b.queue.Enqueue(ctx, s.UserID, s.CreatedAt); err != nil {
			return 0, fmt.Errorf("%w: enqueue: %v", ErrStoreUnavailable, err)
		}
	}
	b.refreshDepth(ctx)
	return len(waiting), nil
}

// ExpireWaiting closes requests that have waited longer than ttl, as if the
// user had cancelled them. Safe to run repeatedly.
func (b *Broker) ExpireWaiting(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := b.now().Add(-ttl)
	stale, err := b.store.ListWaiting(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, s := range stale {
		sess, out, err := b.expire(ctx, s.UserID, cutoff)
		if err != nil {
			return expired, err
		}
		if sess != nil {
			expired++
		}
		b.deliver(ctx, out)
	}
	if expired > 0 {
		b.logger.Info("expired waiting requests", zap.Int("count", expired))
	}
	return expired, nil
}

func (b *Broker) expire(ctx context.Context, userID string, cutoff time.Time) (*Session, []outbound, error) {
	unlock := b.locks.Lock(userKey(userID))
	defer unlock()

	sess, err := b.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if sess.State != StateWaiting || !sess.CreatedAt.Before(cutoff) {
		return nil, nil, nil
	}

	now := b.now()
	sess, err = b.store.Transition(ctx, userID, StateClosed, TransitionFields{At: now, Reason: ReasonExpired})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	b.dropFromQueue(ctx, userID)
	b.refreshDepth(ctx)

	ev := Event{Type: EventSessionClosed, SessionID: sess.ID, UserID: userID, Reason: ReasonExpired, At: now}
	return sess, []outbound{{userID, ev}}, nil
}

// PurgeClosed deletes sessions closed longer than retention ago.
func (b *Broker) PurgeClosed(ctx context.Context, retention time.Duration) (int64, error) {
	return b.store.PurgeClosed(ctx, b.now().Add(-retention))
}

func (b *Broker) withOperators(userID string, ev Event) []outbound {
	out := make([]outbound, 0, len(b.operators)+1)
	out = append(out, outbound{userID, ev})
	for _, op := range b.operators {
		if op != userID {
			out = append(out, outbound{op, ev})
		}
	}
	return out
}

// dropFromQueue removes the user's entry. A failure leaves a stale entry,
// which accept skips.
func (b *Broker) dropFromQueue(ctx context.Context, userID string) {
	if _, err := b.queue.Remove(ctx, userID); err != nil {
		b.logger.Warn("queue remove failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (b *Broker) requeue(ctx context.Context, e Entry) {
	if err := b.queue.Enqueue(ctx, e.UserID, e.EnqueuedAt); err != nil {
		b.logger.Error("requeue failed", zap.String("user_id", e.UserID), zap.Error(err))
	}
}

func (b *Broker) refreshDepth(ctx context.Context) {
	if b.metrics == nil {
		return
	}
	if n, err := b.queue.Len(ctx); err == nil {
		b.metrics.setQueueDepth(n)
	}
}

func (b *Broker) finish(cmd Command, actorID string, err error) {
	b.metrics.command(cmd, err)
	switch {
	case err == nil:
	case errors.Is(err, ErrStoreUnavailable):
		b.logger.Warn("command failed",
			zap.String("command", cmd.String()), zap.String("actor", actorID), zap.Error(err))
	default:
		b.logger.Debug("command rejected",
			zap.String("command", cmd.String()), zap.String("actor", actorID), zap.String("kind", Kind(err)))
	}
}

func (b *Broker) deliver(ctx context.Context, out []outbound) {
	for _, o := range out {
		if o.recipient == "" {
			continue
		}
		if err := b.notifier.Notify(ctx, o.recipient, o.event); err != nil {
			b.metrics.notifyFailed(o.event.Type)
			b.logger.Warn("notify failed",
				zap.String("recipient", o.recipient),
				zap.String("type", string(o.event.Type)),
				zap.Error(err))
		}
	}
}
