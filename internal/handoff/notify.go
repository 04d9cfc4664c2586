package handoff

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type EventType string

const (
	EventRequestQueued    EventType = "request_queued"
	EventRequestCancelled EventType = "request_cancelled"
	EventAccepted         EventType = "accepted"
	EventSessionClosed    EventType = "session_closed"
)

// Event is an outbound notification about a session.
type Event struct {
	Type       EventType   `json:"type"`
	SessionID  string      `json:"session_id"`
	UserID     string      `json:"user_id"`
	OperatorID string      `json:"operator_id,omitempty"`
	Reason     CloseReason `json:"reason,omitempty"`
	At         time.Time   `json:"at"`
}

// Notifier delivers events to users and operators. The broker treats
// delivery as best effort: an error is logged, never rolled back.
type Notifier interface {
	Notify(ctx context.Context, recipientID string, ev Event) error
}

type NotifierFunc func(ctx context.Context, recipientID string, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, recipientID string, ev Event) error {
	return f(ctx, recipientID, ev)
}

// LogNotifier writes events to the log. It is the default sink when no
// transport is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(zap.String("component", "notify"))}
}

func (n *LogNotifier) Notify(_ context.Context, recipientID string, ev Event) error {
	n.logger.Info("handoff event",
		zap.String("recipient", recipientID),
		zap.String("type", string(ev.Type)),
		zap.String("session_id", ev.SessionID),
		zap.String("user_id", ev.UserID),
		zap.String("operator_id", ev.OperatorID),
		zap.String("reason", string(ev.Reason)),
	)
	return nil
}

// MultiNotifier fans an event out to every sink and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, recipientID string, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, recipientID, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type outbound struct {
	recipient string
	event     Event
}
