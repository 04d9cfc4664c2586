package handoff

import "errors"

var (
	ErrDuplicateRequest  = errors.New("handoff: already waiting or in session")
	ErrNoActiveRequest   = errors.New("handoff: no waiting request")
	ErrQueueEmpty        = errors.New("handoff: queue empty")
	ErrOperatorBusy      = errors.New("handoff: operator busy")
	ErrNoActiveSession   = errors.New("handoff: no active session")
	ErrNotAuthorized     = errors.New("handoff: not authorized")
	ErrNotFound          = errors.New("handoff: session not found")
	ErrInvalidTransition = errors.New("handoff: invalid transition")
	ErrStoreUnavailable  = errors.New("handoff: store unavailable")

	// returned by Store.Create; the broker reports it as ErrDuplicateRequest
	ErrAlreadyWaitingOrActive = errors.New("handoff: open session exists")
)

// Kind returns a stable label for err, used for metrics and API responses.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDuplicateRequest), errors.Is(err, ErrAlreadyWaitingOrActive):
		return "duplicate_request"
	case errors.Is(err, ErrNoActiveRequest):
		return "no_active_request"
	case errors.Is(err, ErrQueueEmpty):
		return "queue_empty"
	case errors.Is(err, ErrOperatorBusy):
		return "operator_busy"
	case errors.Is(err, ErrNoActiveSession):
		return "no_active_session"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}
