package handoff

import "time"

type State string

const (
	StateWaiting State = "waiting"
	StateActive  State = "active"
	StateClosed  State = "closed"
)

type CloseReason string

const (
	ReasonUserClosed     CloseReason = "user_closed"
	ReasonOperatorClosed CloseReason = "operator_closed"
	ReasonUserCancelled  CloseReason = "user_cancelled"
	// stale waiting request removed by the sweeper
	ReasonExpired CloseReason = "expired"
)

// Session is one hand-off between a user and at most one operator.
// ActiveKey mirrors UserID while the session is open and is NULL once closed,
// so its unique index admits a single open session per user. SlotKey names one
// of the operator's capacity slots ("<operator>#<n>") while the session is
// active, which bounds an operator's active sessions the same way.
type Session struct {
	ID          string      `gorm:"primaryKey;type:varchar(26)" json:"id"`
	UserID      string      `gorm:"type:varchar(64);index;not null" json:"user_id"`
	OperatorID  string      `gorm:"type:varchar(64);index" json:"operator_id,omitempty"`
	State       State       `gorm:"type:varchar(16);index;not null" json:"state"`
	ActiveKey   *string     `gorm:"type:varchar(64);uniqueIndex" json:"-"`
	SlotKey     *string     `gorm:"type:varchar(80);uniqueIndex" json:"-"`
	CloseReason CloseReason `gorm:"type:varchar(32)" json:"close_reason,omitempty"`
	CreatedAt   time.Time   `gorm:"index" json:"created_at"`
	AcceptedAt  *time.Time  `json:"accepted_at,omitempty"`
	ClosedAt    *time.Time  `gorm:"index" json:"closed_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (Session) TableName() string { return "handoff_sessions" }

// Entry is a user waiting in the queue.
type Entry struct {
	UserID     string    `json:"user_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
)

// Command is the closed set of inbound hand-off commands.
type Command int

const (
	CommandRequest Command = iota + 1
	CommandCancel
	CommandAccept
	CommandClose
)

func (c Command) String() string {
	switch c {
	case CommandRequest:
		return "request"
	case CommandCancel:
		return "cancel"
	case CommandAccept:
		return "accept"
	case CommandClose:
		return "close"
	default:
		return "unknown"
	}
}

// Invocation is a resolved command together with its actor.
type Invocation struct {
	Command Command
	ActorID string
	Role    Role
	// optional: user selected by an operator for ACCEPT/CLOSE
	TargetUserID string
}
