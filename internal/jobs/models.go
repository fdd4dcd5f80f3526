package jobs

import (
	"time"

	"github.com/google/uuid"

	"github.com/reframe/reframe-render/internal/planner"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusComplete, StatusError, StatusCancelled:
		return true
	}
	return false
}

type ErrorKind string

const (
	ErrorKindConfiguration    ErrorKind = "configuration"
	ErrorKindFatalRender      ErrorKind = "fatal_render"
	ErrorKindRetriesExhausted ErrorKind = "retries_exhausted"
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindStaleTimeout     ErrorKind = "stale_timeout"
	ErrorKindInterrupted      ErrorKind = "interrupted"
	ErrorKindInternal         ErrorKind = "internal"
)

// ExportJob is the durable record of one export. Config is the snapshot
// captured at submission and never changes afterwards.
type ExportJob struct {
	ID           string           `json:"id"`
	ResourceKey  string           `json:"resource_key"`
	Status       Status           `json:"status"`
	Config       planner.Snapshot `json:"config"`
	CallbackURL  string           `json:"callback_url,omitempty"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	HeartbeatAt  *time.Time       `json:"heartbeat_at,omitempty"`
	ResultRef    string           `json:"result_ref,omitempty"`
	ErrorKind    ErrorKind        `json:"error_kind,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Outcome is the single terminal write for a job.
type Outcome struct {
	Status       Status
	ResultRef    string
	ErrorKind    ErrorKind
	ErrorMessage string
	At           time.Time
}

func NewID() string {
	return uuid.NewString()
}

// StatusCounts is a per-status row count.
type StatusCounts map[Status]int
