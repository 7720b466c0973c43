package executor

import "fmt"

// Kind is the executor's internal state-machine discriminant. The service
// exposes only its projected string (see Status.String), because the
// wire contract in §6 fixes those exact external strings.
type Kind int

const (
	KindIdle Kind = iota
	KindActive
	KindPaused
	KindComplete
	KindCanceled
	KindError
	KindTooSoon
)

// Status is the sum type backing the externally visible status string.
// Representing it this way (rather than the bare string the source used)
// keeps comparisons ("is it done", "is it an error") in one place instead
// of scattered prefix checks.
type Status struct {
	Kind   Kind
	ErrMsg string
}

func (s Status) String() string {
	switch s.Kind {
	case KindIdle:
		return ""
	case KindActive:
		return "active"
	case KindPaused:
		return "paused"
	case KindComplete:
		return "complete"
	case KindCanceled:
		return "canceled"
	case KindTooSoon:
		return "error: too soon to retry"
	case KindError:
		return fmt.Sprintf("error: %s", s.ErrMsg)
	default:
		return "unknown"
	}
}

// IsComplete reports whether the executor has stopped running and is not
// merely paused — i.e. it reached a terminal outcome for this attempt.
func (s Status) IsComplete() bool {
	switch s.Kind {
	case KindComplete, KindCanceled, KindError, KindTooSoon:
		return true
	default:
		return false
	}
}

func (s Status) IsSuccessful() bool { return s.Kind == KindComplete }
func (s Status) IsFailed() bool     { return s.Kind == KindError || s.Kind == KindTooSoon }
