package models

import "errors"

// Failure classes. Everything except ErrInput is recovered per task.
var (
	ErrInput       = errors.New("invalid input")
	ErrFetch       = errors.New("fetch failure")
	ErrIntegrity   = errors.New("integrity violation")
	ErrPersistence = errors.New("persistence failure")
	ErrTaskTimeout = errors.New("task timeout")
	ErrInterrupted = errors.New("interrupted")
)

// FailureKind names the class of err for logs, events and summaries
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInput):
		return "input"
	case errors.Is(err, ErrFetch):
		return "fetch"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrTaskTimeout):
		return "timeout"
	case errors.Is(err, ErrInterrupted):
		return "interrupted"
	default:
		return "unknown"
	}
}
