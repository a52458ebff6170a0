package upstream

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when resolving or dialing a candidate exceeds
	// its bound.
	ErrTimeout = errors.New("timed out")

	// ErrExhausted is returned once no candidate is left. It wraps the
	// per-candidate errors that got it there.
	ErrExhausted = errors.New("no usable upstream")
)

// CandidateError records why one candidate failed in one phase.
type CandidateError struct {
	Op        string
	Candidate string
	Err       error
}

func (e *CandidateError) Error() string {
	return e.Op + " " + e.Candidate + ": " + e.Err.Error()
}

func (e *CandidateError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a timeout.
func (e *CandidateError) Timeout() bool {
	if errors.Is(e.Err, ErrTimeout) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(e.Err, &te) && te.Timeout()
}

func exhausted(errs []error) error {
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrExhausted, err)
	}
	return ErrExhausted
}
