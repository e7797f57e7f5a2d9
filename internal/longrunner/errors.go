package longrunner

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidContinuation is returned when a resumption is attempted with
	// malformed or stale continuation data. It is never turned into a restart.
	ErrInvalidContinuation = errors.New("longrunner: invalid continuation")

	// ErrBudgetExceeded is the pause reason when a run used up its budget.
	// It is informational: a paused sequence has not failed.
	ErrBudgetExceeded = errors.New("longrunner: budget exceeded")

	ErrNilAction = errors.New("longrunner: action is nil")
)

// Error kinds recorded by the Runner itself. Actions are free to use their own.
const (
	KindItem           = "item"
	KindSlice          = "slice"
	KindPanic          = "panic"
	KindInvalidOutcome = "invalid_outcome"
)

// SliceError describes one failed unit of work inside a slice.
type SliceError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	ItemID  string    `json:"item_id,omitempty"`
	Slice   int       `json:"slice"`
	At      time.Time `json:"at"`

	err error
}

func (e *SliceError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("slice %d: %s error on %s: %s", e.Slice, e.Kind, e.ItemID, e.Message)
	}
	return fmt.Sprintf("slice %d: %s error: %s", e.Slice, e.Kind, e.Message)
}

func (e *SliceError) Unwrap() error { return e.err }

// IsSliceError reports whether err is (or wraps) a *SliceError.
func IsSliceError(err error) bool {
	var se *SliceError
	return errors.As(err, &se)
}

// InvalidContinuation builds an error wrapping ErrInvalidContinuation.
func InvalidContinuation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidContinuation, fmt.Sprintf(format, args...))
}

func newSliceError(kind, itemID string, slice int, at time.Time, err error) SliceError {
	msg := "<nil>"
	if err != nil {
		msg = err.Error()
	}
	if kind == "" {
		kind = KindSlice
	}
	return SliceError{Kind: kind, Message: msg, ItemID: itemID, Slice: slice, At: at, err: err}
}
