package longrunner

import (
	"context"
	"strings"
)

// Action is one resumable unit of work.
//
// Run performs a bounded slice of work starting at the cursor encoded in args
// and reports per-item results on s. Each Action picks its own slice size,
// usually a fixed item count, cut short once s.Exhausted() turns true.
//
// Slices must tolerate at-least-once execution: a resumption retried with the
// same arguments must not double-apply its effects.
type Action interface {
	Name() string
	Run(ctx context.Context, args Args, s *Slice) Outcome
}

// RunFunc is the signature of a function-backed Action.
type RunFunc func(ctx context.Context, args Args, s *Slice) Outcome

type funcAction struct {
	name string
	fn   RunFunc
}

// NewAction wraps fn as an Action called name.
func NewAction(name string, fn RunFunc) Action {
	return funcAction{name: strings.TrimSpace(name), fn: fn}
}

func (a funcAction) Name() string { return a.name }

func (a funcAction) Run(ctx context.Context, args Args, s *Slice) Outcome {
	if a.fn == nil {
		return Fail(KindSlice, ErrNilAction)
	}
	return a.fn(ctx, args, s)
}
