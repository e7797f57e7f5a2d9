package longrunner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "longrunner/pkg/logx"
)

// SliceEvent describes one finished Action invocation.
type SliceEvent struct {
	SequenceID string
	Action     string
	Number     int
	Took       time.Duration
	Outcome    OutcomeKind
	Succeeded  int
	Failed     int
}

// Observer is notified after every slice. Implementations must be fast and
// must not call back into the Runner.
type Observer interface {
	SliceDone(ev SliceEvent)
}

type Option func(*Runner)

// WithContinueOnError makes slice errors non-fatal for sequences started by
// this Runner. Resumed sequences keep the policy stored in their Checkpoint.
func WithContinueOnError(enabled bool) Option {
	return func(r *Runner) { r.continueOnError = enabled }
}

func WithLogger(log logx.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// WithClock overrides time.Now. Tests use it to drive time budgets.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// WithIDGenerator overrides how new sequence IDs are minted.
func WithIDGenerator(fn func() string) Option {
	return func(r *Runner) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// Runner drives Actions slice by slice within a Budget.
//
// A Runner holds only configuration; every call works on its own sequence
// state, so one Runner may serve many sequences concurrently. Slices of one
// sequence always run strictly one after another.
type Runner struct {
	continueOnError bool
	log             logx.Logger
	now             func() time.Time
	observer        Observer
	newID           func() string
}

func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		log:   logx.Nop(),
		now:   time.Now,
		newID: defaultID,
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r
}

// With returns a copy of r with opts applied.
func (r *Runner) With(opts ...Option) *Runner {
	cp := *r
	for _, o := range opts {
		if o != nil {
			o(&cp)
		}
	}
	return &cp
}

func (r *Runner) ContinueOnError() bool { return r.continueOnError }

func defaultID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Run starts a new sequence of action with the initial arguments.
//
// The returned error is non-nil only for problems the caller must fix
// (nil action, invalid continuation arguments); slice failures are reported
// through RunResult.State == StateFailed.
func (r *Runner) Run(ctx context.Context, action Action, initial Args, budget Budget) (RunResult, error) {
	return r.Start(ctx, action, "", initial, budget)
}

// Start is Run with a caller-chosen sequence ID. An empty id gets a fresh one.
func (r *Runner) Start(ctx context.Context, action Action, id string, initial Args, budget Budget) (RunResult, error) {
	if action == nil {
		return RunResult{}, ErrNilAction
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = r.newID()
	}
	seq := &sequence{
		id:              id,
		action:          action,
		tracker:         NewTracker(),
		generation:      0,
		continueOnError: r.continueOnError,
	}
	return r.drive(ctx, seq, initial.Clone(), budget)
}

// Resume continues a paused sequence from cp.
//
// A checkpoint that is malformed or belongs to a different action is rejected
// with ErrInvalidContinuation before anything runs.
func (r *Runner) Resume(ctx context.Context, action Action, cp Checkpoint, budget Budget) (RunResult, error) {
	if action == nil {
		return RunResult{}, ErrNilAction
	}
	if err := cp.Validate(); err != nil {
		return RunResult{}, err
	}
	if cp.Action != action.Name() {
		return RunResult{}, InvalidContinuation("checkpoint %s is for action %q, not %q", cp.SequenceID, cp.Action, action.Name())
	}
	seq := &sequence{
		id:              cp.SequenceID,
		action:          action,
		tracker:         RestoreTracker(cp.Progress),
		generation:      cp.Generation,
		continueOnError: cp.ContinueOnError,
	}
	return r.drive(ctx, seq, cp.Next.Args(), budget)
}

type sequence struct {
	id              string
	action          Action
	tracker         *Tracker
	generation      int64
	continueOnError bool
}

func (r *Runner) drive(ctx context.Context, seq *sequence, args Args, budget Budget) (RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name := seq.action.Name()
	log := r.log.With(logx.String("seq", seq.id), logx.String("action", name))

	start := r.now()
	var deadline time.Time
	if budget.MaxDuration > 0 {
		deadline = start.Add(budget.MaxDuration)
	}

	ran := 0
	if err := ctx.Err(); err != nil {
		return r.pause(seq, args, ran, err), nil
	}
	for {
		number := seq.tracker.p.Slices + 1
		s := newSlice(number, deadline, r.now, seq.continueOnError)

		sliceStart := r.now()
		out := r.invoke(ctx, seq.action, args, s, log)
		took := r.now().Sub(sliceStart)
		ran++

		if out.kind == OutcomeError && errors.Is(out.err, ErrInvalidContinuation) {
			log.Warn("invalid continuation", logx.Int("slice", number), logx.Err(out.err))
			return RunResult{}, fmt.Errorf("%s slice %d: %w", name, number, out.err)
		}

		seq.tracker.merge(s, took)
		r.observe(seq, s, number, took, out.kind)

		// Item failures stop the sequence unless errors are tolerated,
		// whatever the Action asked for next.
		if s.hasFailures() && !seq.continueOnError {
			first := s.failures[0]
			log.Warn("sequence failed", logx.Int("slice", number), logx.String("item", first.ItemID), logx.String("err", first.Message))
			return r.result(seq, StateFailed, nil, nil, ran, &first), nil
		}

		switch out.kind {
		case OutcomeComplete:
			log.Debug("sequence completed", logx.Int("slices", seq.tracker.p.Slices), logx.Int("succeeded", seq.tracker.p.Succeeded))
			return r.result(seq, StateCompleted, out.result, nil, ran, nil), nil

		case OutcomeContinue:
			args = out.next.Args()

		case OutcomeError:
			se := newSliceError(out.errKind, "", number, r.now(), out.err)
			seq.tracker.recordError(se)
			next, ok := out.Next()
			if !seq.continueOnError || !ok {
				log.Warn("sequence failed", logx.Int("slice", number), logx.String("kind", se.Kind), logx.String("err", se.Message))
				return r.result(seq, StateFailed, nil, nil, ran, &se), nil
			}
			log.Debug("slice error tolerated", logx.Int("slice", number), logx.String("kind", se.Kind), logx.String("err", se.Message))
			args = next.Args()

		default:
			se := newSliceError(KindInvalidOutcome, "", number, r.now(), fmt.Errorf("action returned %s outcome", out.kind))
			seq.tracker.recordError(se)
			log.Error("invalid outcome", logx.Int("slice", number))
			return r.result(seq, StateFailed, nil, nil, ran, &se), nil
		}

		if budget.exhausted(ran, r.now().Sub(start)) {
			log.Debug("sequence paused", logx.Int("slices_run", ran))
			return r.pause(seq, args, ran, ErrBudgetExceeded), nil
		}
		if err := ctx.Err(); err != nil {
			log.Debug("sequence paused by context", logx.Err(err))
			return r.pause(seq, args, ran, err), nil
		}
	}
}

func (r *Runner) invoke(ctx context.Context, action Action, args Args, s *Slice, log logx.Logger) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("action panic", logx.Int("slice", s.number), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			out = Fail(KindPanic, fmt.Errorf("panic: %v", p))
		}
	}()
	return action.Run(ctx, args, s)
}

func (r *Runner) observe(seq *sequence, s *Slice, number int, took time.Duration, kind OutcomeKind) {
	if r.observer == nil {
		return
	}
	r.observer.SliceDone(SliceEvent{
		SequenceID: seq.id,
		Action:     seq.action.Name(),
		Number:     number,
		Took:       took,
		Outcome:    kind,
		Succeeded:  s.succeeded,
		Failed:     len(s.failures),
	})
}

func (r *Runner) pause(seq *sequence, args Args, ran int, reason error) RunResult {
	cp := &Checkpoint{
		SequenceID:      seq.id,
		Action:          seq.action.Name(),
		Next:            NewNextArgs(args),
		Progress:        seq.tracker.Snapshot(),
		Generation:      seq.generation + 1,
		ContinueOnError: seq.continueOnError,
	}
	res := r.result(seq, StatePaused, nil, cp, ran, nil)
	res.Err = reason
	return res
}

func (r *Runner) result(seq *sequence, state State, value any, cp *Checkpoint, ran int, se *SliceError) RunResult {
	res := RunResult{
		SequenceID: seq.id,
		Action:     seq.action.Name(),
		State:      state,
		Result:     value,
		Checkpoint: cp,
		Progress:   seq.tracker.Snapshot(),
		SlicesRun:  ran,
	}
	if se != nil {
		e := *se
		res.Err = &e
	}
	return res
}
