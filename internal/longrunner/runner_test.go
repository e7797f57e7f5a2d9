package longrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"
)

// countingAction walks items [1..n] in slices of size, failing the items in fail.
// Its only argument is the next 0-based cursor.
type countingAction struct {
	n       int
	size    int
	fail    map[int]bool
	visited []int
	calls   int
}

func (a *countingAction) Name() string { return "counting" }

func (a *countingAction) Run(ctx context.Context, args Args, s *Slice) Outcome {
	a.calls++
	cursor := 0
	if args.Len() > 0 {
		if err := args.Decode(0, &cursor); err != nil {
			return Fail("args", err)
		}
	}
	if cursor < 0 || cursor > a.n {
		return Fail("args", InvalidContinuation("cursor %d out of range", cursor))
	}
	s.SetTotal(a.n)
	end := cursor + a.size
	if end > a.n {
		end = a.n
	}
	for i := cursor; i < end; i++ {
		item := i + 1
		a.visited = append(a.visited, item)
		if a.fail[item] {
			if !s.Failed(strconv.Itoa(item), fmt.Errorf("item %d broken", item)) {
				return Continue(mustNext(i + 1))
			}
			continue
		}
		s.Succeeded(strconv.Itoa(item))
	}
	if end >= a.n {
		return Complete(end)
	}
	return Continue(mustNext(end))
}

func mustNext(cursor int) NextArgs {
	n, err := EncodeNextArgs(cursor)
	if err != nil {
		panic(err)
	}
	return n
}

func TestRunTwoSlicesPerCallScenario(t *testing.T) {
	t.Parallel()
	act := &countingAction{n: 10, size: 3}
	r := NewRunner()

	res, err := r.Run(context.Background(), act, nil, Slices(2))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.State != StatePaused {
		t.Fatalf("State = %s, want paused", res.State)
	}
	if res.SlicesRun != 2 {
		t.Fatalf("SlicesRun = %d, want 2", res.SlicesRun)
	}
	if res.Progress.Succeeded != 6 {
		t.Fatalf("Succeeded = %d, want 6", res.Progress.Succeeded)
	}
	if !errors.Is(res.Err, ErrBudgetExceeded) {
		t.Fatalf("pause reason = %v, want ErrBudgetExceeded", res.Err)
	}
	var cursor int
	if err := res.Checkpoint.Next.Args().Decode(0, &cursor); err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	if cursor != 6 {
		t.Fatalf("cursor = %d, want 6 (item 7)", cursor)
	}

	res2, err := r.Resume(context.Background(), act, *res.Checkpoint, Slices(2))
	if err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	if res2.State != StateCompleted {
		t.Fatalf("State = %s, want completed", res2.State)
	}
	if res2.Progress.Processed() != 10 || res2.Progress.Failed != 0 {
		t.Fatalf("progress = %+v, want 10 processed and 0 errors", res2.Progress)
	}
	if res2.Checkpoint != nil {
		t.Fatal("completed result must not carry a checkpoint")
	}
	if got := res2.Result; got != 10 {
		t.Fatalf("Result = %v, want 10", got)
	}
	for i, item := range act.visited {
		if item != i+1 {
			t.Fatalf("visited[%d] = %d; items skipped or repeated: %v", i, item, act.visited)
		}
	}
}

func TestRunFailsOnSliceErrorWithoutContinue(t *testing.T) {
	t.Parallel()
	act := &countingAction{n: 5, size: 5, fail: map[int]bool{3: true}}

	res, err := NewRunner().Run(context.Background(), act, nil, Unlimited())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.State != StateFailed {
		t.Fatalf("State = %s, want failed", res.State)
	}
	if res.Progress.Succeeded != 2 || res.Progress.Failed != 1 || res.Progress.Processed() != 3 {
		t.Fatalf("progress = %+v, want 2 successes + 1 error", res.Progress)
	}
	if len(act.visited) != 3 || act.visited[2] != 3 {
		t.Fatalf("visited = %v, sequence advanced past item 3", act.visited)
	}
	if !IsSliceError(res.Err) {
		t.Fatalf("Err = %v, want *SliceError", res.Err)
	}
	if res.Progress.Errors[0].ItemID != "3" {
		t.Fatalf("error item = %q, want 3", res.Progress.Errors[0].ItemID)
	}
}

func TestRunContinueOnErrorRecordsAndProceeds(t *testing.T) {
	t.Parallel()
	act := &countingAction{n: 5, size: 2, fail: map[int]bool{3: true}}

	res, err := NewRunner(WithContinueOnError(true)).Run(context.Background(), act, nil, Unlimited())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("State = %s, want completed", res.State)
	}
	if res.Progress.Succeeded != 4 || res.Progress.Failed != 1 {
		t.Fatalf("progress = %+v", res.Progress)
	}
	if len(res.Progress.FailedIDs) != 1 || res.Progress.FailedIDs[0] != "3" {
		t.Fatalf("FailedIDs = %v", res.Progress.FailedIDs)
	}
}

func TestRunCompletesOnFirstInvocation(t *testing.T) {
	t.Parallel()
	act := &countingAction{n: 4, size: 10}

	res, err := NewRunner().Run(context.Background(), act, nil, OneSlice())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.State != StateCompleted || res.SlicesRun != 1 || act.calls != 1 {
		t.Fatalf("state=%s slices=%d calls=%d, want completed after one invocation", res.State, res.SlicesRun, act.calls)
	}
	if res.Checkpoint != nil {
		t.Fatal("unexpected continuation")
	}
}

func TestFailedOutcomeHonoursWithNext(t *testing.T) {
	t.Parallel()
	calls := 0
	act := NewAction("flaky", func(ctx context.Context, args Args, s *Slice) Outcome {
		calls++
		if calls == 1 {
			return Fail("remote", errors.New("timeout")).WithNext(mustNext(1))
		}
		s.Succeeded("")
		return Complete(nil)
	})

	res, err := NewRunner(WithContinueOnError(true)).Run(context.Background(), act, nil, Unlimited())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.State != StateCompleted || res.Progress.Failed != 1 || res.Progress.Errors[0].Kind != "remote" {
		t.Fatalf("unexpected result: state=%s progress=%+v", res.State, res.Progress)
	}

	calls = 0
	res, err = NewRunner().Run(context.Background(), act, nil, Unlimited())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.State != StateFailed || calls != 1 {
		t.Fatalf("state=%s calls=%d, want failed after first slice", res.State, calls)
	}
}

func TestFailedOutcomeWithoutNextStopsEvenWhenTolerated(t *testing.T) {
	t.Parallel()
	act := NewAction("stuck", func(ctx context.Context, args Args, s *Slice) Outcome {
		return Fail("", errors.New("no way forward"))
	})
	res, err := NewRunner(WithContinueOnError(true)).Run(context.Background(), act, nil, Unlimited())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.State != StateFailed || res.Progress.Errors[0].Kind != KindSlice {
		t.Fatalf("state=%s errors=%+v", res.State, res.Progress.Errors)
	}
}

func TestInvalidContinuationIsSurfaced(t *testing.T) {
	t.Parallel()
	act := &countingAction{n: 5, size: 2}
	r := NewRunner()

	_, err := r.Run(context.Background(), act, MustEncodeArgs("not-a-number"), Unlimited())
	if !errors.Is(err, ErrInvalidContinuation) {
		t.Fatalf("err = %v, want ErrInvalidContinuation", err)
	}

	tests := []struct {
		name string
		cp   Checkpoint
	}{
		{name: "no id", cp: Checkpoint{Action: "counting", Next: mustNext(1), Generation: 1}},
		{name: "other action", cp: Checkpoint{SequenceID: "s", Action: "other", Next: mustNext(1), Generation: 1}},
		{name: "no args", cp: Checkpoint{SequenceID: "s", Action: "counting", Generation: 1}},
		{name: "no generation", cp: Checkpoint{SequenceID: "s", Action: "counting", Next: mustNext(1)}},
		{name: "cursor out of range", cp: Checkpoint{SequenceID: "s", Action: "counting", Next: mustNext(99), Generation: 1}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resume(context.Background(), act, tt.cp, Unlimited())
			if !errors.Is(err, ErrInvalidContinuation) {
				t.Fatalf("err = %v, want ErrInvalidContinuation", err)
			}
		})
	}
}

func TestPanicBecomesSliceError(t *testing.T) {
	t.Parallel()
	act := NewAction("boom", func(ctx context.Context, args Args, s *Slice) Outcome {
		panic("kaboom")
	})
	res, err := NewRunner().Run(context.Background(), act, nil, Unlimited())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.State != StateFailed || res.Progress.Errors[0].Kind != KindPanic {
		t.Fatalf("state=%s errors=%+v", res.State, res.Progress.Errors)
	}
}

func TestZeroOutcomeFails(t *testing.T) {
	t.Parallel()
	act := NewAction("lazy", func(ctx context.Context, args Args, s *Slice) Outcome { return Outcome{} })
	res, err := NewRunner().Run(context.Background(), act, nil, Unlimited())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.State != StateFailed || res.Progress.Errors[0].Kind != KindInvalidOutcome {
		t.Fatalf("state=%s errors=%+v", res.State, res.Progress.Errors)
	}
}

func TestTimeBudgetPauses(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	act := NewAction("ticker", func(ctx context.Context, args Args, s *Slice) Outcome {
		var cursor int
		_ = args.Decode(0, &cursor)
		for !s.Exhausted() && cursor < 100 {
			cursor++
			s.Succeeded("")
			now = now.Add(time.Second)
		}
		if cursor >= 100 {
			return Complete(cursor)
		}
		return Continue(mustNext(cursor))
	})

	r := NewRunner(WithClock(clock))
	res, err := r.Run(context.Background(), act, MustEncodeArgs(0), Timed(10*time.Second))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.State != StatePaused || res.Progress.Succeeded != 10 || res.SlicesRun != 1 {
		t.Fatalf("state=%s succeeded=%d slices=%d", res.State, res.Progress.Succeeded, res.SlicesRun)
	}
}

func TestCanceledContextPausesInsteadOfFailing(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	act := NewAction("cancel", func(c context.Context, args Args, s *Slice) Outcome {
		var cursor int
		_ = args.Decode(0, &cursor)
		s.Succeeded("")
		if cursor == 1 {
			cancel()
		}
		return Continue(mustNext(cursor + 1))
	})

	res, err := NewRunner().Run(ctx, act, MustEncodeArgs(0), Unlimited())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.State != StatePaused || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("state=%s err=%v", res.State, res.Err)
	}
	if res.Checkpoint == nil || res.Checkpoint.Generation != 1 {
		t.Fatalf("checkpoint = %+v", res.Checkpoint)
	}
}

func TestCheckpointJSONRoundTripResumesAtCursor(t *testing.T) {
	t.Parallel()
	act := &countingAction{n: 7, size: 2}
	r := NewRunner()

	res, err := r.Run(context.Background(), act, nil, OneSlice())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	for res.State == StatePaused {
		b, err := json.Marshal(res.Checkpoint)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		cp, err := UnmarshalCheckpoint(b)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if !cp.Next.Args().Equal(res.Checkpoint.Next.Args()) {
			t.Fatalf("args changed across round trip")
		}
		res, err = r.Resume(context.Background(), act, cp, OneSlice())
		if err != nil {
			t.Fatalf("Resume error: %v", err)
		}
	}
	if res.State != StateCompleted || res.Progress.Succeeded != 7 {
		t.Fatalf("state=%s progress=%+v", res.State, res.Progress)
	}
	if len(act.visited) != 7 {
		t.Fatalf("visited = %v", act.visited)
	}
}

type recordingObserver struct{ events []SliceEvent }

func (o *recordingObserver) SliceDone(ev SliceEvent) { o.events = append(o.events, ev) }

func TestObserverSeesEverySlice(t *testing.T) {
	t.Parallel()
	obs := &recordingObserver{}
	act := &countingAction{n: 5, size: 2}
	res, err := NewRunner(WithObserver(obs), WithIDGenerator(func() string { return "seq-1" })).Run(context.Background(), act, nil, Unlimited())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.SequenceID != "seq-1" {
		t.Fatalf("SequenceID = %q", res.SequenceID)
	}
	if len(obs.events) != 3 {
		t.Fatalf("events = %d, want 3", len(obs.events))
	}
	last := obs.events[2]
	if last.Number != 3 || last.Outcome != OutcomeComplete || last.Succeeded != 1 {
		t.Fatalf("last event = %+v", last)
	}
}

func TestNextArgsIsImmutable(t *testing.T) {
	t.Parallel()
	src := MustEncodeArgs(1, "a")
	n := NewNextArgs(src)
	src[0] = json.RawMessage("99")

	got := n.Args()
	var v int
	if err := got.Decode(0, &v); err != nil || v != 1 {
		t.Fatalf("stored args changed with caller slice: v=%d err=%v", v, err)
	}
	got[1] = json.RawMessage(`"b"`)
	var s string
	if err := n.Args().Decode(1, &s); err != nil || s != "a" {
		t.Fatalf("stored args changed through accessor: s=%q err=%v", s, err)
	}
}
