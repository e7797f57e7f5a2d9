package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"longrunner/internal/eventbus"
	logx "longrunner/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, *eventbus.MemBus) {
	t.Helper()
	cfg.Enabled = true
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestOverlapKeyIsTheSequence(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 2})

	gate := make(chan struct{})
	ran := make(chan struct{})
	job := Job{Name: "resume", Sequence: "seq-1", Action: "batch", Run: func(ctx context.Context) error {
		close(ran)
		<-gate
		return nil
	}}
	if err := s.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, ran)

	if err := s.Enqueue(job); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err = %v, want ErrOverlapSkip", err)
	}
	other := make(chan struct{})
	if err := s.Enqueue(Job{Name: "resume", Sequence: "seq-2", Action: "batch", Run: func(ctx context.Context) error {
		close(other)
		return nil
	}}); err != nil {
		t.Fatalf("other sequence: %v", err)
	}
	waitFor(t, other)
	close(gate)
}

func TestRetriesUntilSuccessAndNoRetryStops(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 3})
	events, unsub := bus.Subscribe(64)
	defer unsub()

	var calls atomic.Int32
	done := make(chan struct{})
	err := s.Enqueue(Job{Name: "flaky", Opt: JobOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, Run: func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, done)

	var permanent atomic.Int32
	if err := s.Enqueue(Job{Name: "broken", Run: func(ctx context.Context) error {
		permanent.Add(1)
		return NoRetry(errors.New("bad input"))
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.After(5 * time.Second)
	var finished, failed bool
	for !finished || !failed {
		select {
		case e := <-events:
			ev, _ := e.Data.(JobEvent)
			switch {
			case e.Type == EventJobFinished && ev.Name == "flaky":
				finished = true
				if ev.Attempts != 3 {
					t.Fatalf("attempts = %d, want 3", ev.Attempts)
				}
			case e.Type == EventJobFailed && ev.Name == "broken":
				failed = true
				if ev.Attempts != 1 || ev.Error != "bad input" {
					t.Fatalf("failed event = %+v", ev)
				}
			}
		case <-deadline:
			t.Fatal("events not seen")
		}
	}
	if permanent.Load() != 1 {
		t.Fatalf("NoRetry job ran %d times", permanent.Load())
	}
}

func TestCircuitOpensPerAction(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, CircuitTripFailures: 2, CircuitBaseDelay: time.Hour})
	events, unsub := bus.Subscribe(64)
	defer unsub()

	fail := Job{Name: "resume", Action: "recount", Opt: JobOptions{RetryMax: -1, Overlap: OverlapAllow}, Run: func(ctx context.Context) error {
		return errors.New("db down")
	}}
	for i := 0; i < 2; i++ {
		if err := s.Enqueue(fail); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	seen := 0
	for seen < 2 {
		select {
		case e := <-events:
			if e.Type == EventJobFailed {
				seen++
			}
		case <-time.After(5 * time.Second):
			t.Fatal("failures not seen")
		}
	}
	if err := s.Enqueue(fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	ok := make(chan struct{})
	if err := s.Enqueue(Job{Name: "resume", Action: "batch", Run: func(ctx context.Context) error {
		close(ok)
		return nil
	}}); err != nil {
		t.Fatalf("other action blocked: %v", err)
	}
	waitFor(t, ok)
	if snap := s.Snapshot(); snap.CircuitOpen != 1 {
		t.Fatalf("CircuitOpen = %d", snap.CircuitOpen)
	}
}

func TestDisabledAndStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	run := func(ctx context.Context) error { return nil }
	if err := s.Enqueue(Job{Name: "x", Run: run}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v", err)
	}
	s = New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Enqueue(Job{Name: "x", Run: run}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v", err)
	}
	if err := s.Enqueue(Job{Name: " ", Run: run}); err == nil {
		t.Fatal("empty name accepted")
	}
}

func TestBackoffIsBounded(t *testing.T) {
	t.Parallel()
	opt := JobOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}
	rng := rand.New(rand.NewSource(1))
	tests := []struct {
		retry  int
		lo, hi time.Duration
	}{
		{1, 80 * time.Millisecond, 120 * time.Millisecond},
		{3, 320 * time.Millisecond, 480 * time.Millisecond},
		{10, 800 * time.Millisecond, time.Second},
	}
	for _, tt := range tests {
		if d := backoffDelay(opt, tt.retry, nil); d < tt.lo || d > tt.hi {
			t.Fatalf("retry %d without jitter: %v", tt.retry, d)
		}
		for i := 0; i < 50; i++ {
			if d := backoffDelay(opt, tt.retry, rng); d < tt.lo || d > tt.hi {
				t.Fatalf("retry %d: %v outside [%v, %v]", tt.retry, d, tt.lo, tt.hi)
			}
		}
	}
	if d := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), time.Hour), nil); d != time.Second {
		t.Fatalf("hint not capped: %v", d)
	}
}
