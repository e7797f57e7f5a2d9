package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"longrunner/internal/task/engine"
	logx "longrunner/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
		spec     string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron", spec: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron", spec: "0 0 * * *"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron", spec: "@hourly"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute, spec: "@every 10m0s"},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second, spec: "@every 45s"},
		{name: "every prefix", raw: "EVERY:00:05", kind: SpecInterval, source: "hhmm", duration: 5 * time.Minute, spec: "@every 5m0s"},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute, spec: "@every 1h30m0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if got.Spec() != tt.spec {
				t.Fatalf("Spec() = %q, want %q", got.Spec(), tt.spec)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:75", "-5m", "cron:", "interval:0s"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}
	for _, bad := range []string{"24:00", "12", "12:60", "aa:10"} {
		if _, _, err := parseHHMM(bad); err == nil {
			t.Fatalf("parseHHMM(%q): expected error", bad)
		}
	}
}

func TestSpreadIntervalFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := spreadInterval(10*time.Second, now, "x")
	if jitter < 0 || jitter >= 10*time.Second || jitter%time.Second != 0 {
		t.Fatalf("jitter = %v", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(10*time.Second + jitter); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	if second := sched.Next(first); second.Sub(first) != 10*time.Second {
		t.Fatalf("second run %v after first", second.Sub(first))
	}
}

func TestSpreadIntervalKeepsGapFromFractionalNow(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 730_000_000, time.UTC)
	for i := 0; i < 20; i++ {
		sched, _ := spreadInterval(10*time.Second, now, "frac")
		first := sched.Next(now)
		if first.Nanosecond() != 0 {
			t.Fatalf("first = %v, not on a whole second", first)
		}
		if first.Before(now.Add(10 * time.Second)) {
			t.Fatalf("first = %v, earlier than one interval", first)
		}
		if gap := sched.Next(first).Sub(first); gap != 10*time.Second {
			t.Fatalf("gap = %v", gap)
		}
	}
}

func TestScheduleEnqueuesIntoEngine(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	ctx := context.Background()
	eng.Start(ctx)
	defer eng.Stop(ctx)

	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop())
	var runs atomic.Int32
	if err := s.AddSchedule("tick", "@every 1s", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	s.Start(ctx)
	defer s.Stop(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("schedule never fired")
		}
		time.Sleep(20 * time.Millisecond)
	}

	snap := s.Snapshot()
	if !snap.Running || len(snap.Schedules) != 1 || snap.Schedules[0].Name != "tick" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Schedules[0].Prev.IsZero() {
		t.Fatal("Prev not recorded")
	}
}

func TestAddReplaceAndRemove(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, nil, logx.Nop())
	noop := func(context.Context) error { return nil }

	if err := s.AddSchedule("a", "5m", 0, noop); err != nil {
		t.Fatal(err)
	}
	if err := s.AddSchedule("a", "*/10 * * * *", 0, noop); err != nil {
		t.Fatal(err)
	}
	if err := s.AddDaily("b", "03:30", 0, noop); err != nil {
		t.Fatal(err)
	}
	if err := s.AddSchedule("", "5m", 0, noop); err == nil {
		t.Fatal("expected error for empty name")
	}

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)
	if err := s.AddSchedule("bad", "61 * * * *", 0, noop); err == nil {
		t.Fatal("expected error for out-of-range cron")
	}

	snap := s.Snapshot()
	if len(snap.Schedules) != 2 {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if snap.Schedules[0].Spec != "*/10 * * * *" || snap.Schedules[1].Spec != "30 3 * * *" {
		t.Fatalf("specs = %q, %q", snap.Schedules[0].Spec, snap.Schedules[1].Spec)
	}
	if snap.Schedules[1].Next.IsZero() {
		t.Fatal("daily schedule has no next run")
	}
	if !s.Remove("a") || s.Remove("a") {
		t.Fatal("Remove should succeed exactly once")
	}
	if got := len(s.Snapshot().Schedules); got != 1 {
		t.Fatalf("schedules after remove = %d", got)
	}
}
