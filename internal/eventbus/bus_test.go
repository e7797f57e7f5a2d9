package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "x"})
	}
	if got := len(ch); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}
	pub, drop := b.Stats()
	if pub != 5 || drop != 4 {
		t.Fatalf("stats = %d/%d", pub, drop)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(2)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open")
	}
	b.Publish(Event{Type: "after"})
}

func TestPumpFiltersAndStopsOnError(t *testing.T) {
	t.Parallel()
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stop := errors.New("stop")
	var seen []string
	done := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		close(ready)
		done <- Pump(ctx, b, 16, HasPrefix("sequence."), func(_ context.Context, e Event) error {
			seen = append(seen, e.Type)
			if e.Type == "sequence.completed" {
				return stop
			}
			return nil
		})
	}()
	<-ready
	// Wait until the pump has subscribed.
	for {
		b.mu.RLock()
		n := len(b.subs)
		b.mu.RUnlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	b.Publish(Event{Type: "job.started"})
	b.Publish(Event{Type: "sequence.started"})
	b.Publish(Event{Type: "sequence.completed"})

	if err := <-done; !errors.Is(err, stop) {
		t.Fatalf("Pump err = %v", err)
	}
	if len(seen) != 2 || seen[0] != "sequence.started" {
		t.Fatalf("seen = %v", seen)
	}
}
