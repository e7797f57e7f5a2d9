package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"runtime/debug"
	"time"

	logx "longrunner/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedJob, idx int) {
	// Per-worker RNG keeps retry jitter off the global lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj := <-queue:
			release, ok := s.acquireGroup(qj)
			if !ok {
				// Action at capacity: requeue and look at other work.
				select {
				case queue <- qj:
				default:
					if qj.state != nil {
						qj.state.release()
					}
					s.onQueueFull(time.Now(), qj.job, queue)
				}
				runtime.Gosched()
				continue
			}
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qj, rng)
			s.inFlight.Add(-1)
			release()
		}
	}
}

func (s *Service) acquireGroup(qj queuedJob) (func(), bool) {
	if qj.opt.ConcurrencyLimit <= 0 {
		return func() {}, true
	}
	gs := s.groups.get(qj.job.actionKey(), qj.opt.ConcurrencyLimit)
	if gs == nil {
		return func() {}, true
	}
	if !gs.tryAcquire() {
		return nil, false
	}
	return gs.release, true
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qj queuedJob, rng *rand.Rand) {
	start := time.Now()
	delay := max(start.Sub(qj.enqueuedAt), 0)
	if qj.state != nil {
		defer qj.state.release()
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	j := qj.job
	item := s.item(j, start, "")
	item.QueueDelay = delay

	if cfg.MaxQueueDelay > 0 && delay > cfg.MaxQueueDelay {
		s.onStale(start, j, delay)
		item.Error = "stale_queue_delay"
		s.record(item, cfg)
		return
	}

	log := s.log.With(logx.String("job", j.Name), logx.String("id", j.ID))
	if j.Sequence != "" {
		log = log.With(logx.String("seq", j.Sequence))
	}
	log.Debug("job started", logx.Duration("queue_delay", delay))
	s.publish(EventJobStarted, item)

	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= 1+qj.opt.RetryMax; attempt++ {
		attempts = attempt
		err = s.runAttempt(ctx, qj, log)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt > qj.opt.RetryMax {
			break
		}
		wait := backoffDelayWithHint(qj.opt, attempt, err, rng)
		log.Debug("job retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			t.Stop()
			err = ErrStopping
			break attemptLoop
		case <-t.C:
		}
	}

	item.Duration = time.Since(start)
	item.Attempts = attempts
	s.circuitRecordResult(time.Now(), j.actionKey(), cfg, qj.opt, err)
	if err != nil {
		item.Error = err.Error()
		log.Warn("job failed", logx.Err(err), logx.Duration("dur", item.Duration), logx.Int("attempts", attempts))
		s.publish(EventJobFailed, item)
	} else {
		if item.Duration >= 750*time.Millisecond {
			log.Info("job completed", logx.Duration("dur", item.Duration), logx.Int("attempts", attempts))
		} else {
			log.Debug("job completed", logx.Duration("dur", item.Duration), logx.Int("attempts", attempts))
		}
		s.publish(EventJobFinished, item)
	}

	s.record(item, cfg)
}

func (s *Service) runAttempt(ctx context.Context, qj queuedJob, log logx.Logger) (err error) {
	runCtx := ctx
	if qj.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qj.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qj.job.Run(runCtx)
}

func backoffDelayWithHint(opt JobOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return jitter(min(max(ra.RetryAfter(), 0), opt.RetryMaxDelay), opt, rng)
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt JobOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	return jitter(min(d, opt.RetryMaxDelay), opt, rng)
}

func jitter(d time.Duration, opt JobOptions, rng *rand.Rand) time.Duration {
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
