// Package sequences runs, persists and resumes long-running action sequences.
//
// A sequence moves through the store like this:
//
//	Start:  gen 1 running -> gen 2 paused|completed|failed
//	Resume: gen g paused  -> gen g+1 running (claim) -> gen g+2 result
//
// Every write names the generation it replaces, so two callers racing to
// resume the same sequence cannot both claim it.
package sequences

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"longrunner/internal/eventbus"
	"longrunner/internal/longrunner"
	"longrunner/internal/longrunner/callback"
	"longrunner/internal/metrics"
	"longrunner/internal/storage"
	"longrunner/internal/task/engine"
	logx "longrunner/pkg/logx"
)

const persistTimeout = 10 * time.Second

// Deps are the collaborators of a Service. Store and Registry are required.
type Deps struct {
	Registry *Registry
	Store    storage.Store
	Runner   *longrunner.Runner
	Codec    *callback.Codec
	Engine   *engine.Service
	Bus      eventbus.Bus
	Metrics  *metrics.Collector
	Log      logx.Logger
}

type Service struct {
	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	reg     *Registry
	store   storage.Store
	runner  *longrunner.Runner
	codec   *callback.Codec
	engine  *engine.Service
	bus     eventbus.Bus
	metrics *metrics.Collector
	log     logx.Logger

	flight singleflight.Group
	now    func() time.Time
}

func New(cfg Config, d Deps) (*Service, error) {
	if d.Registry == nil {
		return nil, errors.New("sequences: registry is required")
	}
	if d.Store == nil {
		return nil, errors.New("sequences: store is required")
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "sequences"))
	runner := d.Runner
	if runner == nil {
		runner = longrunner.NewRunner()
	}
	runner = runner.With(longrunner.WithLogger(log))
	if d.Metrics != nil {
		runner = runner.With(longrunner.WithObserver(d.Metrics))
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.ResumeRate), cfg.ResumeBurst),
		reg:     d.Registry,
		store:   d.Store,
		runner:  runner,
		codec:   d.Codec,
		engine:  d.Engine,
		bus:     d.Bus,
		metrics: d.Metrics,
		log:     log,
		now:     time.Now,
	}, nil
}

// Apply swaps the runtime configuration.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter.SetLimit(rate.Limit(cfg.ResumeRate))
	s.limiter.SetBurst(cfg.ResumeBurst)
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) Registry() *Registry { return s.reg }

// Start creates a sequence of action and runs it within the budget.
func (s *Service) Start(ctx context.Context, action string, args longrunner.Args, opt StartOptions) (Report, error) {
	cfg := s.config()
	act, ok := s.reg.Lookup(action)
	if !ok {
		return Report{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	id := strings.TrimSpace(opt.ID)
	if id == "" {
		id = newSequenceID()
	}
	budget := cfg.DefaultBudget
	if opt.Budget != nil {
		budget = *opt.Budget
	}
	coe := cfg.ContinueOnError
	if opt.ContinueOnError != nil {
		coe = *opt.ContinueOnError
	}

	next, err := longrunner.NewNextArgs(args).MarshalJSON()
	if err != nil {
		return Report{}, err
	}
	now := s.now().UTC()
	claim := storage.SequenceRecord{
		ID:              id,
		Action:          act.Name(),
		State:           string(longrunner.StateRunning),
		Generation:      1,
		NextArgs:        next,
		ContinueOnError: coe,
		AutoResume:      opt.AutoResume,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.PutSequence(ctx, claim); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return Report{}, fmt.Errorf("%w: %s", ErrDuplicate, id)
		}
		return Report{}, fmt.Errorf("sequences: save %s: %w", id, err)
	}
	s.publish(EventStarted, Report{SequenceID: id, Action: act.Name(), State: longrunner.StateRunning, Generation: 1, UpdatedAt: now})

	started := s.now()
	runner := s.runner.With(longrunner.WithContinueOnError(coe))
	res, runErr := runner.Start(ctx, act, id, args, budget)
	if runErr != nil {
		s.fail(ctx, claim, "start", runErr)
		return Report{}, runErr
	}
	return s.persist(ctx, claim, res, "start", s.now().Sub(started))
}

// Resume continues the paused sequence id. A nil budget uses the default.
// Concurrent calls for the same id share one run.
func (s *Service) Resume(ctx context.Context, id string, budget *longrunner.Budget) (Report, error) {
	id = strings.TrimSpace(id)
	v, err, _ := s.flight.Do(id, func() (any, error) {
		return s.resume(ctx, id, nil, budget)
	})
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

// ResumeToken continues the sequence a callback token points at. The token
// must be the latest one issued for it.
func (s *Service) ResumeToken(ctx context.Context, token string, budget *longrunner.Budget) (Report, error) {
	if s.codec == nil {
		return Report{}, ErrNoCodec
	}
	cp, err := s.codec.Decode(token)
	if err != nil {
		s.rejected("bad_token")
		return Report{}, err
	}
	key := callback.TokenID(cp.SequenceID, cp.Generation)
	v, err, _ := s.flight.Do(key, func() (any, error) {
		return s.resume(ctx, cp.SequenceID, &cp, budget)
	})
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

func (s *Service) resume(ctx context.Context, id string, fromToken *longrunner.Checkpoint, budget *longrunner.Budget) (Report, error) {
	rec, err := s.store.GetSequence(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.rejected("not_found")
		return Report{}, longrunner.InvalidContinuation("sequence %s not found", id)
	}
	if err != nil {
		return Report{}, fmt.Errorf("sequences: load %s: %w", id, err)
	}
	switch longrunner.State(rec.State) {
	case longrunner.StatePaused:
	case longrunner.StateRunning:
		return Report{}, fmt.Errorf("%w: %s", ErrBusy, id)
	default:
		s.rejected("not_paused")
		return Report{}, longrunner.InvalidContinuation("sequence %s is %s", id, rec.State)
	}
	if fromToken != nil && fromToken.Generation != rec.Generation {
		s.rejected("stale_generation")
		return Report{}, longrunner.InvalidContinuation("token for %s is generation %d, sequence is at %d", id, fromToken.Generation, rec.Generation)
	}
	act, ok := s.reg.Lookup(rec.Action)
	if !ok {
		s.rejected("unknown_action")
		return Report{}, longrunner.InvalidContinuation("sequence %s: action %q is not registered", id, rec.Action)
	}
	cp, err := checkpointOf(rec)
	if err != nil {
		s.rejected("corrupt_record")
		return Report{}, err
	}

	claim := rec
	claim.State = string(longrunner.StateRunning)
	claim.Generation = rec.Generation + 1
	claim.UpdatedAt = s.now().UTC()
	if err := s.store.PutSequence(ctx, claim); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return Report{}, fmt.Errorf("%w: %s", ErrBusy, id)
		}
		return Report{}, fmt.Errorf("sequences: claim %s: %w", id, err)
	}
	s.publish(EventResumed, reportOf(claim, cp.Progress))

	b := s.config().DefaultBudget
	if budget != nil {
		b = *budget
	}
	started := s.now()
	res, runErr := s.runner.Resume(ctx, act, cp, b)
	if runErr != nil {
		s.fail(ctx, claim, "resume", runErr)
		return Report{}, runErr
	}
	return s.persist(ctx, claim, res, "resume", s.now().Sub(started))
}

// persist writes the outcome of a run over the claim record.
func (s *Service) persist(ctx context.Context, claim storage.SequenceRecord, res longrunner.RunResult, op string, took time.Duration) (Report, error) {
	cfg := s.config()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	progress, err := json.Marshal(res.Progress)
	if err != nil {
		return Report{}, err
	}
	rec := claim
	rec.State = string(res.State)
	rec.Generation = claim.Generation + 1
	rec.Progress = progress
	rec.UpdatedAt = s.now().UTC()
	rec.ResumeAfter = time.Time{}
	rec.LastError = ""

	switch res.State {
	case longrunner.StatePaused:
		next, err := res.Checkpoint.Next.MarshalJSON()
		if err != nil {
			return Report{}, err
		}
		rec.NextArgs = next
		if rec.AutoResume {
			rec.ResumeAfter = rec.UpdatedAt.Add(cfg.ResumeDelay)
		}
	case longrunner.StateFailed:
		if res.Err != nil {
			rec.LastError = res.Err.Error()
		}
		rec.NextArgs = nil
	default:
		rec.NextArgs = nil
	}

	if err := s.store.PutSequence(pctx, rec); err != nil {
		s.log.Error("sequence result not saved", logx.String("seq", rec.ID), logx.Int64("gen", rec.Generation), logx.Err(err))
		return Report{}, fmt.Errorf("sequences: save %s: %w", rec.ID, err)
	}

	rep := reportOf(rec, res.Progress)
	rep.Result = res.Result
	rep.SlicesRun = res.SlicesRun
	if res.State == longrunner.StatePaused && s.codec != nil {
		cp := *res.Checkpoint
		cp.Generation = rec.Generation
		tok, err := s.codec.Encode(cp)
		if err != nil {
			s.log.Warn("callback token not issued", logx.String("seq", rec.ID), logx.Err(err))
		} else {
			rep.Token = tok
		}
	}

	s.audit(pctx, rep, op, took)
	if s.metrics != nil {
		s.metrics.SequenceDone(rec.Action, res.State)
	}
	s.publish(eventFor(res.State), rep)

	fields := []logx.Field{
		logx.String("seq", rec.ID), logx.String("action", rec.Action), logx.String("state", rec.State),
		logx.Int("slices", res.SlicesRun), logx.Int("succeeded", res.Progress.Succeeded), logx.Int("failed", res.Progress.Failed),
	}
	if res.State == longrunner.StateFailed {
		s.log.Warn("sequence failed", append(fields, logx.String("err", rec.LastError))...)
	} else {
		s.log.Info("sequence "+op, fields...)
	}
	return rep, nil
}

// fail records a run that never produced a result.
func (s *Service) fail(ctx context.Context, claim storage.SequenceRecord, op string, cause error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	rec := claim
	rec.State = string(longrunner.StateFailed)
	rec.Generation = claim.Generation + 1
	rec.NextArgs = nil
	rec.LastError = cause.Error()
	rec.UpdatedAt = s.now().UTC()
	if err := s.store.PutSequence(pctx, rec); err != nil {
		s.log.Error("sequence failure not saved", logx.String("seq", rec.ID), logx.Err(err))
	}
	var p longrunner.Progress
	_ = json.Unmarshal(rec.Progress, &p)
	rep := reportOf(rec, p)
	s.audit(pctx, rep, op, 0)
	if s.metrics != nil {
		s.metrics.SequenceDone(rec.Action, longrunner.StateFailed)
	}
	s.publish(EventFailed, rep)
	s.log.Warn("sequence rejected its continuation", logx.String("seq", rec.ID), logx.String("action", rec.Action), logx.Err(cause))
}

// Status reports the stored state of id.
func (s *Service) Status(ctx context.Context, id string) (Report, error) {
	rec, err := s.store.GetSequence(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Report{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Report{}, err
	}
	if rec.State == stateCancelled {
		return Report{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.describe(rec), nil
}

func (s *Service) List(ctx context.Context, f storage.SequenceFilter) ([]Report, error) {
	recs, err := s.store.ListSequences(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]Report, 0, len(recs))
	for _, r := range recs {
		out = append(out, s.describe(r))
	}
	return out, nil
}

func (s *Service) describe(rec storage.SequenceRecord) Report {
	var p longrunner.Progress
	if len(rec.Progress) > 0 {
		if err := json.Unmarshal(rec.Progress, &p); err != nil {
			s.log.Debug("undecodable progress", logx.String("seq", rec.ID), logx.Err(err))
		}
	}
	rep := reportOf(rec, p)
	if rec.State == string(longrunner.StatePaused) && s.codec != nil {
		if cp, err := checkpointOf(rec); err == nil {
			if tok, err := s.codec.Encode(cp); err == nil {
				rep.Token = tok
			}
		}
	}
	return rep
}

// Cancel discards a sequence that is not currently running.
func (s *Service) Cancel(ctx context.Context, id string) error {
	rec, err := s.store.GetSequence(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	switch rec.State {
	case string(longrunner.StateRunning):
		return fmt.Errorf("%w: %s", ErrBusy, id)
	case stateCancelled:
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	// The tombstone is a generation write, so a resume that claimed rec
	// after we read it wins and the cancel is refused.
	tomb := rec
	tomb.State = stateCancelled
	tomb.Generation = rec.Generation + 1
	tomb.AutoResume = false
	tomb.ResumeAfter = time.Time{}
	tomb.UpdatedAt = s.now().UTC()
	if err := s.store.PutSequence(ctx, tomb); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("%w: %s changed while cancelling", ErrBusy, id)
		}
		return fmt.Errorf("sequences: cancel %s: %w", id, err)
	}
	if err := s.store.DeleteSequence(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("cancelled sequence left as tombstone", logx.String("seq", id), logx.Err(err))
	}
	rep := s.describe(rec)
	rep.Token = ""
	s.audit(ctx, rep, "cancel", 0)
	s.publish(EventCancelled, rep)
	s.log.Info("sequence cancelled", logx.String("seq", id), logx.String("action", rec.Action))
	return nil
}

// RecoverStale hands sequences stuck in running past the lease back as paused
// so they can be resumed from their last checkpoint. Items of the interrupted
// slice may be processed again.
func (s *Service) RecoverStale(ctx context.Context) (int, error) {
	cfg := s.config()
	cutoff := s.now().Add(-cfg.RunningLease)
	recs, err := s.store.ListSequences(ctx, storage.SequenceFilter{
		States:        []string{string(longrunner.StateRunning)},
		UpdatedBefore: cutoff,
		Limit:         cfg.ResumeBatch,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		back := rec
		back.State = string(longrunner.StatePaused)
		back.Generation = rec.Generation + 1
		back.UpdatedAt = s.now().UTC()
		if rec.AutoResume {
			back.ResumeAfter = back.UpdatedAt
		}
		if err := s.store.PutSequence(ctx, back); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return n, err
		}
		n++
		s.log.Warn("stale running sequence recovered", logx.String("seq", rec.ID), logx.Time("last_update", rec.UpdatedAt))
		s.publish(EventRecovered, s.describe(back))
	}
	return n, nil
}

// Purge deletes paused sequences older than PausedTTL and finished or
// cancelled ones older than FinishedTTL.
func (s *Service) Purge(ctx context.Context) (int, error) {
	cfg := s.config()
	now := s.now()
	total := 0
	if cfg.PausedTTL > 0 {
		n, err := s.store.PruneSequences(ctx, now.Add(-cfg.PausedTTL), []string{string(longrunner.StatePaused)})
		if err != nil {
			return total, err
		}
		total += n
	}
	if cfg.FinishedTTL > 0 {
		n, err := s.store.PruneSequences(ctx, now.Add(-cfg.FinishedTTL), []string{string(longrunner.StateCompleted), string(longrunner.StateFailed), stateCancelled})
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		s.log.Info("sequences purged", logx.Int("count", total))
		s.audit(ctx, Report{}, "purge", 0)
	}
	return total, nil
}

// ResumeAsync queues a resume of id on the job engine.
func (s *Service) ResumeAsync(ctx context.Context, id string) error {
	rec, err := s.store.GetSequence(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return s.enqueueResume(rec)
}

func (s *Service) enqueueResume(rec storage.SequenceRecord) error {
	if s.engine == nil {
		return ErrNoEngine
	}
	id := rec.ID
	return s.engine.Enqueue(engine.Job{
		Name:     jobResume,
		Sequence: id,
		Action:   rec.Action,
		Timeout:  s.config().JobTimeout,
		Run: func(ctx context.Context) error {
			_, err := s.Resume(ctx, id, nil)
			if err == nil {
				return nil
			}
			if errors.Is(err, longrunner.ErrInvalidContinuation) || errors.Is(err, ErrBusy) {
				return engine.NoRetry(err)
			}
			return err
		},
	})
}

// ResumeDue recovers stale runs, then queues every auto-resume sequence whose
// delay has passed, paced by the resume rate limit. It returns how many were queued.
func (s *Service) ResumeDue(ctx context.Context) (int, error) {
	if s.engine == nil {
		return 0, ErrNoEngine
	}
	if _, err := s.RecoverStale(ctx); err != nil {
		s.log.Warn("stale recovery failed", logx.Err(err))
	}
	cfg := s.config()
	due, err := s.store.ListSequences(ctx, storage.SequenceFilter{
		States:       []string{string(longrunner.StatePaused)},
		ResumeBefore: s.now(),
		Limit:        cfg.ResumeBatch,
	})
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, rec := range due {
		if err := s.limiter.Wait(ctx); err != nil {
			return queued, err
		}
		err := s.enqueueResume(rec)
		switch {
		case err == nil:
			queued++
		case errors.Is(err, engine.ErrOverlapSkip):
		case errors.Is(err, engine.ErrCircuitOpen):
			s.log.Debug("resume deferred: circuit open", logx.String("seq", rec.ID), logx.String("action", rec.Action))
		default:
			return queued, err
		}
	}
	if queued > 0 {
		s.log.Debug("due sequences queued", logx.Int("count", queued))
	}
	return queued, nil
}

func (s *Service) audit(ctx context.Context, rep Report, op string, took time.Duration) {
	err := s.store.AppendAudit(ctx, storage.AuditEntry{
		At:        s.now(),
		Sequence:  rep.SequenceID,
		Action:    rep.Action,
		Operation: op,
		State:     string(rep.State),
		Slices:    rep.SlicesRun,
		OK:        rep.Progress.Succeeded,
		Fail:      rep.Progress.Failed,
		Error:     rep.Error,
		TookMS:    took.Milliseconds(),
	})
	if err != nil {
		s.log.Debug("audit append failed", logx.Err(err))
	}
}

func (s *Service) publish(typ string, rep Report) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: rep})
	}
}

func (s *Service) rejected(reason string) {
	if s.metrics != nil {
		s.metrics.ResumeRejected(reason)
	}
}

func eventFor(st longrunner.State) string {
	switch st {
	case longrunner.StatePaused:
		return EventPaused
	case longrunner.StateCompleted:
		return EventCompleted
	default:
		return EventFailed
	}
}

func reportOf(rec storage.SequenceRecord, p longrunner.Progress) Report {
	return Report{
		SequenceID:  rec.ID,
		Action:      rec.Action,
		State:       longrunner.State(rec.State),
		Generation:  rec.Generation,
		Progress:    p,
		AutoResume:  rec.AutoResume,
		ResumeAfter: rec.ResumeAfter,
		Error:       rec.LastError,
		UpdatedAt:   rec.UpdatedAt,
	}
}

func checkpointOf(rec storage.SequenceRecord) (longrunner.Checkpoint, error) {
	var next longrunner.NextArgs
	if err := json.Unmarshal(rec.NextArgs, &next); err != nil {
		return longrunner.Checkpoint{}, longrunner.InvalidContinuation("sequence %s: next args: %v", rec.ID, err)
	}
	var p longrunner.Progress
	if len(rec.Progress) > 0 {
		if err := json.Unmarshal(rec.Progress, &p); err != nil {
			return longrunner.Checkpoint{}, longrunner.InvalidContinuation("sequence %s: progress: %v", rec.ID, err)
		}
	}
	cp := longrunner.Checkpoint{
		SequenceID:      rec.ID,
		Action:          rec.Action,
		Next:            next,
		Progress:        p,
		Generation:      rec.Generation,
		ContinueOnError: rec.ContinueOnError,
	}
	return cp, cp.Validate()
}

func newSequenceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
