package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"longrunner/internal/config"
	"longrunner/internal/eventbus"
	"longrunner/internal/eventbus/kafka"
	"longrunner/internal/longrunner"
	"longrunner/internal/longrunner/callback"
	"longrunner/internal/metrics"
	"longrunner/internal/observability/debug"
	rtsup "longrunner/internal/runtime/supervisor"
	"longrunner/internal/sequences"
	"longrunner/internal/storage"
	"longrunner/internal/task/engine"
	"longrunner/internal/task/scheduler"
	logx "longrunner/pkg/logx"
)

// Schedule names of the built-in background jobs.
const (
	ScheduleResumeDue = "sequences.resume_due"
	SchedulePurge     = "sequences.purge"
)

type Option func(*options)

type options struct {
	actions  []longrunner.Action
	registry *prometheus.Registry
	producer sarama.SyncProducer
	logger   *logx.Logger
}

// WithActions registers extra actions next to the bundled ones.
func WithActions(a ...longrunner.Action) Option {
	return func(o *options) { o.actions = append(o.actions, a...) }
}

// WithRegistry makes the app register its metrics on reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithKafkaProducer replaces the producer the event sink would dial.
// It only takes effect when events.kafka is configured.
func WithKafkaProducer(p sarama.SyncProducer) Option {
	return func(o *options) { o.producer = p }
}

// WithLogger bypasses the logging section and logs to log.
func WithLogger(log logx.Logger) Option {
	return func(o *options) { o.logger = &log }
}

// App wires the sequence service to its storage, job engine, scheduler,
// event sinks and debug listener.
type App struct {
	cfgm *config.ConfigManager
	logs *logx.Service
	log  logx.Logger

	bus     *eventbus.MemBus
	store   storage.Store
	metrics *metrics.Collector
	engine  *engine.Service
	sched   *scheduler.Service
	seq     *sequences.Service
	sink    *kafka.Sink
	debug   *debug.Service

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	applied *config.Config
	started time.Time
}

// New builds every component from the committed config (loading it first if
// needed). Nothing runs until Start; the sequence service is usable at once.
func New(ctx context.Context, cfgm *config.ConfigManager, opts ...Option) (*App, error) {
	if cfgm == nil {
		return nil, errors.New("app: config manager is required")
	}
	var o options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}

	cfg := cfgm.Get()
	if cfg == nil {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{cfgm: cfgm, bus: eventbus.New(), applied: cfg}
	if o.logger != nil {
		a.log = *o.logger
	} else {
		a.logs, a.log = logx.New(mapLoggingConfig(cfg))
	}

	// Mappers already ran in validate; errors below cannot happen.
	stCfg, _ := mapStorageConfig(cfg)
	seqCfg, _ := mapSequencesConfig(cfg)
	cbCfg, _ := mapCallbackConfig(cfg)
	engCfg, _ := mapTaskEngineConfig(cfg)
	schedCfg, _ := mapSchedulerConfig(cfg)
	kcfg, kafkaOn, _ := mapKafkaConfig(cfg)
	dcfg, _ := mapDebugConfig(cfg)

	store, err := storage.Open(ctx, stCfg, a.log)
	if err != nil {
		a.closeLogs()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if store == nil {
		store = storage.NewMemory()
	}
	a.store = store

	var codec *callback.Codec
	if cbCfg.Secret != "" {
		if codec, err = callback.New(cbCfg); err != nil {
			a.closeOnError()
			return nil, err
		}
	} else {
		a.log.Warn("callback.secret not set; continuation tokens disabled")
	}

	reg, err := sequences.NewRegistry(append(defaultActions(a.log), o.actions...)...)
	if err != nil {
		a.closeOnError()
		return nil, err
	}

	a.metrics = metrics.New(o.registry)
	a.engine = engine.New(engCfg, a.log, a.bus)
	a.sched = scheduler.New(schedCfg, a.engine, a.log)
	a.seq, err = sequences.New(seqCfg, sequences.Deps{
		Registry: reg,
		Store:    store,
		Codec:    codec,
		Engine:   a.engine,
		Bus:      a.bus,
		Metrics:  a.metrics,
		Log:      a.log,
	})
	if err != nil {
		a.closeOnError()
		return nil, err
	}

	if kafkaOn {
		if o.producer != nil {
			a.sink, err = kafka.NewWithProducer(o.producer, kcfg, a.log)
		} else {
			a.sink, err = kafka.New(kcfg, a.log)
		}
		if err != nil {
			a.closeOnError()
			return nil, err
		}
	}

	a.debug = debug.New(dcfg, a.metrics.Registry(), a.status, a.log)
	if err := a.registerSchedules(schedCfg); err != nil {
		a.closeOnError()
		return nil, err
	}
	return a, nil
}

func (a *App) Logger() logx.Logger { return a.log }

// Sequences is the service CLI commands and embedders call.
func (a *App) Sequences() *sequences.Service { return a.seq }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

// Done is closed once the app context ends, either through Stop or a fatal error.
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Start launches the engine, scheduler, event sinks, debug listener and the
// config watcher. Stale "running" records left by a crash are recovered first.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return errors.New("app: already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()
	sup := a.sup
	a.mu.Unlock()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if n, err := a.seq.RecoverStale(ctx); err != nil {
		a.log.Warn("stale sequence recovery failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("recovered stale sequences", logx.Int("count", n))
	}

	run := sup.Context()
	a.engine.Start(run)
	a.sched.Start(run)
	a.debug.Start(run)

	sup.Go("metrics.jobs", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	if a.sink != nil {
		sup.GoRestart("events.kafka", func(c context.Context) error { return a.sink.Run(c, a.bus) },
			rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}
	sup.Go("eventbus.log", func(c context.Context) error {
		return eventbus.Pump(c, a.bus, 128, nil, func(_ context.Context, e eventbus.Event) error {
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			return nil
		})
	})

	cfgSub := a.cfgm.Subscribe(8)
	sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(cfgSub)
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-cfgSub:
				if !ok {
					return nil
				}
				// keep only the latest of a burst
				for drained := false; !drained; {
					select {
					case newer := <-cfgSub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, next)
			}
		}
	})
	sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Strs("actions", a.seq.Registry().Names()),
		logx.Bool("engine", a.engine.Enabled()),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("kafka", a.sink != nil),
	)
	return nil
}

// applyConfig hot-applies next. Storage, callback and events changes need a restart.
func (a *App) applyConfig(ctx context.Context, next *config.Config) {
	if next == nil {
		return
	}
	a.mu.Lock()
	prev := a.applied
	a.applied = next
	a.mu.Unlock()

	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "callback", "events":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	if a.logs != nil {
		a.logs.Apply(mapLoggingConfig(next))
	}

	if seqCfg, err := mapSequencesConfig(next); err != nil {
		a.log.Warn("invalid runner config; keeping previous", logx.Err(err))
	} else {
		a.seq.Apply(seqCfg)
	}

	prevEng := a.engine.Enabled()
	if engCfg, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
		switch {
		case !prevEng && engCfg.Enabled:
			a.log.Info("task engine enabled via config")
			a.engine.Start(ctx)
		case prevEng && !engCfg.Enabled:
			a.log.Info("task engine disabled via config")
		}
	}

	if schedCfg, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		if err := a.registerSchedules(schedCfg); err != nil {
			a.log.Warn("schedule update failed", logx.Err(err))
		}
		a.sched.Apply(ctx, schedCfg)
	}

	if dcfg, err := mapDebugConfig(next); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, dcfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// registerSchedules (re)binds the built-in jobs; an empty spec removes one.
func (a *App) registerSchedules(cfg scheduler.Config) error {
	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{ScheduleResumeDue, cfg.ResumeDue, a.resumeDue},
		{SchedulePurge, cfg.Purge, a.purge},
	}
	var errs []error
	for _, j := range jobs {
		if j.spec == "" {
			a.sched.Remove(j.name)
			continue
		}
		opt := scheduler.JobOptions{RetryMax: -1}
		if err := a.sched.AddScheduleOpt(j.name, j.spec, 0, opt, j.run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) resumeDue(ctx context.Context) error {
	n, err := a.seq.ResumeDue(ctx)
	if n > 0 {
		a.log.Debug("due sequences enqueued", logx.Int("count", n))
	}
	if errors.Is(err, sequences.ErrNoEngine) {
		return engine.NoRetry(err)
	}
	return err
}

func (a *App) purge(ctx context.Context) error {
	n, err := a.seq.Purge(ctx)
	if n > 0 {
		a.log.Info("purged sequences", logx.Int("count", n))
	}
	return err
}

// Status is the document served at /status.
type Status struct {
	Uptime      string             `json:"uptime"`
	Actions     []string           `json:"actions"`
	Scheduler   scheduler.Snapshot `json:"scheduler"`
	Supervisors []rtsup.Stats      `json:"supervisors"`
	Events      EventStats         `json:"events"`
}

type EventStats struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	KafkaSent   uint64 `json:"kafka_sent,omitempty"`
	KafkaFailed uint64 `json:"kafka_failed,omitempty"`
}

func (a *App) Status() Status {
	a.mu.Lock()
	sup, started := a.sup, a.started
	a.mu.Unlock()

	st := Status{
		Actions:   a.seq.Registry().Names(),
		Scheduler: a.sched.Snapshot(),
	}
	if !started.IsZero() {
		st.Uptime = time.Since(started).Truncate(time.Second).String()
	}
	if sup != nil {
		st.Supervisors = sup.Snapshot()
	}
	st.Events.Published, st.Events.Dropped = a.bus.Stats()
	if a.sink != nil {
		st.Events.KafkaSent, st.Events.KafkaFailed = a.sink.Stats()
	}
	return st
}

func (a *App) status(context.Context) any { return a.Status() }

func (a *App) closeLogs() {
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) closeOnError() {
	if a.store != nil {
		_ = a.store.Close()
	}
	a.closeLogs()
}
