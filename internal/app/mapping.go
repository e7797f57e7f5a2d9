package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"longrunner/internal/config"
	"longrunner/internal/eventbus/kafka"
	"longrunner/internal/longrunner"
	"longrunner/internal/longrunner/callback"
	"longrunner/internal/observability/debug"
	"longrunner/internal/sequences"
	"longrunner/internal/storage"
	"longrunner/internal/task/engine"
	"longrunner/internal/task/scheduler"
	logx "longrunner/pkg/logx"
)

const (
	defaultResumeDueSpec = "@every 30s"
	defaultPurgeSpec     = "@every 1h"
)

// validate runs every mapper so a bad hot reload is rejected before commit.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if _, err := mapSequencesConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCallbackConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapKafkaConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	return nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSequencesConfig(cfg *config.Config) (sequences.Config, error) {
	r := cfg.Runner
	if r.MaxSlices < 0 {
		return sequences.Config{}, fmt.Errorf("runner.max_slices must be >= 0")
	}
	if r.ResumeRate < 0 {
		return sequences.Config{}, fmt.Errorf("runner.resume_rate must be >= 0")
	}
	if r.ResumeBurst < 0 || r.ResumeBatch < 0 {
		return sequences.Config{}, fmt.Errorf("runner.resume_burst and runner.resume_batch must be >= 0")
	}
	var err error
	dur := func(key, raw string) time.Duration {
		if err != nil {
			return 0
		}
		var d time.Duration
		d, err = config.ParseDurationField(key, raw)
		return d
	}
	out := sequences.Config{
		DefaultBudget: longrunner.Budget{
			MaxSlices:   r.MaxSlices,
			MaxDuration: dur("runner.max_duration", r.MaxDuration),
		},
		ContinueOnError: r.ContinueOnError,
		ResumeDelay:     dur("runner.resume_delay", r.ResumeDelay),
		RunningLease:    dur("runner.running_lease", r.RunningLease),
		ResumeRate:      r.ResumeRate,
		ResumeBurst:     r.ResumeBurst,
		ResumeBatch:     r.ResumeBatch,
		JobTimeout:      dur("runner.job_timeout", r.JobTimeout),
		PausedTTL:       dur("runner.paused_ttl", r.PausedTTL),
		FinishedTTL:     dur("runner.finished_ttl", r.FinishedTTL),
	}
	if err != nil {
		return sequences.Config{}, err
	}
	return out, nil
}

// mapCallbackConfig returns a zero Config when no secret is configured.
func mapCallbackConfig(cfg *config.Config) (callback.Config, error) {
	if cfg.Callback == nil || strings.TrimSpace(cfg.Callback.Secret) == "" {
		return callback.Config{}, nil
	}
	ttl, err := config.ParseDurationField("callback.ttl", cfg.Callback.TTL)
	if err != nil {
		return callback.Config{}, err
	}
	return callback.Config{
		Secret: cfg.Callback.Secret,
		Issuer: cfg.Callback.Issuer,
		TTL:    ttl,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	enabled := cfg.Scheduler.Enabled
	te := cfg.TaskEngine
	if te == nil {
		return engine.Config{Enabled: enabled}, nil
	}
	if te.Enabled != nil {
		enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && !enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	if te.Workers < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.workers must be >= 0")
	}
	if te.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.queue_size must be >= 0")
	}
	if te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.history_size must be >= 0")
	}

	out := engine.Config{
		Enabled:             enabled,
		Workers:             te.Workers,
		QueueSize:           te.QueueSize,
		HistorySize:         te.HistorySize,
		RetryMax:            te.RetryMax,
		CircuitTripFailures: te.CircuitTripFailures,
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitBaseDelay, err = config.ParseDurationField("task_engine.circuit_base_delay", te.CircuitBaseDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitMaxDelay, err = config.ParseDurationField("task_engine.circuit_max_delay", te.CircuitMaxDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitResetAfter, err = config.ParseDurationField("task_engine.circuit_reset_after", te.CircuitResetAfter); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	tz := strings.TrimSpace(sc.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	resume, err := scheduleOrDefault("scheduler.resume_due", sc.ResumeDue, defaultResumeDueSpec)
	if err != nil {
		return scheduler.Config{}, err
	}
	purge, err := scheduleOrDefault("scheduler.purge", sc.Purge, defaultPurgeSpec)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:   sc.Enabled,
		Timezone:  tz,
		ResumeDue: resume,
		Purge:     purge,
	}, nil
}

// scheduleOrDefault validates raw; "off" disables the job and empty means def.
func scheduleOrDefault(key, raw, def string) (string, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return def, nil
	case strings.EqualFold(raw, "off"), strings.EqualFold(raw, "none"):
		return "", nil
	}
	if _, err := scheduler.ParseSchedule(raw); err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	return raw, nil
}

// mapStorageConfig fills in per-driver requirements. A missing section maps
// to the memory driver.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	dsn := strings.TrimSpace(sc.DSN)

	switch driver {
	case "", "none", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "redis":
		if sc.Redis == nil || strings.TrimSpace(sc.Redis.Addr) == "" {
			return storage.Config{}, fmt.Errorf("storage.redis.addr is required when storage.driver=redis")
		}
		return storage.Config{Driver: driver, Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(sc.Redis.Addr),
			Username: sc.Redis.Username,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		}}, nil
	case "postgres", "postgresql", "pg":
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: driver, DSN: dsn}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapKafkaConfig returns ok=false when event forwarding is not configured.
func mapKafkaConfig(cfg *config.Config) (kafka.Config, bool, error) {
	if cfg.Events == nil || cfg.Events.Kafka == nil || len(cfg.Events.Kafka.Brokers) == 0 {
		return kafka.Config{}, false, nil
	}
	k := cfg.Events.Kafka
	if strings.TrimSpace(k.Topic) == "" {
		return kafka.Config{}, false, fmt.Errorf("events.kafka.topic is required when brokers are set")
	}
	return kafka.Config{
		Brokers:  k.Brokers,
		Topic:    strings.TrimSpace(k.Topic),
		ClientID: k.ClientID,
		Prefixes: k.Prefixes,
	}, true, nil
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	d := cfg.Debug
	read, err := config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 5*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("debug.write_timeout", d.WriteTimeout, 30*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 60*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Prefix:               strings.TrimSpace(d.Prefix),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}, nil
}
