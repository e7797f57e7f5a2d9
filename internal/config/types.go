package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m") or whole days ("7d").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Runner  RunnerConfig  `json:"runner"`

	// Callback enables signed continuation tokens. Without a secret the
	// service still runs but cannot hand out or accept tokens.
	Callback *CallbackConfig `json:"callback,omitempty"`

	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the worker pool behind background resumes.
	// If omitted, the engine follows scheduler.enabled with default settings.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Events  *EventsConfig  `json:"events,omitempty"`
	Debug   DebugConfig    `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	JSON    bool   `json:"json,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

// RunnerConfig holds the defaults a start or resume call falls back to.
//
// Defaults (when fields are omitted/zero):
//   - max_slices / max_duration: unlimited
//   - running_lease: "15m"
//   - resume_rate: 10, resume_burst: 1, resume_batch: 100
//   - paused_ttl / finished_ttl: keep forever
type RunnerConfig struct {
	MaxSlices       int    `json:"max_slices,omitempty"`
	MaxDuration     string `json:"max_duration,omitempty"`
	ContinueOnError bool   `json:"continue_on_error,omitempty"`

	ResumeDelay  string `json:"resume_delay,omitempty"`
	RunningLease string `json:"running_lease,omitempty"`

	ResumeRate  float64 `json:"resume_rate,omitempty"`
	ResumeBurst int     `json:"resume_burst,omitempty"`
	ResumeBatch int     `json:"resume_batch,omitempty"`

	JobTimeout string `json:"job_timeout,omitempty"`

	PausedTTL   string `json:"paused_ttl,omitempty"`
	FinishedTTL string `json:"finished_ttl,omitempty"`
}

type CallbackConfig struct {
	Secret string `json:"secret"`
	Issuer string `json:"issuer,omitempty"`
	TTL    string `json:"ttl,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone"`

	// ResumeDue and Purge accept cron specs, "@every 30s", plain durations
	// or daily "HH:MM". Empty falls back to the defaults; "off" disables.
	ResumeDue string `json:"resume_due,omitempty"`
	Purge     string `json:"purge,omitempty"`
}

// TaskEngineConfig controls the job engine.
//
// Enabled is a pointer so we can distinguish "omitted" (default to scheduler.enabled)
// from an explicit false.
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops jobs that have been queued longer than this duration.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`

	// Circuit breaker per action. trip_failures < 0 disables it.
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// StorageConfig selects where continuation records live.
//
// driver: memory | file | sqlite | redis | postgres (empty/none = memory, nothing persists)
type StorageConfig struct {
	Driver      string       `json:"driver"`
	Path        string       `json:"path,omitempty"`
	DSN         string       `json:"dsn,omitempty"`
	BusyTimeout string       `json:"busy_timeout,omitempty"`
	Redis       *RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// EventsConfig forwards sequence events to Kafka when brokers are set.
type EventsConfig struct {
	Kafka *KafkaConfig `json:"kafka,omitempty"`
}

type KafkaConfig struct {
	Brokers  []string `json:"brokers"`
	Topic    string   `json:"topic"`
	ClientID string   `json:"client_id,omitempty"`
	Prefixes []string `json:"prefixes,omitempty"`
}

// DebugConfig controls the pprof/metrics listener.
//
// Defaults:
//   - addr: "127.0.0.1:6060"
//   - prefix: "/debug/pprof/"
//   - read_timeout: "5s", write_timeout: "30s", idle_timeout: "60s"
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
