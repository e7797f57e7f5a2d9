package config

import (
	"reflect"
	"strings"

	logx "longrunner/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (callback secret, debug token, redis
// password, DSNs) are only ever reported as "set"/"unset".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Runner != newCfg.Runner {
		r := newCfg.Runner
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.Int("runner.max_slices", r.MaxSlices),
			logx.String("runner.max_duration", strings.TrimSpace(r.MaxDuration)),
			logx.Bool("runner.continue_on_error", r.ContinueOnError),
			logx.String("runner.resume_delay", strings.TrimSpace(r.ResumeDelay)),
			logx.Float64("runner.resume_rate", r.ResumeRate),
		)
	}

	oCB, nCB := derefCallback(oldCfg.Callback), derefCallback(newCfg.Callback)
	if oCB != nCB {
		changed = append(changed, "callback")
		attrs = append(attrs,
			logx.Bool("callback.secret_set", strings.TrimSpace(nCB.Secret) != ""),
			logx.Bool("callback.secret_rotated", oCB.Secret != nCB.Secret),
			logx.String("callback.ttl", strings.TrimSpace(nCB.TTL)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.resume_due", strings.TrimSpace(newCfg.Scheduler.ResumeDue)),
			logx.String("scheduler.purge", strings.TrimSpace(newCfg.Scheduler.Purge)),
		)
	}

	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		enabled := newCfg.Scheduler.Enabled
		if nTE.Enabled != nil {
			enabled = *nTE.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	oST, nST := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if !reflect.DeepEqual(oST, nST) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nST.Driver)),
			logx.String("storage.path", strings.TrimSpace(nST.Path)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nST.DSN) != ""),
		)
	}

	oEV, nEV := derefKafka(oldCfg.Events), derefKafka(newCfg.Events)
	if !reflect.DeepEqual(oEV, nEV) {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Int("events.kafka_brokers", len(nEV.Brokers)),
			logx.String("events.kafka_topic", strings.TrimSpace(nEV.Topic)),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
			logx.Bool("debug.allow_insecure", newCfg.Debug.AllowInsecure),
		)
	}

	return changed, attrs
}

func derefCallback(c *CallbackConfig) CallbackConfig {
	if c == nil {
		return CallbackConfig{}
	}
	return *c
}

func derefTaskEngine(c *TaskEngineConfig) TaskEngineConfig {
	if c == nil {
		return TaskEngineConfig{}
	}
	return *c
}

func derefStorage(c *StorageConfig) StorageConfig {
	if c == nil {
		return StorageConfig{}
	}
	return *c
}

func derefKafka(c *EventsConfig) KafkaConfig {
	if c == nil || c.Kafka == nil {
		return KafkaConfig{}
	}
	return *c.Kafka
}
