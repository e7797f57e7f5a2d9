package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
runner:
  max_slices: 4
  continue_on_error: true
  resume_delay: 30s
callback:
  secret: s3cret
  ttl: 24h
scheduler:
  enabled: true
  timezone: UTC
  resume_due: "@every 30s"
task_engine:
  workers: 3
storage:
  driver: redis
  redis:
    addr: 127.0.0.1:6379
    db: 2
events:
  kafka:
    brokers: [k1:9092, k2:9092]
    topic: sequences
debug:
  enabled: true
  addr: 127.0.0.1:6060
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "longrunner.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runner.MaxSlices != 4 || !cfg.Runner.ContinueOnError || cfg.Runner.ResumeDelay != "30s" {
		t.Fatalf("runner = %+v", cfg.Runner)
	}
	if cfg.Callback == nil || cfg.Callback.Secret != "s3cret" {
		t.Fatalf("callback = %+v", cfg.Callback)
	}
	if cfg.TaskEngine == nil || cfg.TaskEngine.Workers != 3 {
		t.Fatalf("task_engine = %+v", cfg.TaskEngine)
	}
	if cfg.Storage == nil || cfg.Storage.Redis == nil || cfg.Storage.Redis.DB != 2 {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Events == nil || cfg.Events.Kafka == nil || len(cfg.Events.Kafka.Brokers) != 2 {
		t.Fatalf("events = %+v", cfg.Events)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("cfg.json", []byte(`{"logging":{"level":"info"},"runner":{"max_duration":"2s"},"scheduler":{"enabled":false}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Runner.MaxDuration != "2s" {
		t.Fatalf("max_duration = %q", cfg.Runner.MaxDuration)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		path string
		body string
	}{
		"unknown json":  {"c.json", `{"runner":{"max_slicez":1}}`},
		"unknown yaml":  {"c.yml", "telegram:\n  token: x\n"},
		"trailing json": {"c.json", `{} {}`},
		"bad yaml":      {"c.yaml", "runner: [1,"},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.path, []byte(tc.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestReloadValidatesAndPublishes(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "c.json", `{"runner":{"max_slices":1}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Runner.MaxSlices < 0 {
			return errors.New("max_slices must be >= 0")
		}
		return nil
	})
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if _, err := m.Reload(context.Background()); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("unchanged reload err = %v", err)
	}

	if err := os.WriteFile(p, []byte(`{"runner":{"max_slices":-1}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(context.Background()); err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("invalid reload err = %v", err)
	}
	if m.Get().Runner.MaxSlices != 1 {
		t.Fatal("rejected config was committed")
	}

	if err := os.WriteFile(p, []byte(`{"runner":{"max_slices":7}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	select {
	case c := <-sub:
		if c.Runner.MaxSlices != 7 {
			t.Fatalf("published max_slices = %d", c.Runner.MaxSlices)
		}
	default:
		t.Fatal("nothing published")
	}
}

func TestWatchPicksUpWrites(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "c.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetDebounce(20 * time.Millisecond)
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case c := <-sub:
			if c.Logging.Level != "debug" {
				t.Fatalf("level = %q", c.Logging.Level)
			}
			return
		case <-tick.C:
			// the watcher may not be registered yet on the first write
			_ = os.WriteFile(p, []byte(`{"logging":{"level":"debug"}}`), 0o600)
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Callback: &CallbackConfig{Secret: "one"}}
	newCfg := &Config{
		Callback: &CallbackConfig{Secret: "two"},
		Runner:   RunnerConfig{MaxSlices: 3},
		Debug:    DebugConfig{Enabled: true, Token: "tok"},
	}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"runner", "callback", "debug"}
	if strings.Join(sections, ",") != strings.Join(want, ",") {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}

	if s, _ := SummarizeConfigChange(newCfg, newCfg); len(s) != 0 {
		t.Fatalf("identical configs changed %v", s)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("x", " 1m "); err != nil || d != time.Minute {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative accepted")
	}
	if d, _ := ParseDurationOrDefault("x", "", 5*time.Second); d != 5*time.Second {
		t.Fatalf("default = %v", d)
	}
	if d, err := ParseDurationField("runner.finished_ttl", "7d"); err != nil || d != 7*24*time.Hour {
		t.Fatalf("7d = %v, %v", d, err)
	}
	_, err := ParseDurationField("runner.paused_ttl", "1.5d")
	if err == nil || !strings.Contains(err.Error(), "runner.paused_ttl") {
		t.Fatalf("1.5d err = %v", err)
	}
	if _, err := ParseDurationField("runner.paused_ttl", "-2d"); err == nil {
		t.Fatal("negative days accepted")
	}
}

func TestDecodeYAMLNamesConfigKeys(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		body string
		want string
	}{
		"unquoted duration": {"runner:\n  paused_ttl: 30\n", "runner.paused_ttl"},
		"nested duration":   {"storage:\n  driver: sqlite\n  busy_timeout: 2\n", "storage.busy_timeout"},
		"non-mapping root":  {"- runner\n", "mapping"},
		"non-string key":    {"runner:\n  1: x\n", "runner: non-string key"},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode("c.yaml", []byte(tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}

	cfg, err := Decode("empty.yaml", []byte("# defaults only\n"))
	if err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
	if cfg.Runner.MaxSlices != 0 || cfg.Storage != nil {
		t.Fatalf("empty yaml cfg = %+v", cfg)
	}

	cfg, err = Decode("ok.yaml", []byte("runner:\n  paused_ttl: 7d\n  max_slices: 3\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Runner.PausedTTL != "7d" || cfg.Runner.MaxSlices != 3 {
		t.Fatalf("cfg.Runner = %+v", cfg.Runner)
	}
}
