package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"longrunner/internal/actions"
	"longrunner/internal/config"
	"longrunner/internal/longrunner"
	"longrunner/internal/sequences"
	logx "longrunner/pkg/logx"
)

const baseConfig = `{
  "logging": {"level": "debug"},
  "runner": {"max_slices": 1},
  "callback": {"secret": "app-test"},
  "scheduler": {"enabled": true, "resume_due": "@every 1h"},
  "task_engine": {"workers": 2, "retry_max": -1},
  "events": {"kafka": {"brokers": ["mock:9092"], "topic": "sequences", "prefixes": ["sequence.completed"]}}
}`

func newTestApp(t *testing.T, body string, opts ...Option) (*App, string) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "longrunner.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	base := []Option{WithLogger(logx.Nop()), WithRegistry(prometheus.NewRegistry())}
	a, err := New(context.Background(), config.NewConfigManager(p), append(base, opts...)...)
	require.NoError(t, err)
	return a, p
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"bad level":        `{"logging":{"level":"loud"}}`,
		"bad duration":     `{"runner":{"resume_delay":"soon"}}`,
		"engine off":       `{"scheduler":{"enabled":true},"task_engine":{"enabled":false}}`,
		"sqlite no path":   `{"storage":{"driver":"sqlite"}}`,
		"kafka no topic":   `{"events":{"kafka":{"brokers":["b:9092"]}}}`,
		"bad schedule":     `{"scheduler":{"resume_due":"soonish"}}`,
		"unknown driver":   `{"storage":{"driver":"tape"}}`,
		"unknown timezone": `{"scheduler":{"timezone":"Mars/Olympus"}}`,
	}
	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			p := filepath.Join(t.TempDir(), "c.json")
			require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
			_, err := New(context.Background(), config.NewConfigManager(p), WithLogger(logx.Nop()))
			assert.Error(t, err)
		})
	}
}

func TestAppResumesDueSequencesAndForwardsEvents(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		b, err := m.Value.Encode()
		if err != nil {
			return err
		}
		var env struct {
			Type string           `json:"type"`
			Data sequences.Report `json:"data"`
		}
		if err := json.Unmarshal(b, &env); err != nil {
			return err
		}
		if env.Type != sequences.EventCompleted {
			return fmt.Errorf("forwarded type = %q", env.Type)
		}
		if env.Data.State != longrunner.StateCompleted || env.Data.SequenceID != "seq-1" {
			return fmt.Errorf("forwarded report = %+v", env.Data)
		}
		if k, ok := m.Key.(sarama.StringEncoder); !ok || string(k) != "seq-1" {
			return fmt.Errorf("partition key = %v", m.Key)
		}
		return nil
	})

	visited := make(chan string, 8)
	batch := actions.NewBatch("test.batch", 1, func(_ context.Context, id string) error {
		visited <- id
		return nil
	})
	a, _ := newTestApp(t, baseConfig, WithKafkaProducer(producer), WithActions(batch))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		require.NoError(t, a.Stop(stopCtx, StopAppStop))
	}()

	args, err := actions.BatchArgs([]string{"a", "b", "c"})
	require.NoError(t, err)
	rep, err := a.Sequences().Start(ctx, "test.batch", args, sequences.StartOptions{ID: "seq-1", AutoResume: true})
	require.NoError(t, err)
	require.Equal(t, longrunner.StatePaused, rep.State)
	require.NotEmpty(t, rep.Token)

	// each sweep advances the sequence by one slice
	require.Eventually(t, func() bool {
		_ = a.resumeDue(ctx)
		st, err := a.Sequences().Status(ctx, "seq-1")
		return err == nil && st.State == longrunner.StateCompleted
	}, 5*time.Second, 50*time.Millisecond)
	assert.Len(t, visited, 3)

	require.Eventually(t, func() bool {
		return a.Status().Events.KafkaSent == 1
	}, 5*time.Second, 20*time.Millisecond)

	st := a.Status()
	assert.Contains(t, st.Actions, "test.batch")
	assert.Contains(t, st.Actions, LogBatchName)
	assert.True(t, st.Scheduler.Running)
	assert.NotEmpty(t, st.Supervisors)
}

func TestApplyConfigUpdatesSchedulesAndRunner(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t, `{"scheduler":{"enabled":true}}`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	names := func() []string {
		var out []string
		for _, s := range a.Status().Scheduler.Schedules {
			out = append(out, s.Name)
		}
		return out
	}
	assert.ElementsMatch(t, []string{ScheduleResumeDue, SchedulePurge}, names())

	next, err := config.Decode("c.json", []byte(`{"runner":{"max_slices":2},"scheduler":{"enabled":true,"purge":"off"}}`))
	require.NoError(t, err)
	a.applyConfig(ctx, next)
	assert.Equal(t, []string{ScheduleResumeDue}, names())

	args, err := actions.BatchArgs([]string{"x"})
	require.NoError(t, err)
	rep, err := a.Sequences().Start(ctx, LogBatchName, args, sequences.StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, longrunner.StateCompleted, rep.State)

	off, err := config.Decode("c.json", []byte(`{"scheduler":{"enabled":false}}`))
	require.NoError(t, err)
	a.applyConfig(ctx, off)
	assert.False(t, a.Status().Scheduler.Running)
}

func TestOneShotWithoutStart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	body := `{"storage":{"driver":"file","path":"` + filepath.ToSlash(filepath.Join(dir, "seq.json")) + `"}}`
	a, p := newTestApp(t, body)

	args, err := actions.RecountArgs(0, 0)
	require.NoError(t, err)
	rep, err := a.Sequences().Start(context.Background(), actions.RecountName, args, sequences.StartOptions{ID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, longrunner.StateCompleted, rep.State)
	require.NoError(t, a.Stop(context.Background(), StopAppStop))

	// a second process over the same file sees the record
	b, err := New(context.Background(), config.NewConfigManager(p), WithLogger(logx.Nop()), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer func() { _ = b.Stop(context.Background(), StopAppStop) }()
	got, err := b.Sequences().Status(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, longrunner.StateCompleted, got.State)
	assert.Equal(t, int64(2), got.Generation)
}
