package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"longrunner/internal/eventbus"
	logx "longrunner/pkg/logx"
)

type payload struct {
	ID string `json:"id"`
}

func (p payload) PartitionKey() string { return p.ID }

func TestHandleSendsJSON(t *testing.T) {
	t.Parallel()
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		if m.Topic != "seq-events" {
			return errors.New("wrong topic " + m.Topic)
		}
		key, err := m.Key.Encode()
		if err != nil || string(key) != "s-1" {
			return errors.New("wrong key")
		}
		raw, err := m.Value.Encode()
		if err != nil {
			return err
		}
		var got struct {
			Type string  `json:"type"`
			Data payload `json:"data"`
		}
		if err := json.Unmarshal(raw, &got); err != nil {
			return err
		}
		if got.Type != "sequence.paused" || got.Data.ID != "s-1" {
			return errors.New("unexpected body " + string(raw))
		}
		return nil
	})

	s, err := NewWithProducer(sp, Config{Topic: "seq-events"}, logx.Nop())
	require.NoError(t, err)
	err = s.Handle(context.Background(), eventbus.Event{Type: "sequence.paused", Time: time.Now(), Data: payload{ID: "s-1"}})
	require.NoError(t, err)

	sent, failed := s.Stats()
	assert.Equal(t, uint64(1), sent)
	assert.Zero(t, failed)
	require.NoError(t, s.Close())
}

func TestHandleReportsSendFailure(t *testing.T) {
	t.Parallel()
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	s, err := NewWithProducer(sp, Config{Topic: "seq-events"}, logx.Nop())
	require.NoError(t, err)
	err = s.Handle(context.Background(), eventbus.Event{Type: "sequence.failed"})
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	_, failed := s.Stats()
	assert.Equal(t, uint64(1), failed)
	require.NoError(t, s.Close())
}

func TestFilterDefaultsToSequenceEvents(t *testing.T) {
	t.Parallel()
	sp := mocks.NewSyncProducer(t, nil)
	s, err := NewWithProducer(sp, Config{Topic: "t"}, logx.Nop())
	require.NoError(t, err)
	assert.True(t, s.Accepts(eventbus.Event{Type: "sequence.completed"}))
	assert.False(t, s.Accepts(eventbus.Event{Type: "job.finished"}))

	s2, err := NewWithProducer(sp, Config{Topic: "t", Prefixes: []string{"job."}}, logx.Nop())
	require.NoError(t, err)
	assert.True(t, s2.Accepts(eventbus.Event{Type: "job.finished"}))
	require.NoError(t, sp.Close())
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Topic: "t"}, logx.Nop())
	require.Error(t, err)
	_, err = NewWithProducer(mocks.NewSyncProducer(t, nil), Config{}, logx.Nop())
	require.Error(t, err)
}
