// Package kafka forwards bus events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"longrunner/internal/eventbus"
	logx "longrunner/pkg/logx"
)

type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
	// Prefixes selects which event types are forwarded. Empty means "sequence.".
	Prefixes []string
}

// Keyed event payloads choose their partition key; others are sent unkeyed.
type Keyed interface {
	PartitionKey() string
}

// Sink publishes every matching event as one JSON message.
type Sink struct {
	producer sarama.SyncProducer
	topic    string
	filter   func(eventbus.Event) bool
	log      logx.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

// New dials the brokers and returns a Sink owning the producer.
func New(cfg Config, log logx.Logger) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	sc := sarama.NewConfig()
	sc.ClientID = strings.TrimSpace(cfg.ClientID)
	if sc.ClientID == "" {
		sc.ClientID = "longrunner"
	}
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.Retry.Max = 3
	sc.Producer.Retry.Backoff = 250 * time.Millisecond

	p, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka: create producer: %w", err)
	}
	return NewWithProducer(p, cfg, log)
}

// NewWithProducer wraps an existing producer. The Sink closes it on Close.
func NewWithProducer(p sarama.SyncProducer, cfg Config, log logx.Logger) (*Sink, error) {
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	prefixes := cfg.Prefixes
	if len(prefixes) == 0 {
		prefixes = []string{"sequence."}
	}
	return &Sink{
		producer: p,
		topic:    topic,
		filter:   eventbus.HasPrefix(prefixes...),
		log:      log.With(logx.String("comp", "kafka"), logx.String("topic", topic)),
	}, nil
}

// Run forwards events from bus until ctx ends.
func (s *Sink) Run(ctx context.Context, bus eventbus.Bus) error {
	err := eventbus.Pump(ctx, bus, 512, s.filter, func(ctx context.Context, e eventbus.Event) error {
		if err := s.Handle(ctx, e); err != nil {
			s.log.Warn("event not forwarded", logx.String("type", e.Type), logx.Err(err))
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Accepts reports whether Run would forward e.
func (s *Sink) Accepts(e eventbus.Event) bool { return s.filter(e) }

// Handle sends one event synchronously.
func (s *Sink) Handle(_ context.Context, e eventbus.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		s.failed.Add(1)
		return fmt.Errorf("kafka: encode %s: %w", e.Type, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(e.Type)},
		},
		Timestamp: e.Time,
	}
	if k, ok := e.Data.(Keyed); ok {
		if key := k.PartitionKey(); key != "" {
			msg.Key = sarama.StringEncoder(key)
		}
	}
	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		s.failed.Add(1)
		return fmt.Errorf("kafka: send %s: %w", e.Type, err)
	}
	s.sent.Add(1)
	s.log.Trace("event forwarded", logx.String("type", e.Type), logx.Int("partition", int(partition)), logx.Int64("offset", offset))
	return nil
}

func (s *Sink) Stats() (sent, failed uint64) { return s.sent.Load(), s.failed.Load() }

func (s *Sink) Close() error { return s.producer.Close() }
