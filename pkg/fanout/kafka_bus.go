package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaBus fans envelopes out through a Kafka topic. Every instance reads
// the whole topic with its own consumer group, so each instance sees every
// envelope. Envelopes are keyed by channel name so one channel always lands
// on one partition and keeps its order.
type KafkaBus struct {
	brokers  []string
	topic    string
	instance string
	producer *kafka.Writer
	log      *slog.Logger
}

func NewKafkaBus(brokers []string, topic, instance string, log *slog.Logger) *KafkaBus {
	producer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 5 * time.Millisecond,
	}
	return &KafkaBus{brokers: brokers, topic: topic, instance: instance, producer: producer, log: log}
}

func (b *KafkaBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	err = b.producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.Channel),
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("write to kafka topic %s: %w", b.topic, err)
	}
	return nil
}

// Subscribe starts reading at the end of the topic. Unlike Redis there is
// no subscribe confirmation; envelopes published before the group has been
// assigned partitions may be missed.
func (b *KafkaBus) Subscribe(ctx context.Context) (Subscription, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		Topic:       b.topic,
		GroupID:     "gateway-fanout-" + b.instance,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     100 * time.Millisecond,
	})

	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &kafkaSubscription{reader: reader, cancel: cancel, out: make(chan Envelope, 256)}
	go func() {
		defer close(sub.out)
		consume(readCtx, reader, sub.out, b.log.With("topic", b.topic))
	}()
	return sub, nil
}

const (
	minReadBackoff = 100 * time.Millisecond
	maxReadBackoff = 5 * time.Second
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume forwards envelopes until ctx is done. Read errors are retried
// with a doubling backoff so a broker outage pauses fan-out instead of
// ending it.
func consume(ctx context.Context, r messageReader, out chan<- Envelope, log *slog.Logger) {
	backoff := minReadBackoff
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Gateway consumer error, retrying", "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, maxReadBackoff)
			continue
		}
		backoff = minReadBackoff

		var env Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			log.Warn("Failed to unmarshal envelope from Kafka", "error", err)
			continue
		}
		select {
		case out <- env:
		case <-ctx.Done():
			return
		}
	}
}

func (b *KafkaBus) Close() error {
	return b.producer.Close()
}

type kafkaSubscription struct {
	reader *kafka.Reader
	cancel context.CancelFunc
	out    chan Envelope
	once   sync.Once
	err    error
}

func (s *kafkaSubscription) Envelopes() <-chan Envelope { return s.out }

func (s *kafkaSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.reader.Close()
	})
	return s.err
}
