package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"mobilize/integrity-api/internal/domain"
	"mobilize/integrity-api/internal/metrics"
)

// MessageWriter is the subset of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes notifications to a topic, keyed by user id so one user's
// flag history stays ordered within a partition.
type Kafka struct {
	writer  MessageWriter
	metrics *metrics.Collector
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewKafkaWriter builds a writer for the given brokers and topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// NewKafka wraps w. m may be nil.
func NewKafka(w MessageWriter, m *metrics.Collector) *Kafka {
	return &Kafka{writer: w, metrics: m, timeout: 5 * time.Second}
}

// Publish implements Publisher.
func (k *Kafka) Publish(_ context.Context, n domain.FlagNotification) {
	value, err := json.Marshal(n)
	if err != nil {
		slog.Error("kafka: marshal notification", "flag_id", n.Flag.ID, "error", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(n.UserID),
		Value: value,
		Time:  n.TriggeredAt,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(n.Event)},
		},
	}

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
		defer cancel()
		if err := k.writer.WriteMessages(ctx, msg); err != nil {
			slog.Warn("kafka: publish failed", "event", n.Event, "flag_id", n.Flag.ID, "error", err)
			if k.metrics != nil {
				k.metrics.NotificationFailures.WithLabelValues("kafka").Inc()
			}
		}
	}()
}

// Close waits for in-flight messages and closes the writer.
func (k *Kafka) Close() error {
	k.wg.Wait()
	return k.writer.Close()
}
