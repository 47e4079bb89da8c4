package alert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaSink publishes alerts to a Kafka topic for external dashboards.
// Writes are buffered through a bounded channel and flushed by a background
// goroutine; when the buffer is full the alert is dropped rather than
// blocking the caller.
type KafkaSink struct {
	writer *kafka.Writer
	logger *zap.Logger
	buf    chan Alert
	done   chan struct{}
}

// NewKafkaSink creates a sink writing to the given brokers and topic.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	s := &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		logger: logger,
		buf:    make(chan Alert, 1024),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Publish enqueues the alert for delivery. Never blocks.
func (s *KafkaSink) Publish(_ context.Context, a Alert) error {
	select {
	case s.buf <- a:
	default:
		s.logger.Warn("kafka alert buffer full, dropping alert",
			zap.String("category", a.Category))
	}
	return nil
}

func (s *KafkaSink) run() {
	for {
		select {
		case a := <-s.buf:
			payload, err := json.Marshal(a)
			if err != nil {
				s.logger.Warn("alert marshal failed", zap.Error(err))
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err = s.writer.WriteMessages(ctx, kafka.Message{
				Key:   []byte(a.Category),
				Value: payload,
			})
			cancel()
			if err != nil {
				s.logger.Warn("kafka alert publish failed", zap.Error(err))
			}
		case <-s.done:
			return
		}
	}
}

// Close stops the delivery goroutine and closes the writer.
func (s *KafkaSink) Close() error {
	close(s.done)
	return s.writer.Close()
}
