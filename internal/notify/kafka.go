package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaNotifier publishes jobs to the notifications topic consumed by the
// delivery workers.
type KafkaNotifier struct {
	writer *kafka.Writer
	log    *zap.Logger
}

func NewKafkaNotifier(brokers []string, topic string, log *zap.Logger) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		Async:        true,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Error(fmt.Sprintf(msg, args...))
		}),
	}
	writer.Completion = func(messages []kafka.Message, err error) {
		if err == nil {
			return
		}
		for _, msg := range messages {
			log.Error("notification job not delivered to broker",
				zap.String("key", string(msg.Key)),
				zap.Error(err))
		}
	}
	return &KafkaNotifier{writer: writer, log: log}
}

func (n *KafkaNotifier) Enqueue(ctx context.Context, job Job) error {
	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal notification job: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, n.writer.WriteTimeout)
	defer cancel()

	if err := n.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(job.Recipient),
		Value: value,
	}); err != nil {
		return fmt.Errorf("enqueue notification job: %w", err)
	}
	n.log.Debug("notification job enqueued",
		zap.String("template", job.Template),
		zap.String("recipient", job.Recipient))
	return nil
}

func (n *KafkaNotifier) Close() error {
	if n.writer == nil {
		return nil
	}
	return n.writer.Close()
}
