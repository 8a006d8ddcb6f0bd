package writer

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer used for publishing.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBackend publishes one JSON message per event keyed by symbol, so a
// symbol's events land on one partition in order.
type KafkaBackend struct {
	writer messageWriter
}

func NewKafkaBackend(w messageWriter) *KafkaBackend {
	return &KafkaBackend{writer: w}
}

func (b *KafkaBackend) Name() string { return "kafka" }

func (b *KafkaBackend) Write(ctx context.Context, batch Batch) (int64, error) {
	msgs := make([]kafka.Message, 0, len(batch.Events))
	var size int64
	for _, ev := range batch.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			return 0, fmt.Errorf("marshal %s event: %w", ev.Kind(), err)
		}
		h := ev.Meta()
		msgs = append(msgs, kafka.Message{
			Key:   []byte(h.Symbol),
			Value: data,
			Headers: []kafka.Header{
				{Key: "exchange", Value: []byte(h.Exchange)},
				{Key: "stream", Value: []byte(h.Stream)},
			},
		})
		size += int64(len(data))
	}

	if err := b.writer.WriteMessages(ctx, msgs...); err != nil {
		return 0, fmt.Errorf("write kafka messages: %w", err)
	}
	return size, nil
}

func (b *KafkaBackend) Close() error { return b.writer.Close() }
