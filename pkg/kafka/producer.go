package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/models"
)

// Producer publishes machine lifecycle events so peer nodes can fan them
// out to their own websocket subscribers.
type Producer struct {
	client *kgo.Client
	logger *logrus.Logger
	source string
}

// NewProducer creates a new Kafka producer. Source identifies this node in
// published events; consumers use it to skip their own traffic.
func NewProducer(brokers []string, source string, logger *logrus.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(source),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		source: source,
	}, nil
}

// Source returns the node identity stamped on published events.
func (p *Producer) Source() string {
	return p.source
}

// Close closes the underlying client
func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// ProduceMessage publishes a raw message synchronously.
func (p *Producer) ProduceMessage(topic string, key []byte, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}

	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{
			Key:   k,
			Value: []byte(v),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	return nil
}

// PublishMachineEvent publishes a machine lifecycle event. The machine uuid
// keys the record so per-machine ordering survives partitioning.
func (p *Producer) PublishMachineEvent(topic, eventID string, event models.MachineEvent) error {
	wrapped := EventFromMachine(eventID, p.source, event)

	value, err := json.Marshal(wrapped)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := map[string]string{
		"source":     p.source,
		"event_type": string(event.Type),
	}

	return p.ProduceMessage(topic, []byte(event.MachineUUID), value, headers)
}

// HealthCheck pings the broker
func (p *Producer) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// GetClient returns the underlying kgo.Client for health checks
func (p *Producer) GetClient() *kgo.Client {
	return p.client
}
