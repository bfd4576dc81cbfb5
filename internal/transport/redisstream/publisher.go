package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	aggregation "meterflow/internal/aggregation/domain"
	anomaly "meterflow/internal/anomaly/domain"
)

const (
	// MessageTypeAnomaly labels outbound anomaly events.
	MessageTypeAnomaly = "anomaly"
	// MessageTypeAggregate labels outbound aggregate updates.
	MessageTypeAggregate = "aggregate"
)

// Publisher appends anomaly and aggregate messages to the update stream.
// Each entry carries a type field, the source key, and a JSON payload.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
	closed bool
}

// PublisherOption configures the publisher.
type PublisherOption func(*Publisher)

// WithStream overrides the update stream name.
func WithStream(stream string) PublisherOption {
	return func(p *Publisher) {
		if stream != "" {
			p.stream = stream
		}
	}
}

// WithMaxLen caps the update stream length (approximate trim).
func WithMaxLen(maxLen int64) PublisherOption {
	return func(p *Publisher) {
		if maxLen > 0 {
			p.maxLen = maxLen
		}
	}
}

// NewPublisher constructs a publisher over an existing client.
func NewPublisher(client *redis.Client, opts ...PublisherOption) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("redisstream: nil client")
	}
	p := &Publisher{client: client, stream: DefaultUpdateStream, maxLen: 100000}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Publisher) add(ctx context.Context, messageType, key string, payload any) error {
	if p.closed {
		return errors.New("redisstream: publisher closed")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("redisstream: marshal %s: %w", messageType, err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":       messageType,
			"key":        key,
			"id":         uuid.NewString(),
			"occurredAt": time.Now().UTC().Format(time.RFC3339Nano),
			"body":       string(body),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redisstream: publish %s: %w", messageType, err)
	}
	return nil
}

// Ping verifies the producer side of the connection during startup.
func (p *Publisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisstream: producer ping: %w", err)
	}
	return nil
}

// PublishAnomaly appends one anomaly event, keyed by source.
func (p *Publisher) PublishAnomaly(ctx context.Context, event anomaly.Event) error {
	return p.add(ctx, MessageTypeAnomaly, event.SourceID, event)
}

// PublishAggregate appends one flushed aggregate record, keyed by source.
func (p *Publisher) PublishAggregate(ctx context.Context, record aggregation.AggregateRecord) error {
	payload := struct {
		SourceID    string    `json:"sourceId"`
		Granularity string    `json:"granularity"`
		WindowStart time.Time `json:"windowStart"`
		Count       int64     `json:"count"`
		Sum         float64   `json:"sum"`
		Avg         float64   `json:"avg"`
		Min         float64   `json:"min"`
		Max         float64   `json:"max"`
	}{
		SourceID:    record.SourceID,
		Granularity: string(record.Granularity),
		WindowStart: record.WindowStart,
		Count:       record.Count,
		Sum:         record.Sum,
		Avg:         record.Avg,
		Min:         record.Min,
		Max:         record.Max,
	}
	return p.add(ctx, MessageTypeAggregate, record.SourceID, payload)
}

// Close marks the publisher unusable. The underlying client is owned by
// the caller.
func (p *Publisher) Close() error {
	p.closed = true
	return nil
}
