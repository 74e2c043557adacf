package streams

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Publisher appends envelopes to a Redis stream.
type Publisher struct {
	client *redis.Client
}

// PublishOption configures XADD behaviour.
type PublishOption func(*redis.XAddArgs)

// WithMaxLenApprox caps the stream at roughly maxLen entries.
func WithMaxLenApprox(maxLen int64) PublishOption {
	return func(args *redis.XAddArgs) {
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
	}
}

// NewPublisher creates a Publisher.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish validates the envelope, assigns missing ids and timestamps, and
// appends it to the stream. It returns the stream entry id.
func (p *Publisher) Publish(ctx context.Context, stream string, envelope Envelope, opts ...PublishOption) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	if envelope.EventID == "" {
		envelope.EventID = uuid.NewString()
	}
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = time.Now().UTC()
	}
	raw, err := envelope.Marshal()
	if err != nil {
		return "", err
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	for _, opt := range opts {
		opt(args)
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	recordPublished(ctx, envelope.EventType)
	return id, nil
}

// PublishRunRequested wraps and publishes a run request.
func (p *Publisher) PublishRunRequested(ctx context.Context, stream string, req RunRequested, opts ...PublishOption) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	env, err := NewEnvelope(EventRunRequested, req)
	if err != nil {
		return "", err
	}
	return p.Publish(ctx, stream, env, opts...)
}

// PublishRunCompleted wraps and publishes a run completion.
func (p *Publisher) PublishRunCompleted(ctx context.Context, stream string, done RunCompleted, opts ...PublishOption) (string, error) {
	if err := done.Validate(); err != nil {
		return "", err
	}
	env, err := NewEnvelope(EventRunCompleted, done)
	if err != nil {
		return "", err
	}
	return p.Publish(ctx, stream, env, opts...)
}
