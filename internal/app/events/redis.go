package events

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// StreamAdder is the subset of the redis client used by RedisPublisher.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisPublisher appends events to a redis stream.
type RedisPublisher struct {
	client StreamAdder
	stream string
	maxLen int64
}

var _ Sink = (*RedisPublisher)(nil)

// NewRedisPublisher returns a sink writing to stream. maxLen of zero keeps the
// stream unbounded; otherwise it is trimmed approximately.
func NewRedisPublisher(client StreamAdder, stream string, maxLen int64) *RedisPublisher {
	if stream == "" {
		stream = "raffle:events"
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

// DialRedis parses url and returns a connected client.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (p *RedisPublisher) Name() string { return "redis:" + p.stream }

func (p *RedisPublisher) Deliver(ctx context.Context, event Event) error {
	values := map[string]interface{}{
		"id":         event.ID,
		"kind":       string(event.Kind),
		"source":     event.Source,
		"emitted_at": event.EmittedAt.UnixMilli(),
	}
	for k, v := range event.Attributes {
		values["attr."+k] = v
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}
