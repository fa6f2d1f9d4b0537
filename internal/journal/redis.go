package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cortexhub/cortex-chatgate/internal/metrics"
)

// Publisher records turn events.
type Publisher interface {
	Publish(ctx context.Context, e TurnEvent)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, TurnEvent) {}

// RedisConfig holds configuration for the journal's Redis connection
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// StreamPublisher appends events to a capped Redis stream with XADD
type StreamPublisher struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger *slog.Logger
}

// NewStreamPublisher creates a publisher with connection validation
func NewStreamPublisher(cfg RedisConfig, logger *slog.Logger) (*StreamPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &StreamPublisher{
		rdb:    rdb,
		stream: cfg.Stream,
		maxLen: cfg.MaxLen,
		logger: logger.With("component", "journal"),
	}, nil
}

// Publish appends e to the stream. Failures are logged and counted.
func (p *StreamPublisher) Publish(ctx context.Context, e TurnEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: e.ToRedisValues(),
	}).Err()
	if err != nil {
		metrics.JournalErrors.Inc()
		p.logger.Warn("journal publish failed", "error", err, "turn", e.ID)
	}
}

// Recent returns up to n events, newest first.
func (p *StreamPublisher) Recent(ctx context.Context, n int64) ([]TurnEvent, error) {
	msgs, err := p.rdb.XRevRangeN(ctx, p.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange failed: %w", err)
	}
	events := make([]TurnEvent, 0, len(msgs))
	for _, m := range msgs {
		e, err := TurnEventFromRedisValues(m.Values)
		if err != nil {
			p.logger.Debug("skipping malformed journal entry", "id", m.ID, "error", err)
			continue
		}
		events = append(events, *e)
	}
	return events, nil
}

// Ping checks if Redis is reachable
func (p *StreamPublisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (p *StreamPublisher) Close() error {
	return p.rdb.Close()
}
