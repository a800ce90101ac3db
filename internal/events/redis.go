package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/synclab/collabd/internal/common/cnst"
	"github.com/synclab/collabd/internal/common/config"
)

// eventStreamMaxLen bounds the stream; old entries are trimmed approximately.
const eventStreamMaxLen = 8192

// RedisNotifier implements Notifier using Redis streams
type RedisNotifier struct {
	logger *zap.Logger
	client redis.UniversalClient
	stream string
}

var _ Notifier = (*RedisNotifier)(nil)

// NewRedisNotifier creates a new Redis-stream-backed notifier
func NewRedisNotifier(logger *zap.Logger, client redis.UniversalClient, stream string) (*RedisNotifier, error) {
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if stream == "" {
		stream = cnst.EventStreamName
	}

	return &RedisNotifier{
		logger: logger.Named("events.redis"),
		client: client,
		stream: stream,
	}, nil
}

// NewRedisClient builds a universal client from the shared Redis configuration
func NewRedisClient(cfg config.RedisConfig) redis.UniversalClient {
	opts := &redis.UniversalOptions{
		Addrs:    splitAddrs(cfg.Addr),
		Username: cfg.Username,
		Password: cfg.Password,
	}
	if cfg.ClusterType == cnst.RedisClusterTypeSentinel {
		opts.MasterName = cfg.MasterName
	}
	if cfg.ClusterType != cnst.RedisClusterTypeCluster {
		// db selection is not available in cluster mode
		opts.DB = cfg.DB
	}
	return redis.NewUniversalClient(opts)
}

func splitAddrs(addr string) []string {
	var addrs []string
	start := 0
	for i := 0; i <= len(addr); i++ {
		if i == len(addr) || addr[i] == ',' || addr[i] == ';' {
			if i > start {
				addrs = append(addrs, addr[start:i])
			}
			start = i + 1
		}
	}
	return addrs
}

// Watch implements Notifier.Watch
func (r *RedisNotifier) Watch(ctx context.Context) (<-chan *Event, error) {
	ch := make(chan *Event, 64)

	go func() {
		defer close(ch)

		// Start from the latest entry; only new events are relevant
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
				streams, err := r.client.XRead(ctx, &redis.XReadArgs{
					Streams: []string{r.stream, lastID},
					Count:   16,
					Block:   time.Second,
				}).Result()

				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					if !errors.Is(err, redis.Nil) {
						r.logger.Error("failed to read from event stream", zap.Error(err))
					}
					continue
				}

				for _, stream := range streams {
					for _, message := range stream.Messages {
						lastID = message.ID

						data, ok := message.Values["event"].(string)
						if !ok {
							continue
						}

						var event Event
						if err := json.Unmarshal([]byte(data), &event); err != nil {
							r.logger.Error("failed to unmarshal event",
								zap.String("messageID", message.ID),
								zap.Error(err))
							continue
						}

						select {
						case ch <- &event:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()

	return ch, nil
}

// Publish implements Notifier.Publish
func (r *RedisNotifier) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: eventStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event":     string(data),
			"timestamp": time.Now().Unix(),
		},
	}).Result()

	if err != nil {
		return fmt.Errorf("failed to add event to stream: %w", err)
	}

	return nil
}
