package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	StreamKeyRuns = "floodworker:runs"
	ConsumerGroup = "floodworker-workers"
)

type RedisQueue struct {
	client    *redis.Client
	stream    string
	block     time.Duration
	claimIdle time.Duration
}

// RedisQueueConfig holds Redis connection configuration
type RedisQueueConfig struct {
	Addr         string
	Password     string
	Stream       string
	PollTimeout  time.Duration
	// ClaimIdle is how long a delivered but unacknowledged message waits
	// before another Pop takes it over.
	ClaimIdle    time.Duration
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultRedisQueueConfig(addr string) RedisQueueConfig {
	return RedisQueueConfig{
		Addr:         addr,
		Stream:       StreamKeyRuns,
		PollTimeout:  2 * time.Second,
		ClaimIdle:    30 * time.Second,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisQueue initializes a new Redis client with default config.
func NewRedisQueue(addr string) (*RedisQueue, error) {
	return NewRedisQueueWithConfig(DefaultRedisQueueConfig(addr))
}

func NewRedisQueueWithConfig(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Stream == "" {
		cfg.Stream = StreamKeyRuns
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 30 * time.Second
	}
	// The blocking read must fit inside the socket read timeout.
	if cfg.ReadTimeout <= cfg.PollTimeout {
		cfg.ReadTimeout = cfg.PollTimeout + time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisQueue{client: client, stream: cfg.Stream, block: cfg.PollTimeout, claimIdle: cfg.ClaimIdle}, nil
}

// Client exposes the connection for other Redis-backed components such as
// the API key store.
func (r *RedisQueue) Client() *redis.Client {
	return r.client
}

func (r *RedisQueue) Close() error {
	return r.client.Close()
}

// Push appends the run ID to the stream.
func (r *RedisQueue) Push(ctx context.Context, runID uuid.UUID) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"run_id":       runID.String(),
			"submitted_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push to queue: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group if it doesn't exist.
func (r *RedisQueue) EnsureGroup(ctx context.Context, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Pop returns a message that was delivered earlier but left unacknowledged
// for longer than the claim idle time, or else blocks up to the poll timeout
// for a new one.
func (r *RedisQueue) Pop(ctx context.Context, group string, consumer string) (string, uuid.UUID, error) {
	claimed, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   r.stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  r.claimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", uuid.Nil, fmt.Errorf("failed to claim idle messages: %w", err)
	}
	if len(claimed) > 0 {
		return decodeMessage(claimed[0])
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{r.stream, ">"},
		Count:    1,
		Block:    r.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", uuid.Nil, nil
		}
		return "", uuid.Nil, fmt.Errorf("failed to read from stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return "", uuid.Nil, nil
	}
	return decodeMessage(streams[0].Messages[0])
}

func decodeMessage(msg redis.XMessage) (string, uuid.UUID, error) {
	raw, ok := msg.Values["run_id"].(string)
	if !ok {
		return msg.ID, uuid.Nil, fmt.Errorf("message %s has no run_id", msg.ID)
	}
	runID, err := uuid.Parse(raw)
	if err != nil {
		return msg.ID, uuid.Nil, fmt.Errorf("message %s has invalid run_id: %w", msg.ID, err)
	}
	return msg.ID, runID, nil
}

// Ack acknowledges msgID and deletes it from the stream so the stream only
// holds queued and in-flight runs.
func (r *RedisQueue) Ack(ctx context.Context, group string, msgID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, r.stream, group, msgID)
		pipe.XDel(ctx, r.stream, msgID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Depth returns the number of queued and in-flight runs.
func (r *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := r.client.XLen(ctx, r.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return n, nil
}
