package job

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "Aetherra-Core/internal/errors"
	"Aetherra-Core/pkg/logger"
)

// RedisQueueConfig holds the connection settings for RedisQueue.
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue is a list-backed queue: LPUSH to publish, BRPOP to consume.
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue dials Redis and verifies the connection with PING.
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "connect redis")
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "aetherra:jobs"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}
}

// Publish implements Producer.
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.queue, jobID).Err(); err != nil {
		return xerrors.Wrap(CodeJobPublish, err, "redis publish")
	}
	return nil
}

// Consume implements Consumer. Ids whose handler fails with a retryable
// error are pushed back to the tail of the list.
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis consume")
					return
				}
				if len(values) != 2 {
					continue
				}
				id := values[1]
				if herr := handler(ctx, id); herr != nil && xerrors.RetryableError(herr) {
					logger.Named("job.queue").Warn("requeueing job", "job_id", id, "error", herr)
					_ = q.client.RPush(ctx, q.queue, id).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close releases the Redis client.
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
