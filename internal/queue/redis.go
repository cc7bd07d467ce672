package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// RedisConfig configures the Redis list backend.
type RedisConfig struct {
	Key         string        // list key; "<key>:dead" holds undecodable payloads
	PollTimeout time.Duration // BRPOP timeout between context checks
}

// Redis publishes with LPUSH and consumes with BRPOP, giving FIFO order.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
	log    *slog.Logger
}

// NewRedis wraps client.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.Key == "" {
		cfg.Key = "memegen:jobs"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	return &Redis{client: client, cfg: cfg, log: slog.Default().With("component", "queue")}
}

func (q *Redis) deadKey() string { return q.cfg.Key + ":dead" }

func (q *Redis) Publish(ctx context.Context, job types.Job) error {
	data, err := Encode(job)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.cfg.Key, data).Err(); err != nil {
		return fmt.Errorf("%w: publish: %v", types.ErrUpstreamUnavailable, err)
	}
	return nil
}

func (q *Redis) Consume(ctx context.Context) (types.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return types.Job{}, err
		}

		res, err := q.client.BRPop(ctx, q.cfg.PollTimeout, q.cfg.Key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return types.Job{}, ctx.Err()
			}
			return types.Job{}, fmt.Errorf("%w: consume: %v", types.ErrUpstreamUnavailable, err)
		}
		// res is [key, value]
		if len(res) != 2 {
			continue
		}

		job, err := Decode([]byte(res[1]))
		if err != nil {
			q.log.Error("Dropping undecodable job", "error", err)
			if perr := q.client.LPush(ctx, q.deadKey(), res[1]).Err(); perr != nil {
				q.log.Warn("Failed to push dead letter", "error", perr)
			}
			continue
		}
		return job, nil
	}
}

// Len returns the number of queued payloads.
func (q *Redis) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.cfg.Key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
	}
	return n, nil
}

var _ Queue = (*Redis)(nil)
