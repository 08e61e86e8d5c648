package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisChannel keeps progress in Redis so that other processes can watch
// and control an extraction.
type RedisChannel struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Channel = (*RedisChannel)(nil)

// NewRedisChannel wraps an existing client. Keys expire after ttl; 0 keeps
// them forever.
func NewRedisChannel(client *redis.Client, ttl time.Duration) *RedisChannel {
	return &RedisChannel{client: client, ttl: ttl}
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, addr string, db int, ttl time.Duration) (*RedisChannel, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return NewRedisChannel(client, ttl), nil
}

func (r *RedisChannel) expire(ctx context.Context, pipe redis.Pipeliner, key string) {
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
}

func (r *RedisChannel) SetProgress(ctx context.Context, id string, pct int64) error {
	return r.client.Set(ctx, ProgressKey(id), pct, r.ttl).Err()
}

func (r *RedisChannel) IncrProgress(ctx context.Context, id string, by int64) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, ProgressKey(id), by)
		r.expire(ctx, pipe, ProgressKey(id))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *RedisChannel) Progress(ctx context.Context, id string) (int64, error) {
	n, err := r.client.Get(ctx, ProgressKey(id)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (r *RedisChannel) SetStatus(ctx context.Context, id, status string) error {
	return r.client.Set(ctx, StatusKey(id), status, r.ttl).Err()
}

func (r *RedisChannel) Status(ctx context.Context, id string) (string, error) {
	s, err := r.client.Get(ctx, StatusKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return s, err
}

func (r *RedisChannel) PushControl(ctx context.Context, id string, cmd Command) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, ControlKey(id), string(cmd))
		r.expire(ctx, pipe, ControlKey(id))
		return nil
	})
	return err
}

func (r *RedisChannel) PopControl(ctx context.Context, id string, timeout time.Duration) (Command, bool, error) {
	// BLPOP treats 0 as "forever"
	if timeout < time.Second {
		timeout = time.Second
	}
	res, err := r.client.BLPop(ctx, timeout, ControlKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return normalizeCommand(res[1]), true, nil
}

func (r *RedisChannel) AppendLog(ctx context.Context, id string, at time.Time, line string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, LogsKey(id), redis.Z{Score: float64(at.UnixMilli()), Member: logMember(at, line)})
		r.expire(ctx, pipe, LogsKey(id))
		return nil
	})
	return err
}

func (r *RedisChannel) Logs(ctx context.Context, id string) ([]string, error) {
	return r.client.ZRange(ctx, LogsKey(id), 0, -1).Result()
}

func (r *RedisChannel) MarkFinished(ctx context.Context, id string) error {
	return r.client.SAdd(ctx, FinishedKey, id).Err()
}

func (r *RedisChannel) Finished(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, FinishedKey).Result()
}

func (r *RedisChannel) Close() error {
	return r.client.Close()
}
