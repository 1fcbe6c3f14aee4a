package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const redisPrefix = "notifyhub:"

// RedisRegistry keeps one sorted set per recipient of "instance/conn"
// members scored by their expiry in unix millis. A live instance refreshes
// its own members; members of a crashed instance lapse on their own even
// while other sessions of the recipient stay fresh.
type RedisRegistry struct {
	rdb *goredis.Client
	ttl time.Duration
	now func() time.Time
}

var _ Registry = (*RedisRegistry)(nil)

func NewRedisRegistry(rdb *goredis.Client, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisRegistry{rdb: rdb, ttl: ttl, now: time.Now}
}

func sessionsKey(recipientID int64) string {
	return fmt.Sprintf("%ssessions:%d", redisPrefix, recipientID)
}

func (r *RedisRegistry) Register(ctx context.Context, recipientID int64, ref SessionRef) error {
	key := sessionsKey(recipientID)
	deadline := r.now().Add(r.ttl).UnixMilli()
	_, err := r.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.ZAdd(ctx, key, goredis.Z{Score: float64(deadline), Member: ref.String()})
		p.PExpire(ctx, key, r.ttl)
		return nil
	})
	return err
}

func (r *RedisRegistry) Unregister(ctx context.Context, recipientID int64, ref SessionRef) error {
	return r.rdb.ZRem(ctx, sessionsKey(recipientID), ref.String()).Err()
}

func (r *RedisRegistry) Lookup(ctx context.Context, recipientID int64) ([]SessionRef, error) {
	key := sessionsKey(recipientID)
	now := strconv.FormatInt(r.now().UnixMilli(), 10)
	var members *goredis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", "("+now)
		members = p.ZRangeByScore(ctx, key, &goredis.ZRangeBy{Min: now, Max: "+inf"})
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]SessionRef, 0, len(members.Val()))
	for _, m := range members.Val() {
		if ref, ok := parseSessionRef(m); ok {
			out = append(out, ref)
		}
	}
	return out, nil
}

// RedisPushBus publishes envelopes on one channel per instance.
type RedisPushBus struct {
	rdb *goredis.Client
}

var _ PushBus = (*RedisPushBus)(nil)

func NewRedisPushBus(rdb *goredis.Client) *RedisPushBus { return &RedisPushBus{rdb: rdb} }

func pushChannel(instanceID string) string { return redisPrefix + "push:" + instanceID }

func (b *RedisPushBus) Publish(ctx context.Context, instanceID string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	n, err := b.rdb.Publish(ctx, pushChannel(instanceID), body).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoSubscriber
	}
	return nil
}

func (b *RedisPushBus) Subscribe(ctx context.Context, instanceID string, fn func(Envelope)) error {
	sub := b.rdb.Subscribe(ctx, pushChannel(instanceID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("push channel closed")
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			fn(env)
		}
	}
}

// RedisLimiter is a fixed-window counter shared by all instances.
type RedisLimiter struct {
	rdb    *goredis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

var _ Limiter = (*RedisLimiter)(nil)

func NewRedisLimiter(rdb *goredis.Client, limit int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &RedisLimiter{rdb: rdb, limit: limit, window: window, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, recipientID int64) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	slot := l.now().UnixMilli() / l.window.Milliseconds()
	key := fmt.Sprintf("%srl:%d:%d", redisPrefix, recipientID, slot)
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return true, err
	}
	if n == 1 {
		_ = l.rdb.PExpire(ctx, key, l.window).Err()
	}
	return n <= int64(l.limit), nil
}
