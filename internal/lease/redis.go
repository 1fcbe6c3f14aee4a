package lease

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type RedisLocker struct {
	rdb    *goredis.Client
	owner  string
	prefix string
}

var _ Locker = (*RedisLocker)(nil)

func NewRedisLocker(rdb *goredis.Client, owner string) *RedisLocker {
	return &RedisLocker{rdb: rdb, owner: owner, prefix: "notifyhub:lease:"}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	key := l.prefix + name
	token := newToken(l.owner)
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return &Lease{
		Name:    name,
		Token:   token,
		Expires: time.Now().Add(ttl),
		release: func(ctx context.Context) error {
			return releaseScript.Run(ctx, l.rdb, []string{key}, token).Err()
		},
	}, true, nil
}
