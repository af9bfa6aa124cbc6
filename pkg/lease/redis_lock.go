package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Compare-and-delete so a holder never releases a lock it lost to TTL expiry.
var redisUnlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is an IntentLocker and ActiveIndex shared by every
// control-plane replica that points at the same Redis. Locks carry a TTL so
// a crashed holder cannot wedge issuance for an intent; active-lease claims
// expire with the lease.
type RedisLocker struct {
	client       *redis.Client
	ttl          time.Duration
	retry        time.Duration
	prefix       string
	activePrefix string
}

// NewRedisLocker creates a locker against addr.
func NewRedisLocker(addr, password string, db int, ttl time.Duration) *RedisLocker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLockerWithClient(rdb, ttl)
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{
		client:       client,
		ttl:          ttl,
		retry:        25 * time.Millisecond,
		prefix:       "leasegate:issue:",
		activePrefix: "leasegate:active:",
	}
}

func (r *RedisLocker) Lock(ctx context.Context, intentID string) (func(), error) {
	key := r.prefix + intentID
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retry):
		}
	}

	done := false
	return func() {
		if done {
			return
		}
		done = true
		// Unlock must run even when the caller's ctx is already cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = redisUnlockScript.Run(ctx, r.client, []string{key}, token).Err()
	}, nil
}

func (r *RedisLocker) Claim(ctx context.Context, intentID, leaseID string, expiresAt time.Time) (string, error) {
	key := r.activePrefix + intentID
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return "", nil
	}
	ok, err := r.client.SetNX(ctx, key, leaseID, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis claim %s: %w", key, err)
	}
	if ok {
		return "", nil
	}
	holder, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Lapsed between SETNX and GET.
		return r.Claim(ctx, intentID, leaseID, expiresAt)
	}
	if err != nil {
		return "", fmt.Errorf("redis claim %s: %w", key, err)
	}
	if holder == leaseID {
		return "", nil
	}
	return holder, nil
}

func (r *RedisLocker) Release(ctx context.Context, intentID, leaseID string) error {
	return redisUnlockScript.Run(ctx, r.client, []string{r.activePrefix + intentID}, leaseID).Err()
}

// Ping checks connectivity.
func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLocker) Close() error {
	return r.client.Close()
}
