package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLockTimeout is returned when ctx has no deadline and MaxWait elapses.
var ErrLockTimeout = errors.New("lock wait timeout")

// Redis is a Locker shared by every process talking to the same Redis.
// TTL bounds how long a crashed holder can block a key.
type Redis struct {
	Client  *redis.Client
	Prefix  string
	TTL     time.Duration
	Poll    time.Duration
	MaxWait time.Duration
	Logger  *zap.Logger
}

func NewRedis(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		Client:  client,
		Prefix:  "booking-lock:",
		TTL:     ttl,
		Poll:    25 * time.Millisecond,
		MaxWait: 10 * time.Second,
		Logger:  logger,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	fullKey := r.Prefix + key
	token := uuid.NewString()

	deadline := time.Now().Add(r.MaxWait)
	for {
		ok, err := r.Client.SetNX(ctx, fullKey, token, r.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire lock %s: %w", key, ErrLockTimeout)
		}

		timer := time.NewTimer(r.Poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		// Release even if the caller's context is already cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		deleted, err := unlockScript.Run(releaseCtx, r.Client, []string{fullKey}, token).Int()
		switch {
		case err != nil:
			// The key stays held until its TTL runs out.
			r.Logger.Error("release lock failed",
				zap.String("key", key),
				zap.Duration("ttl", r.TTL),
				zap.Error(err))
		case deleted == 0:
			r.Logger.Warn("lock expired before release",
				zap.String("key", key),
				zap.Duration("ttl", r.TTL))
		}
	}, nil
}

// Ping checks connectivity at startup.
func (r *Redis) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}
