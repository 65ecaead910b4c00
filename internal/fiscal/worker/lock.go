package worker

import (
	"context"
	"strings"
	"time"

	"github.com/corretora/backoffice/internal/config"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const drainLockKey = "fiscal:jobs:drain"

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// DrainLock keeps concurrent worker instances from draining the same batch.
// It is an optimization, not a correctness requirement: row locks already
// serialize per-job work. Nil when Redis is not configured.
type DrainLock struct {
	client *redis.Client
	script *redis.Script
}

func NewDrainLock(cfg config.Config) *DrainLock {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
	return &DrainLock{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

func (l *DrainLock) TryLock(ctx context.Context, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", true, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, drainLockKey, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *DrainLock) Release(ctx context.Context, token string) error {
	if l == nil || l.client == nil || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{drainLockKey}, token).Err()
}
