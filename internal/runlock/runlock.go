// Package runlock keeps two tacc-backup runs on different hosts from working
// the same source directory at the same time.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Connect opens a client and checks the server answers.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return client, nil
}

type Lock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	token string
}

func New(client *redis.Client, key string, ttl time.Duration, logger *zap.Logger) *Lock {
	return &Lock{client: client, key: key, ttl: ttl, logger: logger}
}

// Acquire reports whether the lock was taken. A false result with a nil error
// means another holder has it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token != "" {
		return false, errors.New("lock already held by this process")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if !ok {
		l.logger.Info("lock held elsewhere", zap.String("key", l.key))
		return false, nil
	}

	l.token = token
	l.logger.Debug("lock acquired", zap.String("key", l.key), zap.Duration("ttl", l.ttl))
	return true, nil
}

// Release gives the lock up if it is still ours. Releasing after the lock
// expired and was taken by someone else leaves their lock in place.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""

	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if deleted == 0 {
		l.logger.Warn("lock expired before release", zap.String("key", l.key))
	}
	return nil
}
