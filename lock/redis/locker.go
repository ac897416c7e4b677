package redis

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a crashed holder keeps the lock.
const DefaultTTL = 30 * time.Second

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker is an outbox.Locker backed by a Redis key set with NX and an
// expiration. The value is a random token so that only the holder can
// release it. It is not reentrant.
type Locker struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
	logger outbox.Logger

	mu    sync.Mutex
	token string
}

var _ outbox.Locker = (*Locker)(nil)
var _ outbox.Loggable = (*Locker)(nil)

// KeyFor returns the Redis key used for a numeric lock key, so every
// dispatcher configured with the same key shares the lock.
func KeyFor(lockKey int64) string {
	return fmt.Sprintf("ticketflow:outbox:lock:%d", lockKey)
}

func NewLocker(client redis.Cmdable, key string, ttl time.Duration) *Locker {
	if client == nil || reflect.ValueOf(client).IsNil() {
		panic("client is mandatory")
	}
	if key == "" {
		panic("key is mandatory")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{
		client: client,
		key:    key,
		ttl:    ttl,
		logger: &outbox.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (l *Locker) SetLogger(logger outbox.Logger) {
	l.logger = logger
}

func (l *Locker) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token != "" {
		return false, nil
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setting lock key '%s': %w", l.key, err)
	}
	if !ok {
		return false, nil
	}
	l.token = token
	l.logger.Debug(fmt.Sprintf("redis lock '%s' acquired", l.key))
	return true, nil
}

// Unlock deletes the key if it still holds this locker's token. A lock that
// expired in the meantime is only reported with a warning.
func (l *Locker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token == "" {
		return fmt.Errorf("redis lock '%s' is not held", l.key)
	}
	token := l.token
	l.token = ""

	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int64()
	if err != nil {
		return fmt.Errorf("releasing lock key '%s': %w", l.key, err)
	}
	if deleted == 0 {
		l.logger.Warn(fmt.Sprintf("redis lock '%s' expired before being released", l.key))
		return nil
	}
	l.logger.Debug(fmt.Sprintf("redis lock '%s' released", l.key))
	return nil
}
