package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SignalCounter counts occurrences of a signal per subject inside a fixed
// window. It backs velocity rules, PIN lockouts and geofence miss counting.
type SignalCounter interface {
	Incr(ctx context.Context, scope, subject string, window time.Duration) (int, error)
	Peek(ctx context.Context, scope, subject string) (int, error)
}

var signalCounterScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisSignalCounter implements SignalCounter with one expiring key per window.
type RedisSignalCounter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSignalCounter(client redis.UniversalClient, prefix string) *RedisSignalCounter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "trendle:rewards"
	}
	return &RedisSignalCounter{client: client, prefix: trimmedPrefix + ":signal"}
}

func (r *RedisSignalCounter) key(scope, subject string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, strings.TrimSpace(scope), strings.TrimSpace(subject))
}

func (r *RedisSignalCounter) Incr(ctx context.Context, scope, subject string, window time.Duration) (int, error) {
	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}
	raw, err := signalCounterScript.Run(ctx, r.client, []string{r.key(scope, subject)}, windowMs).Result()
	if err != nil {
		return 0, err
	}
	count, ok := raw.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected redis counter response type: %T", raw)
	}
	return int(count), nil
}

func (r *RedisSignalCounter) Peek(ctx context.Context, scope, subject string) (int, error) {
	count, err := r.client.Get(ctx, r.key(scope, subject)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// MemorySignalCounter is the single-process SignalCounter used without redis.
type MemorySignalCounter struct {
	mu      sync.Mutex
	windows map[string]counterWindow
	now     func() time.Time
}

type counterWindow struct {
	count     int
	expiresAt time.Time
}

func NewMemorySignalCounter() *MemorySignalCounter {
	return &MemorySignalCounter{windows: make(map[string]counterWindow), now: time.Now}
}

func (m *MemorySignalCounter) Incr(ctx context.Context, scope, subject string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scope + ":" + subject
	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = counterWindow{expiresAt: now.Add(window)}
	}
	w.count++
	m.windows[key] = w
	return w.count, nil
}

func (m *MemorySignalCounter) Peek(ctx context.Context, scope, subject string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[scope+":"+subject]
	if !ok || !m.now().Before(w.expiresAt) {
		return 0, nil
	}
	return w.count, nil
}
