package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const redisBreakerDuration = 30 * time.Second

// RedisClientFactory constructs a Redis client for the given options.
type RedisClientFactory func(options *redis.Options) *redis.Client

// RedisSettings configures the optional Redis backend.
type RedisSettings struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Manager routes blob operations to Redis when it is healthy and to the
// fallback backend otherwise. Redis writes are mirrored to the fallback so it
// is current when an outage starts. Keys written to the fallback during an
// outage stay pending and are read from the fallback until they have been
// copied back to Redis.
type Manager struct {
	settings       RedisSettings
	fallback       Backend
	nowFn          func() time.Time
	newRedisClient RedisClientFactory
	onFallback     func()

	mu           sync.Mutex
	redisBackend *RedisBackend
	breakerUntil time.Time
	pending      map[string]uint64
	pendingSeq   uint64
	clearPending bool

	reconcileMu sync.Mutex
}

// NewManager constructs a Manager with default dependencies when nil.
func NewManager(settings RedisSettings, fallback Backend, nowFn func() time.Time, newRedisClient RedisClientFactory) *Manager {
	if fallback == nil {
		fallback = NewMemoryBackend()
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if newRedisClient == nil {
		newRedisClient = redis.NewClient
	}
	settings.Addr = strings.TrimSpace(settings.Addr)
	settings.Password = strings.TrimSpace(settings.Password)
	settings.Prefix = strings.TrimSpace(settings.Prefix)
	if settings.DB < 0 {
		settings.DB = 0
	}
	return &Manager{
		settings:       settings,
		fallback:       fallback,
		nowFn:          nowFn,
		newRedisClient: newRedisClient,
		pending:        make(map[string]uint64),
	}
}

// OnFallback registers a hook invoked whenever an operation falls back.
func (m *Manager) OnFallback(fn func()) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.onFallback = fn
	m.mu.Unlock()
}

// Get implements Backend.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, error) {
	primary, ok := m.primary(ctx)
	if ok && !m.isPending(key) {
		blob, errGet := primary.Get(ctx, key)
		if errGet == nil || errors.Is(errGet, ErrNotFound) {
			return blob, errGet
		}
		m.tripBreaker(errGet)
	}
	return m.fallback.Get(ctx, key)
}

// Put implements Backend.
func (m *Manager) Put(ctx context.Context, key string, blob []byte) error {
	if primary, ok := m.primary(ctx); ok {
		errPut := primary.Put(ctx, key, blob)
		if errPut == nil {
			m.setPending(key, false)
			if errMirror := m.fallback.Put(ctx, key, blob); errMirror != nil {
				log.WithError(errMirror).WithField("key", key).Warn("record store: fallback mirror write failed")
			}
			return nil
		}
		m.tripBreaker(errPut)
	}
	if errPut := m.fallback.Put(ctx, key, blob); errPut != nil {
		return errPut
	}
	m.setPending(key, true)
	return nil
}

// Delete removes key from both backends.
func (m *Manager) Delete(ctx context.Context, key string) error {
	removed := false
	if primary, ok := m.primary(ctx); ok {
		if errDelete := primary.Delete(ctx, key); errDelete != nil {
			m.tripBreaker(errDelete)
		} else {
			removed = true
		}
	}
	if errDelete := m.fallback.Delete(ctx, key); errDelete != nil {
		return errDelete
	}
	m.setPending(key, !removed)
	return nil
}

// DeleteAll clears both backends.
func (m *Manager) DeleteAll(ctx context.Context) error {
	removed := false
	if primary, ok := m.primary(ctx); ok {
		if errDelete := primary.DeleteAll(ctx); errDelete != nil {
			m.tripBreaker(errDelete)
		} else {
			removed = true
		}
	}
	if errDelete := m.fallback.DeleteAll(ctx); errDelete != nil {
		return errDelete
	}
	if m.settings.Enabled {
		m.mu.Lock()
		m.pending = make(map[string]uint64)
		m.clearPending = !removed
		m.mu.Unlock()
	}
	return nil
}

// Pending reports how many keys still wait to be copied back to Redis.
func (m *Manager) Pending() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close releases the Redis client, if any.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.redisBackend == nil {
		return nil
	}
	errClose := m.redisBackend.Close()
	m.redisBackend = nil
	return errClose
}

func (m *Manager) primary(ctx context.Context) (Backend, bool) {
	if m == nil || !m.settings.Enabled {
		return nil, false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if m.isBreakerActive() {
		return nil, false
	}
	backend, errEnsure := m.ensureRedis(ctx)
	if errEnsure != nil {
		m.tripBreaker(errEnsure)
		return nil, false
	}
	if errReconcile := m.reconcile(ctx, backend); errReconcile != nil {
		m.tripBreaker(errReconcile)
		return nil, false
	}
	return backend, true
}

// reconcile copies fallback writes made during an outage back to Redis.
// A pending key missing from the fallback was deleted and is deleted in
// Redis too.
func (m *Manager) reconcile(ctx context.Context, primary Backend) error {
	if !m.hasPending() {
		return nil
	}
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	m.mu.Lock()
	clearAll := m.clearPending
	keys := make(map[string]uint64, len(m.pending))
	for key, seq := range m.pending {
		keys[key] = seq
	}
	m.mu.Unlock()

	if clearAll {
		if errDelete := primary.DeleteAll(ctx); errDelete != nil {
			return errDelete
		}
		m.mu.Lock()
		m.clearPending = false
		m.mu.Unlock()
	}
	for key, seq := range keys {
		blob, errGet := m.fallback.Get(ctx, key)
		switch {
		case errors.Is(errGet, ErrNotFound):
			if errDelete := primary.Delete(ctx, key); errDelete != nil {
				return errDelete
			}
		case errGet != nil:
			return fmt.Errorf("record store: reconcile %s: %w", key, errGet)
		default:
			if errPut := primary.Put(ctx, key, blob); errPut != nil {
				return errPut
			}
		}
		m.mu.Lock()
		if m.pending[key] == seq {
			delete(m.pending, key)
		}
		m.mu.Unlock()
	}
	log.WithField("keys", len(keys)).Info("record store: redis recovered, fallback writes reconciled")
	return nil
}

func (m *Manager) hasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearPending || len(m.pending) > 0
}

func (m *Manager) isPending(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clearPending {
		return true
	}
	_, ok := m.pending[key]
	return ok
}

func (m *Manager) setPending(key string, pending bool) {
	if !m.settings.Enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if pending {
		m.pendingSeq++
		m.pending[key] = m.pendingSeq
		return
	}
	delete(m.pending, key)
}

func (m *Manager) isBreakerActive() bool {
	now := m.nowFn()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breakerUntil.IsZero() {
		return false
	}
	if now.Before(m.breakerUntil) {
		return true
	}
	m.breakerUntil = time.Time{}
	return false
}

func (m *Manager) tripBreaker(err error) {
	if err == nil || m == nil {
		return
	}
	now := m.nowFn()
	m.mu.Lock()
	hook := m.onFallback
	if !m.breakerUntil.IsZero() && now.Before(m.breakerUntil) {
		m.mu.Unlock()
		return
	}
	m.breakerUntil = now.Add(redisBreakerDuration)
	m.mu.Unlock()

	log.WithError(err).Warn("record store: redis unavailable, falling back")
	if hook != nil {
		hook()
	}
}

func (m *Manager) ensureRedis(ctx context.Context) (*RedisBackend, error) {
	if m.settings.Addr == "" {
		return nil, errors.New("record store redis: missing address")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.redisBackend != nil {
		return m.redisBackend, nil
	}

	client := m.newRedisClient(&redis.Options{
		Addr:     m.settings.Addr,
		Password: m.settings.Password,
		DB:       m.settings.DB,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if errPing := client.Ping(ctxPing).Err(); errPing != nil {
		_ = client.Close()
		return nil, errPing
	}
	m.redisBackend = NewRedisBackend(client, m.settings.Prefix)
	return m.redisBackend, nil
}
