package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"asclepius/internal/domain"
)

const defaultMaxKeys = 10000

// memoryLimiter is a fixed-window counter keyed by caller identity. It is the
// single-process fallback when no Redis address is configured; counts are lost
// on restart and not shared between replicas.
type memoryLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*countWindow
	maxKeys int
}

type countWindow struct {
	hits  int
	until time.Time
}

type MemoryLimiterConfig struct {
	Now     func() time.Time
	MaxKeys int
}

func NewMemoryLimiter(cfg MemoryLimiterConfig) domain.RateLimiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = defaultMaxKeys
	}
	return &memoryLimiter{
		now:     cfg.Now,
		windows: make(map[string]*countWindow),
		maxKeys: cfg.MaxKeys,
	}
}

func (m *memoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (domain.RateLimitDecision, error) {
	if limit <= 0 {
		return domain.RateLimitDecision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.windows[key]
	if ok && now.After(current.until) {
		delete(m.windows, key)
		ok = false
	}
	if !ok {
		if len(m.windows) >= m.maxKeys {
			m.dropExpired(now)
		}
		if len(m.windows) >= m.maxKeys {
			return domain.RateLimitDecision{}, errors.New("rate limiter key capacity exceeded")
		}
		current = &countWindow{until: now.Add(window)}
		m.windows[key] = current
	}

	decision := domain.RateLimitDecision{
		Limit:   limit,
		ResetAt: current.until,
	}
	if current.hits >= limit {
		return decision, nil
	}
	current.hits++
	decision.Allowed = true
	decision.Remaining = limit - current.hits
	return decision, nil
}

func (m *memoryLimiter) dropExpired(now time.Time) {
	for key, current := range m.windows {
		if now.After(current.until) {
			delete(m.windows, key)
		}
	}
}
