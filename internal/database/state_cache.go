package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pafer-trading-engine/internal/lifecycle"
)

// Redis keys for engine hot state. Format: pafer:attempt:{symbol}.
const (
	attemptKeyPrefix = "pafer:attempt"

	// Attempts close within hours; the generous TTL covers long outages
	// so a restarted engine can still reconcile against the last state.
	attemptStateTTL = 7 * 24 * time.Hour
)

// StateCache mirrors the engine's open trade attempt into Redis so a
// restarted process can reconcile against what was in flight. When Redis
// is unreachable it degrades to an in-memory copy and keeps trading.
type StateCache struct {
	client    *redis.Client
	logger    zerolog.Logger
	mu        sync.RWMutex
	fallback  map[string]*lifecycle.TradeAttempt
	available atomic.Bool
}

// NewStateCache builds a cache over client. A nil client means
// memory-only mode, used when Redis is disabled in config.
func NewStateCache(client *redis.Client, logger zerolog.Logger) *StateCache {
	c := &StateCache{
		client:   client,
		logger:   logger,
		fallback: make(map[string]*lifecycle.TradeAttempt),
	}
	if client == nil {
		logger.Info().Msg("redis disabled, state cache is memory-only")
		return c
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable at startup, using in-memory fallback")
	} else {
		c.available.Store(true)
	}
	return c
}

// SaveAttempt mirrors the attempt's current state. Redis failures are
// logged, not returned; the in-memory copy is always updated first.
func (c *StateCache) SaveAttempt(ctx context.Context, a *lifecycle.TradeAttempt) error {
	if a == nil {
		return errors.New("nil trade attempt")
	}

	cp := *a
	c.mu.Lock()
	c.fallback[a.Symbol] = &cp
	c.mu.Unlock()

	if c.client == nil || !c.available.Load() {
		return nil
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	if err := c.client.Set(ctx, c.attemptKey(a.Symbol), data, attemptStateTTL).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis write failed, falling back to memory")
		c.available.Store(false)
	}
	return nil
}

// LoadAttempt returns the last mirrored attempt for symbol, or nil when
// none exists. Redis recovery is detected on a successful read.
func (c *StateCache) LoadAttempt(ctx context.Context, symbol string) (*lifecycle.TradeAttempt, error) {
	if c.client != nil && c.available.Load() {
		data, err := c.client.Get(ctx, c.attemptKey(symbol)).Bytes()
		switch {
		case err == nil:
			var a lifecycle.TradeAttempt
			if err := json.Unmarshal(data, &a); err != nil {
				return nil, fmt.Errorf("unmarshal attempt: %w", err)
			}
			return &a, nil
		case errors.Is(err, redis.Nil):
			return c.fromFallback(symbol), nil
		default:
			c.logger.Warn().Err(err).Msg("redis read failed, falling back to memory")
			c.available.Store(false)
		}
	}
	return c.fromFallback(symbol), nil
}

// ClearAttempt removes the mirrored state once the attempt reaches a
// terminal phase.
func (c *StateCache) ClearAttempt(ctx context.Context, symbol string) error {
	c.mu.Lock()
	delete(c.fallback, symbol)
	c.mu.Unlock()

	if c.client == nil || !c.available.Load() {
		return nil
	}
	if err := c.client.Del(ctx, c.attemptKey(symbol)).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis delete failed")
		c.available.Store(false)
	}
	return nil
}

// Available reports whether Redis is currently reachable.
func (c *StateCache) Available() bool { return c.available.Load() }

func (c *StateCache) attemptKey(symbol string) string {
	return fmt.Sprintf("%s:%s", attemptKeyPrefix, symbol)
}

func (c *StateCache) fromFallback(symbol string) *lifecycle.TradeAttempt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if a, ok := c.fallback[symbol]; ok {
		cp := *a
		return &cp
	}
	return nil
}
