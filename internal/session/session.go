// Package session implements the process-wide Session DEK Cache: a
// (userId, walletId) -> DEK map with absolute expiry, arm/extend/disarm/status
// operations, and a background sweeper.
//
// Grounded on the teacher's map+mutex idiom used across internal/engine (a
// plain Go map guarded by a single sync.RWMutex, never a third-party
// concurrent-map library) and internal/solana/token_cache.go's TTL-expiry
// sweep pattern.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"armed-turbo-executor/internal/armerr"
	"armed-turbo-executor/internal/envelope"
)

// Key identifies one armed session.
type Key struct {
	UserID   string
	WalletID string
}

type entry struct {
	mu        sync.Mutex
	dek       []byte
	expiresAt time.Time
}

// ExpiryNotifier is called by the sweeper when a session expires, so the
// Auto-Return Scheduler can act on it without the cache importing that
// package directly.
type ExpiryNotifier interface {
	OnSessionExpired(userID, walletID string)
}

// Cache is the Session DEK Cache. The zero value is not usable; use New.
type Cache struct {
	mu       sync.RWMutex
	entries  map[Key]*entry
	notifier ExpiryNotifier
	log      zerolog.Logger

	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// Config mirrors the SessionConfig struct named in spec §9.
type Config struct {
	SweepIntervalMs int
	MinTTLMs        int
}

func DefaultConfig() Config {
	return Config{SweepIntervalMs: 5000, MinTTLMs: 60_000}
}

// New builds a Session DEK Cache and starts its sweeper goroutine.
func New(cfg Config, notifier ExpiryNotifier, log zerolog.Logger) *Cache {
	if cfg.SweepIntervalMs <= 0 || cfg.SweepIntervalMs > 5000 {
		cfg.SweepIntervalMs = 5000
	}
	c := &Cache{
		entries:       make(map[Key]*entry),
		notifier:      notifier,
		log:           log,
		sweepInterval: time.Duration(cfg.SweepIntervalMs) * time.Millisecond,
		stop:          make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Arm inserts or overwrites the session for (userID, walletID). ttl below one
// minute is normalized up, matching spec §8's boundary rule.
func (c *Cache) Arm(userID, walletID string, dek []byte, ttl time.Duration) {
	if ttl < time.Minute {
		ttl = time.Minute
	}
	owned := make([]byte, len(dek))
	copy(owned, dek)

	e := &entry{dek: owned, expiresAt: time.Now().Add(ttl)}

	c.mu.Lock()
	k := Key{userID, walletID}
	if old, ok := c.entries[k]; ok {
		old.mu.Lock()
		envelope.Zero(old.dek)
		old.mu.Unlock()
	}
	c.entries[k] = e
	c.mu.Unlock()

	c.log.Info().Str("userId", userID).Str("walletId", walletID).Dur("ttl", ttl).Msg("armed")
}

// Extend succeeds only if a non-expired entry already exists; it never
// implicitly re-arms.
func (c *Cache) Extend(userID, walletID string, ttl time.Duration) bool {
	if ttl < time.Minute {
		ttl = time.Minute
	}
	c.mu.RLock()
	e, ok := c.entries[Key{userID, walletID}]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if time.Now().After(e.expiresAt) {
		return false
	}
	e.expiresAt = time.Now().Add(ttl)
	return true
}

// Disarm best-effort removes the session and zeros its DEK.
func (c *Cache) Disarm(userID, walletID string) {
	k := Key{userID, walletID}
	c.mu.Lock()
	e, ok := c.entries[k]
	if ok {
		delete(c.entries, k)
	}
	c.mu.Unlock()
	if ok {
		e.mu.Lock()
		envelope.Zero(e.dek)
		e.mu.Unlock()
	}
}

// Status reports whether a session is armed and how much time remains.
// msLeft is always clamped to >= 0.
func (c *Cache) Status(userID, walletID string) (armed bool, msLeft int64) {
	c.mu.RLock()
	e, ok := c.entries[Key{userID, walletID}]
	c.mu.RUnlock()
	if !ok {
		return false, 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	remaining := time.Until(e.expiresAt)
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining.Milliseconds()
}

// Handle hands the caller a copy of the DEK for exactly one executor
// invocation. The cache never exposes the entry's own backing array so a
// caller zeroing its copy cannot corrupt the cached session.
func (c *Cache) Handle(userID, walletID string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.entries[Key{userID, walletID}]
	c.mu.RUnlock()
	if !ok {
		return nil, armerr.ErrAutomationNotArmed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if time.Now().After(e.expiresAt) {
		return nil, armerr.ErrAutomationNotArmed
	}
	out := make([]byte, len(e.dek))
	copy(out, e.dek)
	return out, nil
}

func (c *Cache) sweepLoop() {
	t := time.NewTicker(c.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.sweepOnce()
		}
	}
}

func (c *Cache) sweepOnce() {
	now := time.Now()
	var expired []Key

	c.mu.Lock()
	for k, e := range c.entries {
		e.mu.Lock()
		if now.After(e.expiresAt) {
			expired = append(expired, k)
		}
		e.mu.Unlock()
	}
	for _, k := range expired {
		e := c.entries[k]
		delete(c.entries, k)
		e.mu.Lock()
		envelope.Zero(e.dek)
		e.mu.Unlock()
	}
	c.mu.Unlock()

	for _, k := range expired {
		c.log.Info().Str("userId", k.UserID).Str("walletId", k.WalletID).Msg("session expired")
		if c.notifier != nil {
			c.notifier.OnSessionExpired(k.UserID, k.WalletID)
		}
	}
}

// Shutdown stops the sweeper and zeros every DEK still held, matching the
// process-shutdown guarantee in spec §5.
func (c *Cache) Shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		e.mu.Lock()
		envelope.Zero(e.dek)
		e.mu.Unlock()
		delete(c.entries, k)
	}
}
