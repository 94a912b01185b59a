// Package failedlogins implements the failed-login lockout cache consulted
// by the FTP server's auth gate middleware (middleware.FailedLoginChecker).
package failedlogins

import (
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Config controls lockout thresholds.
type Config struct {
	// Threshold is the number of failures within Window before a
	// (sourceIP, username) pair is locked out.
	Threshold int
	// Window is the rolling period over which failures are counted.
	Window time.Duration
	// LockoutTime is how long a locked-out pair stays locked once Threshold
	// is reached.
	LockoutTime time.Duration
}

type attemptState struct {
	failures    int
	windowStart time.Time
	lockedUntil time.Time
}

// Cache tracks failed-login counts per (sourceIP, username) pair in a
// ristretto-backed cache, evicting entries once Window plus LockoutTime has
// elapsed since their last update.
// Read-modify-write on an entry is guarded by a per-key mutex since
// ristretto has no atomic increment primitive.
type Cache struct {
	cfg   Config
	store *ristretto.Cache[string, *attemptState]

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a Cache from cfg, applying defaults for any zero fields.
func New(cfg Config) (*Cache, error) {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.LockoutTime <= 0 {
		cfg.LockoutTime = 15 * time.Minute
	}

	store, err := ristretto.NewCache(&ristretto.Config[string, *attemptState]{
		NumCounters: 1e6,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{cfg: cfg, store: store, locks: make(map[string]*sync.Mutex)}, nil
}

func key(sourceIP, username string) string {
	return sourceIP + "|" + username
}

func (c *Cache) keyLock(k string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[k]
	if !ok {
		l = &sync.Mutex{}
		c.locks[k] = l
	}
	return l
}

// Check reports whether the pair is currently locked out, and if so for how
// much longer.
func (c *Cache) Check(sourceIP, username string) (bool, time.Duration) {
	k := key(sourceIP, username)
	kl := c.keyLock(k)
	kl.Lock()
	defer kl.Unlock()

	st, ok := c.store.Get(k)
	if !ok || st == nil {
		return false, 0
	}
	now := time.Now()
	if now.Before(st.lockedUntil) {
		return true, st.lockedUntil.Sub(now)
	}
	return false, 0
}

// RecordFailure registers a failed login attempt, locking the pair out once
// Threshold failures accumulate within Window.
func (c *Cache) RecordFailure(sourceIP, username string) {
	k := key(sourceIP, username)
	kl := c.keyLock(k)
	kl.Lock()
	defer kl.Unlock()

	now := time.Now()
	st, ok := c.store.Get(k)
	if !ok || st == nil || now.Sub(st.windowStart) > c.cfg.Window {
		st = &attemptState{windowStart: now}
	}
	st.failures++
	if st.failures >= c.cfg.Threshold {
		st.lockedUntil = now.Add(c.cfg.LockoutTime)
	}
	c.store.SetWithTTL(k, st, 1, c.cfg.Window+c.cfg.LockoutTime)
	c.store.Wait()
}

// Reset clears failure history for the pair, called on successful login.
func (c *Cache) Reset(sourceIP, username string) {
	k := key(sourceIP, username)
	kl := c.keyLock(k)
	kl.Lock()
	defer kl.Unlock()
	c.store.Del(k)
}

// Close releases the underlying cache's background goroutines.
func (c *Cache) Close() {
	c.store.Close()
}
