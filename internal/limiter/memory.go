package limiter

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	fails        int
	updatedAt    time.Time
	blockedUntil time.Time
}

// Memory is an in-process Limiter with the same sliding window and lockout as PG.
type Memory struct {
	cfg Config
	now func() time.Time

	mu   sync.Mutex
	rows map[string]*counter
}

var _ Limiter = (*Memory)(nil)

// NewMemory constructs an in-process limiter. now defaults to time.Now.
func NewMemory(cfg Config, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{cfg: cfg.withDefaults(), now: now, rows: map[string]*counter{}}
}

func rowKey(account string, clientHash []byte) string { return account + "\x00" + string(clientHash) }

// Allow implements Limiter.
func (l *Memory) Allow(_ context.Context, account string, clientHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.rows[rowKey(account, clientHash)]
	if !ok {
		return true, 0, nil
	}
	if now := l.now(); c.blockedUntil.After(now) {
		return false, c.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success implements Limiter.
func (l *Memory) Success(_ context.Context, account string, clientHash []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rows, rowKey(account, clientHash))
	return nil
}

// Failure implements Limiter.
func (l *Memory) Failure(_ context.Context, account string, clientHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	k := rowKey(account, clientHash)
	c, ok := l.rows[k]
	if !ok {
		c = &counter{}
		l.rows[k] = c
	}
	if now.Sub(c.updatedAt) > l.cfg.Window {
		c.fails = 0
	}
	c.fails++
	c.updatedAt = now
	if c.fails >= l.cfg.MaxFails {
		c.blockedUntil = now.Add(l.cfg.BlockFor)
		return true, l.cfg.BlockFor, nil
	}
	return false, 0, nil
}
