// Package limiter throttles failed sign-in attempts per (account, client).
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Defaults used when a Config field is zero.
const (
	DefaultWindow   = 15 * time.Minute
	DefaultMaxFails = 5
	DefaultBlockFor = 15 * time.Minute
)

// Limiter controls sign-in attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether a sign-in is currently allowed and, if not, the retry-after.
	Allow(ctx context.Context, account string, clientHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful sign-in.
	Success(ctx context.Context, account string, clientHash []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, account string, clientHash []byte) (bool, time.Duration, error)
}

// Config holds the throttle policy.
type Config struct {
	Window   time.Duration // failures older than this start a new count
	MaxFails int
	BlockFor time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxFails <= 0 {
		c.MaxFails = DefaultMaxFails
	}
	if c.BlockFor <= 0 {
		c.BlockFor = DefaultBlockFor
	}
	return c
}

// HashClient returns a stable hash of a client identifier (address, device id) so raw
// values are never stored.
func HashClient(client string) []byte {
	h := sha256.Sum256([]byte(client))
	return h[:]
}
