// Package mretry provides jittered-backoff retry configuration for outbound
// calls to the ledger client adapter (submit/lookup/fund/balance).
package mretry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// Defaults mirror the teacher's metadata-outbox retry tuning.
const (
	DefaultMaxRetries     = 10
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Minute
	DefaultJitterFactor   = 0.25
	DLQInitialBackoff     = 1 * time.Minute
)

// Config describes a jittered exponential backoff schedule.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
}

// DefaultMetadataOutboxConfig is the default retry schedule for ledger
// adapter calls.
func DefaultMetadataOutboxConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

// DefaultDLQConfig is the retry schedule used once a call has already been
// pushed to a dead-letter path and is being replayed.
func DefaultDLQConfig() Config {
	cfg := DefaultMetadataOutboxConfig()
	cfg.InitialBackoff = DLQInitialBackoff

	return cfg
}

func (c Config) WithMaxRetries(n int) Config     { c.MaxRetries = n; return c }
func (c Config) WithInitialBackoff(d time.Duration) Config { c.InitialBackoff = d; return c }
func (c Config) WithMaxBackoff(d time.Duration) Config     { c.MaxBackoff = d; return c }
func (c Config) WithJitterFactor(f float64) Config         { c.JitterFactor = f; return c }

// Validate reports whether the config describes a usable schedule.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("mretry: MaxRetries must be >= 0")
	}

	if c.InitialBackoff <= 0 || c.MaxBackoff <= 0 {
		return errors.New("mretry: backoff durations must be positive")
	}

	if c.InitialBackoff > c.MaxBackoff {
		return errors.New("mretry: InitialBackoff must not exceed MaxBackoff")
	}

	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return errors.New("mretry: JitterFactor must be within [0,1]")
	}

	return nil
}

// Backoff returns the delay before retry attempt n (0-based), including
// jitter.
func (c Config) Backoff(attempt int) time.Duration {
	base := float64(c.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(c.MaxBackoff) {
		base = float64(c.MaxBackoff)
	}

	jitter := base * c.JitterFactor * SecureRandomFloat64()

	return time.Duration(base - jitter/2 + jitter*SecureRandomFloat64())
}

// SecureRandomFloat64 returns a crypto/rand-seeded float in [0, 1), used to
// jitter backoff so a fleet of orchestrators doesn't retry in lockstep.
func SecureRandomFloat64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0.5
	}

	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}

// Do runs fn, retrying on error per the schedule in c until it succeeds,
// MaxRetries is exhausted, or ctx is cancelled.
func Do(ctx context.Context, c Config, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == c.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Backoff(attempt)):
		}
	}

	return lastErr
}
