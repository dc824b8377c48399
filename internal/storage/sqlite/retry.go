package sqlite

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	driver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// RetryConfig controls backoff while the database is busy.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay caps a single wait before jitter; zero means uncapped.
	MaxDelay  time.Duration
	JitterPct float64 // 0.25 = up to 25% extra
}

// DefaultRetryConfig waits 25ms, 50ms, ... up to 800ms with 25% jitter,
// about 1.6s in total before giving up.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 6,
		BaseDelay:  25 * time.Millisecond,
		MaxDelay:   800 * time.Millisecond,
		JitterPct:  0.25,
	}
}

// delay is the wait before retry n (1-based), jitter excluded.
func (c RetryConfig) delay(n int) time.Duration {
	d := c.BaseDelay << (n - 1)
	if c.MaxDelay > 0 && (d > c.MaxDelay || d <= 0) {
		d = c.MaxDelay
	}
	return d
}

// RetryOnDBLock retries fn while SQLite reports the database as busy or
// locked. A cancelled ctx ends the wait and returns the last busy error.
func RetryOnDBLock(ctx context.Context, fn func() error) error {
	return retryBusy(ctx, DefaultRetryConfig(), fn, sleepCtx)
}

func RetryOnDBLockWithConfig(ctx context.Context, cfg RetryConfig, fn func() error) error {
	return retryBusy(ctx, cfg, fn, sleepCtx)
}

func retryBusy(ctx context.Context, cfg RetryConfig, fn func() error, sleep func(context.Context, time.Duration) error) error {
	var err error
	for n := 0; ; n++ {
		if err = fn(); !isDBLocked(err) || n == cfg.MaxRetries {
			return err
		}
		d := cfg.delay(n + 1)
		d += time.Duration(float64(d) * cfg.JitterPct * rand.Float64())
		if sleep(ctx, d) != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isDBLocked matches SQLITE_BUSY and SQLITE_LOCKED, including extended codes,
// and falls back to the message for errors that lost their type on the way.
func isDBLocked(err error) bool {
	if err == nil {
		return false
	}
	var se *driver.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
