// Package retry implements the bounded exponential retry loop used for remote
// worker calls and the capped backoff used for queue redelivery.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Config controls the attempt budget and backoff curve.
type Config struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
}

// DefaultConfig returns three attempts starting at one second, doubling.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Delay:       time.Second,
		Multiplier:  2,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Delay < 0 {
		c.Delay = 0
	}
	if c.Multiplier <= 0 {
		c.Multiplier = def.Multiplier
	}
	return c
}

// Backoff returns the wait after failed attempt n (1-based):
// Delay * Multiplier^(n-1).
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(c.Delay) * math.Pow(c.Multiplier, float64(attempt-1)))
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the timer-backed Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// ExhaustedFunc is invoked once when the retry loop gives up, either because
// every attempt failed or because ctx ended during a backoff. attempts counts
// the calls to op that were made.
type ExhaustedFunc func(err error, attempts int)

// Retrier runs an operation until it succeeds or the attempt budget runs out.
type Retrier struct {
	cfg   Config
	sleep Sleeper
}

// New builds a Retrier. A nil sleeper uses Sleep.
func New(cfg Config, sleep Sleeper) *Retrier {
	if sleep == nil {
		sleep = Sleep
	}
	return &Retrier{cfg: cfg.normalized(), sleep: sleep}
}

// Config exposes the effective configuration.
func (r *Retrier) Config() Config {
	return r.cfg
}

// Do retries op on any error. After the final failed attempt onExhausted is
// called and the last error is returned unchanged. When ctx ends during a
// backoff, onExhausted still runs and the returned error joins the last
// failure with the context error.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error, onExhausted ExhaustedFunc) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		if err := r.sleep(ctx, r.cfg.Backoff(attempt)); err != nil {
			aborted := errors.Join(lastErr, err)
			if onExhausted != nil {
				onExhausted(aborted, attempt)
			}
			return aborted
		}
	}
	if onExhausted != nil {
		onExhausted(lastErr, r.cfg.MaxAttempts)
	}
	return lastErr
}

// Queue redelivery bounds.
const (
	QueueBaseDelay = 60 * time.Second
	QueueMaxDelay  = time.Hour
)

// QueueDelay returns min(60s * 2^retryCount, 1h).
func QueueDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// 60 * 2^6 already exceeds the cap; avoid shifting into overflow.
	if retryCount >= 6 {
		return QueueMaxDelay
	}
	d := QueueBaseDelay * time.Duration(1<<retryCount)
	if d > QueueMaxDelay {
		return QueueMaxDelay
	}
	return d
}
