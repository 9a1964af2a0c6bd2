// Package retry runs short operations with bounded exponential backoff.
// Transient I/O failures recover locally; once the attempt budget is spent
// the last error surfaces so the caller decides what happens to the work.
package retry

import (
	"context"
	"time"
)

const (
	defaultAttempts = 3
	defaultBase     = time.Second
)

// Config bounds one retried operation. The zero value retries three times
// with a one second base delay, doubling between attempts.
type Config struct {
	Attempts int
	Base     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = defaultAttempts
	}
	if c.Base <= 0 {
		c.Base = defaultBase
	}
	return c
}

// Do runs fn up to cfg.Attempts times, sleeping Base, 2*Base, 4*Base ...
// between attempts. Context cancellation cuts the wait short and returns
// the last error seen.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg = cfg.withDefaults()
	var err error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == cfg.Attempts-1 {
			break
		}
		timer := time.NewTimer(cfg.Base << attempt)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}
	}
	return err
}
