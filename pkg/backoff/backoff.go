// Package backoff provides exponential backoff and poll-interval calculation.
package backoff

import (
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// PollConfig controls status-poll interval calculation.
type PollConfig struct {
	Base time.Duration // default: 3s
	Max  time.Duration // default: 60s
}

// PollInterval returns how long to wait before the next status poll.
//
// When the provider reports a remaining-time estimate, the interval stretches
// toward a quarter of the estimate so long-running jobs are not polled in a
// tight loop. Without an estimate the base interval is used. Either way the
// result stays within [base, max].
func PollInterval(eta time.Duration, cfg *PollConfig) time.Duration {
	base := 3 * time.Second
	maxInterval := 60 * time.Second
	if cfg != nil {
		if cfg.Base > 0 {
			base = cfg.Base
		}
		if cfg.Max > 0 {
			maxInterval = cfg.Max
		}
	}

	interval := base
	if eta > 0 {
		interval = eta / 4
	}
	if interval < base {
		interval = base
	}
	if interval > maxInterval {
		interval = maxInterval
	}
	return interval
}
