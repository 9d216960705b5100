// Package retry computes bounded exponential backoff with deterministic
// jitter. The same (key, attempt) always yields the same delay, so retry
// schedules are reproducible across restarts.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// DefaultPolicy is used for outcome-critical ledger submissions.
func DefaultPolicy() Policy {
	return Policy{
		Base:        500 * time.Millisecond,
		Max:         30 * time.Second,
		MaxJitter:   250 * time.Millisecond,
		MaxAttempts: 6,
	}
}

// Exhausted reports whether attempt (zero-based, already made) used up the policy.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt+1 >= p.MaxAttempts
}

// Delay returns the wait before attempt+1 after attempt failed:
// base * 2^attempt, capped at Max, plus jitter derived from key.
func (p Policy) Delay(key string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := time.Duration(int64(p.Base) * factor)
	if p.Max > 0 && (delay > p.Max || delay < 0) {
		delay = p.Max
	}
	return delay + Jitter(key, attempt, p.MaxJitter)
}

// Jitter derives a value in [0, max) from key and attempt.
func Jitter(key string, attempt int, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(h[:8])
	return time.Duration(basis % uint64(max)) //nolint:gosec // max is positive
}

// Schedule lists the delays of every retry the policy allows for key.
func (p Policy) Schedule(key string) []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	for i := 0; i < p.MaxAttempts-1; i++ {
		out = append(out, p.Delay(key, i))
	}
	return out
}
