// Package retry implements the queue's backoff law as a pure function: no
// store access, no clock mutation beyond what callers pass in.
package retry

import "time"

// Decision is the pure outcome of consulting the retry policy after a
// non-zero exit. Successful execution never calls into this package.
type Decision struct {
	NextRunAt time.Time
	ToDLQ     bool
}

// Policy holds the tunables consulted on every failed execution. The retry
// delay is BaseBackoffSeconds raised to the power of the post-increment
// attempt count; MaxBackoffSeconds caps the result.
type Policy struct {
	BaseBackoffSeconds int64
	MaxBackoffSeconds  int64
	MaxRetries         int
}

// Decide computes the next run time and dead-letter disposition for a job
// whose attempts counter has just been incremented to attemptsAfterFailure.
// It never mutates state; the caller is responsible for applying the
// decision through Store.SettleFailure.
func Decide(p Policy, attemptsAfterFailure int, now time.Time) Decision {
	if attemptsAfterFailure >= p.MaxRetries+1 {
		return Decision{NextRunAt: now, ToDLQ: true}
	}
	delay := backoffSeconds(p.BaseBackoffSeconds, attemptsAfterFailure, p.MaxBackoffSeconds)
	return Decision{NextRunAt: now.Add(time.Duration(delay) * time.Second), ToDLQ: false}
}

// backoffSeconds computes min(base^attempts, max), guarding against integer
// overflow for pathologically large attempt counts by clamping as soon as
// the running product would exceed max.
func backoffSeconds(base int64, attempts int, max int64) int64 {
	if base <= 1 {
		base = 2
	}
	if max <= 0 {
		max = 3600
	}
	result := int64(1)
	for i := 0; i < attempts; i++ {
		result *= base
		if result >= max {
			return max
		}
	}
	return result
}
