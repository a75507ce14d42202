// Package retry computes the retry/backoff decision for a failed job —
// whether it gets another attempt and, if so, how long to wait before it
// becomes a candidate again (spec §4.E).
package retry

import (
	"math"
	"math/rand"
)

// Jitter returns a value in [0, 1) used to spread retries across time and
// avoid a thundering herd when many jobs fail together. Production code
// uses RandJitter; tests inject a fixed or sequenced source.
type Jitter func() float64

// RandJitter draws from the package-level math/rand source. Retry timing
// has no security implications, so a non-cryptographic source is fine —
// the same tradeoff spec §9 calls out explicitly.
func RandJitter() float64 { return rand.Float64() }

// Decide reports whether a job with the given attempt count (1-indexed,
// the attempt that just failed) should retry, given its configured
// maxAttempts. maxAttempts == 0 means no retry (spec §3.1, §4.E).
func Decide(attempt, maxAttempts int32) bool {
	if maxAttempts <= 0 {
		return false
	}
	return attempt < maxAttempts
}

const (
	baseDelayMS = 1000
	maxDelayMS  = 5 * 60 * 1000
)

// Delay computes the backoff delay in milliseconds before the next
// attempt: base * factor^(attempt-1), jittered by a uniform factor in
// [0.75, 1.25] (spec §4.E). attempt is the attempt count that just failed
// (1-indexed); factor is the job's configured BackoffFactor (>= 1). This
// keeps every delay within 0.75x-1.25x of nominal, satisfying the §8.5
// invariant that schedule_at exceeds the previous finished_at by at least
// base * factor^(attempts-1) * 0.75.
func Delay(attempt int32, factor float64, jitter Jitter) int64 {
	if factor < 1 {
		factor = 2.0
	}
	if jitter == nil {
		jitter = RandJitter
	}

	nominalMS := float64(baseDelayMS) * math.Pow(factor, float64(attempt-1))
	if nominalMS > maxDelayMS || math.IsInf(nominalMS, 1) {
		nominalMS = maxDelayMS
	}
	return int64(nominalMS * (0.75 + 0.5*jitter()))
}
