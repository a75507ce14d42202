package handlers

import (
	"sync/atomic"

	"github.com/taskord/daemon/internal/clockid"
)

// Bucket is a lock-free token bucket: state is a single packed 64-bit
// word (tokens in the high 32 bits, milliseconds-since-start in the low
// 32 bits) mutated only via atomic.CompareAndSwap. Spec §4.J and §5
// prescribe this exact "lock-free CAS on a packed word" mechanism rather
// than leaving the data structure to the implementer, so this is the one
// piece of the handler layer built on sync/atomic instead of a
// third-party limiter (see DESIGN.md).
type Bucket struct {
	capacity    int32
	refillPerMS float64
	startMS     int64
	clock       clockid.Clock
	state       atomic.Uint64
}

// NewBucket creates a token bucket with the given capacity, refilling at
// refillPerSecond tokens/second, starting full.
func NewBucket(clock clockid.Clock, capacity int32, refillPerSecond float64) *Bucket {
	b := &Bucket{
		capacity:    capacity,
		refillPerMS: refillPerSecond / 1000.0,
		startMS:     clock.NowMS(),
		clock:       clock,
	}
	b.state.Store(pack(capacity, 0))
	return b
}

func pack(tokens int32, elapsedMS uint32) uint64 {
	return uint64(uint32(tokens))<<32 | uint64(elapsedMS)
}

func unpack(word uint64) (tokens int32, elapsedMS uint32) {
	return int32(word >> 32), uint32(word)
}

// Allow attempts to consume one token. Returns false when the bucket is
// exhausted — the caller surfaces 4003 THROTTLED (spec §4.J).
func (b *Bucket) Allow() bool {
	for {
		old := b.state.Load()
		tokens, elapsedMS := unpack(old)

		now := uint32(b.clock.NowMS() - b.startMS)
		if now > elapsedMS {
			delta := now - elapsedMS
			added := int32(float64(delta) * b.refillPerMS)
			if added > 0 {
				refilled := tokens + added
				if refilled > b.capacity {
					refilled = b.capacity
				}
				tokens = refilled
				elapsedMS = now
			}
		}

		if tokens <= 0 {
			if b.state.CompareAndSwap(old, pack(0, elapsedMS)) {
				return false
			}
			continue
		}

		newWord := pack(tokens-1, elapsedMS)
		if b.state.CompareAndSwap(old, newWord) {
			return true
		}
	}
}
