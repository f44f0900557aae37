package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedSenders caps the limiter map so rotating sender ids cannot
	// grow it without bound.
	maxTrackedSenders = 4096

	// senderIdle is how long an untouched entry survives pruning.
	senderIdle = 10 * time.Minute

	DefaultSenderRate  = rate.Limit(0.5) // one message every two seconds, sustained
	DefaultSenderBurst = 10
)

type senderEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SenderLimiter is a per-sender token bucket for inbound platform messages.
// Safe for concurrent use.
type SenderLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*senderEntry
	now     func() time.Time
}

// NewSenderLimiter creates a bounded per-sender limiter. A non-positive
// limit disables limiting.
func NewSenderLimiter(limit rate.Limit, burst int) *SenderLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &SenderLimiter{
		limit:   limit,
		burst:   burst,
		entries: make(map[string]*senderEntry),
		now:     time.Now,
	}
}

// Allow reports whether key may send one more message now.
func (r *SenderLimiter) Allow(key string) bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if len(r.entries) >= maxTrackedSenders {
		for k, e := range r.entries {
			if now.Sub(e.lastSeen) >= senderIdle {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap (arbitrary via map iteration)
		for len(r.entries) >= maxTrackedSenders {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok {
		e = &senderEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Len returns the number of tracked senders.
func (r *SenderLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
