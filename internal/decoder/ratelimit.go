package decoder

import (
	"net/netip"
	"time"
)

// sourceLimiter caps the fragments accepted from one source address per
// window. Windows advance with record timestamps.
type sourceLimiter struct {
	counts      map[netip.Addr]int
	windowStart time.Time
	window      time.Duration
	max         int
	rejected    int64
}

// newSourceLimiter returns nil when max is not positive.
func newSourceLimiter(max int, window time.Duration) *sourceLimiter {
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &sourceLimiter{counts: make(map[netip.Addr]int), window: window, max: max}
}

// allow counts one fragment from src seen at ts.
func (l *sourceLimiter) allow(src netip.Addr, ts time.Time) bool {
	if l.windowStart.IsZero() || ts.Sub(l.windowStart) >= l.window || ts.Before(l.windowStart) {
		clear(l.counts)
		l.windowStart = ts
	}
	l.counts[src]++
	if l.counts[src] > l.max {
		l.rejected++
		return false
	}
	return true
}

func (l *sourceLimiter) reset() {
	clear(l.counts)
	l.windowStart = time.Time{}
	l.rejected = 0
}
