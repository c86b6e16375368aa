package network

import (
	"net"
	"sync"
	"time"
)

// Default limits applied to the client listener.
const (
	DefaultMaxConnPerSec = 10  // max new connections per second per source IP
	DefaultMaxConcurrent = 500 // max concurrent sessions on the listener
	rateTrackerPruneSize = 4096
)

// rateTracker tracks per-IP request counts within a rolling second window.
type rateTracker struct {
	mu        sync.Mutex
	counts    map[string]*rateBucket
	maxPerSec int
	now       func() time.Time
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

func newRateTracker(maxPerSec int) *rateTracker {
	return &rateTracker{
		counts:    make(map[string]*rateBucket),
		maxPerSec: maxPerSec,
		now:       time.Now,
	}
}

// allow reports whether ip may open another connection in the current
// window. A non-positive limit disables the check.
func (rt *rateTracker) allow(ip string) bool {
	if rt.maxPerSec <= 0 {
		return true
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()
	b, exists := rt.counts[ip]
	if !exists || now.Sub(b.windowStart) >= time.Second {
		if !exists && len(rt.counts) >= rateTrackerPruneSize {
			rt.prune(now)
		}
		rt.counts[ip] = &rateBucket{count: 1, windowStart: now}
		return true
	}

	b.count++
	return b.count <= rt.maxPerSec
}

// prune drops buckets whose window has expired. Caller holds mu.
func (rt *rateTracker) prune(now time.Time) {
	for ip, b := range rt.counts {
		if now.Sub(b.windowStart) >= time.Second {
			delete(rt.counts, ip)
		}
	}
}

func (rt *rateTracker) size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.counts)
}

func extractIP(addr net.Addr) string {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		return udpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
