// Package ratelimiter throttles inbound NoiseInit frames per remote
// PeerId, guarding against a handshake flood the way spec.md §4.5.1
// describes. It is the teacher's token-bucket ratelimiter
// (ratelimiter/ratelimiter.go), re-keyed from net/netip.Addr to
// identity.PeerID: the threat here is a link-layer neighbor opening
// handshakes repeatedly, not an arbitrary IP source, so the table key
// changes but the bucket mechanics (replenish-by-elapsed-time, burst
// allowance, idle garbage collection) are unchanged.
package ratelimiter

import (
	"sync"
	"time"

	"github.com/aw-mesh/meshd/internal/identity"
)

const (
	handshakesPerSecond = 5
	handshakesBurstable = 3
	garbageCollectTime  = 10 * time.Second
	handshakeCost       = int64(time.Second) / handshakesPerSecond
	maxTokens           = handshakeCost * handshakesBurstable
)

type entry struct {
	mu       sync.Mutex
	lastTime time.Time
	tokens   int64
}

// Limiter is a token bucket per PeerId. The zero value is not usable;
// construct with New.
type Limiter struct {
	mu      sync.RWMutex
	timeNow func() time.Time

	stopReset chan struct{}
	table     map[identity.PeerID]*entry
}

// New constructs a Limiter and starts its background garbage
// collection goroutine. Call Close when the mesh shuts down.
func New() *Limiter {
	l := &Limiter{timeNow: time.Now}
	l.init()
	return l
}

// NewWithClock is New with an injectable clock, for deterministic tests
// per spec.md §9's guidance to make time an explicit dependency.
func NewWithClock(now func() time.Time) *Limiter {
	l := &Limiter{timeNow: now}
	l.init()
	return l
}

func (l *Limiter) init() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.timeNow == nil {
		l.timeNow = time.Now
	}
	if l.stopReset != nil {
		close(l.stopReset)
	}
	l.stopReset = make(chan struct{})
	l.table = make(map[identity.PeerID]*entry)

	stopReset := l.stopReset
	go func() {
		ticker := time.NewTicker(time.Second)
		ticker.Stop()
		for {
			select {
			case _, ok := <-stopReset:
				ticker.Stop()
				if !ok {
					return
				}
				ticker = time.NewTicker(time.Second)
			case <-ticker.C:
				if l.cleanup() {
					ticker.Stop()
				}
			}
		}
	}()
}

func (l *Limiter) cleanup() (empty bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.table {
		e.mu.Lock()
		if l.timeNow().Sub(e.lastTime) > garbageCollectTime {
			delete(l.table, key)
		}
		e.mu.Unlock()
	}
	return len(l.table) == 0
}

// Close stops the garbage collection goroutine.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopReset != nil {
		close(l.stopReset)
		l.stopReset = nil
	}
}

// Allow reports whether peer may open another handshake attempt right
// now, consuming a token if so.
func (l *Limiter) Allow(peer identity.PeerID) bool {
	l.mu.RLock()
	e := l.table[peer]
	l.mu.RUnlock()

	if e == nil {
		e = &entry{
			tokens:   maxTokens - handshakeCost,
			lastTime: l.timeNow(),
		}
		l.mu.Lock()
		l.table[peer] = e
		if len(l.table) == 1 {
			l.stopReset <- struct{}{}
		}
		l.mu.Unlock()
		return true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := l.timeNow()
	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > maxTokens {
		e.tokens = maxTokens
	}

	if e.tokens >= handshakeCost {
		e.tokens -= handshakeCost
		return true
	}
	return false
}
