// Package forwarder implements the Forwarder (C6): the only component
// permitted to emit a Frame to a neighbor other than the local host. It
// deduplicates via a bounded LRU SeenSet and picks the top-K eligible
// neighbors for a relayable Frame under backpressure, per spec.md §4.6.
// It does not modify the Frame: the caller decrements TTL before
// re-encoding it for the chosen targets.
package forwarder

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
)

// seenEntry is the SeenSet's LRU payload: a Message id and the instant
// it was first observed.
type seenEntry struct {
	id        uuid.UUID
	firstSeen time.Time
}

// SeenSet is a bounded LRU of (Message id -> first-seen instant),
// spec.md §3's sole relay deduplicator. It does not distinguish origin:
// a locally-originated id and a relayed one are indistinguishable once
// inserted.
type SeenSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently seen
	index    map[uuid.UUID]*list.Element
}

// NewSeenSet constructs a SeenSet bounded at capacity entries
// (spec.md's SeenSet bound is "at least 10,000").
func NewSeenSet(capacity int) *SeenSet {
	return &SeenSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[uuid.UUID]*list.Element),
	}
}

// CheckAndInsert reports whether id has already been seen; if not, it
// inserts id with firstSeen=now and evicts the oldest entry if the
// capacity is exceeded. This is the single atomic dedup-and-record
// operation the forwarder's inbound pipeline needs (spec.md §4.6 steps
// 3-4): a separate Contains+Insert pair would race between two
// goroutines both discovering the same id as unseen.
func (s *SeenSet) CheckAndInsert(id uuid.UUID, now time.Time) (alreadySeen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[id]; ok {
		s.order.MoveToFront(el)
		return true
	}

	el := s.order.PushFront(seenEntry{id: id, firstSeen: now})
	s.index[id] = el

	if s.order.Len() > s.capacity {
		oldest := s.order.Back()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.index, oldest.Value.(seenEntry).id)
		}
	}
	return false
}

func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
