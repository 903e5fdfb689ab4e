package store

import (
	"sync"

	"github.com/google/uuid"

	"github.com/aw-mesh/meshd/internal/metrics"
)

// Store is the bounded ordered sequence of Messages from spec.md §3:
// newest last, capped at maxSize, oldest-first eviction on overflow.
// Eviction is independent of delivery status.
type Store struct {
	mu      sync.Mutex
	maxSize int
	order   []*Message // oldest first
	byID    map[uuid.UUID]*Message

	metrics *metrics.Collectors
}

func New(maxSize int, m *metrics.Collectors) *Store {
	return &Store{
		maxSize: maxSize,
		byID:    make(map[uuid.UUID]*Message),
		metrics: m,
	}
}

// Insert appends msg, evicting the oldest entries if len(Store) would
// exceed maxSize. A Message id already present is a no-op (spec.md's
// "a Message id appears in the Store at most once" invariant) and
// returns false.
func (s *Store) Insert(msg *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[msg.ID]; exists {
		return false
	}

	s.order = append(s.order, msg)
	s.byID[msg.ID] = msg

	for len(s.order) > s.maxSize {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.byID, oldest.ID)
		if s.metrics != nil {
			s.metrics.StoreEvicted.Inc()
		}
	}

	if s.metrics != nil {
		s.metrics.StoreSize.Set(float64(len(s.order)))
	}
	return true
}

func (s *Store) Get(id uuid.UUID) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	return m, ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// UpdateDeliveryStatus implements "locate the acknowledged Message by
// id; update its delivery_status to Delivered; if already Read, no-op;
// missing id is silently ignored" from spec.md §4.7.
func (s *Store) UpdateDeliveryStatus(id uuid.UUID, status DeliveryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return
	}
	if m.HasDelivery && m.DeliveryStatus == DeliveryRead {
		return
	}
	m.DeliveryStatus = status
	m.HasDelivery = true
}

// History returns the last limit Messages matching scope, newest
// first.
func (s *Store) History(scope Scope, limit int) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Message
	for i := len(s.order) - 1; i >= 0 && len(matched) < limit; i-- {
		if s.order[i].matchesScope(scope) {
			matched = append(matched, s.order[i])
		}
	}
	return matched
}

// Search returns messages whose content or sender nickname contains
// substr (case-insensitive), newest first, up to limit.
func (s *Store) Search(substr string, limit int) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Message
	for i := len(s.order) - 1; i >= 0 && len(matched) < limit; i-- {
		if s.order[i].MatchesSearch(substr) {
			matched = append(matched, s.order[i])
		}
	}
	return matched
}
