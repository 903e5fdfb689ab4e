// Package neighbor implements the Neighbor Manager (C5): it owns the
// set of live Neighbors, enforces the MAX_NEIGHBORS connection budget,
// paces reconnection with exponential backoff, and tracks a per-link
// EWMA quality score. It is grounded on the teacher's peer map
// (device.Device.peers, a mutex-guarded map keyed by public key) and
// its Start/Stop lifecycle (device/peer.go), generalized from a single
// static peer set to a discover-connect-evict directory, and on
// spec.md §9's "flat maps keyed by PeerId, cross-links by key lookup"
// design note: a Neighbor never holds a Session, only a PeerId a
// session map elsewhere can be keyed by.
package neighbor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aw-mesh/meshd/internal/config"
	"github.com/aw-mesh/meshd/internal/identity"
	"github.com/aw-mesh/meshd/internal/logging"
	"github.com/aw-mesh/meshd/internal/metrics"
	"github.com/aw-mesh/meshd/internal/transport"
)

const (
	scanInterval     = 2 * time.Second
	announceInterval = 5 * time.Second
	fullScanInterval = 30 * time.Second
	sweepInterval    = 60 * time.Second
)

const (
	qualityInitial       = 1.0
	qualitySendFailure   = 0.9
	qualityRecvTimeout   = 0.99
	qualityRestoreFloor  = 0.01
	qualityRestoreAmount = 0.05
)

// Neighbor is a peer we currently hold a direct link to. PeerID is the
// zero value until the first Announce or a completed handshake names
// it — spec.md §3 allows a Neighbor to exist PeerId-less briefly.
type Neighbor struct {
	Handle       string
	PeerID       identity.PeerID
	HasPeerID    bool
	Link         transport.Link
	Nickname     string
	LastActivity time.Time
	Quality      float64
	Favorite     bool

	connectedAt time.Time
}

// Hooks lets the mesh orchestrator react to Neighbor Manager events
// without the manager importing the session, forwarder, or control
// packages — the same separation spec.md §9 asks for between the
// Neighbor/Session/directory graph.
type Hooks struct {
	// OnLinkUp fires once a link is open, before any session exists.
	OnLinkUp func(n *Neighbor)
	// OnLinkDown fires once a Neighbor is torn down, reporting whether
	// a PeerId had ever been bound to it.
	OnLinkDown func(handle string, peer identity.PeerID, hadPeerID bool)
	// OnAnnounceDue fires on the periodic announce beacon for each
	// healthy link.
	OnAnnounceDue func(n *Neighbor)
}

type backoffState struct {
	next    time.Time
	current time.Duration
}

// Manager owns the Neighbor directory described above.
type Manager struct {
	cfg     config.Config
	scanner transport.Scanner
	clock   func() time.Time
	log     *logging.Logger
	metrics *metrics.Collectors
	hooks   Hooks

	mu        sync.Mutex
	byHandle  map[string]*Neighbor
	byPeerID  map[identity.PeerID]*Neighbor
	favorites map[identity.PeerID]bool
	blocked   map[identity.PeerID]bool
	backoff   map[string]*backoffState
	pending   map[string]bool // handles with an in-flight connect attempt
}

// NewManager constructs a Manager. clock and scanner are explicit
// parameters per spec.md §9's guidance to avoid hidden ambient state.
func NewManager(cfg config.Config, scanner transport.Scanner, clock func() time.Time, log *logging.Logger, m *metrics.Collectors, hooks Hooks) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		cfg:       cfg,
		scanner:   scanner,
		clock:     clock,
		log:       log,
		metrics:   m,
		hooks:     hooks,
		byHandle:  make(map[string]*Neighbor),
		byPeerID:  make(map[identity.PeerID]*Neighbor),
		favorites: make(map[identity.PeerID]bool),
		blocked:   make(map[identity.PeerID]bool),
		backoff:   make(map[string]*backoffState),
		pending:   make(map[string]bool),
	}
}

// Count reports the number of live Neighbors, for budget checks.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byHandle)
}

func (m *Manager) underBudget() bool {
	return len(m.byHandle)+len(m.pending) < m.cfg.MaxNeighbors
}

// HandleDiscovered implements the Discovered(peer_handle) reaction from
// spec.md §4.5: if not already connected and under budget, it begins a
// bounded connection attempt; on success a Neighbor is created and
// OnLinkUp fires.
func (m *Manager) HandleDiscovered(ctx context.Context, handle string) {
	m.mu.Lock()
	if _, exists := m.byHandle[handle]; exists {
		m.mu.Unlock()
		return
	}
	if m.pending[handle] {
		m.mu.Unlock()
		return
	}
	if !m.underBudget() {
		m.mu.Unlock()
		if m.log != nil {
			m.log.Verbosef("neighbor: deferring %s, at budget", handle)
		}
		return
	}
	if b, ok := m.backoff[handle]; ok && m.clock().Before(b.next) {
		m.mu.Unlock()
		return
	}
	m.pending[handle] = true
	m.mu.Unlock()

	go m.attemptConnect(ctx, handle)
}

func (m *Manager) attemptConnect(ctx context.Context, handle string) {
	defer func() {
		m.mu.Lock()
		delete(m.pending, handle)
		m.mu.Unlock()
	}()

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	link, err := m.scanner.Connect(cctx, handle)
	if err != nil {
		m.recordFailure(handle)
		if m.log != nil {
			m.log.Errorf("neighbor: connect %s: %v", handle, err)
		}
		return
	}

	n := &Neighbor{
		Handle:       handle,
		Link:         link,
		LastActivity: m.clock(),
		Quality:      qualityInitial,
		connectedAt:  m.clock(),
	}

	m.mu.Lock()
	m.byHandle[handle] = n
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.NeighborCount.Set(float64(m.Count()))
	}
	if m.hooks.OnLinkUp != nil {
		m.hooks.OnLinkUp(n)
	}
}

// UpsertAnnounce implements "Incoming Announce: upsert Neighbor.PeerId,
// update last-activity" from spec.md §4.5.
func (m *Manager) UpsertAnnounce(handle string, peer identity.PeerID, nickname string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.byHandle[handle]
	if !ok {
		return
	}
	if m.blocked[peer] {
		return
	}
	n.PeerID = peer
	n.HasPeerID = true
	n.Nickname = nickname
	n.LastActivity = m.clock()
	n.Favorite = m.favorites[peer]
	m.byPeerID[peer] = n
}

// BindPeerID associates a Neighbor with a PeerId learned from a
// completed Session (authoritative, unlike an unauthenticated
// Announce), per spec.md §9's correction that link-down must be
// surfaced by PeerId once a Session binds it.
func (m *Manager) BindPeerID(handle string, peer identity.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.byHandle[handle]
	if !ok {
		return
	}
	n.PeerID = peer
	n.HasPeerID = true
	n.Favorite = m.favorites[peer]
	m.byPeerID[peer] = n
}

// HandleLinkDown removes the Neighbor and schedules reconnection with
// exponential backoff.
func (m *Manager) HandleLinkDown(handle string) {
	m.mu.Lock()
	n, ok := m.byHandle[handle]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byHandle, handle)
	var peer identity.PeerID
	hadPeerID := n.HasPeerID
	if hadPeerID {
		peer = n.PeerID
		delete(m.byPeerID, peer)
	}
	m.scheduleBackoff(handle)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.NeighborCount.Set(float64(m.Count()))
	}
	if m.hooks.OnLinkDown != nil {
		m.hooks.OnLinkDown(handle, peer, hadPeerID)
	}
}

// scheduleBackoff must be called with mu held.
func (m *Manager) scheduleBackoff(handle string) {
	b, ok := m.backoff[handle]
	if !ok {
		b = &backoffState{current: m.cfg.BackoffBase}
	} else {
		b.current *= 2
		if b.current > m.cfg.BackoffCap {
			b.current = m.cfg.BackoffCap
		}
	}
	b.next = m.clock().Add(b.current)
	m.backoff[handle] = b
}

// ResetBackoff clears a handle's backoff state, called on a successful
// handshake per spec.md §4.5 ("reset on successful handshake").
func (m *Manager) ResetBackoff(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backoff, handle)
}

func (m *Manager) recordFailure(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleBackoff(handle)
}

// --- link quality EWMA (spec.md §4.5) ---

func (m *Manager) RecordSendFailure(peer identity.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.byPeerID[peer]; ok {
		n.Quality *= qualitySendFailure
	}
}

func (m *Manager) RecordRecvTimeout(peer identity.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.byPeerID[peer]; ok {
		n.Quality *= qualityRecvTimeout
	}
}

func (m *Manager) RecordRecvSuccess(peer identity.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.byPeerID[peer]
	if !ok {
		return
	}
	n.LastActivity = m.clock()
	n.Quality += qualityRestoreAmount
	if n.Quality > 1.0 {
		n.Quality = 1.0
	}
	if n.Quality < qualityRestoreFloor {
		n.Quality = qualityRestoreFloor
	}
}

// --- favorites / blocklist (advisory, spec.md §4.5) ---

func (m *Manager) SetFavorite(peer identity.PeerID, favorite bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if favorite {
		m.favorites[peer] = true
	} else {
		delete(m.favorites, peer)
	}
	if n, ok := m.byPeerID[peer]; ok {
		n.Favorite = favorite
	}
}

func (m *Manager) Block(peer identity.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[peer] = true
}

func (m *Manager) Unblock(peer identity.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, peer)
}

func (m *Manager) IsBlocked(peer identity.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked[peer]
}

// --- snapshot helpers consumed by C6 and C8 ---

// Snapshot returns a copy of all live Neighbors, in no defined order,
// for relay target selection and status queries. It never returns the
// internal *Neighbor pointers' backing map, only the slice.
func (m *Manager) Snapshot() []*Neighbor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Neighbor, 0, len(m.byHandle))
	for _, n := range m.byHandle {
		out = append(out, n)
	}
	return out
}

func (m *Manager) ByPeerID(peer identity.PeerID) (*Neighbor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.byPeerID[peer]
	return n, ok
}

// --- periodic tasks (spec.md §4.5 and §5) ---

// Run drives the scanner's event stream and the four periodic tasks
// spec.md §4.5 names, until ctx is cancelled. It is meant to be the
// single goroutine the mesh orchestrator's errgroup runs for this
// component (spec.md §5 task 5, "periodic tickers").
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.pumpEvents(gctx) })
	g.Go(func() error { return m.runTicker(gctx, scanInterval, func() { _ = m.scanner.Scan(gctx) }) })
	g.Go(func() error { return m.runTicker(gctx, announceInterval, m.announceAll) })
	g.Go(func() error { return m.runTicker(gctx, fullScanInterval, func() { _ = m.scanner.Scan(gctx) }) })
	g.Go(func() error { return m.runTicker(gctx, sweepInterval, m.sweepStale) })

	return g.Wait()
}

func (m *Manager) pumpEvents(ctx context.Context) error {
	events := m.scanner.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case transport.Discovered, transport.Updated:
				m.HandleDiscovered(ctx, ev.Handle)
			case transport.LinkDown:
				m.HandleLinkDown(ev.Handle)
			}
		}
	}
}

func (m *Manager) runTicker(ctx context.Context, interval time.Duration, fn func()) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn()
		}
	}
}

func (m *Manager) announceAll() {
	if m.hooks.OnAnnounceDue == nil {
		return
	}
	for _, n := range m.Snapshot() {
		if n.HasPeerID {
			m.hooks.OnAnnounceDue(n)
		}
	}
}

// sweepStale evicts any Neighbor whose PeerId has not been heard for
// more than PeerTimeout, unless marked favorite. Favorites are skipped
// entirely: they remain live Neighbors with their link still connected,
// and no separate tombstone record is kept for them.
func (m *Manager) sweepStale() {
	now := m.clock()

	var toEvict []string
	m.mu.Lock()
	for handle, n := range m.byHandle {
		if now.Sub(n.LastActivity) <= m.cfg.PeerTimeout {
			continue
		}
		if n.Favorite {
			continue
		}
		toEvict = append(toEvict, handle)
	}
	m.mu.Unlock()

	for _, handle := range toEvict {
		m.HandleLinkDown(handle)
	}
	if m.metrics != nil && len(toEvict) > 0 {
		m.metrics.NeighborEvicted.Add(float64(len(toEvict)))
	}
}
