package neighbor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aw-mesh/meshd/internal/config"
	"github.com/aw-mesh/meshd/internal/identity"
	"github.com/aw-mesh/meshd/internal/transport"
)

type fakeLink struct{}

func (fakeLink) Write(_ []byte) error      { return nil }
func (fakeLink) Reads() <-chan []byte      { return make(chan []byte) }
func (fakeLink) Disconnect() error         { return nil }

type fakeScanner struct {
	mu       sync.Mutex
	events   chan transport.Event
	fail     map[string]bool
	connects int
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{events: make(chan transport.Event, 32), fail: make(map[string]bool)}
}

func (s *fakeScanner) Events() <-chan transport.Event { return s.events }

func (s *fakeScanner) Connect(ctx context.Context, handle string) (transport.Link, error) {
	s.mu.Lock()
	s.connects++
	fail := s.fail[handle]
	s.mu.Unlock()
	if fail {
		return nil, assertErr
	}
	return fakeLink{}, nil
}

func (s *fakeScanner) Scan(ctx context.Context) error { return nil }
func (s *fakeScanner) Close() error                   { close(s.events); return nil }

var assertErr = &connectError{}

type connectError struct{}

func (*connectError) Error() string { return "connect failed" }

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxNeighbors = 2
	cfg.ConnectTimeout = 2 * time.Second
	return cfg
}

func TestHandleDiscoveredOpensLinkAndFiresHook(t *testing.T) {
	scanner := newFakeScanner()
	var linkUps []string
	var mu sync.Mutex

	m := NewManager(testConfig(), scanner, nil, nil, nil, Hooks{
		OnLinkUp: func(n *Neighbor) {
			mu.Lock()
			linkUps = append(linkUps, n.Handle)
			mu.Unlock()
		},
	})

	m.HandleDiscovered(context.Background(), "peer-a")

	waitForCondition(t, time.Second, func() bool { return m.Count() == 1 })
	mu.Lock()
	assert.Equal(t, []string{"peer-a"}, linkUps)
	mu.Unlock()
}

func TestBudgetDefersExcessDiscovered(t *testing.T) {
	scanner := newFakeScanner()
	m := NewManager(testConfig(), scanner, nil, nil, nil, Hooks{})

	m.HandleDiscovered(context.Background(), "peer-a")
	m.HandleDiscovered(context.Background(), "peer-b")
	waitForCondition(t, time.Second, func() bool { return m.Count() == 2 })

	// Budget is 2; a third Discovered must not open a link.
	m.HandleDiscovered(context.Background(), "peer-c")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, m.Count())
}

func TestLinkDownSchedulesBackoff(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	scanner := newFakeScanner()
	cfg := testConfig()
	m := NewManager(cfg, scanner, clock, nil, nil, Hooks{})

	m.HandleDiscovered(context.Background(), "peer-a")
	waitForCondition(t, time.Second, func() bool { return m.Count() == 1 })

	m.HandleLinkDown("peer-a")
	assert.Equal(t, 0, m.Count())

	// Immediately re-discovering within the backoff window must not connect.
	m.HandleDiscovered(context.Background(), "peer-a")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, m.Count())

	now = now.Add(cfg.BackoffBase + time.Millisecond)
	m.HandleDiscovered(context.Background(), "peer-a")
	waitForCondition(t, time.Second, func() bool { return m.Count() == 1 })
}

func TestQualityEWMA(t *testing.T) {
	scanner := newFakeScanner()
	m := NewManager(testConfig(), scanner, nil, nil, nil, Hooks{})

	m.HandleDiscovered(context.Background(), "peer-a")
	waitForCondition(t, time.Second, func() bool { return m.Count() == 1 })

	var peer identity.PeerID
	peer[0] = 0x01
	m.BindPeerID("peer-a", peer)

	n, ok := m.ByPeerID(peer)
	require.True(t, ok)
	assert.Equal(t, qualityInitial, n.Quality)

	m.RecordSendFailure(peer)
	assert.InDelta(t, qualityInitial*qualitySendFailure, n.Quality, 0.0001)

	m.RecordRecvSuccess(peer)
	assert.True(t, n.Quality > qualityInitial*qualitySendFailure)
}

func TestFavoriteSurvivesSweep(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	scanner := newFakeScanner()
	cfg := testConfig()
	cfg.PeerTimeout = time.Second
	m := NewManager(cfg, scanner, clock, nil, nil, Hooks{})

	m.HandleDiscovered(context.Background(), "peer-a")
	waitForCondition(t, time.Second, func() bool { return m.Count() == 1 })

	var peer identity.PeerID
	peer[0] = 0x09
	m.BindPeerID("peer-a", peer)
	m.SetFavorite(peer, true)

	now = now.Add(10 * time.Second)
	m.sweepStale()
	assert.Equal(t, 1, m.Count(), "favorites must survive the stale sweep")
}
