package mesh

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/aw-mesh/meshd/internal/config"
	"github.com/aw-mesh/meshd/internal/identity"
	"github.com/aw-mesh/meshd/internal/store"
	"github.com/aw-mesh/meshd/internal/transport"
)

// fakeScanner hands out a single pre-connected Link and only ever
// surfaces the Discovered events the test pushes onto it — there is no
// real BLE scan loop to simulate here, only the Scanner contract.
type fakeScanner struct {
	events chan transport.Event
	link   transport.Link
}

func newFakeScanner(link transport.Link) *fakeScanner {
	return &fakeScanner{events: make(chan transport.Event, 4), link: link}
}

func (s *fakeScanner) Events() <-chan transport.Event { return s.events }
func (s *fakeScanner) Connect(_ context.Context, _ string) (transport.Link, error) {
	return s.link, nil
}
func (s *fakeScanner) Scan(_ context.Context) error { return nil }
func (s *fakeScanner) Close() error                 { close(s.events); return nil }

func testConfig(nickname string) config.Config {
	cfg := config.Default()
	cfg.Nickname = nickname
	cfg.MaxNeighbors = 4
	cfg.ConnectTimeout = 2 * time.Second
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func peerIDFromHex(t *testing.T, s string) identity.PeerID {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	var p identity.PeerID
	copy(p[:], b)
	return p
}

// TestTwoNodePrivateEcho wires two Cores over a transport.PipeLink pair,
// lets them discover each other, complete a handshake, and exchange a
// private message end to end — the scenario spec.md §8's first
// integration test names.
func TestTwoNodePrivateEcho(t *testing.T) {
	linkA, linkB := transport.NewPipe(16)
	scannerA := newFakeScanner(linkA)
	scannerB := newFakeScanner(linkB)

	coreA, err := New(Options{Config: testConfig("alice"), Scanner: scannerA, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	coreB, err := New(Options{Config: testConfig("bob"), Scanner: scannerB, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	require.NoError(t, coreA.Start())
	require.NoError(t, coreB.Start())
	defer coreA.Stop()
	defer coreB.Stop()

	scannerA.events <- transport.Event{Kind: transport.Discovered, Handle: "nodeB"}
	scannerB.events <- transport.Event{Kind: transport.Discovered, Handle: "nodeA"}

	waitFor(t, 2*time.Second, func() bool {
		peers := coreA.Peers()
		return len(peers) == 1 && peers[0].Fingerprint != ""
	})
	waitFor(t, 2*time.Second, func() bool {
		peers := coreB.Peers()
		return len(peers) == 1 && peers[0].Fingerprint != ""
	})

	peerOfBFromA := peerIDFromHex(t, coreA.Peers()[0].PeerID)
	peerOfAFromB := peerIDFromHex(t, coreB.Peers()[0].PeerID)

	waitFor(t, time.Second, func() bool { return coreA.HasEstablishedSession(peerOfBFromA) })
	waitFor(t, time.Second, func() bool { return coreB.HasEstablishedSession(peerOfAFromB) })

	_, err = coreA.SendPrivate(peerOfBFromA, "hello bob")
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		msgs := coreB.router.History(store.Scope{Kind: store.ScopeSender, Peer: peerOfAFromB}, 10)
		for _, m := range msgs {
			if m.Content == "hello bob" {
				return true
			}
		}
		return false
	})
}

// TestTwoNodeBroadcast checks a plaintext broadcast delivers without any
// established session being required.
func TestTwoNodeBroadcast(t *testing.T) {
	linkA, linkB := transport.NewPipe(16)
	scannerA := newFakeScanner(linkA)
	scannerB := newFakeScanner(linkB)

	coreA, err := New(Options{Config: testConfig("alice"), Scanner: scannerA, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	coreB, err := New(Options{Config: testConfig("bob"), Scanner: scannerB, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	require.NoError(t, coreA.Start())
	require.NoError(t, coreB.Start())
	defer coreA.Stop()
	defer coreB.Stop()

	scannerA.events <- transport.Event{Kind: transport.Discovered, Handle: "nodeB"}
	scannerB.events <- transport.Event{Kind: transport.Discovered, Handle: "nodeA"}

	waitFor(t, 2*time.Second, func() bool { return len(coreA.Peers()) == 1 })
	waitFor(t, 2*time.Second, func() bool { return len(coreB.Peers()) == 1 })

	_, err = coreA.SendBroadcast("hello mesh")
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		msgs := coreB.router.History(store.Scope{Kind: store.ScopeBroadcast}, 10)
		for _, m := range msgs {
			if m.Content == "hello mesh" {
				return true
			}
		}
		return false
	})
}
