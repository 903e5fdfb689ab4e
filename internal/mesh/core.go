// Package mesh is the top-level orchestrator: it wires the Wire Codec,
// Identity/Keyring, Secure Session, Channel Keystore, Neighbor Manager,
// Forwarder, and Message Store & Router together, owns the PeerId-keyed
// Session map spec.md §9 asks to be kept flat and separate from the
// Neighbor directory, and runs the task set from spec.md §5 under a
// single errgroup.Group supervisor — the same top-level shape the
// teacher's device.Device uses to own its peer map, UAPI socket, and
// packet queues under one lifecycle.
package mesh

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/aw-mesh/meshd/internal/channelkey"
	"github.com/aw-mesh/meshd/internal/config"
	"github.com/aw-mesh/meshd/internal/control"
	"github.com/aw-mesh/meshd/internal/forwarder"
	"github.com/aw-mesh/meshd/internal/identity"
	"github.com/aw-mesh/meshd/internal/logging"
	"github.com/aw-mesh/meshd/internal/metrics"
	"github.com/aw-mesh/meshd/internal/neighbor"
	"github.com/aw-mesh/meshd/internal/noise"
	"github.com/aw-mesh/meshd/internal/ratelimiter"
	"github.com/aw-mesh/meshd/internal/store"
	"github.com/aw-mesh/meshd/internal/transport"
	"github.com/aw-mesh/meshd/internal/wire"
)

// Options carries every piece of ambient state spec.md §9 asks to be
// an explicit constructor parameter rather than a global: clock, RNG,
// transport, and the metrics registry.
type Options struct {
	Config     config.Config
	Scanner    transport.Scanner
	Clock      func() time.Time
	RNG        io.Reader
	Log        *logging.Logger
	Registerer prometheus.Registerer

	// Keyring lets a caller supply a previously persisted identity (e.g.
	// one loaded from a key file written by cmd/meshd keygen) instead of
	// generating a fresh one on every start.
	Keyring *identity.Keyring
}

// Core implements control.Core and is the single owner of every
// flat map spec.md §9 names: Sessions and the Neighbor directory are
// siblings keyed by PeerId, never embedded in one another.
type Core struct {
	cfg     config.Config
	clock   func() time.Time
	log     *logging.Logger
	metrics *metrics.Collectors

	keyring   *identity.Keyring
	neighbors *neighbor.Manager
	forwarder *forwarder.Forwarder
	store     *store.Store
	channels  *channelkey.Store
	router    *store.Router
	limiter   *ratelimiter.Limiter
	scanner   transport.Scanner

	events chan control.Event

	mu       sync.Mutex
	sessions map[identity.PeerID]*noise.Session
	running  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
}

func New(opts Options) (*Core, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.RNG == nil {
		opts.RNG = rand.Reader
	}
	if opts.Log == nil {
		opts.Log = logging.NewLogger(logging.LevelFromEnv(opts.Config.LogLevel), "mesh")
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}

	kr := opts.Keyring
	if kr == nil {
		var err error
		kr, err = identity.NewKeyring(opts.RNG)
		if err != nil {
			return nil, fmt.Errorf("mesh: new keyring: %w", err)
		}
	}

	m := metrics.New(opts.Registerer)
	fw := forwarder.New(opts.Config.SeenSetCapacity, opts.Config.RelayFanout, m)
	st := store.New(opts.Config.MaxStore, m)
	channels := channelkey.NewStore()

	c := &Core{
		cfg:       opts.Config,
		clock:     opts.Clock,
		log:       opts.Log,
		metrics:   m,
		keyring:   kr,
		forwarder: fw,
		store:     st,
		channels:  channels,
		limiter:   ratelimiter.NewWithClock(opts.Clock),
		scanner:   opts.Scanner,
		events:    make(chan control.Event, 256),
		sessions:  make(map[identity.PeerID]*noise.Session),
	}

	hooks := neighbor.Hooks{
		OnLinkUp:      c.onLinkUp,
		OnLinkDown:    c.onLinkDown,
		OnAnnounceDue: c.onAnnounceDue,
	}
	c.neighbors = neighbor.NewManager(opts.Config, opts.Scanner, opts.Clock, opts.Log, m, hooks)
	c.router = store.NewRouter(st, channels, c, kr.OwnID(), opts.Config.Nickname, m)

	return c, nil
}

// --- control.Core ---

func (c *Core) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	c.group = g
	c.running = true
	c.mu.Unlock()

	g.Go(func() error { return c.neighbors.Run(gctx) })
	g.Go(func() error { return c.runSessionSweeper(gctx) })
	g.Go(func() error { return c.runChannelSweeper(gctx) })

	return nil
}

func (c *Core) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	g := c.group
	c.running = false
	c.mu.Unlock()

	cancel()
	c.limiter.Close()
	if g != nil {
		return g.Wait()
	}
	return nil
}

func (c *Core) SendBroadcast(content string) (*store.Message, error) {
	return c.router.SendBroadcast(content, c.clock())
}

func (c *Core) SendPrivate(peer identity.PeerID, content string) (*store.Message, error) {
	return c.router.SendPrivate(peer, content, c.clock())
}

func (c *Core) SendChannel(channel, content string) (*store.Message, error) {
	return c.router.SendChannel(channel, content, c.clock())
}

func (c *Core) Join(channel, password string) error {
	var zeroSalt [channelkey.SaltSize]byte
	return c.router.Join(channel, password, zeroSalt, channelkey.KDF(c.cfg.ChannelKDF), c.clock())
}

func (c *Core) Leave(channel string) error {
	c.router.Leave(channel, c.clock())
	return nil
}

func (c *Core) History(scope store.Scope, limit int) []*store.Message {
	return c.router.History(scope, limit)
}

func (c *Core) Fingerprint() identity.Fingerprint { return c.keyring.OwnFingerprint() }

func (c *Core) VerifyFingerprint(peer identity.PeerID, expected identity.Fingerprint) bool {
	return c.keyring.Verify(peer, expected)
}

func (c *Core) SetChannelPassword(channel, password string) error {
	var zeroSalt [channelkey.SaltSize]byte
	key, err := channelkey.Derive(channel, password, zeroSalt, channelkey.KDF(c.cfg.ChannelKDF), c.clock())
	if err != nil {
		return err
	}
	c.channels.Put(key)
	return nil
}

func (c *Core) Status() control.StatusSnapshot {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	return control.StatusSnapshot{
		Running:         running,
		Scanning:        running,
		ConnectionCount: c.neighbors.Count(),
		Peers:           c.Peers(),
	}
}

func (c *Core) Peers() []control.PeerInfo {
	snap := c.neighbors.Snapshot()
	out := make([]control.PeerInfo, 0, len(snap))
	for _, n := range snap {
		info := control.PeerInfo{
			Nickname:     n.Nickname,
			Quality:      n.Quality,
			Favorite:     n.Favorite,
			LastActivity: n.LastActivity,
		}
		if n.HasPeerID {
			info.PeerID = n.PeerID.String()
			if fp, ok := c.keyring.FingerprintOf(n.PeerID); ok {
				info.Fingerprint = string(fp)
			}
		}
		out = append(out, info)
	}
	return out
}

func (c *Core) Events() <-chan control.Event { return c.events }

func (c *Core) emit(ev control.Event) {
	ev.Timestamp = c.clock().Unix()
	select {
	case c.events <- ev:
	default:
		c.log.Errorf("mesh: event bus full, dropping %s", ev.Kind)
	}
}

// --- store.Outbound ---

func (c *Core) HasEstablishedSession(peer identity.PeerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[peer]
	return ok && s.State() == noise.StateEstablished
}

func (c *Core) EncryptPrivate(peer identity.PeerID, plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	s, ok := c.sessions[peer]
	c.mu.Unlock()
	if !ok || s.State() != noise.StateEstablished {
		return nil, store.ErrNoSession
	}
	return s.Encrypt(plaintext)
}

// Originate hands an already-encoded frame to the Forwarder's outbound
// entry point and relays it to the top-K neighbors it selects from all
// current neighbors.
func (c *Core) Originate(id uuid.UUID, frame []byte) int {
	targets := c.relayTargets("")
	chosen := c.forwarder.OutboundOrigin(id, c.clock(), targets)
	attempted, _ := forwarder.Relay(frame, chosen)
	if c.metrics != nil {
		c.metrics.RelayAttempted.Add(float64(attempted))
	}
	return attempted
}

// relayTargets adapts the live Neighbor directory into RelayTargets,
// excluding the handle the frame arrived on (if any) so it is never
// echoed straight back to its sender.
func (c *Core) relayTargets(excludeHandle string) []forwarder.RelayTarget {
	snap := c.neighbors.Snapshot()
	out := make([]forwarder.RelayTarget, 0, len(snap))
	for _, n := range snap {
		if n.Handle == excludeHandle {
			continue
		}
		n := n
		out = append(out, forwarder.RelayTarget{
			Handle:       n.Handle,
			PeerID:       n.PeerID,
			Favorite:     n.Favorite,
			Quality:      n.Quality,
			LastActivity: n.LastActivity,
			QueueLen:     queueLenOf(n.Link),
			Send:         func(frame []byte) error { return n.Link.Write(frame) },
		})
	}
	return out
}

type queueLenLink interface{ QueueLen() int }

func queueLenOf(l transport.Link) int {
	if q, ok := l.(queueLenLink); ok {
		return q.QueueLen()
	}
	return 0
}

func (c *Core) runSessionSweeper(ctx context.Context) error {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			now := c.clock()
			c.mu.Lock()
			for peer, s := range c.sessions {
				if s.Expired(now) {
					delete(c.sessions, peer)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *Core) runChannelSweeper(ctx context.Context) error {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.channels.Evict(c.clock(), c.cfg.ChannelIdleHorizon)
		}
	}
}
