package forwarder

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aw-mesh/meshd/internal/identity"
	"github.com/aw-mesh/meshd/internal/metrics"
	"github.com/aw-mesh/meshd/internal/wire"
)

// RELAY_FANOUT, QUEUE_HIGH_WATER and QUEUE_LOW_WATER from spec.md §4.6.
const (
	RelayFanoutDefault  = 3
	QueueHighWater      = 64
	QueueLowWater       = 16
)

// FrameKey computes the dedup identity spec.md §4.6 calls F.message_id.
// A Frame's wire layout has no literal message_id field outside the
// JSON payload of type Message (where C7 assigns one); to let the
// Forwarder dedup every relayable type uniformly, without depending on
// C7's payload schema, the key is a deterministic digest of the fields
// a relay preserves verbatim: sender, type, timestamp, and payload
// bytes. Two independent arrivals of the same relayed Frame hash
// identically; two distinct origin events (even from the same sender
// and of the same type) get distinct timestamps and therefore distinct
// keys, which is the correct behavior for idempotent beacons like
// Announce.
func FrameKey(f *wire.Frame) uuid.UUID {
	h := sha256.New()
	h.Write(f.SenderID[:])
	h.Write([]byte{byte(f.Type)})
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], f.Timestamp)
	h.Write(ts[:])
	h.Write(f.Payload)
	sum := h.Sum(nil)

	var id uuid.UUID
	copy(id[:], sum[:16])
	return id
}

// RelayTarget is the subset of a live Neighbor the Forwarder needs to
// make and carry out a relay decision. It is a plain struct rather
// than an interface over internal/neighbor.Neighbor so this package has
// no dependency on the neighbor manager — the mesh orchestrator adapts
// Neighbors into RelayTargets.
type RelayTarget struct {
	Handle       string
	PeerID       identity.PeerID
	Favorite     bool
	Quality      float64
	LastActivity time.Time
	QueueLen     int
	Send         func(frame []byte) error
}

// Forwarder implements C6 as described in spec.md §4.6.
type Forwarder struct {
	seen    *SeenSet
	fanout  int
	metrics *metrics.Collectors

	mu      sync.Mutex
	skipped map[string]bool // handles currently excluded by backpressure hysteresis
}

func New(seenCapacity, fanout int, m *metrics.Collectors) *Forwarder {
	if fanout <= 0 {
		fanout = RelayFanoutDefault
	}
	return &Forwarder{
		seen:    NewSeenSet(seenCapacity),
		fanout:  fanout,
		metrics: m,
		skipped: make(map[string]bool),
	}
}

// admitByBackpressure applies the QUEUE_HIGH_WATER/QUEUE_LOW_WATER
// hysteresis from spec.md §4.6: a neighbor is excluded once its queue
// exceeds the high-water mark, and stays excluded until the queue
// drains below the low-water mark, rather than flapping back in as
// soon as it dips under the high-water mark.
func (fw *Forwarder) admitByBackpressure(t RelayTarget) bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.skipped[t.Handle] {
		if t.QueueLen < QueueLowWater {
			delete(fw.skipped, t.Handle)
			return true
		}
		fw.bumpSkipped()
		return false
	}
	if t.QueueLen > QueueHighWater {
		fw.skipped[t.Handle] = true
		fw.bumpSkipped()
		return false
	}
	return true
}

func (fw *Forwarder) bumpSkipped() {
	if fw.metrics != nil {
		fw.metrics.RelaySkippedBackpressure.Inc()
	}
}

// Decision is the outcome of InboundDecision: whether the frame should
// be delivered locally to C7, and the set of neighbors it should be
// relayed to (already filtered, ordered, and fanout-limited).
type Decision struct {
	Duplicate      bool
	DeliverLocally bool
	RelayTo        []RelayTarget
}

// InboundDecision runs steps 1-6 of spec.md §4.6's inbound pipeline for
// a Frame that already passed wire.Decode (so step 1, version, is
// re-checked defensively) and the blocklist check (step 2, performed by
// the caller via isBlocked — the Forwarder has no identity of its own).
// Of step 6 it only chooses relay targets; the TTL decrement is left to
// the caller. eligible is every current neighbor except the one the
// frame arrived on; targetsMe reports whether the frame should be
// delivered locally.
func (fw *Forwarder) InboundDecision(f *wire.Frame, now time.Time, isBlocked bool, targetsMe bool, eligible []RelayTarget) Decision {
	if f.Version != wire.Version {
		return Decision{}
	}
	if isBlocked {
		return Decision{}
	}

	key := FrameKey(f)
	if fw.seen.CheckAndInsert(key, now) {
		return Decision{Duplicate: true}
	}
	if fw.metrics != nil {
		fw.metrics.SeenSetSize.Set(float64(fw.seen.Len()))
	}

	d := Decision{DeliverLocally: targetsMe}

	if f.TTL == 0 || !f.Type.Relayable() {
		return d
	}

	d.RelayTo = fw.selectTargets(eligible)
	return d
}

// OutboundOrigin implements the outbound origin path from spec.md
// §4.6: the id is inserted into SeenSet to prevent echoes returning,
// then every current neighbor is eligible.
func (fw *Forwarder) OutboundOrigin(id uuid.UUID, now time.Time, allNeighbors []RelayTarget) []RelayTarget {
	fw.seen.CheckAndInsert(id, now)
	if fw.metrics != nil {
		fw.metrics.SeenSetSize.Set(float64(fw.seen.Len()))
	}
	return fw.selectTargets(allNeighbors)
}

// selectTargets orders eligible neighbors by (favorite desc, quality
// desc, recent-activity desc) and returns the top K = min(eligible,
// fanout).
func (fw *Forwarder) selectTargets(eligible []RelayTarget) []RelayTarget {
	ranked := make([]RelayTarget, 0, len(eligible))
	for _, t := range eligible {
		if !fw.admitByBackpressure(t) {
			continue
		}
		ranked = append(ranked, t)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Favorite != b.Favorite {
			return a.Favorite
		}
		if a.Quality != b.Quality {
			return a.Quality > b.Quality
		}
		return a.LastActivity.After(b.LastActivity)
	})

	k := fw.fanout
	if len(ranked) < k {
		k = len(ranked)
	}
	return ranked[:k]
}

// Relay attempts to send frame to each target, independent of
// SeenSet bookkeeping: a send failure does not un-see the message, per
// spec.md §4.6 ("failure does not affect SeenSet").
func Relay(frame []byte, targets []RelayTarget) (attempted, failed int) {
	for _, t := range targets {
		attempted++
		if err := t.Send(frame); err != nil {
			failed++
		}
	}
	return attempted, failed
}
