package forwarder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aw-mesh/meshd/internal/wire"
)

func sampleFrame(ttl uint8) *wire.Frame {
	return &wire.Frame{
		Version:   wire.Version,
		Type:      wire.TypeMessage,
		TTL:       ttl,
		Timestamp: 1700000000,
		Payload:   []byte(`{"content":"hi"}`),
	}
}

func target(handle string, sent *[]string) RelayTarget {
	return RelayTarget{
		Handle:  handle,
		Quality: 1.0,
		Send: func(frame []byte) error {
			*sent = append(*sent, handle)
			return nil
		},
	}
}

func TestSeenSetDedup(t *testing.T) {
	fw := New(10000, RelayFanoutDefault, nil)
	f := sampleFrame(5)
	now := time.Now()

	d1 := fw.InboundDecision(f, now, false, true, nil)
	assert.False(t, d1.Duplicate)
	assert.True(t, d1.DeliverLocally)

	d2 := fw.InboundDecision(f, now, false, true, nil)
	assert.True(t, d2.Duplicate)
}

func TestTTLZeroNeverRelayed(t *testing.T) {
	fw := New(10000, RelayFanoutDefault, nil)
	f := sampleFrame(0)

	var sent []string
	targets := []RelayTarget{target("n1", &sent)}

	d := fw.InboundDecision(f, time.Now(), false, true, targets)
	assert.Empty(t, d.RelayTo)
}

func TestBlockedSenderDropped(t *testing.T) {
	fw := New(10000, RelayFanoutDefault, nil)
	f := sampleFrame(5)

	d := fw.InboundDecision(f, time.Now(), true, true, nil)
	assert.False(t, d.DeliverLocally)
	assert.False(t, d.Duplicate)
}

func TestRelayFanoutCapsAtK(t *testing.T) {
	fw := New(10000, 3, nil)
	f := sampleFrame(5)

	var sent []string
	var targets []RelayTarget
	for i := 0; i < 6; i++ {
		targets = append(targets, target(string(rune('a'+i)), &sent))
	}

	d := fw.InboundDecision(f, time.Now(), false, true, targets)
	require.Len(t, d.RelayTo, 3)

	attempted, failed := Relay([]byte("frame"), d.RelayTo)
	assert.Equal(t, 3, attempted)
	assert.Equal(t, 0, failed)
	assert.Len(t, sent, 3)
}

func TestBackpressureHysteresis(t *testing.T) {
	fw := New(10000, 3, nil)
	var sent []string
	t1 := target("busy", &sent)
	t1.QueueLen = QueueHighWater + 1

	f1 := sampleFrame(5)
	d1 := fw.InboundDecision(f1, time.Now(), false, true, []RelayTarget{t1})
	assert.Empty(t, d1.RelayTo, "neighbor above high water must be skipped")

	// Still above low water: stays skipped even though below high water.
	t1.QueueLen = QueueLowWater + 1
	f2 := sampleFrame(5)
	f2.Timestamp++
	d2 := fw.InboundDecision(f2, time.Now(), false, true, []RelayTarget{t1})
	assert.Empty(t, d2.RelayTo, "neighbor must stay skipped until below low water")

	t1.QueueLen = QueueLowWater - 1
	f3 := sampleFrame(5)
	f3.Timestamp += 2
	d3 := fw.InboundDecision(f3, time.Now(), false, true, []RelayTarget{t1})
	assert.Len(t, d3.RelayTo, 1, "neighbor must become eligible again below low water")
}

func TestFrameKeyStableAcrossIdenticalFrames(t *testing.T) {
	f1 := sampleFrame(5)
	f2 := sampleFrame(3) // TTL differs, but relays preserve sender/type/timestamp/payload
	assert.Equal(t, FrameKey(f1), FrameKey(f2))
}

func TestOutboundOriginPreventsEcho(t *testing.T) {
	fw := New(10000, 3, nil)
	f := sampleFrame(7)
	now := time.Now()

	id := FrameKey(f)
	var sent []string
	fw.OutboundOrigin(id, now, []RelayTarget{target("n1", &sent)})

	d := fw.InboundDecision(f, now, false, true, nil)
	assert.True(t, d.Duplicate, "an echoed copy of our own origin frame must be deduped")
}
