package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aw-mesh/meshd/internal/identity"
)

func newMsg(content string, scope Scope) *Message {
	return &Message{
		ID:        uuid.New(),
		Content:   content,
		Scope:     scope,
		Timestamp: time.Now(),
		Status:    StatusSent,
	}
}

func TestStoreBoundEviction(t *testing.T) {
	s := New(3, nil)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		m := newMsg("msg", Scope{Kind: ScopeBroadcast})
		ids = append(ids, m.ID)
		s.Insert(m)
	}

	assert.Equal(t, 3, s.Len())
	_, ok := s.Get(ids[0])
	assert.False(t, ok, "oldest messages must be evicted")
	_, ok = s.Get(ids[4])
	assert.True(t, ok, "newest message must survive")
}

func TestStoreInsertIsIdempotentByID(t *testing.T) {
	s := New(10, nil)
	m := newMsg("hi", Scope{Kind: ScopeBroadcast})

	assert.True(t, s.Insert(m))
	assert.False(t, s.Insert(m))
	assert.Equal(t, 1, s.Len())
}

func TestHistoryFiltersByChannel(t *testing.T) {
	s := New(10, nil)
	s.Insert(newMsg("a", Scope{Kind: ScopeChannel, Channel: "#x"}))
	s.Insert(newMsg("b", Scope{Kind: ScopeChannel, Channel: "#y"}))
	s.Insert(newMsg("c", Scope{Kind: ScopeChannel, Channel: "#x"}))

	got := s.History(Scope{Kind: ScopeChannel, Channel: "#x"}, 10)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Content, "history must be newest first")
	assert.Equal(t, "a", got[1].Content)
}

func TestHistoryPrivateMatchesBothDirections(t *testing.T) {
	s := New(10, nil)
	var a, b identity.PeerID
	a[0], b[0] = 0x01, 0x02

	m1 := newMsg("a-to-b", Scope{Kind: ScopePrivate, Peer: b})
	m1.SenderID = a
	m2 := newMsg("b-to-a", Scope{Kind: ScopePrivate, Peer: a})
	m2.SenderID = b

	s.Insert(m1)
	s.Insert(m2)

	got := s.History(Scope{Kind: ScopePrivate, Peer: a, PeerB: b, HasPeerB: true}, 10)
	assert.Len(t, got, 2)
}

func TestUpdateDeliveryStatusIgnoresMissingID(t *testing.T) {
	s := New(10, nil)
	s.UpdateDeliveryStatus(uuid.New(), DeliveryDelivered)
}

func TestUpdateDeliveryStatusNoOpAfterRead(t *testing.T) {
	s := New(10, nil)
	m := newMsg("hi", Scope{Kind: ScopeBroadcast})
	s.Insert(m)

	s.UpdateDeliveryStatus(m.ID, DeliveryRead)
	s.UpdateDeliveryStatus(m.ID, DeliveryDelivered)

	got, _ := s.Get(m.ID)
	assert.Equal(t, DeliveryRead, got.DeliveryStatus)
}

func TestSearchCaseInsensitive(t *testing.T) {
	s := New(10, nil)
	s.Insert(newMsg("Hello World", Scope{Kind: ScopeBroadcast}))
	s.Insert(newMsg("unrelated", Scope{Kind: ScopeBroadcast}))

	got := s.Search("hello", 10)
	require.Len(t, got, 1)
	assert.Equal(t, "Hello World", got[0].Content)
}
