package control

import (
	"time"

	"github.com/aw-mesh/meshd/internal/identity"
	"github.com/aw-mesh/meshd/internal/store"
)

// Core is everything the control surface needs from the mesh
// orchestrator. It mirrors the Host API named in spec.md §6 almost
// method-for-method so the HTTP layer stays a thin JSON adapter; the
// mesh package is the only implementation, kept separate to avoid the
// control package importing it (the mesh package imports control for
// these types, and cmd/meshd starts the server, not the reverse).
type Core interface {
	Start() error
	Stop() error

	SendBroadcast(content string) (*store.Message, error)
	SendPrivate(peer identity.PeerID, content string) (*store.Message, error)
	SendChannel(channel, content string) (*store.Message, error)
	Join(channel, password string) error
	Leave(channel string) error
	History(scope store.Scope, limit int) []*store.Message

	Fingerprint() identity.Fingerprint
	VerifyFingerprint(peer identity.PeerID, expected identity.Fingerprint) bool
	SetChannelPassword(channel, password string) error

	Status() StatusSnapshot
	Peers() []PeerInfo

	// Events returns the Core's single event channel. The control
	// server drains it and fans each event out to every connected
	// websocket subscriber.
	Events() <-chan Event
}

// StatusSnapshot answers the status() command, per spec.md §6.
type StatusSnapshot struct {
	Running         bool       `json:"running"`
	Scanning        bool       `json:"scanning"`
	ConnectionCount int        `json:"connection_count"`
	Peers           []PeerInfo `json:"peers"`
}

// PeerInfo answers the peers() command and populates StatusSnapshot.Peers.
type PeerInfo struct {
	PeerID       string    `json:"peer_id"`
	Nickname     string    `json:"nickname,omitempty"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	Quality      float64   `json:"quality"`
	Favorite     bool      `json:"favorite"`
	LastActivity time.Time `json:"last_activity"`
}

// EventKind enumerates the fire-and-forget events spec.md §6 names.
type EventKind string

const (
	EventPeerDiscovered     EventKind = "PeerDiscovered"
	EventPeerLost           EventKind = "PeerLost"
	EventMessageReceived    EventKind = "MessageReceived"
	EventDeliveryUpdated    EventKind = "DeliveryUpdated"
	EventSessionEstablished EventKind = "SessionEstablished"
	EventError              EventKind = "Error"
)

// Event is one push frame over the /api/v1/events websocket.
type Event struct {
	Kind        EventKind `json:"kind"`
	Peer        string    `json:"peer,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   int64     `json:"timestamp"`
}

func messageDTO(m *store.Message) map[string]any {
	dto := map[string]any{
		"id":              m.ID.String(),
		"sender_id":       m.SenderID.String(),
		"sender_nickname": m.SenderNickname,
		"content":         m.Content,
		"ttl":             m.TTL,
		"timestamp":       m.Timestamp.Unix(),
		"status":          string(m.Status),
		"opaque":          m.Opaque,
		"system":          m.System,
	}
	switch m.Scope.Kind {
	case store.ScopeBroadcast:
		dto["scope"] = "broadcast"
	case store.ScopePrivate:
		dto["scope"] = "private"
		dto["peer"] = m.Scope.Peer.String()
	case store.ScopeChannel:
		dto["scope"] = "channel"
		dto["channel"] = m.Scope.Channel
	case store.ScopeSender:
		dto["scope"] = "sender"
		dto["peer"] = m.Scope.Peer.String()
	}
	if m.HasDelivery {
		dto["delivery_status"] = string(m.DeliveryStatus)
	}
	return dto
}
