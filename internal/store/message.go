// Package store implements the Message Store & Router (C7): it owns
// the in-memory Message sequence, dispatches frames arriving from C6 by
// type, tracks delivery status, and answers history/search queries.
package store

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aw-mesh/meshd/internal/identity"
)

// Status is a Message's send-side lifecycle, per spec.md §3.
type Status string

const (
	StatusDraft     Status = "Draft"
	StatusSending   Status = "Sending"
	StatusSent      Status = "Sent"
	StatusDelivered Status = "Delivered"
	StatusFailed    Status = "Failed"
	StatusExpired   Status = "Expired"
)

// DeliveryStatus is the optional receive-side acknowledgment state for
// private messages.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "Pending"
	DeliveryDelivered DeliveryStatus = "Delivered"
	DeliveryRead      DeliveryStatus = "Read"
	DeliveryFailed    DeliveryStatus = "Failed"
)

// ScopeKind distinguishes the four ways a Message (for sending) or a
// history query (for matching) address a conversation.
type ScopeKind int

const (
	ScopeBroadcast ScopeKind = iota
	ScopePrivate
	ScopeChannel
	ScopeSender // history-query only: every message from one peer
)

// Scope identifies who a Message is addressed to, or what a history
// query should match against.
type Scope struct {
	Kind ScopeKind

	// Peer is populated for ScopePrivate (the counterpart) and
	// ScopeSender (the sender to match).
	Peer identity.PeerID

	// PeerB is the second participant for a history query matching a
	// private conversation in either direction (spec.md §4.7:
	// "Private(peer_a, peer_b) (match both directions)").
	PeerB     identity.PeerID
	HasPeerB  bool
	Channel   string
}

// Message is the application-level unit described by spec.md §3: a
// stable 128-bit id assigned at origin and preserved verbatim by every
// relay.
type Message struct {
	ID             uuid.UUID
	SenderID       identity.PeerID
	SenderNickname string
	Content        string
	Scope          Scope
	TTL            uint8
	Timestamp      time.Time
	Status         Status
	DeliveryStatus DeliveryStatus
	HasDelivery    bool

	Mentions      []string
	ReplyTo       uuid.UUID
	HasReplyTo    bool
	ForwardedFrom identity.PeerID
	HasForwarded  bool

	// Opaque marks a channel-scoped Message we could not decrypt
	// (no key held for the channel): history still shows the frame
	// exists, per spec.md §4.7, without leaking any plaintext.
	Opaque bool

	// System marks a locally synthesized notice (channel join/leave)
	// rather than a Message that ever crossed the wire as such.
	System bool
}

// matchesScope implements the four Scope kinds a history query may use.
func (m *Message) matchesScope(q Scope) bool {
	switch q.Kind {
	case ScopeBroadcast:
		return m.Scope.Kind == ScopeBroadcast
	case ScopeChannel:
		return m.Scope.Kind == ScopeChannel && m.Scope.Channel == q.Channel
	case ScopeSender:
		return m.SenderID == q.Peer
	case ScopePrivate:
		if m.Scope.Kind != ScopePrivate {
			return false
		}
		// Match either direction: (sender=a,recipient=b) or (sender=b,recipient=a).
		if m.SenderID == q.Peer && m.Scope.Peer == q.PeerB {
			return true
		}
		if m.SenderID == q.PeerB && m.Scope.Peer == q.Peer {
			return true
		}
		return false
	default:
		return false
	}
}

// MatchesSearch reports whether the message's content or sender
// nickname contains substr, case-insensitively — spec.md §4.7's search
// operation.
func (m *Message) MatchesSearch(substr string) bool {
	substr = strings.ToLower(substr)
	return strings.Contains(strings.ToLower(m.Content), substr) ||
		strings.Contains(strings.ToLower(m.SenderNickname), substr)
}
