package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aw-mesh/meshd/internal/channelkey"
	"github.com/aw-mesh/meshd/internal/forwarder"
	"github.com/aw-mesh/meshd/internal/identity"
	"github.com/aw-mesh/meshd/internal/metrics"
	"github.com/aw-mesh/meshd/internal/wire"
)

var (
	// ErrNoSession is returned by SendPrivate when no Established
	// Session exists to the recipient, per spec.md §4.7 — the host may
	// retry after session establishment.
	ErrNoSession        = errors.New("router: no established session to recipient")
	ErrChannelNotJoined = errors.New("router: channel not joined")
	ErrPayloadTooLarge  = errors.New("router: encoded frame exceeds the wire size ceiling")
)

// Outbound is the dependency a Router needs to actually put a frame on
// the wire. Sealing channel content through the Channel Keystore is
// done by the Router itself (it owns the channelkey.Store), but
// encrypting private content requires the peer's Session, and fanning
// bytes out to neighbor links is a forwarder + neighbor-directory
// concern — both belong to the mesh orchestrator, per spec.md §9's
// flat-maps design note, not to the Router.
type Outbound interface {
	// EncryptPrivate seals plaintext for peer through that peer's
	// established Session. Must not be called unless
	// HasEstablishedSession(peer) is true.
	EncryptPrivate(peer identity.PeerID, plaintext []byte) ([]byte, error)
	HasEstablishedSession(peer identity.PeerID) bool

	// Originate hands an encoded frame to the Forwarder's outbound
	// entry point (spec.md §4.6): insert into SeenSet, fan out to the
	// top-K of all current neighbors. Returns how many neighbors the
	// send was attempted on.
	Originate(id uuid.UUID, frame []byte) int
}

// Router implements the Message Store & Router (C7) described in
// spec.md §4.7.
type Router struct {
	store    *Store
	channels *channelkey.Store
	out      Outbound
	metrics  *metrics.Collectors

	ownID       identity.PeerID
	ownNickname string

	mu        sync.Mutex
	joined    map[string]bool
	known     map[string]bool
	nicknames map[identity.PeerID]string
}

func NewRouter(s *Store, channels *channelkey.Store, out Outbound, ownID identity.PeerID, ownNickname string, m *metrics.Collectors) *Router {
	return &Router{
		store:       s,
		channels:    channels,
		out:         out,
		metrics:     m,
		ownID:       ownID,
		ownNickname: ownNickname,
		joined:      make(map[string]bool),
		known:       make(map[string]bool),
		nicknames:   make(map[identity.PeerID]string),
	}
}

// --- wire payload shapes, per spec.md §6 ---

type announcePayload struct {
	Nickname  string `json:"nickname"`
	Timestamp int64  `json:"timestamp"`
}

// messagePayload is the JSON body of a TypeMessage frame. For a
// broadcast or an unprotected channel, Content carries plaintext
// directly. For a password-protected channel, Content is empty and
// Sealed carries the ChannelKey-encrypted inner payload (itself a
// messagePayload, marshaled then sealed) — Channel must stay in
// cleartext here since it's how the receiver picks a key to open
// Sealed with. Private messages never use this envelope: the whole
// Frame.Payload is the Session-encrypted bytes of a marshaled
// messagePayload, and the mesh dispatcher decrypts it back into plain
// JSON before handing the frame to the Router.
type messagePayload struct {
	ID        string   `json:"id"`
	Channel   string   `json:"channel,omitempty"`
	Content   string   `json:"content,omitempty"`
	Sealed    []byte   `json:"sealed,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Mentions  []string `json:"mentions,omitempty"`
	ReplyTo   string   `json:"reply_to,omitempty"`
}

type deliveryAckPayload struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type channelPayload struct {
	Channel string `json:"channel"`
}

// --- origination operations (spec.md §4.7) ---

func (r *Router) SendBroadcast(content string, now time.Time) (*Message, error) {
	msg := r.stamp(content, Scope{Kind: ScopeBroadcast}, now)
	payload, err := json.Marshal(messagePayload{ID: msg.ID.String(), Content: content, Timestamp: now.Unix()})
	if err != nil {
		return nil, err
	}
	return r.originate(msg, payload, wire.Flags(0))
}

func (r *Router) SendPrivate(peer identity.PeerID, content string, now time.Time) (*Message, error) {
	if !r.out.HasEstablishedSession(peer) {
		return nil, ErrNoSession
	}
	msg := r.stamp(content, Scope{Kind: ScopePrivate, Peer: peer}, now)
	plain, err := json.Marshal(messagePayload{ID: msg.ID.String(), Content: content, Timestamp: now.Unix()})
	if err != nil {
		return nil, err
	}
	sealed, err := r.out.EncryptPrivate(peer, plain)
	if err != nil {
		return nil, err
	}
	return r.originateWithRecipient(msg, sealed, peer, wire.FlagEncrypted)
}

func (r *Router) SendChannel(channel, content string, now time.Time) (*Message, error) {
	r.mu.Lock()
	joined := r.joined[channel]
	r.mu.Unlock()
	if !joined {
		return nil, ErrChannelNotJoined
	}

	msg := r.stamp(content, Scope{Kind: ScopeChannel, Channel: channel}, now)

	outer := messagePayload{ID: msg.ID.String(), Channel: channel, Timestamp: now.Unix()}
	if key, ok := r.channels.Get(channel); ok {
		inner, err := json.Marshal(messagePayload{ID: msg.ID.String(), Content: content, Timestamp: now.Unix()})
		if err != nil {
			return nil, err
		}
		sealed, err := key.Seal(inner)
		if err != nil {
			return nil, err
		}
		outer.Sealed = sealed
		r.channels.Touch(channel, now)
	} else {
		outer.Content = content
	}

	body, err := json.Marshal(outer)
	if err != nil {
		return nil, err
	}

	flags := wire.Flags(0)
	if len(outer.Sealed) > 0 {
		flags |= wire.FlagEncrypted
	}
	return r.originate(msg, body, flags)
}

// Join marks channel joined and, if password is non-empty, derives and
// stores its ChannelKey. salt is the out-of-band salt from an existing
// member; pass a zero salt to establish a brand-new channel.
func (r *Router) Join(channel, password string, salt [channelkey.SaltSize]byte, kdf channelkey.KDF, now time.Time) error {
	r.mu.Lock()
	r.joined[channel] = true
	r.mu.Unlock()

	if password != "" {
		key, err := channelkey.Derive(channel, password, salt, kdf, now)
		if err != nil {
			return err
		}
		r.channels.Put(key)
	}

	r.emitSystem(channel, fmt.Sprintf("%s joined %s", r.ownNickname, channel), now)
	return nil
}

func (r *Router) Leave(channel string, now time.Time) {
	r.mu.Lock()
	delete(r.joined, channel)
	r.mu.Unlock()
	r.channels.Leave(channel)
	r.emitSystem(channel, fmt.Sprintf("%s left %s", r.ownNickname, channel), now)
}

func (r *Router) History(scope Scope, limit int) []*Message  { return r.store.History(scope, limit) }
func (r *Router) Search(substr string, limit int) []*Message { return r.store.Search(substr, limit) }

func (r *Router) NicknameOf(peer identity.PeerID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nicknames[peer]
	return n, ok
}

// --- inbound dispatch (spec.md §4.7) ---

// HandleInboundFrame dispatches a decoded Frame that the Forwarder has
// decided targets the local host, by type. Noise* frames are never
// passed here — the mesh dispatcher routes them straight to the
// Session map, bypassing the Store entirely.
func (r *Router) HandleInboundFrame(f *wire.Frame, now time.Time) error {
	switch f.Type {
	case wire.TypeAnnounce:
		return r.handleAnnounce(f)
	case wire.TypeMessage:
		return r.handleMessage(f, now)
	case wire.TypeDeliveryAck:
		return r.handleDeliveryAck(f)
	case wire.TypeChannelJoin:
		return r.handleChannelEvent(f, now, "joined")
	case wire.TypeChannelLeave:
		return r.handleChannelEvent(f, now, "left")
	case wire.TypeChannelList:
		return r.handleChannelList(f, now)
	default:
		return nil
	}
}

func (r *Router) handleAnnounce(f *wire.Frame) error {
	var p announcePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil // malformed Announce payloads are dropped silently, not fatal
	}
	peer := peerIDFromWire(f.SenderID)
	r.mu.Lock()
	r.nicknames[peer] = p.Nickname
	r.mu.Unlock()
	return nil
}

func (r *Router) handleMessage(f *wire.Frame, now time.Time) error {
	var outer messagePayload
	if err := json.Unmarshal(f.Payload, &outer); err != nil {
		return nil // malformed Message payloads are dropped, not fatal
	}

	content := outer.Content
	opaque := false
	if len(outer.Sealed) > 0 {
		key, ok := r.channels.Get(outer.Channel)
		if !ok {
			opaque = true
		} else {
			plain, err := key.Open(outer.Sealed)
			if err != nil {
				opaque = true
			} else {
				var inner messagePayload
				if err := json.Unmarshal(plain, &inner); err != nil {
					opaque = true
				} else {
					content = inner.Content
				}
			}
		}
		if opaque && r.metrics != nil {
			r.metrics.ChannelDecryptFailures.Inc()
		}
	}

	id, err := uuid.Parse(outer.ID)
	if err != nil {
		id = uuid.New()
	}

	scope := Scope{Kind: ScopeBroadcast}
	switch {
	case outer.Channel != "":
		scope = Scope{Kind: ScopeChannel, Channel: outer.Channel}
	case f.Flags.Has(wire.FlagRecipient):
		scope = Scope{Kind: ScopePrivate, Peer: peerIDFromWire(f.RecipientID)}
	}

	msg := &Message{
		ID:        id,
		SenderID:  peerIDFromWire(f.SenderID),
		Content:   content,
		Scope:     scope,
		TTL:       f.TTL,
		Timestamp: now,
		Status:    StatusDelivered,
		Opaque:    opaque,
	}
	if nick, ok := r.NicknameOf(msg.SenderID); ok {
		msg.SenderNickname = nick
	}
	r.store.Insert(msg)

	if f.Flags.Has(wire.FlagRecipient) && peerIDFromWire(f.RecipientID) == r.ownID && scope.Kind == ScopePrivate {
		r.sendDeliveryAck(msg.SenderID, id, now)
	}
	return nil
}

func (r *Router) sendDeliveryAck(to identity.PeerID, ackedID uuid.UUID, now time.Time) {
	payload, err := json.Marshal(deliveryAckPayload{MessageID: ackedID.String(), Status: string(DeliveryDelivered), Timestamp: now.Unix()})
	if err != nil {
		return
	}
	f := &wire.Frame{
		Version:     wire.Version,
		Type:        wire.TypeDeliveryAck,
		TTL:         wire.MaxTTL,
		Timestamp:   uint64(now.Unix()),
		Flags:       wire.FlagRecipient,
		SenderID:    peerIDToWire(r.ownID),
		RecipientID: peerIDToWire(to),
		Payload:     payload,
	}
	encoded, err := wire.Encode(f)
	if err != nil {
		return
	}
	r.out.Originate(forwarder.FrameKey(f), encoded)
}

func (r *Router) handleDeliveryAck(f *wire.Frame) error {
	var p deliveryAckPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil
	}
	id, err := uuid.Parse(p.MessageID)
	if err != nil {
		return nil
	}
	r.store.UpdateDeliveryStatus(id, DeliveryDelivered)
	return nil
}

func (r *Router) handleChannelEvent(f *wire.Frame, now time.Time, verb string) error {
	var p channelPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil
	}
	nick, ok := r.NicknameOf(peerIDFromWire(f.SenderID))
	if !ok {
		nick = peerIDFromWire(f.SenderID).String()
	}
	r.emitSystem(p.Channel, fmt.Sprintf("%s %s %s", nick, verb, p.Channel), now)
	return nil
}

// handleChannelList merges a peer's announced channel list into the
// local channel directory and emits a single System notice, per
// spec.md §4.7's "ChannelList: mutate the channel directory; emit a
// synthetic System message locally for UI context."
func (r *Router) handleChannelList(f *wire.Frame, now time.Time) error {
	var channels []string
	if err := json.Unmarshal(f.Payload, &channels); err != nil {
		return nil
	}

	r.mu.Lock()
	for _, ch := range channels {
		if ch != "" {
			r.known[ch] = true
		}
	}
	r.mu.Unlock()

	if len(channels) == 0 {
		return nil
	}
	nick, ok := r.NicknameOf(peerIDFromWire(f.SenderID))
	if !ok {
		nick = peerIDFromWire(f.SenderID).String()
	}
	r.emitSystem("", fmt.Sprintf("%s announced channels: %s", nick, strings.Join(channels, ", ")), now)
	return nil
}

// KnownChannels returns every channel name ever seen in a ChannelList
// or locally joined, for UI discovery purposes.
func (r *Router) KnownChannels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.known)+len(r.joined))
	seen := make(map[string]bool, len(out))
	for ch := range r.known {
		if !seen[ch] {
			seen[ch] = true
			out = append(out, ch)
		}
	}
	for ch := range r.joined {
		if !seen[ch] {
			seen[ch] = true
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Router) emitSystem(channel, content string, now time.Time) {
	r.store.Insert(&Message{
		ID:        uuid.New(),
		SenderID:  r.ownID,
		Content:   content,
		Scope:     Scope{Kind: ScopeChannel, Channel: channel},
		Timestamp: now,
		Status:    StatusDelivered,
		System:    true,
	})
}

// --- helpers ---

func (r *Router) stamp(content string, scope Scope, now time.Time) *Message {
	return &Message{
		ID:             uuid.New(),
		SenderID:       r.ownID,
		SenderNickname: r.ownNickname,
		Content:        content,
		Scope:          scope,
		TTL:            wire.MaxTTL,
		Timestamp:      now,
		Status:         StatusSending,
	}
}

func (r *Router) originate(msg *Message, payload []byte, flags wire.Flags) (*Message, error) {
	return r.originateWithRecipient(msg, payload, identity.PeerID{}, flags)
}

func (r *Router) originateWithRecipient(msg *Message, payload []byte, recipient identity.PeerID, flags wire.Flags) (*Message, error) {
	if msg.Scope.Kind == ScopePrivate {
		flags |= wire.FlagRecipient
	}
	f := &wire.Frame{
		Version:   wire.Version,
		Type:      wire.TypeMessage,
		TTL:       msg.TTL,
		Timestamp: uint64(msg.Timestamp.Unix()),
		Flags:     flags,
		SenderID:  peerIDToWire(r.ownID),
		Payload:   payload,
	}
	if flags.Has(wire.FlagRecipient) {
		f.RecipientID = peerIDToWire(recipient)
	}

	encoded, err := wire.Encode(f)
	if err != nil {
		msg.Status = StatusFailed
		r.store.Insert(msg)
		return msg, fmt.Errorf("%w: %v", ErrPayloadTooLarge, err)
	}

	// The SeenSet dedups by forwarder.FrameKey, not by Message.ID —
	// priming it with anything else would let our own relayed frame
	// echo straight back as if it were new.
	attempted := r.out.Originate(forwarder.FrameKey(f), encoded)
	if attempted > 0 {
		msg.Status = StatusSent
	} else {
		msg.Status = StatusFailed
	}
	r.store.Insert(msg)
	return msg, nil
}

func peerIDFromWire(b [wire.PeerIDSize]byte) identity.PeerID {
	var p identity.PeerID
	copy(p[:], b[:])
	return p
}

func peerIDToWire(p identity.PeerID) [wire.PeerIDSize]byte {
	var b [wire.PeerIDSize]byte
	copy(b[:], p[:])
	return b
}
