package mesh

import (
	"encoding/json"

	"github.com/aw-mesh/meshd/internal/control"
	"github.com/aw-mesh/meshd/internal/forwarder"
	"github.com/aw-mesh/meshd/internal/identity"
	"github.com/aw-mesh/meshd/internal/neighbor"
	"github.com/aw-mesh/meshd/internal/noise"
	"github.com/aw-mesh/meshd/internal/wire"
)

type announcePayload struct {
	Nickname  string `json:"nickname"`
	Timestamp int64  `json:"timestamp"`
}

// onLinkUp fires once transport.Link is open, per spec.md §4.5. No
// PeerId is known yet, so the only thing to do is announce ourselves
// and start reading; the handshake begins once an Announce names the
// peer on the other end.
func (c *Core) onLinkUp(n *neighbor.Neighbor) {
	c.sendAnnounce(n)
	go c.readLoop(n)
}

func (c *Core) onLinkDown(handle string, peer identity.PeerID, hadPeerID bool) {
	if hadPeerID {
		c.mu.Lock()
		delete(c.sessions, peer)
		c.mu.Unlock()
		c.emit(control.Event{Kind: control.EventPeerLost, Peer: peer.String()})
	}
}

func (c *Core) onAnnounceDue(n *neighbor.Neighbor) {
	c.sendAnnounce(n)
}

func (c *Core) sendAnnounce(n *neighbor.Neighbor) {
	payload, err := json.Marshal(announcePayload{Nickname: c.cfg.Nickname, Timestamp: c.clock().Unix()})
	if err != nil {
		return
	}
	f := &wire.Frame{
		Version:   wire.Version,
		Type:      wire.TypeAnnounce,
		TTL:       wire.MaxTTL,
		Timestamp: uint64(c.clock().Unix()),
		SenderID:  [identity.PeerIDSize]byte(c.keyring.OwnID()),
		Payload:   payload,
	}
	encoded, err := wire.Encode(f)
	if err != nil {
		return
	}
	_ = n.Link.Write(encoded)
}

func (c *Core) readLoop(n *neighbor.Neighbor) {
	for raw := range n.Link.Reads() {
		c.handleInboundBytes(n, raw)
	}
	c.neighbors.HandleLinkDown(n.Handle)
}

func (c *Core) handleInboundBytes(n *neighbor.Neighbor, raw []byte) {
	f, err := wire.Decode(raw)
	if err != nil {
		return // Codec error: drop frame (spec.md §7)
	}

	switch f.Type {
	case wire.TypeAnnounce:
		c.handleAnnounceFrame(n, f)
		return
	case wire.TypeNoiseInit, wire.TypeNoiseResponse, wire.TypeNoiseFinish:
		c.handleNoiseFrame(n, f)
		return
	}

	sender := identity.PeerID(f.SenderID)
	blocked := c.neighbors.IsBlocked(sender)
	targetsMe := !f.Flags.Has(wire.FlagRecipient) || identity.PeerID(f.RecipientID) == c.keyring.OwnID()

	decision := c.forwarder.InboundDecision(f, c.clock(), blocked, targetsMe, c.relayTargets(n.Handle))
	if decision.Duplicate {
		return
	}

	if decision.DeliverLocally {
		c.deliverLocally(f, sender)
	}

	if len(decision.RelayTo) > 0 {
		c.relayOnward(f, decision.RelayTo)
	}
}

// deliverLocally hands a frame the Forwarder decided targets this host
// to the Router, decrypting private-message payloads through the
// sender's Session first — the Router never touches Session state
// itself (store.Outbound is the only crossing point the other way).
func (c *Core) deliverLocally(f *wire.Frame, sender identity.PeerID) {
	if f.Type == wire.TypeMessage && f.Flags.Has(wire.FlagRecipient) && f.Flags.Has(wire.FlagEncrypted) {
		c.mu.Lock()
		s, ok := c.sessions[sender]
		c.mu.Unlock()
		if !ok || s.State() != noise.StateEstablished {
			return // Crypto error: no session to decrypt with, drop silently (spec.md §7)
		}
		plain, err := s.Decrypt(f.Payload)
		if err != nil {
			return // nonce replay or auth failure already marked the session Failed
		}
		decrypted := *f
		decrypted.Payload = plain
		f = &decrypted
	}

	_ = c.router.HandleInboundFrame(f, c.clock())
	if f.Type == wire.TypeMessage {
		c.emit(control.Event{Kind: control.EventMessageReceived, Peer: sender.String()})
	}
}

// relayOnward decrements TTL (the Forwarder never touches TTL itself)
// and re-encodes before handing the frame to the chosen targets.
func (c *Core) relayOnward(f *wire.Frame, targets []forwarder.RelayTarget) {
	relayed := *f
	relayed.TTL--
	encoded, err := wire.Encode(&relayed)
	if err != nil {
		return
	}
	attempted, failed := forwarder.Relay(encoded, targets)
	_ = attempted
	_ = failed
}

func (c *Core) handleAnnounceFrame(n *neighbor.Neighbor, f *wire.Frame) {
	var p announcePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return
	}
	sender := identity.PeerID(f.SenderID)
	c.neighbors.UpsertAnnounce(n.Handle, sender, p.Nickname)
	_ = c.router.HandleInboundFrame(f, c.clock())

	c.mu.Lock()
	_, hasSession := c.sessions[sender]
	c.mu.Unlock()
	if hasSession || c.neighbors.IsBlocked(sender) {
		return
	}

	if c.keyring.OwnID().Less(sender) {
		c.beginHandshake(n, sender)
	}
	// Otherwise we wait: the peer with the smaller PeerId initiates,
	// per spec.md §4.3's tie-break rule.
}

func (c *Core) beginHandshake(n *neighbor.Neighbor, remote identity.PeerID) {
	s := noise.NewInitiator(c.keyring, remote)
	c.mu.Lock()
	c.sessions[remote] = s
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.HandshakesStarted.Inc()
	}

	msg, err := s.CreateInit()
	if err != nil {
		c.failSession(remote)
		return
	}
	c.sendHandshake(n, wire.TypeNoiseInit, msg)
}

func (c *Core) handleNoiseFrame(n *neighbor.Neighbor, f *wire.Frame) {
	sender := identity.PeerID(f.SenderID)
	if !c.limiter.Allow(sender) {
		return // handshake-flood guard, SPEC_FULL.md §4.5.1
	}

	switch f.Type {
	case wire.TypeNoiseInit:
		c.handleNoiseInit(n, sender, f.Payload)
	case wire.TypeNoiseResponse:
		c.handleNoiseResponse(n, sender, f.Payload)
	case wire.TypeNoiseFinish:
		c.handleNoiseFinish(n, sender, f.Payload)
	}
}

func (c *Core) handleNoiseInit(n *neighbor.Neighbor, sender identity.PeerID, payload []byte) {
	c.mu.Lock()
	existing, ok := c.sessions[sender]
	c.mu.Unlock()

	if ok && existing.IsInitiator() && c.keyring.OwnID().Less(sender) {
		// We are the rightful initiator per the tie-break rule; ignore
		// the peer's competing Init and let ours proceed.
		return
	}

	s := noise.NewResponder(c.keyring, sender)
	if err := s.ConsumeInit(payload); err != nil {
		return
	}
	c.mu.Lock()
	c.sessions[sender] = s
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.HandshakesStarted.Inc()
	}

	msg, err := s.CreateResponse()
	if err != nil {
		c.failSession(sender)
		return
	}
	c.sendHandshake(n, wire.TypeNoiseResponse, msg)
}

func (c *Core) handleNoiseResponse(n *neighbor.Neighbor, sender identity.PeerID, payload []byte) {
	c.mu.Lock()
	s, ok := c.sessions[sender]
	c.mu.Unlock()
	if !ok {
		return
	}

	fp, err := s.ConsumeResponse(payload)
	if err != nil {
		c.failSession(sender)
		return
	}

	msg, err := s.CreateFinish()
	if err != nil {
		c.failSession(sender)
		return
	}
	c.sendHandshake(n, wire.TypeNoiseFinish, msg)
	c.onSessionEstablished(n, sender, fp)
}

func (c *Core) handleNoiseFinish(n *neighbor.Neighbor, sender identity.PeerID, payload []byte) {
	c.mu.Lock()
	s, ok := c.sessions[sender]
	c.mu.Unlock()
	if !ok {
		return
	}

	fp, err := s.ConsumeFinish(payload)
	if err != nil {
		c.failSession(sender)
		return
	}
	c.onSessionEstablished(n, sender, fp)
}

func (c *Core) onSessionEstablished(n *neighbor.Neighbor, peer identity.PeerID, fp identity.Fingerprint) {
	c.keyring.Remember(peer, fp)
	c.neighbors.BindPeerID(n.Handle, peer)
	c.neighbors.ResetBackoff(n.Handle)
	if c.metrics != nil {
		c.metrics.HandshakesEstablished.Inc()
	}
	c.emit(control.Event{Kind: control.EventSessionEstablished, Peer: peer.String(), Fingerprint: string(fp)})
}

func (c *Core) failSession(peer identity.PeerID) {
	c.mu.Lock()
	delete(c.sessions, peer)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.HandshakesFailed.Inc()
	}
	c.emit(control.Event{Kind: control.EventError, ErrorKind: "session.failed", Peer: peer.String()})
}

func (c *Core) sendHandshake(n *neighbor.Neighbor, t wire.Type, payload []byte) {
	f := &wire.Frame{
		Version:   wire.Version,
		Type:      t,
		TTL:       1,
		Timestamp: uint64(c.clock().Unix()),
		SenderID:  [identity.PeerIDSize]byte(c.keyring.OwnID()),
		Payload:   payload,
	}
	encoded, err := wire.Encode(f)
	if err != nil {
		return
	}
	_ = n.Link.Write(encoded)
}
