// Package identity owns the local peer's ephemeral PeerId and
// long-term signing keypair, and caches the last-known fingerprint for
// every remote peer we've completed a session with. Fingerprints are
// only ever updated from an authenticated Session — never from an
// unauthenticated Announce payload.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
)

// PeerIDSize matches wire.PeerIDSize; duplicated as a constant here to
// avoid identity depending on the wire package for a single integer.
const PeerIDSize = 8

type PeerID [PeerIDSize]byte

func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

// Less implements the tie-break ordering spec.md §4.3 uses to decide
// which side of a simultaneous handshake remains initiator: the peer
// with the lexicographically smaller PeerId.
func (p PeerID) Less(other PeerID) bool {
	for i := range p {
		if p[i] != other[i] {
			return p[i] < other[i]
		}
	}
	return false
}

// Fingerprint is the hex-encoded SHA-256 digest of a peer's long-term
// Ed25519 public key — the only trust anchor visible to the user.
type Fingerprint string

func fingerprintOf(pub ed25519.PublicKey) Fingerprint {
	sum := sha256.Sum256(pub)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Keyring generates the local identity at construction time and tracks
// fingerprints observed from completed sessions.
type Keyring struct {
	id PeerID

	pub  ed25519.PublicKey
	priv ed25519.PrivateKey

	mu           sync.RWMutex
	fingerprints map[PeerID]Fingerprint
}

// NewKeyring generates a fresh PeerId and signing keypair via the
// supplied RNG (normally crypto/rand.Reader; tests may substitute a
// deterministic source per spec.md §9's call to make RNG an explicit
// parameter). A nil rng defaults to crypto/rand.Reader.
func NewKeyring(rng io.Reader) (*Keyring, error) {
	if rng == nil {
		rng = rand.Reader
	}

	var id PeerID
	if _, err := io.ReadFull(rng, id[:]); err != nil {
		return nil, fmt.Errorf("identity: generate peer id: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}

	return &Keyring{
		id:           id,
		pub:          pub,
		priv:         priv,
		fingerprints: make(map[PeerID]Fingerprint),
	}, nil
}

// FromSeed rebuilds a Keyring from a previously Exported PeerId and
// Ed25519 seed, the way the teacher's IpcSetOperation rebuilds a
// NoisePrivateKey from a hex line in a saved config (device/uapi.go's
// "private_key=" case) rather than generating fresh key material.
func FromSeed(id PeerID, seed []byte) (*Keyring, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keyring{
		id:           id,
		pub:          priv.Public().(ed25519.PublicKey),
		priv:         priv,
		fingerprints: make(map[PeerID]Fingerprint),
	}, nil
}

// Seed returns the Ed25519 seed backing this Keyring's signing key, for
// persistence via FromSeed.
func (k *Keyring) Seed() []byte { return k.priv.Seed() }

func (k *Keyring) OwnID() PeerID { return k.id }

func (k *Keyring) OwnFingerprint() Fingerprint { return fingerprintOf(k.pub) }

func (k *Keyring) PublicKey() ed25519.PublicKey { return k.pub }

func (k *Keyring) Sign(msg []byte) []byte { return ed25519.Sign(k.priv, msg) }

// Remember records peer's fingerprint, derived from an authenticated
// source (a completed Session), overwriting any prior value.
func (k *Keyring) Remember(peer PeerID, fp Fingerprint) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.fingerprints[peer] = fp
}

func (k *Keyring) FingerprintOf(peer PeerID) (Fingerprint, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	fp, ok := k.fingerprints[peer]
	return fp, ok
}

// Verify reports whether the cached fingerprint for peer matches
// expected. A peer we have never completed a session with never
// verifies.
func (k *Keyring) Verify(peer PeerID, expected Fingerprint) bool {
	fp, ok := k.FingerprintOf(peer)
	return ok && fp == expected
}
