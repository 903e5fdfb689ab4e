// Package channelkey implements the Channel Keystore (C4): deriving a
// 32-byte channel key from a password and salt, and sealing/opening
// channel payloads under it with AEAD. spec.md §4.4 flags the source
// system's naked XOR-of-password-hash as insecure and calls for an AEAD
// replacement; this package is that replacement, with Argon2id as the
// default password-hardening KDF and PBKDF2-HMAC-SHA-256 (≥100,000
// iterations) as the documented fallback per SPEC_FULL.md §4.4.1. The
// teacher has no channel-password concept of its own — there is no
// "the source" to adapt here beyond its general preference for the
// golang.org/x/crypto suite for anything cryptographic — so this is
// built from the x/crypto argon2 and pbkdf2 packages directly.
package channelkey

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize = 32
	KeySize  = 32

	// Argon2id parameters: time=1 pass, 64 MiB memory, 4 lanes —
	// conservative enough to run comfortably on a phone-class device
	// per spec.md's mesh deployment target, while still costing an
	// attacker meaningfully more than a bare SHA-256 guess loop.
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4

	pbkdf2MinIterations = 100_000
)

// KDF selects the password-hardening function used to derive a channel
// key, per spec.md §4.4's "Argon2id preferred; PBKDF2 ... acceptable".
type KDF string

const (
	KDFArgon2id KDF = "argon2id"
	KDFPBKDF2   KDF = "pbkdf2"
)

var (
	// ErrWrongKey is returned by Open on any AEAD authentication
	// failure. Per spec.md §4.4 it is deliberately indistinguishable
	// from "not a member of this channel".
	ErrWrongKey     = errors.New("channelkey: decryption failed (wrong key or not a member)")
	ErrUnknownKDF   = errors.New("channelkey: unrecognized KDF name")
	ErrShortNonce   = errors.New("channelkey: ciphertext shorter than the nonce prefix")
	ErrShortPayload = errors.New("channelkey: salt missing or truncated")
)

// Key is the derived 32-byte key material for one channel, plus the
// bookkeeping spec.md's data model requires: the salt that produced it
// (so it can be handed to new members out-of-band) and the created/
// last-used instants that govern idle eviction.
type Key struct {
	Channel   string
	Salt      [SaltSize]byte
	raw       [KeySize]byte
	CreatedAt time.Time
	LastUsed  time.Time
}

// Derive produces a Key for channel from password and salt using kdf.
// Pass a zero salt to have one generated (the "first time a password
// is set for a channel" case in spec.md §4.4); callers must persist the
// returned Key.Salt for anyone joining later.
func Derive(channel, password string, salt [SaltSize]byte, kdf KDF, now time.Time) (*Key, error) {
	if isZeroSalt(salt) {
		if _, err := rand.Read(salt[:]); err != nil {
			return nil, fmt.Errorf("channelkey: generate salt: %w", err)
		}
	}

	var raw [KeySize]byte
	switch kdf {
	case KDFArgon2id, "":
		copy(raw[:], argon2.IDKey([]byte(password), salt[:], argon2Time, argon2Memory, argon2Threads, KeySize))
	case KDFPBKDF2:
		copy(raw[:], pbkdf2.Key([]byte(password), salt[:], pbkdf2MinIterations, KeySize, sha256.New))
	default:
		return nil, ErrUnknownKDF
	}

	return &Key{
		Channel:   channel,
		Salt:      salt,
		raw:       raw,
		CreatedAt: now,
		LastUsed:  now,
	}, nil
}

func isZeroSalt(salt [SaltSize]byte) bool {
	for _, b := range salt {
		if b != 0 {
			return false
		}
	}
	return true
}

// Seal encrypts plaintext under k with a fresh random 96-bit nonce,
// prefixed to the returned ciphertext per spec.md §4.4.
func (k *Key) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k.raw[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a nonce-prefixed ciphertext produced by Seal. Any
// failure — wrong key, wrong channel, corrupted frame — surfaces as
// ErrWrongKey, never a more specific reason, per spec.md §4.4.
func (k *Key) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, ErrWrongKey
	}
	aead, err := chacha20poly1305.New(k.raw[:])
	if err != nil {
		return nil, ErrWrongKey
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongKey
	}
	return plain, nil
}

// Store is the keyring of channels the local peer has joined with a
// password, keyed by channel name. It enforces the idle-eviction
// invariant from spec.md's data model: LastUsed >= CreatedAt always,
// and Evict removes entries idle past horizon.
type Store struct {
	mu       sync.RWMutex
	channels map[string]*Key
}

func NewStore() *Store {
	return &Store{channels: make(map[string]*Key)}
}

func (s *Store) Put(k *Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[k.Channel] = k
}

func (s *Store) Get(channel string) (*Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.channels[channel]
	return k, ok
}

// Touch refreshes a channel's LastUsed instant, called whenever a
// message is sealed or opened under it.
func (s *Store) Touch(channel string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.channels[channel]; ok {
		k.LastUsed = now
	}
}

// Evict drops every channel whose key has been idle longer than
// horizon, returning the removed channel names.
func (s *Store) Evict(now time.Time, horizon time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for name, k := range s.channels {
		if now.Sub(k.LastUsed) > horizon {
			delete(s.channels, name)
			evicted = append(evicted, name)
		}
	}
	return evicted
}

func (s *Store) Leave(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channel)
}
