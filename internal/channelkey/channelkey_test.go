package channelkey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSealOpenRoundTrip(t *testing.T) {
	now := time.Now()
	var zeroSalt [SaltSize]byte

	k, err := Derive("#general", "hunter2", zeroSalt, KDFArgon2id, now)
	require.NoError(t, err)
	assert.NotEqual(t, zeroSalt, k.Salt, "a salt must be generated when none is supplied")

	sealed, err := k.Seal([]byte("hello channel"))
	require.NoError(t, err)

	plain, err := k.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello channel"), plain)
}

func TestOpenWithWrongPasswordFails(t *testing.T) {
	now := time.Now()
	var salt [SaltSize]byte
	copy(salt[:], []byte("a fixed salt for this test-----"))

	k1, err := Derive("#general", "correct horse", salt, KDFArgon2id, now)
	require.NoError(t, err)
	k2, err := Derive("#general", "wrong password", salt, KDFArgon2id, now)
	require.NoError(t, err)

	sealed, err := k1.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = k2.Open(sealed)
	assert.ErrorIs(t, err, ErrWrongKey)
}

func TestPBKDF2FallbackProducesUsableKey(t *testing.T) {
	now := time.Now()
	var zeroSalt [SaltSize]byte

	k, err := Derive("#slow-device", "password123", zeroSalt, KDFPBKDF2, now)
	require.NoError(t, err)

	sealed, err := k.Seal([]byte("fallback path"))
	require.NoError(t, err)
	plain, err := k.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("fallback path"), plain)
}

func TestSamePasswordAndSaltDeriveSameKey(t *testing.T) {
	now := time.Now()
	var salt [SaltSize]byte
	copy(salt[:], []byte("deterministic-salt-for-testing-"))

	a, err := Derive("#x", "pw", salt, KDFArgon2id, now)
	require.NoError(t, err)
	b, err := Derive("#x", "pw", salt, KDFArgon2id, now)
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("msg"))
	require.NoError(t, err)
	plain, err := b.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("msg"), plain)
}

func TestStoreEvictsIdleChannels(t *testing.T) {
	s := NewStore()
	now := time.Now()
	var salt [SaltSize]byte

	k, err := Derive("#idle", "pw", salt, KDFArgon2id, now)
	require.NoError(t, err)
	s.Put(k)

	evicted := s.Evict(now.Add(25*time.Hour), 24*time.Hour)
	assert.Equal(t, []string{"#idle"}, evicted)

	_, ok := s.Get("#idle")
	assert.False(t, ok)
}

func TestStoreTouchPreventsEviction(t *testing.T) {
	s := NewStore()
	now := time.Now()
	var salt [SaltSize]byte

	k, err := Derive("#active", "pw", salt, KDFArgon2id, now)
	require.NoError(t, err)
	s.Put(k)

	later := now.Add(23 * time.Hour)
	s.Touch("#active", later)

	evicted := s.Evict(later.Add(23*time.Hour), 24*time.Hour)
	assert.Empty(t, evicted)
}
