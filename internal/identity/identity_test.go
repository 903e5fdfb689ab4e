package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyringUniqueness(t *testing.T) {
	a, err := NewKeyring(nil)
	require.NoError(t, err)
	b, err := NewKeyring(nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.OwnID(), b.OwnID())
	assert.NotEqual(t, a.OwnFingerprint(), b.OwnFingerprint())
}

func TestRememberAndVerify(t *testing.T) {
	k, err := NewKeyring(nil)
	require.NoError(t, err)

	var peer PeerID
	peer[0] = 0x42

	_, ok := k.FingerprintOf(peer)
	assert.False(t, ok)
	assert.False(t, k.Verify(peer, "deadbeef"))

	k.Remember(peer, "deadbeef")
	fp, ok := k.FingerprintOf(peer)
	assert.True(t, ok)
	assert.Equal(t, Fingerprint("deadbeef"), fp)
	assert.True(t, k.Verify(peer, "deadbeef"))
	assert.False(t, k.Verify(peer, "wrong"))
}

func TestPeerIDLessTieBreak(t *testing.T) {
	a := PeerID{0x01}
	b := PeerID{0x02}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))
}
