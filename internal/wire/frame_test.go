package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFrame() *Frame {
	f := &Frame{
		Version:   Version,
		Type:      TypeMessage,
		TTL:       5,
		Timestamp: 1700000000,
		Flags:     FlagRecipient | FlagSignature | 0xF0, // reserved high nibble set
		Payload:   []byte("hello mesh"),
	}
	for i := range f.SenderID {
		f.SenderID[i] = byte(0x10 + i)
	}
	for i := range f.RecipientID {
		f.RecipientID[i] = byte(0x20 + i)
	}
	for i := range f.Signature {
		f.Signature[i] = byte(i)
	}
	return f
}

func TestRoundTrip(t *testing.T) {
	f := sampleFrame()
	b, err := Encode(f)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)

	assert.Equal(t, f.Version, got.Version)
	assert.Equal(t, f.Type, got.Type)
	assert.Equal(t, f.TTL, got.TTL)
	assert.Equal(t, f.Timestamp, got.Timestamp)
	assert.Equal(t, f.Flags, got.Flags, "reserved high nibble must round-trip unchanged")
	assert.Equal(t, f.SenderID, got.SenderID)
	assert.Equal(t, f.RecipientID, got.RecipientID)
	assert.Equal(t, f.Payload, got.Payload)
	assert.Equal(t, f.Signature, got.Signature)
}

func TestRoundTripNoOptionalFields(t *testing.T) {
	f := &Frame{
		Version:   Version,
		Type:      TypeAnnounce,
		TTL:       1,
		Timestamp: 42,
		Flags:     0,
		Payload:   []byte(`{"nickname":"a"}`),
	}
	b, err := Encode(f)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.False(t, got.Flags.Has(FlagRecipient))
	assert.False(t, got.Flags.Has(FlagSignature))
	assert.Equal(t, f.Payload, got.Payload)
}

func TestSizeCeiling(t *testing.T) {
	f := sampleFrame()
	f.Payload = make([]byte, 600)
	_, err := Encode(f)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDecodeBadVersion(t *testing.T) {
	f := sampleFrame()
	b, err := Encode(f)
	require.NoError(t, err)
	b[0] = Version + 1
	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestDecodeShortHeader(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortHeader)
}

func TestDecodeTruncatedPayload(t *testing.T) {
	f := sampleFrame()
	b, err := Encode(f)
	require.NoError(t, err)
	// Cut through the signature and 5 bytes into the payload.
	_, err = Decode(b[:len(b)-SignatureSize-5])
	assert.Error(t, err)
}

func TestDecodeTrailingBytes(t *testing.T) {
	f := sampleFrame()
	b, err := Encode(f)
	require.NoError(t, err)
	b = append(b, 0xFF)
	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrTrailingBytes)
}

func TestRelayable(t *testing.T) {
	assert.True(t, TypeMessage.Relayable())
	assert.True(t, TypeAnnounce.Relayable())
	assert.False(t, TypeNoiseInit.Relayable())
	assert.False(t, TypeNoiseResponse.Relayable())
	assert.False(t, TypeNoiseFinish.Relayable())
}
