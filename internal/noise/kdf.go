package noise

import (
	"crypto/hmac"
	"hash"

	"golang.org/x/crypto/blake2s"
)

// hmac1 and KDF1/2 are the standard Noise protocol key derivation
// construction (HMAC-based, per the Noise spec's HKDF), instantiated
// over BLAKE2s exactly as the teacher's handshake state machine names
// them (mixKey/mixHash call straight into KDF1/KDF2).

func newBlake2sHMAC(key []byte) hash.Hash {
	return hmac.New(func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	}, key)
}

func hmac1(sum *[blake2s.Size]byte, key, in0 []byte) {
	mac := newBlake2sHMAC(key)
	mac.Write(in0)
	mac.Sum(sum[:0])
}

// KDF1 derives a single 32-byte output from chainKey and input.
func KDF1(t0 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmac1(&prk, key, input)
	hmac1(t0, prk[:], []byte{0x1})
	setZero(prk[:])
}

// KDF2 derives two 32-byte outputs from chainKey and input.
func KDF2(t0, t1 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	var tmp0 [blake2s.Size + 1]byte
	hmac1(&prk, key, input)
	hmac1(t0, prk[:], []byte{0x1})
	copy(tmp0[:blake2s.Size], t0[:])
	tmp0[blake2s.Size] = 0x2
	hmac1(t1, prk[:], tmp0[:])
	setZero(prk[:])
	setZero(tmp0[:])
}

func setZero(arr []byte) {
	for i := range arr {
		arr[i] = 0
	}
}
