package noise

import (
	"crypto/hmac"
	"crypto/subtle"
	"hash"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// The HKDF-like chain from the WireGuard whitepaper, built on HMAC-BLAKE2s.

func hmacBlake2s(sum *[blake2s.Size]byte, key []byte, inputs ...[]byte) {
	mac := hmac.New(func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	}, key)
	for _, in := range inputs {
		mac.Write(in)
	}
	mac.Sum(sum[:0])
}

func kdf1(t0 *[blake2s.Size]byte, key, input []byte) {
	hmacBlake2s(t0, key, input)
	hmacBlake2s(t0, t0[:], []byte{0x1})
}

func kdf2(t0, t1 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmacBlake2s(&prk, key, input)
	hmacBlake2s(t0, prk[:], []byte{0x1})
	hmacBlake2s(t1, prk[:], t0[:], []byte{0x2})
	setZero(prk[:])
}

func kdf3(t0, t1, t2 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmacBlake2s(&prk, key, input)
	hmacBlake2s(t0, prk[:], []byte{0x1})
	hmacBlake2s(t1, prk[:], t0[:], []byte{0x2})
	hmacBlake2s(t2, prk[:], t1[:], []byte{0x3})
	setZero(prk[:])
}

func mixHash(dst *[blake2s.Size]byte, h *[blake2s.Size]byte, data []byte) {
	hasher, _ := blake2s.New256(nil)
	hasher.Write(h[:])
	hasher.Write(data)
	hasher.Sum(dst[:0])
}

func mixKey(dst, c *[blake2s.Size]byte, data []byte) {
	kdf1(dst, c[:], data)
}

// mixPSK folds the pre-shared key into the chain per Noise_IKpsk2: the psk
// is the KDF input, not the key.
func mixPSK(chainKey, h *[blake2s.Size]byte, key *[chacha20poly1305.KeySize]byte, psk [32]byte) {
	var tau [blake2s.Size]byte
	kdf3(chainKey, &tau, (*[blake2s.Size]byte)(key), chainKey[:], psk[:])
	mixHash(h, h, tau[:])
	setZero(tau[:])
}

func setZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func isZero(b []byte) bool {
	acc := 1
	for _, v := range b {
		acc &= subtle.ConstantTimeByteEq(v, 0)
	}
	return acc == 1
}
