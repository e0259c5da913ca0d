// Package wgkey provides Curve25519 key types for the WGX relay.
package wgkey

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the size of a Curve25519 key in bytes.
const KeySize = 32

var (
	// ErrInvalidKeyLength is returned when a decoded key has the wrong length.
	ErrInvalidKeyLength = errors.New("invalid key length: expected 32 bytes")

	// ErrInvalidBase64 is returned when a key string is not valid base64.
	ErrInvalidBase64 = errors.New("invalid base64 key")
)

// PrivateKey is a Curve25519 private (static or ephemeral) key.
type PrivateKey [KeySize]byte

// PublicKey is a Curve25519 public key identifying a peer.
type PublicKey [KeySize]byte

// PresharedKey is an optional 32-byte symmetric key mixed into the handshake.
type PresharedKey [KeySize]byte

// GeneratePrivateKey creates a new random private key using crypto/rand.
func GeneratePrivateKey() (PrivateKey, error) {
	var sk PrivateKey
	if _, err := io.ReadFull(rand.Reader, sk[:]); err != nil {
		return sk, fmt.Errorf("failed to generate private key: %w", err)
	}
	sk.clamp()
	return sk, nil
}

// GeneratePresharedKey creates a new random preshared key.
func GeneratePresharedKey() (PresharedKey, error) {
	var psk PresharedKey
	if _, err := io.ReadFull(rand.Reader, psk[:]); err != nil {
		return psk, fmt.Errorf("failed to generate preshared key: %w", err)
	}
	return psk, nil
}

func (sk *PrivateKey) clamp() {
	sk[0] &= 248
	sk[31] = (sk[31] & 127) | 64
}

// PublicKey derives the public key for a private key.
func (sk PrivateKey) PublicKey() PublicKey {
	var pk PublicKey
	out, _ := curve25519.X25519(sk[:], curve25519.Basepoint)
	copy(pk[:], out)
	return pk
}

// SharedSecret computes the X25519 shared secret with a peer's public key.
func (sk PrivateKey) SharedSecret(pk PublicKey) ([]byte, error) {
	secret, err := curve25519.X25519(sk[:], pk[:])
	if err != nil {
		return nil, fmt.Errorf("X25519 failed: %w", err)
	}
	return secret, nil
}

// ParsePrivateKey parses a base64-encoded private key.
func ParsePrivateKey(s string) (PrivateKey, error) {
	var sk PrivateKey
	if err := parseKey(sk[:], s); err != nil {
		return sk, err
	}
	return sk, nil
}

// ParsePublicKey parses a base64-encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	if err := parseKey(pk[:], s); err != nil {
		return pk, err
	}
	return pk, nil
}

// ParsePresharedKey parses a base64-encoded preshared key.
func ParsePresharedKey(s string) (PresharedKey, error) {
	var psk PresharedKey
	if err := parseKey(psk[:], s); err != nil {
		return psk, err
	}
	return psk, nil
}

func parseKey(dst []byte, s string) error {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBase64, err)
	}
	if len(raw) != KeySize {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(raw))
	}
	copy(dst, raw)
	return nil
}

// String returns the base64 representation of the private key.
func (sk PrivateKey) String() string {
	return base64.StdEncoding.EncodeToString(sk[:])
}

// String returns the base64 representation of the public key.
func (pk PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(pk[:])
}

// String returns the base64 representation of the preshared key.
func (psk PresharedKey) String() string {
	return base64.StdEncoding.EncodeToString(psk[:])
}

// ShortString returns a shortened form of the public key for logging.
func (pk PublicKey) ShortString() string {
	return pk.String()[:8]
}

// IsZero returns true if the key is all zeros.
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

// IsZero returns true if the key is all zeros.
func (sk PrivateKey) IsZero() bool {
	return sk == PrivateKey{}
}

// IsZero returns true if the key is all zeros.
func (psk PresharedKey) IsZero() bool {
	return psk == PresharedKey{}
}

// MarshalText implements encoding.TextMarshaler.
func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (sk PrivateKey) MarshalText() ([]byte, error) {
	return []byte(sk.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (sk *PrivateKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePrivateKey(string(text))
	if err != nil {
		return err
	}
	*sk = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (psk PresharedKey) MarshalText() ([]byte, error) {
	return []byte(psk.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (psk *PresharedKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePresharedKey(string(text))
	if err != nil {
		return err
	}
	*psk = parsed
	return nil
}
