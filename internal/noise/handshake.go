package noise

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/tai64n"

	"github.com/wgx-net/wgx/internal/wgkey"
)

// HandshakeState enumerates positions in the Noise_IKpsk2 state machine.
type HandshakeState int

const (
	StateZeroed HandshakeState = iota
	StateInitiationCreated
	StateInitiationConsumed
	StateResponseCreated
	StateResponseConsumed
)

// String returns the state name for logging.
func (s HandshakeState) String() string {
	switch s {
	case StateZeroed:
		return "ZEROED"
	case StateInitiationCreated:
		return "INITIATION_CREATED"
	case StateInitiationConsumed:
		return "INITIATION_CONSUMED"
	case StateResponseCreated:
		return "RESPONSE_CREATED"
	case StateResponseConsumed:
		return "RESPONSE_CONSUMED"
	default:
		return "UNKNOWN"
	}
}

// Handshake holds the state of one Noise_IKpsk2 exchange, in either role.
// A Handshake is short-lived: it exists from the first message until
// DeriveKeypair or expiry, and is driven by one goroutine at a time.
type Handshake struct {
	State HandshakeState

	// Created is when the first message of this exchange was processed,
	// used to expire half-open state after RekeyTimeout.
	Created time.Time

	// RemoteStatic is the peer's identity. For the responder role it is
	// known only after ConsumeInitiation decrypts it.
	RemoteStatic wgkey.PublicKey

	// Timestamp is the TAI64N stamp from the initiation. The caller
	// compares it against the peer's greatest seen stamp to reject
	// replayed initiations.
	Timestamp tai64n.Timestamp

	LocalIndex  uint32
	RemoteIndex uint32

	hash           [blake2s.Size]byte
	chainKey       [blake2s.Size]byte
	localStatic    wgkey.PrivateKey
	localEphemeral wgkey.PrivateKey
	remoteEphem    [32]byte
	presharedKey   wgkey.PresharedKey
	initiator      bool
}

// ConsumeInitiation processes a handshake initiation as the responder for
// the static identity (sk, pk). On success the returned Handshake carries
// the decrypted initiator static key; no session state is installed, so the
// caller can apply its authorization policy before answering.
//
// MAC validation is the caller's job (CookieChecker); this function does
// the Noise work only.
func ConsumeInitiation(sk wgkey.PrivateKey, pk wgkey.PublicKey, msg *MessageInitiation) (*Handshake, error) {
	hs := &Handshake{
		Created:     time.Now(),
		RemoteIndex: msg.Sender,
		localStatic: sk,
	}
	hs.chainKey = initialChainKey
	mixHash(&hs.hash, &initialHash, pk[:])

	copy(hs.remoteEphem[:], msg.Ephemeral[:])
	mixHash(&hs.hash, &hs.hash, hs.remoteEphem[:])
	mixKey(&hs.chainKey, &hs.chainKey, hs.remoteEphem[:])

	// es
	var key [chacha20poly1305.KeySize]byte
	ss, err := curve25519.X25519(sk[:], hs.remoteEphem[:])
	if err != nil {
		return nil, fmt.Errorf("ephemeral DH failed: %w", err)
	}
	kdf2(&hs.chainKey, (*[blake2s.Size]byte)(&key), hs.chainKey[:], ss)

	aead, _ := chacha20poly1305.New(key[:])
	peerStatic, err := aead.Open(nil, zeroNonce[:], msg.Static[:], hs.hash[:])
	if err != nil {
		return nil, fmt.Errorf("%w: static key", ErrDecrypt)
	}
	copy(hs.RemoteStatic[:], peerStatic)
	mixHash(&hs.hash, &hs.hash, msg.Static[:])

	// ss
	ss, err = curve25519.X25519(sk[:], hs.RemoteStatic[:])
	if err != nil {
		return nil, fmt.Errorf("static DH failed: %w", err)
	}
	kdf2(&hs.chainKey, (*[blake2s.Size]byte)(&key), hs.chainKey[:], ss)

	aead, _ = chacha20poly1305.New(key[:])
	tsPlain, err := aead.Open(nil, zeroNonce[:], msg.Timestamp[:], hs.hash[:])
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp", ErrDecrypt)
	}
	copy(hs.Timestamp[:], tsPlain)
	mixHash(&hs.hash, &hs.hash, msg.Timestamp[:])

	hs.State = StateInitiationConsumed
	return hs, nil
}

// CreateResponse builds the handshake response as the responder. localIndex
// is the responder's freshly allocated session index; psk may be zero. The
// returned bytes still need MACs from a CookieGenerator for the peer.
func (hs *Handshake) CreateResponse(localIndex uint32, psk wgkey.PresharedKey) (*MessageResponse, error) {
	if hs.State != StateInitiationConsumed {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, hs.State)
	}

	var msg MessageResponse
	msg.Sender = localIndex
	msg.Receiver = hs.RemoteIndex
	hs.LocalIndex = localIndex
	hs.presharedKey = psk

	ephemeral, err := wgkey.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	hs.localEphemeral = ephemeral
	ephPub := ephemeral.PublicKey()
	copy(msg.Ephemeral[:], ephPub[:])

	mixHash(&hs.hash, &hs.hash, msg.Ephemeral[:])
	mixKey(&hs.chainKey, &hs.chainKey, msg.Ephemeral[:])

	// ee
	ss, err := curve25519.X25519(ephemeral[:], hs.remoteEphem[:])
	if err != nil {
		return nil, fmt.Errorf("ephemeral-ephemeral DH failed: %w", err)
	}
	mixKey(&hs.chainKey, &hs.chainKey, ss)

	// se
	ss, err = curve25519.X25519(ephemeral[:], hs.RemoteStatic[:])
	if err != nil {
		return nil, fmt.Errorf("ephemeral-static DH failed: %w", err)
	}
	mixKey(&hs.chainKey, &hs.chainKey, ss)

	var key [chacha20poly1305.KeySize]byte
	mixPSK(&hs.chainKey, &hs.hash, &key, psk)

	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Empty[:0], zeroNonce[:], nil, hs.hash[:])
	mixHash(&hs.hash, &hs.hash, msg.Empty[:])

	hs.State = StateResponseCreated
	return &msg, nil
}

// NewInitiatorHandshake prepares an initiator-role handshake toward a known
// responder static key. The relay uses this for its own control sessions.
func NewInitiatorHandshake(localStatic wgkey.PrivateKey, remoteStatic wgkey.PublicKey, psk wgkey.PresharedKey) *Handshake {
	return &Handshake{
		Created:      time.Now(),
		RemoteStatic: remoteStatic,
		localStatic:  localStatic,
		presharedKey: psk,
		initiator:    true,
	}
}

// CreateInitiation builds the first handshake message. The returned bytes
// still need MACs from a CookieGenerator for the responder's key.
func (hs *Handshake) CreateInitiation(localIndex uint32) (*MessageInitiation, error) {
	if !hs.initiator || hs.State != StateZeroed {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, hs.State)
	}

	var msg MessageInitiation
	msg.Sender = localIndex
	hs.LocalIndex = localIndex

	hs.chainKey = initialChainKey
	mixHash(&hs.hash, &initialHash, hs.RemoteStatic[:])

	ephemeral, err := wgkey.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	hs.localEphemeral = ephemeral
	ephPub := ephemeral.PublicKey()
	copy(msg.Ephemeral[:], ephPub[:])

	mixKey(&hs.chainKey, &hs.chainKey, msg.Ephemeral[:])
	mixHash(&hs.hash, &hs.hash, msg.Ephemeral[:])

	// es
	var key [chacha20poly1305.KeySize]byte
	ss, err := curve25519.X25519(ephemeral[:], hs.RemoteStatic[:])
	if err != nil {
		return nil, fmt.Errorf("ephemeral DH failed: %w", err)
	}
	kdf2(&hs.chainKey, (*[blake2s.Size]byte)(&key), hs.chainKey[:], ss)

	localPub := hs.localStatic.PublicKey()
	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Static[:0], zeroNonce[:], localPub[:], hs.hash[:])
	mixHash(&hs.hash, &hs.hash, msg.Static[:])

	// ss
	ss, err = curve25519.X25519(hs.localStatic[:], hs.RemoteStatic[:])
	if err != nil {
		return nil, fmt.Errorf("static DH failed: %w", err)
	}
	kdf2(&hs.chainKey, (*[blake2s.Size]byte)(&key), hs.chainKey[:], ss)

	ts := tai64n.Now()
	aead, _ = chacha20poly1305.New(key[:])
	aead.Seal(msg.Timestamp[:0], zeroNonce[:], ts[:], hs.hash[:])
	mixHash(&hs.hash, &hs.hash, msg.Timestamp[:])

	hs.State = StateInitiationCreated
	return &msg, nil
}

// ConsumeResponse processes the handshake response as the initiator.
func (hs *Handshake) ConsumeResponse(msg *MessageResponse) error {
	if !hs.initiator || hs.State != StateInitiationCreated {
		return fmt.Errorf("%w: %s", ErrInvalidState, hs.State)
	}
	if msg.Receiver != hs.LocalIndex {
		return fmt.Errorf("%w: response receiver %d does not match local index %d", ErrInvalidState, msg.Receiver, hs.LocalIndex)
	}
	hs.RemoteIndex = msg.Sender

	mixHash(&hs.hash, &hs.hash, msg.Ephemeral[:])
	mixKey(&hs.chainKey, &hs.chainKey, msg.Ephemeral[:])

	// ee
	ss, err := curve25519.X25519(hs.localEphemeral[:], msg.Ephemeral[:])
	if err != nil {
		return fmt.Errorf("ephemeral-ephemeral DH failed: %w", err)
	}
	mixKey(&hs.chainKey, &hs.chainKey, ss)

	// se
	ss, err = curve25519.X25519(hs.localStatic[:], msg.Ephemeral[:])
	if err != nil {
		return fmt.Errorf("static-ephemeral DH failed: %w", err)
	}
	mixKey(&hs.chainKey, &hs.chainKey, ss)

	var key [chacha20poly1305.KeySize]byte
	mixPSK(&hs.chainKey, &hs.hash, &key, hs.presharedKey)

	aead, _ := chacha20poly1305.New(key[:])
	if _, err := aead.Open(nil, zeroNonce[:], msg.Empty[:], hs.hash[:]); err != nil {
		return fmt.Errorf("%w: empty payload", ErrDecrypt)
	}
	mixHash(&hs.hash, &hs.hash, msg.Empty[:])

	hs.State = StateResponseConsumed
	return nil
}

// DeriveKeypair finalizes the handshake into transport keys and wipes the
// chaining state. Valid after CreateResponse (responder) or ConsumeResponse
// (initiator).
func (hs *Handshake) DeriveKeypair() (*Keypair, error) {
	var sendKey, recvKey [chacha20poly1305.KeySize]byte

	switch {
	case hs.initiator && hs.State == StateResponseConsumed:
		kdf2((*[blake2s.Size]byte)(&sendKey), (*[blake2s.Size]byte)(&recvKey), hs.chainKey[:], nil)
	case !hs.initiator && hs.State == StateResponseCreated:
		kdf2((*[blake2s.Size]byte)(&recvKey), (*[blake2s.Size]byte)(&sendKey), hs.chainKey[:], nil)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, hs.State)
	}

	kp, err := newKeypair(sendKey, recvKey, hs.LocalIndex, hs.RemoteIndex, hs.initiator)
	if err != nil {
		return nil, err
	}

	setZero(hs.chainKey[:])
	setZero(hs.hash[:])
	setZero(hs.localEphemeral[:])
	setZero(sendKey[:])
	setZero(recvKey[:])
	hs.State = StateZeroed

	return kp, nil
}

// Expired reports whether a half-open handshake has outlived RekeyTimeout.
func (hs *Handshake) Expired(now time.Time) bool {
	return now.Sub(hs.Created) > RekeyTimeout
}

// NewIndex returns a cryptographically random nonzero session index. The
// caller is responsible for uniqueness against its live tables.
func NewIndex() (uint32, error) {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("failed to generate session index: %w", err)
		}
		idx := binary.LittleEndian.Uint32(buf[:])
		if idx != 0 {
			return idx, nil
		}
	}
}
