package noise

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrReplay is returned when a transport counter fails the sliding
	// window check.
	ErrReplay = errors.New("transport counter replayed")

	// ErrKeypairExpired is returned when a keypair is past RejectAfterTime.
	ErrKeypairExpired = errors.New("keypair expired")
)

// Keypair holds the transport AEADs derived from one completed handshake.
type Keypair struct {
	LocalIndex  uint32
	RemoteIndex uint32
	Created     time.Time

	send        cipher.AEAD
	receive     cipher.AEAD
	isInitiator bool

	mu          sync.Mutex
	sendCounter uint64
	replay      ReplayFilter
}

func newKeypair(sendKey, recvKey [chacha20poly1305.KeySize]byte, localIndex, remoteIndex uint32, isInitiator bool) (*Keypair, error) {
	send, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		return nil, err
	}
	receive, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		return nil, err
	}
	return &Keypair{
		LocalIndex:  localIndex,
		RemoteIndex: remoteIndex,
		Created:     time.Now(),
		send:        send,
		receive:     receive,
		isInitiator: isInitiator,
	}, nil
}

// Seal encrypts plaintext into a complete transport datagram addressed to
// the peer's index. An empty plaintext produces a keepalive.
func (kp *Keypair) Seal(plaintext []byte) ([]byte, error) {
	if time.Since(kp.Created) > RejectAfterTime {
		return nil, ErrKeypairExpired
	}

	kp.mu.Lock()
	kp.sendCounter++
	counter := kp.sendCounter
	kp.mu.Unlock()

	if counter >= RekeyAfterMessages {
		return nil, ErrKeypairExpired
	}

	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	out := make([]byte, MessageTransportHeaderSize, MessageTransportHeaderSize+len(plaintext)+chacha20poly1305.Overhead)
	out[0] = MessageTypeTransport
	binary.LittleEndian.PutUint32(out[MessageTransportOffsetReceiver:], kp.RemoteIndex)
	binary.LittleEndian.PutUint64(out[MessageTransportOffsetCounter:], counter)

	return kp.send.Seal(out, nonce[:], plaintext, nil), nil
}

// Open authenticates and decrypts a complete transport datagram. The
// counter is checked against the sliding replay window only after the AEAD
// verifies, so off-path garbage cannot poison the window.
func (kp *Keypair) Open(data []byte) ([]byte, error) {
	if len(data) < MessageTransportMinSize {
		return nil, fmt.Errorf("%w: transport is %d bytes", ErrMessageTooShort, len(data))
	}
	if time.Since(kp.Created) > RejectAfterTime {
		return nil, ErrKeypairExpired
	}

	counter := TransportCounter(data)
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	plaintext, err := kp.receive.Open(nil, nonce[:], data[MessageTransportOffsetContent:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	kp.mu.Lock()
	fresh := kp.replay.Check(counter)
	kp.mu.Unlock()
	if !fresh {
		return nil, ErrReplay
	}

	return plaintext, nil
}

// ShouldRekey reports whether the initiator side should start a new
// handshake for this keypair.
func (kp *Keypair) ShouldRekey(now time.Time) bool {
	if !kp.isInitiator {
		return false
	}
	kp.mu.Lock()
	counter := kp.sendCounter
	kp.mu.Unlock()
	return counter >= RekeyAfterMessages || now.Sub(kp.Created) > RekeyAfterTime
}
