// Package noise implements the WireGuard protocol primitives used by the
// WGX relay: message codecs, the Noise_IKpsk2 handshake (both responder and
// initiator roles), MAC1/MAC2 cookie handling, and transport keypairs.
//
// The relay speaks verbatim WireGuard on the wire. Nothing here extends or
// wraps the protocol; compatibility with stock clients depends on it.
package noise

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/poly1305"
	"golang.zx2c4.com/wireguard/tai64n"
)

// Protocol identification strings from the WireGuard whitepaper.
const (
	Construction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	Identifier   = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	LabelMAC1    = "mac1----"
	LabelCookie  = "cookie--"
)

// Message types (first byte of every datagram).
const (
	MessageTypeInitiation  byte = 1
	MessageTypeResponse    byte = 2
	MessageTypeCookieReply byte = 3
	MessageTypeTransport   byte = 4
)

// Wire sizes.
const (
	MessageInitiationSize      = 148
	MessageResponseSize        = 92
	MessageCookieReplySize     = 64
	MessageTransportHeaderSize = 16
	MessageTransportMinSize    = MessageTransportHeaderSize + poly1305.TagSize
	MessageKeepaliveSize       = MessageTransportMinSize

	// Transport message field offsets.
	MessageTransportOffsetReceiver = 4
	MessageTransportOffsetCounter  = 8
	MessageTransportOffsetContent  = 16
)

// Protocol timers and limits.
const (
	RekeyAfterMessages = uint64(1) << 60
	RekeyAfterTime     = 120 * time.Second
	RekeyTimeout       = 5 * time.Second
	RejectAfterTime    = 180 * time.Second
	CookieRefreshTime  = 120 * time.Second
	KeepaliveInterval  = 25 * time.Second
)

var (
	// ErrMessageTooShort is returned when a message does not match its fixed size.
	ErrMessageTooShort = errors.New("message too short")

	// ErrWrongMessageType is returned when the first byte does not match.
	ErrWrongMessageType = errors.New("wrong message type")

	// ErrDecrypt is returned when an AEAD open fails.
	ErrDecrypt = errors.New("failed to decrypt")

	// ErrStaleTimestamp is returned for a replayed or out-of-order initiation.
	ErrStaleTimestamp = errors.New("handshake timestamp not after previous")

	// ErrInvalidState is returned when a handshake operation does not match
	// the current state machine position.
	ErrInvalidState = errors.New("invalid handshake state")
)

var (
	initialChainKey [blake2s.Size]byte
	initialHash     [blake2s.Size]byte
	zeroNonce       [chacha20poly1305.NonceSize]byte
)

func init() {
	initialChainKey = blake2s.Sum256([]byte(Construction))
	mixHash(&initialHash, &initialChainKey, []byte(Identifier))
}

// MessageInitiation is the first handshake message (type 1, 148 bytes).
type MessageInitiation struct {
	Sender    uint32
	Ephemeral [32]byte
	Static    [32 + poly1305.TagSize]byte
	Timestamp [tai64n.TimestampSize + poly1305.TagSize]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

// MessageResponse is the second handshake message (type 2, 92 bytes).
type MessageResponse struct {
	Sender    uint32
	Receiver  uint32
	Ephemeral [32]byte
	Empty     [poly1305.TagSize]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

// MessageCookieReply is the DoS-mitigation message (type 3, 64 bytes).
type MessageCookieReply struct {
	Receiver uint32
	Nonce    [chacha20poly1305.NonceSizeX]byte
	Cookie   [blake2s.Size128 + poly1305.TagSize]byte
}

// DecodeInitiation parses a handshake initiation datagram. Bytes 1..3 are
// reserved and ignored.
func DecodeInitiation(data []byte) (*MessageInitiation, error) {
	if len(data) != MessageInitiationSize {
		return nil, fmt.Errorf("%w: initiation is %d bytes, expected %d", ErrMessageTooShort, len(data), MessageInitiationSize)
	}
	if data[0] != MessageTypeInitiation {
		return nil, ErrWrongMessageType
	}
	var msg MessageInitiation
	msg.Sender = binary.LittleEndian.Uint32(data[4:8])
	copy(msg.Ephemeral[:], data[8:40])
	copy(msg.Static[:], data[40:88])
	copy(msg.Timestamp[:], data[88:116])
	copy(msg.MAC1[:], data[116:132])
	copy(msg.MAC2[:], data[132:148])
	return &msg, nil
}

// Encode serializes the initiation into a 148-byte datagram, copying the MAC
// fields from msg (zero for a freshly created message, whose macs are stamped
// afterwards by a CookieGenerator).
func (msg *MessageInitiation) Encode() []byte {
	data := make([]byte, MessageInitiationSize)
	data[0] = MessageTypeInitiation
	binary.LittleEndian.PutUint32(data[4:8], msg.Sender)
	copy(data[8:40], msg.Ephemeral[:])
	copy(data[40:88], msg.Static[:])
	copy(data[88:116], msg.Timestamp[:])
	copy(data[116:132], msg.MAC1[:])
	copy(data[132:148], msg.MAC2[:])
	return data
}

// DecodeResponse parses a handshake response datagram.
func DecodeResponse(data []byte) (*MessageResponse, error) {
	if len(data) != MessageResponseSize {
		return nil, fmt.Errorf("%w: response is %d bytes, expected %d", ErrMessageTooShort, len(data), MessageResponseSize)
	}
	if data[0] != MessageTypeResponse {
		return nil, ErrWrongMessageType
	}
	var msg MessageResponse
	msg.Sender = binary.LittleEndian.Uint32(data[4:8])
	msg.Receiver = binary.LittleEndian.Uint32(data[8:12])
	copy(msg.Ephemeral[:], data[12:44])
	copy(msg.Empty[:], data[44:60])
	copy(msg.MAC1[:], data[60:76])
	copy(msg.MAC2[:], data[76:92])
	return &msg, nil
}

// Encode serializes the response into a 92-byte datagram.
func (msg *MessageResponse) Encode() []byte {
	data := make([]byte, MessageResponseSize)
	data[0] = MessageTypeResponse
	binary.LittleEndian.PutUint32(data[4:8], msg.Sender)
	binary.LittleEndian.PutUint32(data[8:12], msg.Receiver)
	copy(data[12:44], msg.Ephemeral[:])
	copy(data[44:60], msg.Empty[:])
	copy(data[60:76], msg.MAC1[:])
	copy(data[76:92], msg.MAC2[:])
	return data
}

// DecodeCookieReply parses a cookie reply datagram.
func DecodeCookieReply(data []byte) (*MessageCookieReply, error) {
	if len(data) != MessageCookieReplySize {
		return nil, fmt.Errorf("%w: cookie reply is %d bytes, expected %d", ErrMessageTooShort, len(data), MessageCookieReplySize)
	}
	if data[0] != MessageTypeCookieReply {
		return nil, ErrWrongMessageType
	}
	var msg MessageCookieReply
	msg.Receiver = binary.LittleEndian.Uint32(data[4:8])
	copy(msg.Nonce[:], data[8:32])
	copy(msg.Cookie[:], data[32:64])
	return &msg, nil
}

// Encode serializes the cookie reply into a 64-byte datagram.
func (msg *MessageCookieReply) Encode() []byte {
	data := make([]byte, MessageCookieReplySize)
	data[0] = MessageTypeCookieReply
	binary.LittleEndian.PutUint32(data[4:8], msg.Receiver)
	copy(data[8:32], msg.Nonce[:])
	copy(data[32:64], msg.Cookie[:])
	return data
}

// TransportReceiver extracts the receiver index from a transport datagram.
// The caller must have verified the minimum length.
func TransportReceiver(data []byte) uint32 {
	return binary.LittleEndian.Uint32(data[MessageTransportOffsetReceiver:MessageTransportOffsetCounter])
}

// TransportCounter extracts the nonce counter from a transport datagram.
func TransportCounter(data []byte) uint64 {
	return binary.LittleEndian.Uint64(data[MessageTransportOffsetCounter:MessageTransportOffsetContent])
}

// HandshakeSender extracts the sender index from an initiation or response.
func HandshakeSender(data []byte) uint32 {
	return binary.LittleEndian.Uint32(data[4:8])
}

// ResponseReceiver extracts the receiver index from a handshake response.
func ResponseReceiver(data []byte) uint32 {
	return binary.LittleEndian.Uint32(data[8:12])
}

// CookieReplyReceiver extracts the receiver index from a cookie reply.
func CookieReplyReceiver(data []byte) uint32 {
	return binary.LittleEndian.Uint32(data[4:8])
}

// IsZeroMAC2 reports whether the trailing MAC2 field of a handshake
// message is all zeros, meaning the sender holds no cookie.
func IsZeroMAC2(data []byte) bool {
	if len(data) < blake2s.Size128 {
		return true
	}
	return isZero(data[len(data)-blake2s.Size128:])
}
