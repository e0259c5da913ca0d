package control

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wgx-net/wgx/internal/wgkey"
)

var (
	// ErrBadFrame is returned when a frame is malformed.
	ErrBadFrame = errors.New("malformed control frame")

	// ErrBadMagic is returned when the magic bytes do not match.
	ErrBadMagic = errors.New("bad control magic")

	// ErrBadVersion is returned for an unsupported protocol version.
	ErrBadVersion = errors.New("unsupported control version")

	// ErrUnknownOp is returned for an unrecognized opcode.
	ErrUnknownOp = errors.New("unknown control opcode")

	// ErrTooManyKeys is returned when a SetAllowedPeers list is too long.
	ErrTooManyKeys = errors.New("too many keys in SetAllowedPeers")
)

// Frame is a decoded control frame.
type Frame struct {
	Op      uint8
	Payload []byte
}

// Encode serializes the frame with magic and version.
func (f *Frame) Encode() []byte {
	buf := make([]byte, 0, HeaderSize+len(f.Payload))
	buf = append(buf, Magic...)
	buf = append(buf, Version, f.Op)
	return append(buf, f.Payload...)
}

// Decode parses a frame header and returns the frame. The payload slice
// aliases the input.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadFrame, len(data))
	}
	if string(data[:len(Magic)]) != Magic {
		return nil, ErrBadMagic
	}
	if data[4] != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, data[4])
	}
	op := data[5]
	switch op {
	case OpSetAllowedPeers, OpGetStatus, OpStatus, OpPing, OpPong, OpError:
	default:
		return nil, fmt.Errorf("%w: %#x", ErrUnknownOp, op)
	}
	return &Frame{Op: op, Payload: data[HeaderSize:]}, nil
}

// SetAllowedPeers is the payload for OpSetAllowedPeers.
type SetAllowedPeers struct {
	PublicKeys []wgkey.PublicKey
}

// Encode serializes the peer list.
func (m *SetAllowedPeers) Encode() []byte {
	buf := make([]byte, 2, 2+len(m.PublicKeys)*wgkey.KeySize)
	binary.LittleEndian.PutUint16(buf, uint16(len(m.PublicKeys)))
	for _, pk := range m.PublicKeys {
		buf = append(buf, pk[:]...)
	}
	return buf
}

// DecodeSetAllowedPeers parses an OpSetAllowedPeers payload.
func DecodeSetAllowedPeers(payload []byte) (*SetAllowedPeers, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: SetAllowedPeers payload too short", ErrBadFrame)
	}
	count := int(binary.LittleEndian.Uint16(payload))
	if count > MaxAllowedPeers {
		return nil, fmt.Errorf("%w: %d", ErrTooManyKeys, count)
	}
	if len(payload) < 2+count*wgkey.KeySize {
		return nil, fmt.Errorf("%w: SetAllowedPeers truncated key list", ErrBadFrame)
	}
	msg := &SetAllowedPeers{PublicKeys: make([]wgkey.PublicKey, count)}
	for i := 0; i < count; i++ {
		copy(msg.PublicKeys[i][:], payload[2+i*wgkey.KeySize:])
	}
	return msg, nil
}

// PeerStatus is one peer entry in a Status response.
type PeerStatus struct {
	PublicKey  wgkey.PublicKey
	Role       uint8
	LastSeenAt int64 // Unix seconds, 0 when never seen
	BytesIn    uint64
	BytesOut   uint64
}

// SessionStatus is one session entry in a Status response.
type SessionStatus struct {
	LocalIndex  uint32
	RemoteIndex uint32
	PeerKey     wgkey.PublicKey
	AgeSeconds  uint64
}

// Peer role tags carried in Status entries.
const (
	RoleUnknown uint8 = 0
	RoleRelay   uint8 = 1
	RoleHub     uint8 = 2
	RoleSpoke   uint8 = 3
)

// RoleName returns the role tag name.
func RoleName(role uint8) string {
	switch role {
	case RoleRelay:
		return "relay"
	case RoleHub:
		return "hub"
	case RoleSpoke:
		return "spoke"
	default:
		return "unknown"
	}
}

const (
	peerStatusSize    = wgkey.KeySize + 1 + 8 + 8 + 8
	sessionStatusSize = 4 + 4 + wgkey.KeySize + 8
)

// Status is the payload for OpStatus.
type Status struct {
	Peers    []PeerStatus
	Sessions []SessionStatus
}

// Encode serializes the status snapshot.
func (m *Status) Encode() []byte {
	size := 2 + len(m.Peers)*peerStatusSize + 2 + len(m.Sessions)*sessionStatusSize
	buf := make([]byte, 0, size)

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.Peers)))
	for _, p := range m.Peers {
		buf = append(buf, p.PublicKey[:]...)
		buf = append(buf, p.Role)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(p.LastSeenAt))
		buf = binary.LittleEndian.AppendUint64(buf, p.BytesIn)
		buf = binary.LittleEndian.AppendUint64(buf, p.BytesOut)
	}

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.Sessions)))
	for _, s := range m.Sessions {
		buf = binary.LittleEndian.AppendUint32(buf, s.LocalIndex)
		buf = binary.LittleEndian.AppendUint32(buf, s.RemoteIndex)
		buf = append(buf, s.PeerKey[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, s.AgeSeconds)
	}
	return buf
}

// DecodeStatus parses an OpStatus payload.
func DecodeStatus(payload []byte) (*Status, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: Status payload too short", ErrBadFrame)
	}
	peerCount := int(binary.LittleEndian.Uint16(payload))
	offset := 2
	if len(payload) < offset+peerCount*peerStatusSize+2 {
		return nil, fmt.Errorf("%w: Status truncated peer list", ErrBadFrame)
	}

	msg := &Status{Peers: make([]PeerStatus, peerCount)}
	for i := range msg.Peers {
		p := &msg.Peers[i]
		copy(p.PublicKey[:], payload[offset:])
		offset += wgkey.KeySize
		p.Role = payload[offset]
		offset++
		p.LastSeenAt = int64(binary.LittleEndian.Uint64(payload[offset:]))
		offset += 8
		p.BytesIn = binary.LittleEndian.Uint64(payload[offset:])
		offset += 8
		p.BytesOut = binary.LittleEndian.Uint64(payload[offset:])
		offset += 8
	}

	sessionCount := int(binary.LittleEndian.Uint16(payload[offset:]))
	offset += 2
	if len(payload) < offset+sessionCount*sessionStatusSize {
		return nil, fmt.Errorf("%w: Status truncated session list", ErrBadFrame)
	}

	msg.Sessions = make([]SessionStatus, sessionCount)
	for i := range msg.Sessions {
		s := &msg.Sessions[i]
		s.LocalIndex = binary.LittleEndian.Uint32(payload[offset:])
		offset += 4
		s.RemoteIndex = binary.LittleEndian.Uint32(payload[offset:])
		offset += 4
		copy(s.PeerKey[:], payload[offset:])
		offset += wgkey.KeySize
		s.AgeSeconds = binary.LittleEndian.Uint64(payload[offset:])
		offset += 8
	}
	return msg, nil
}

// Ping is the payload for OpPing and OpPong.
type Ping struct {
	Nonce uint64
}

// Encode serializes the nonce.
func (m *Ping) Encode() []byte {
	return binary.LittleEndian.AppendUint64(nil, m.Nonce)
}

// DecodePing parses an OpPing or OpPong payload.
func DecodePing(payload []byte) (*Ping, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("%w: Ping payload too short", ErrBadFrame)
	}
	return &Ping{Nonce: binary.LittleEndian.Uint64(payload)}, nil
}

// ErrorReply is the payload for OpError.
type ErrorReply struct {
	Code    uint16
	Message string
}

// Encode serializes the error reply.
func (m *ErrorReply) Encode() []byte {
	buf := make([]byte, 0, 4+len(m.Message))
	buf = binary.LittleEndian.AppendUint16(buf, m.Code)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.Message)))
	return append(buf, m.Message...)
}

// DecodeErrorReply parses an OpError payload.
func DecodeErrorReply(payload []byte) (*ErrorReply, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: Error payload too short", ErrBadFrame)
	}
	code := binary.LittleEndian.Uint16(payload)
	msgLen := int(binary.LittleEndian.Uint16(payload[2:]))
	if len(payload) < 4+msgLen {
		return nil, fmt.Errorf("%w: Error truncated message", ErrBadFrame)
	}
	return &ErrorReply{Code: code, Message: string(payload[4 : 4+msgLen])}, nil
}
