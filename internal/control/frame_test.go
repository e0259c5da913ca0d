package control

import (
	"bytes"
	"errors"
	"testing"

	"github.com/wgx-net/wgx/internal/wgkey"
)

func testKey(t *testing.T, b byte) wgkey.PublicKey {
	t.Helper()
	var pk wgkey.PublicKey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

func TestOpName(t *testing.T) {
	tests := []struct {
		op   uint8
		want string
	}{
		{OpSetAllowedPeers, "SET_ALLOWED_PEERS"},
		{OpGetStatus, "GET_STATUS"},
		{OpStatus, "STATUS"},
		{OpPing, "PING"},
		{OpPong, "PONG"},
		{OpError, "ERROR"},
		{0xFF, "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := OpName(tt.op); got != tt.want {
			t.Errorf("OpName(%#x) = %s, want %s", tt.op, got, tt.want)
		}
	}
}

func TestFrame_EncodeDecode(t *testing.T) {
	frame := &Frame{Op: OpPing, Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	data := frame.Encode()

	if !IsControl(data) {
		t.Error("IsControl() = false for an encoded frame")
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if decoded.Op != OpPing {
		t.Errorf("Op = %#x, want %#x", decoded.Op, OpPing)
	}
	if !bytes.Equal(decoded.Payload, frame.Payload) {
		t.Errorf("Payload = %v, want %v", decoded.Payload, frame.Payload)
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty", nil, ErrBadFrame},
		{"short", []byte("WGX"), ErrBadFrame},
		{"bad magic", []byte("NOPE\x01\x04"), ErrBadMagic},
		{"bad version", []byte("WGX\x00\x09\x04"), ErrBadVersion},
		{"unknown op", []byte("WGX\x00\x01\xEE"), ErrUnknownOp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsControl_InnerIPNotConfused(t *testing.T) {
	// The version nibble of an inner IPv4 header is 4, IPv6 is 6; the magic
	// begins with 0x57. None of these can match.
	ipv4 := []byte{0x45, 0x00, 0x00, 0x54, 0x00, 0x00}
	ipv6 := []byte{0x60, 0x00, 0x00, 0x00, 0x00, 0x00}

	if IsControl(ipv4) {
		t.Error("IsControl() = true for an IPv4 header")
	}
	if IsControl(ipv6) {
		t.Error("IsControl() = true for an IPv6 header")
	}
	if IsControl(nil) {
		t.Error("IsControl() = true for empty payload")
	}
}

func TestSetAllowedPeers_RoundTrip(t *testing.T) {
	msg := &SetAllowedPeers{
		PublicKeys: []wgkey.PublicKey{testKey(t, 1), testKey(t, 2), testKey(t, 3)},
	}
	decoded, err := DecodeSetAllowedPeers(msg.Encode())
	if err != nil {
		t.Fatalf("DecodeSetAllowedPeers() error: %v", err)
	}
	if len(decoded.PublicKeys) != 3 {
		t.Fatalf("key count = %d, want 3", len(decoded.PublicKeys))
	}
	for i, pk := range msg.PublicKeys {
		if decoded.PublicKeys[i] != pk {
			t.Errorf("key %d mismatch", i)
		}
	}
}

func TestSetAllowedPeers_Empty(t *testing.T) {
	msg := &SetAllowedPeers{}
	decoded, err := DecodeSetAllowedPeers(msg.Encode())
	if err != nil {
		t.Fatalf("DecodeSetAllowedPeers() error: %v", err)
	}
	if len(decoded.PublicKeys) != 0 {
		t.Errorf("key count = %d, want 0", len(decoded.PublicKeys))
	}
}

func TestSetAllowedPeers_TrailingPaddingIgnored(t *testing.T) {
	msg := &SetAllowedPeers{PublicKeys: []wgkey.PublicKey{testKey(t, 9)}}
	padded := append(msg.Encode(), make([]byte, 14)...)

	decoded, err := DecodeSetAllowedPeers(padded)
	if err != nil {
		t.Fatalf("DecodeSetAllowedPeers() error: %v", err)
	}
	if len(decoded.PublicKeys) != 1 || decoded.PublicKeys[0] != testKey(t, 9) {
		t.Error("padded payload did not decode to the original list")
	}
}

func TestDecodeSetAllowedPeers_Truncated(t *testing.T) {
	msg := &SetAllowedPeers{PublicKeys: []wgkey.PublicKey{testKey(t, 1), testKey(t, 2)}}
	data := msg.Encode()

	if _, err := DecodeSetAllowedPeers(data[:len(data)-5]); !errors.Is(err, ErrBadFrame) {
		t.Errorf("truncated decode error = %v, want ErrBadFrame", err)
	}
}

func TestDecodeSetAllowedPeers_TooMany(t *testing.T) {
	data := []byte{0xFF, 0xFF} // count 65535
	if _, err := DecodeSetAllowedPeers(data); !errors.Is(err, ErrTooManyKeys) {
		t.Errorf("error = %v, want ErrTooManyKeys", err)
	}
}

func TestStatus_RoundTrip(t *testing.T) {
	msg := &Status{
		Peers: []PeerStatus{
			{PublicKey: testKey(t, 1), Role: RoleHub, LastSeenAt: 1720000000, BytesIn: 1024, BytesOut: 2048},
			{PublicKey: testKey(t, 2), Role: RoleSpoke, LastSeenAt: 0, BytesIn: 0, BytesOut: 0},
		},
		Sessions: []SessionStatus{
			{LocalIndex: 7, RemoteIndex: 9, PeerKey: testKey(t, 1), AgeSeconds: 61},
		},
	}

	decoded, err := DecodeStatus(msg.Encode())
	if err != nil {
		t.Fatalf("DecodeStatus() error: %v", err)
	}
	if len(decoded.Peers) != 2 || len(decoded.Sessions) != 1 {
		t.Fatalf("counts = (%d, %d), want (2, 1)", len(decoded.Peers), len(decoded.Sessions))
	}
	if decoded.Peers[0] != msg.Peers[0] {
		t.Errorf("peer 0 mismatch: %+v", decoded.Peers[0])
	}
	if decoded.Peers[1].Role != RoleSpoke {
		t.Errorf("peer 1 role = %d, want %d", decoded.Peers[1].Role, RoleSpoke)
	}
	if decoded.Sessions[0] != msg.Sessions[0] {
		t.Errorf("session 0 mismatch: %+v", decoded.Sessions[0])
	}
}

func TestStatus_EmptyRoundTrip(t *testing.T) {
	decoded, err := DecodeStatus((&Status{}).Encode())
	if err != nil {
		t.Fatalf("DecodeStatus() error: %v", err)
	}
	if len(decoded.Peers) != 0 || len(decoded.Sessions) != 0 {
		t.Error("empty status round trip is not empty")
	}
}

func TestPing_RoundTrip(t *testing.T) {
	msg := &Ping{Nonce: 0xFEEDFACECAFEBEEF}
	decoded, err := DecodePing(msg.Encode())
	if err != nil {
		t.Fatalf("DecodePing() error: %v", err)
	}
	if decoded.Nonce != msg.Nonce {
		t.Errorf("Nonce = %#x, want %#x", decoded.Nonce, msg.Nonce)
	}
}

func TestErrorReply_RoundTrip(t *testing.T) {
	msg := &ErrorReply{Code: ErrCodeTooManyKeys, Message: "too many keys"}
	decoded, err := DecodeErrorReply(msg.Encode())
	if err != nil {
		t.Fatalf("DecodeErrorReply() error: %v", err)
	}
	if decoded.Code != msg.Code || decoded.Message != msg.Message {
		t.Errorf("decoded = %+v, want %+v", decoded, msg)
	}
}

func TestRoleName(t *testing.T) {
	tests := []struct {
		role uint8
		want string
	}{
		{RoleRelay, "relay"},
		{RoleHub, "hub"},
		{RoleSpoke, "spoke"},
		{RoleUnknown, "unknown"},
		{42, "unknown"},
	}
	for _, tt := range tests {
		if got := RoleName(tt.role); got != tt.want {
			t.Errorf("RoleName(%d) = %s, want %s", tt.role, got, tt.want)
		}
	}
}
