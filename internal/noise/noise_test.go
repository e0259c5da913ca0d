package noise

import (
	"bytes"
	"testing"
)

func TestDecodeInitiation_LengthAndType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", make([]byte, MessageInitiationSize-1)},
		{"long", make([]byte, MessageInitiationSize+1)},
		{"wrong type", func() []byte {
			b := make([]byte, MessageInitiationSize)
			b[0] = MessageTypeResponse
			return b
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeInitiation(tt.data); err == nil {
				t.Error("DecodeInitiation() expected error, got nil")
			}
		})
	}
}

func TestMessageInitiation_EncodeDecode(t *testing.T) {
	var msg MessageInitiation
	msg.Sender = 0xDEADBEEF
	for i := range msg.Ephemeral {
		msg.Ephemeral[i] = byte(i)
	}
	msg.MAC1[0] = 0xAA

	data := msg.Encode()
	if len(data) != MessageInitiationSize {
		t.Fatalf("Encode() length = %d, want %d", len(data), MessageInitiationSize)
	}
	if data[0] != MessageTypeInitiation {
		t.Errorf("type byte = %d, want %d", data[0], MessageTypeInitiation)
	}
	if !isZero(data[1:4]) {
		t.Error("reserved bytes are not zero")
	}

	decoded, err := DecodeInitiation(data)
	if err != nil {
		t.Fatalf("DecodeInitiation() error: %v", err)
	}
	if decoded.Sender != msg.Sender {
		t.Errorf("Sender = %d, want %d", decoded.Sender, msg.Sender)
	}
	if decoded.Ephemeral != msg.Ephemeral {
		t.Error("Ephemeral round trip mismatch")
	}
	if decoded.MAC1 != msg.MAC1 {
		t.Error("MAC1 round trip mismatch")
	}
}

func TestDecodeInitiation_ReservedBytesIgnored(t *testing.T) {
	var msg MessageInitiation
	msg.Sender = 7
	data := msg.Encode()
	data[1], data[2], data[3] = 0xFF, 0xFF, 0xFF

	decoded, err := DecodeInitiation(data)
	if err != nil {
		t.Fatalf("DecodeInitiation() error: %v", err)
	}
	if decoded.Sender != 7 {
		t.Errorf("Sender = %d, want 7", decoded.Sender)
	}
}

func TestMessageResponse_EncodeDecode(t *testing.T) {
	var msg MessageResponse
	msg.Sender = 11
	msg.Receiver = 22
	msg.Empty[15] = 0x55

	data := msg.Encode()
	if len(data) != MessageResponseSize {
		t.Fatalf("Encode() length = %d, want %d", len(data), MessageResponseSize)
	}

	decoded, err := DecodeResponse(data)
	if err != nil {
		t.Fatalf("DecodeResponse() error: %v", err)
	}
	if decoded.Sender != 11 || decoded.Receiver != 22 {
		t.Errorf("indices = (%d, %d), want (11, 22)", decoded.Sender, decoded.Receiver)
	}
	if decoded.Empty != msg.Empty {
		t.Error("Empty round trip mismatch")
	}
}

func TestMessageCookieReply_EncodeDecode(t *testing.T) {
	var msg MessageCookieReply
	msg.Receiver = 99
	for i := range msg.Nonce {
		msg.Nonce[i] = byte(i)
	}

	data := msg.Encode()
	if len(data) != MessageCookieReplySize {
		t.Fatalf("Encode() length = %d, want %d", len(data), MessageCookieReplySize)
	}

	decoded, err := DecodeCookieReply(data)
	if err != nil {
		t.Fatalf("DecodeCookieReply() error: %v", err)
	}
	if decoded.Receiver != 99 {
		t.Errorf("Receiver = %d, want 99", decoded.Receiver)
	}
	if decoded.Nonce != msg.Nonce {
		t.Error("Nonce round trip mismatch")
	}
}

func TestTransportFieldHelpers(t *testing.T) {
	data := make([]byte, MessageTransportMinSize)
	data[0] = MessageTypeTransport
	data[4], data[5], data[6], data[7] = 0x01, 0x02, 0x03, 0x04
	data[8] = 0xFF

	if got := TransportReceiver(data); got != 0x04030201 {
		t.Errorf("TransportReceiver() = %#x, want 0x04030201", got)
	}
	if got := TransportCounter(data); got != 0xFF {
		t.Errorf("TransportCounter() = %d, want 255", got)
	}
}

func TestKDFChain_Deterministic(t *testing.T) {
	var a1, a2, b1, b2 [32]byte
	key := []byte("chaining key material for tests!")
	input := []byte("input")

	kdf2(&a1, &a2, key, input)
	kdf2(&b1, &b2, key, input)

	if a1 != b1 || a2 != b2 {
		t.Error("kdf2 is not deterministic")
	}
	if a1 == a2 {
		t.Error("kdf2 produced identical halves")
	}
	if bytes.Equal(a1[:], key[:32]) {
		t.Error("kdf2 output equals its key input")
	}
}
