package relay

import "github.com/wgx-net/wgx/internal/noise"

// Kind is the classification of an inbound datagram.
type Kind int

const (
	KindInvalid Kind = iota
	KindInitiation
	KindResponse
	KindCookieReply
	KindTransport
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindInitiation:
		return "handshake_initiation"
	case KindResponse:
		return "handshake_response"
	case KindCookieReply:
		return "cookie_reply"
	case KindTransport:
		return "transport_data"
	default:
		return "invalid"
	}
}

// MaxDatagramSize bounds the receive buffer. Larger datagrams cannot be
// valid WireGuard traffic on any common MTU.
const MaxDatagramSize = 2048

// Classify inspects the first byte and the fixed message lengths and
// returns the datagram kind. Bytes 1..3 are reserved and never examined.
// Classify retains no state and is safe for concurrent use.
func Classify(data []byte) Kind {
	if len(data) < 4 {
		return KindInvalid
	}
	switch data[0] {
	case noise.MessageTypeInitiation:
		if len(data) != noise.MessageInitiationSize {
			return KindInvalid
		}
		return KindInitiation
	case noise.MessageTypeResponse:
		if len(data) != noise.MessageResponseSize {
			return KindInvalid
		}
		return KindResponse
	case noise.MessageTypeCookieReply:
		if len(data) != noise.MessageCookieReplySize {
			return KindInvalid
		}
		return KindCookieReply
	case noise.MessageTypeTransport:
		if len(data) < noise.MessageTransportMinSize {
			return KindInvalid
		}
		// Plaintext is padded to a 16-byte multiple and the tag is 16
		// bytes, so the ciphertext length is always a multiple of 16.
		if (len(data)-noise.MessageTransportHeaderSize)%16 != 0 {
			return KindInvalid
		}
		return KindTransport
	default:
		return KindInvalid
	}
}
