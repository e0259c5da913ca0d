package relay

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/wgx-net/wgx/internal/control"
	"github.com/wgx-net/wgx/internal/logging"
	"github.com/wgx-net/wgx/internal/metrics"
	"github.com/wgx-net/wgx/internal/noise"
)

// ControlChannel terminates transport datagrams addressed to the relay
// itself: it decrypts them on the owning session, parses the inner command
// frame, mutates the authorization policy and replies over the same
// session.
type ControlChannel struct {
	table    *Table
	transmit Transmit
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewControlChannel creates the control channel handler.
func NewControlChannel(table *Table, transmit Transmit, m *metrics.Metrics, logger *slog.Logger) *ControlChannel {
	return &ControlChannel{
		table:    table,
		transmit: transmit,
		metrics:  m,
		logger:   logger.With(logging.KeyComponent, "control"),
	}
}

// HandleTransport decrypts and dispatches a transport datagram owned by
// the given relay session. Replay protection comes from the WireGuard
// counter window; authentication is inherited from the session itself.
func (c *ControlChannel) HandleTransport(session *Session, data []byte, src netip.AddrPort) {
	plaintext, err := session.Keypair.Open(data)
	if err != nil {
		reason := metrics.ReasonMalformed
		if errors.Is(err, noise.ErrReplay) {
			reason = metrics.ReasonReplay
		}
		c.metrics.DatagramsDropped.WithLabelValues(reason).Inc()
		c.logger.Debug("transport open failed",
			logging.KeyError, err,
			logging.KeyPeer, session.Peer.ShortString())
		return
	}

	// First valid transport datagram confirms the peer holds the
	// session keys.
	now := time.Now()
	c.table.TouchSession(session, now, true)
	c.table.TouchPeer(session.Peer, now, uint64(len(data)), 0)

	if len(plaintext) == 0 {
		// Keepalive.
		return
	}

	if !control.IsControl(plaintext) {
		// The relay tunnels no inner IP traffic; its own sessions carry
		// control frames and keepalives only.
		c.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonBadFrame).Inc()
		c.logger.Debug("non-control payload on relay session",
			logging.KeyPeer, session.Peer.ShortString())
		return
	}

	frame, err := control.Decode(plaintext)
	if err != nil {
		c.metrics.ControlRejected.Inc()
		c.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonBadFrame).Inc()
		c.logger.Debug("malformed control frame",
			logging.KeyError, err,
			logging.KeyPeer, session.Peer.ShortString())
		return
	}

	switch frame.Op {
	case control.OpSetAllowedPeers:
		c.handleSetAllowedPeers(session, frame.Payload, src)
	case control.OpGetStatus:
		c.handleGetStatus(session, src)
	case control.OpPing:
		c.handlePing(session, frame.Payload, src)
	default:
		// Status, Pong and Error are responses; a peer sending one as a
		// request is out of protocol.
		c.metrics.ControlRejected.Inc()
		c.logger.Debug("unexpected control opcode",
			logging.KeyMsgType, control.OpName(frame.Op),
			logging.KeyPeer, session.Peer.ShortString())
	}
}

func (c *ControlChannel) handleSetAllowedPeers(session *Session, payload []byte, src netip.AddrPort) {
	msg, err := control.DecodeSetAllowedPeers(payload)
	if err != nil {
		c.metrics.ControlRejected.Inc()
		if errors.Is(err, control.ErrTooManyKeys) {
			// Semantic failure: the session survives and the hub learns why.
			c.reply(session, src, control.OpError, (&control.ErrorReply{
				Code:    control.ErrCodeTooManyKeys,
				Message: "allowed peer list exceeds limit",
			}).Encode())
			return
		}
		c.logger.Debug("bad SetAllowedPeers payload", logging.KeyError, err)
		return
	}

	c.table.SetCounterparties(session.Peer, msg.PublicKeys)
	c.metrics.ControlAccepted.WithLabelValues(control.OpName(control.OpSetAllowedPeers)).Inc()
	c.logger.Info("counterparty list replaced",
		logging.KeyPeer, session.Peer.ShortString(),
		logging.KeyCount, len(msg.PublicKeys))
}

func (c *ControlChannel) handleGetStatus(session *Session, src netip.AddrPort) {
	peers, sessions := c.table.Snapshot()
	now := time.Now()

	status := &control.Status{
		Peers:    make([]control.PeerStatus, 0, len(peers)),
		Sessions: make([]control.SessionStatus, 0, len(sessions)),
	}
	for _, p := range peers {
		var lastSeen int64
		if !p.LastSeen.IsZero() {
			lastSeen = p.LastSeen.Unix()
		}
		status.Peers = append(status.Peers, control.PeerStatus{
			PublicKey:  p.Key,
			Role:       uint8(p.Role),
			LastSeenAt: lastSeen,
			BytesIn:    p.BytesIn,
			BytesOut:   p.BytesOut,
		})
	}
	for _, s := range sessions {
		status.Sessions = append(status.Sessions, control.SessionStatus{
			LocalIndex:  s.LocalIndex,
			RemoteIndex: s.RemoteIndex,
			PeerKey:     s.Peer,
			AgeSeconds:  uint64(now.Sub(s.Created) / time.Second),
		})
	}

	c.metrics.ControlAccepted.WithLabelValues(control.OpName(control.OpGetStatus)).Inc()
	c.reply(session, src, control.OpStatus, status.Encode())
}

func (c *ControlChannel) handlePing(session *Session, payload []byte, src netip.AddrPort) {
	msg, err := control.DecodePing(payload)
	if err != nil {
		c.metrics.ControlRejected.Inc()
		return
	}
	c.metrics.ControlAccepted.WithLabelValues(control.OpName(control.OpPing)).Inc()
	c.reply(session, src, control.OpPong, (&control.Ping{Nonce: msg.Nonce}).Encode())
}

// reply seals a control frame on the session and transmits it. The
// plaintext is zero-padded to a 16-byte multiple per the WireGuard
// transport format.
func (c *ControlChannel) reply(session *Session, src netip.AddrPort, op uint8, payload []byte) {
	frame := &control.Frame{Op: op, Payload: payload}
	plaintext := padTo16(frame.Encode())

	sealed, err := session.Keypair.Seal(plaintext)
	if err != nil {
		c.logger.Debug("failed to seal control reply", logging.KeyError, err)
		return
	}
	c.table.TouchPeer(session.Peer, time.Now(), 0, uint64(len(sealed)))
	c.transmit(sealed, src)
}

// padTo16 zero-pads plaintext to a multiple of 16 bytes, leaving empty
// keepalives empty. Frame decoders carry explicit element counts and
// ignore trailing padding.
func padTo16(b []byte) []byte {
	if rem := len(b) % 16; rem != 0 && len(b) > 0 {
		b = append(b, make([]byte, 16-rem)...)
	}
	return b
}
