package relay

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/wgx-net/wgx/internal/logging"
	"github.com/wgx-net/wgx/internal/metrics"
	"github.com/wgx-net/wgx/internal/noise"
)

// Transmit sends a datagram toward a destination address. The relay wires
// its serialized socket sender here; tests substitute a recorder.
type Transmit func(data []byte, dst netip.AddrPort)

// Forwarder relays peer-to-peer WireGuard traffic the relay does not own.
// It learns index routes from observed handshake exchanges and forwards
// transport data verbatim by receiver-index, never touching payload bytes
// and never invoking crypto.
type Forwarder struct {
	table    *Table
	transmit Transmit
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewForwarder creates a forwarder bound to the shared table.
func NewForwarder(table *Table, transmit Transmit, m *metrics.Metrics, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		table:    table,
		transmit: transmit,
		metrics:  m,
		logger:   logger.With(logging.KeyComponent, "forwarder"),
	}
}

// HandleInitiation processes a handshake initiation whose MAC1 does not
// match the relay: a peer-to-peer handshake. The sender is authenticated
// by source address against the live sessions, a half-route is installed
// for its sender-index, and the datagram fans out to every counterparty
// with a live relay session.
func (f *Forwarder) HandleInitiation(data []byte, src netip.AddrPort) {
	sender, ok := f.table.PeerByAddr(src)
	if !ok {
		f.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonUnauthorized).Inc()
		f.logger.Debug("peer handshake from unknown source", logging.KeyRemoteAddr, src)
		return
	}

	senderIndex := noise.HandshakeSender(data)
	f.table.InstallRoute(senderIndex, sender)

	forwarded := 0
	for _, cp := range f.table.Counterparties(sender) {
		if !f.table.MutuallyAuthorized(sender, cp) {
			continue
		}
		// Only counterparties with an active relay session have a
		// trustworthy address.
		if !f.table.HasLiveSession(cp) {
			continue
		}
		addr, ok := f.table.PeerAddr(cp)
		if !ok {
			continue
		}
		f.transmit(data, addr)
		forwarded++
	}

	if forwarded == 0 {
		f.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonUnknownRoute).Inc()
		f.logger.Debug("peer handshake had no reachable counterparty",
			logging.KeyPeer, sender.ShortString())
		return
	}
	f.metrics.DatagramsForwarded.Add(float64(forwarded))
	f.metrics.BytesForwarded.Add(float64(forwarded * len(data)))
	f.logger.Debug("forwarded peer handshake initiation",
		logging.KeyPeer, sender.ShortString(),
		logging.KeyCount, forwarded)
}

// HandleResponse processes a peer-to-peer handshake response: the
// receiver-index routes the datagram toward the initiator, and the
// sender-index installs the responder's half-route.
func (f *Forwarder) HandleResponse(data []byte, src netip.AddrPort) {
	responder, ok := f.table.PeerByAddr(src)
	if !ok {
		f.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonUnauthorized).Inc()
		f.logger.Debug("peer response from unknown source", logging.KeyRemoteAddr, src)
		return
	}

	receiver := noise.ResponseReceiver(data)
	initiator, addr, ok := f.table.LookupRoute(receiver)
	if !ok {
		f.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonUnknownRoute).Inc()
		f.logger.Debug("peer response for unknown route", logging.KeyIndex, receiver)
		return
	}
	if !f.table.MutuallyAuthorized(initiator, responder) {
		f.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonUnauthorized).Inc()
		f.logger.Debug("peer response between unpaired peers",
			logging.KeyPeer, responder.ShortString())
		return
	}

	f.table.InstallRoute(noise.HandshakeSender(data), responder)
	f.transmit(data, addr)
	f.metrics.DatagramsForwarded.Inc()
	f.metrics.BytesForwarded.Add(float64(len(data)))
}

// HandleCookieReply forwards a peer-to-peer cookie reply by its
// receiver-index only.
func (f *Forwarder) HandleCookieReply(data []byte) {
	receiver := noise.CookieReplyReceiver(data)
	_, addr, ok := f.table.LookupRoute(receiver)
	if !ok {
		f.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonUnknownRoute).Inc()
		return
	}
	f.transmit(data, addr)
	f.metrics.DatagramsForwarded.Inc()
	f.metrics.BytesForwarded.Add(float64(len(data)))
}

// HandleTransport forwards a transport datagram by receiver-index. The
// payload is retransmitted byte-for-byte; the destination peer's last-seen
// timestamp and byte counters move (and the sender's, when the source
// address already matches a known peer), never any peer's address, so
// off-path spoofing cannot redirect a victim's traffic.
func (f *Forwarder) HandleTransport(data []byte, src netip.AddrPort) {
	receiver := noise.TransportReceiver(data)
	dst, addr, ok := f.table.LookupRoute(receiver)
	if !ok {
		f.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonUnknownRoute).Inc()
		f.logger.Debug("transport for unknown route", logging.KeyIndex, receiver)
		return
	}

	f.transmit(data, addr)

	now := time.Now()
	f.table.TouchPeer(dst, now, 0, uint64(len(data)))
	if sender, ok := f.table.PeerByAddr(src); ok {
		f.table.TouchPeer(sender, now, uint64(len(data)), 0)
	}
	f.metrics.DatagramsForwarded.Inc()
	f.metrics.BytesForwarded.Add(float64(len(data)))
}
