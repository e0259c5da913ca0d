package relay

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wgx-net/wgx/internal/logging"
	"github.com/wgx-net/wgx/internal/metrics"
	"github.com/wgx-net/wgx/internal/noise"
	"github.com/wgx-net/wgx/internal/wgkey"
)

// Responder implements the relay's own WireGuard peer role: it answers
// handshake initiations addressed to the relay's static key and completes
// handshakes the relay itself initiated for control sessions.
type Responder struct {
	table *Table

	privateKey   wgkey.PrivateKey
	publicKey    wgkey.PublicKey
	presharedKey wgkey.PresharedKey

	checker *noise.CookieChecker
	limiter *rate.Limiter

	// pending tracks relay-initiated handshakes by local index until the
	// peer's response or RekeyTimeout.
	mu      sync.Mutex
	pending map[uint32]*noise.Handshake

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewResponder creates the responder for the relay identity. handshakeRate
// is the load threshold in handshake initiations per second; above it the
// responder demands cookies before doing asymmetric crypto.
func NewResponder(table *Table, privateKey wgkey.PrivateKey, psk wgkey.PresharedKey, handshakeRate int, m *metrics.Metrics, logger *slog.Logger) *Responder {
	pub := privateKey.PublicKey()
	return &Responder{
		table:        table,
		privateKey:   privateKey,
		publicKey:    pub,
		presharedKey: psk,
		checker:      noise.NewCookieChecker(pub),
		limiter:      rate.NewLimiter(rate.Limit(handshakeRate), handshakeRate),
		pending:      make(map[uint32]*noise.Handshake),
		metrics:      m,
		logger:       logger.With(logging.KeyComponent, "responder"),
	}
}

// ForRelay reports whether a handshake message is addressed to the relay
// itself, by verifying MAC1 against the relay's static key. Constant-time
// and oracle-free; this is the forwarder-vs-responder dispatch decision.
func (r *Responder) ForRelay(data []byte) bool {
	return r.checker.CheckMAC1(data)
}

// HandleInitiation processes a handshake initiation addressed to the
// relay. The returned datagram, if any, is sent back to src.
func (r *Responder) HandleInitiation(data []byte, src netip.AddrPort) []byte {
	msg, err := noise.DecodeInitiation(data)
	if err != nil {
		r.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonMalformed).Inc()
		return nil
	}

	if !r.limiter.Allow() {
		// Under load: demand proof of address ownership via MAC2
		// before doing any asymmetric crypto.
		if noise.IsZeroMAC2(data) || !r.checker.CheckMAC2(data, src) {
			reply, err := r.checker.CreateReply(data, msg.Sender, src)
			if err != nil {
				r.logger.Debug("failed to create cookie reply", logging.KeyError, err)
				return nil
			}
			r.metrics.CookieRepliesSent.Inc()
			r.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonUnderLoad).Inc()
			r.logger.Debug("under load, sent cookie reply", logging.KeyRemoteAddr, src)
			return reply.Encode()
		}
	}

	hs, err := noise.ConsumeInitiation(r.privateKey, r.publicKey, msg)
	if err != nil {
		r.metrics.HandshakesRejected.WithLabelValues("noise").Inc()
		r.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonMalformed).Inc()
		r.logger.Debug("initiation failed noise processing", logging.KeyError, err, logging.KeyRemoteAddr, src)
		return nil
	}

	// Authentication gate: the decrypted static key must be allowed.
	// No response on failure, so an attacker cannot probe the list.
	if !r.table.Authorized(hs.RemoteStatic) {
		r.metrics.HandshakesRejected.WithLabelValues("unauthorized").Inc()
		r.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonUnauthorized).Inc()
		r.logger.Debug("unauthorized handshake",
			logging.KeyPeer, hs.RemoteStatic.ShortString(),
			logging.KeyRemoteAddr, src)
		return nil
	}

	if !r.table.CheckInitiationTimestamp(hs.RemoteStatic, hs.Timestamp) {
		r.metrics.HandshakesRejected.WithLabelValues("replay").Inc()
		r.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonReplay).Inc()
		r.logger.Debug("replayed initiation timestamp", logging.KeyPeer, hs.RemoteStatic.ShortString())
		return nil
	}

	localIndex, err := r.newLocalIndex()
	if err != nil {
		r.logger.Error("failed to allocate session index", logging.KeyError, err)
		return nil
	}

	resp, err := hs.CreateResponse(localIndex, r.presharedKey)
	if err != nil {
		r.logger.Error("failed to create handshake response", logging.KeyError, err)
		return nil
	}

	kp, err := hs.DeriveKeypair()
	if err != nil {
		r.logger.Error("failed to derive keypair", logging.KeyError, err)
		return nil
	}

	now := time.Now()
	session := &Session{
		Peer:         hs.RemoteStatic,
		LocalIndex:   localIndex,
		RemoteIndex:  hs.RemoteIndex,
		Keypair:      kp,
		Created:      now,
		LastActivity: now,
	}
	superseded := r.table.InsertSession(hs.RemoteStatic, session, src, now)
	if superseded != 0 {
		r.logger.Debug("session superseded",
			logging.KeyPeer, hs.RemoteStatic.ShortString(),
			logging.KeyIndex, superseded)
	}

	out := resp.Encode()
	r.table.CookieGeneratorFor(hs.RemoteStatic).AddMacs(out)

	r.metrics.HandshakesCompleted.Inc()
	r.logger.Info("handshake completed",
		logging.KeyPeer, hs.RemoteStatic.ShortString(),
		logging.KeyRemoteAddr, src,
		logging.KeyIndex, localIndex)
	return out
}

// newLocalIndex draws random indices until one does not collide with a
// live session or pending handshake.
func (r *Responder) newLocalIndex() (uint32, error) {
	for {
		idx, err := noise.NewIndex()
		if err != nil {
			return 0, err
		}
		r.mu.Lock()
		_, pendingCollision := r.pending[idx]
		r.mu.Unlock()
		if pendingCollision || r.table.IndexInUse(idx) {
			continue
		}
		return idx, nil
	}
}

// Initiate starts a relay-initiated handshake toward an authorized peer
// with a known endpoint, used to rekey the relay's own control sessions.
// The returned datagram is sent to the peer's last-seen address.
func (r *Responder) Initiate(pk wgkey.PublicKey) ([]byte, netip.AddrPort, bool) {
	if !r.table.Authorized(pk) {
		return nil, netip.AddrPort{}, false
	}
	addr, ok := r.table.PeerAddr(pk)
	if !ok {
		return nil, netip.AddrPort{}, false
	}

	localIndex, err := r.newLocalIndex()
	if err != nil {
		r.logger.Error("failed to allocate session index", logging.KeyError, err)
		return nil, netip.AddrPort{}, false
	}

	hs := noise.NewInitiatorHandshake(r.privateKey, pk, r.presharedKey)
	msg, err := hs.CreateInitiation(localIndex)
	if err != nil {
		r.logger.Error("failed to create initiation", logging.KeyError, err)
		return nil, netip.AddrPort{}, false
	}

	r.mu.Lock()
	r.pending[localIndex] = hs
	r.mu.Unlock()

	out := msg.Encode()
	r.table.CookieGeneratorFor(pk).AddMacs(out)
	r.logger.Debug("initiated handshake", logging.KeyPeer, pk.ShortString(), logging.KeyIndex, localIndex)
	return out, addr, true
}

// HandleResponse completes a relay-initiated handshake.
func (r *Responder) HandleResponse(data []byte, src netip.AddrPort) {
	msg, err := noise.DecodeResponse(data)
	if err != nil {
		r.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonMalformed).Inc()
		return
	}

	r.mu.Lock()
	hs, ok := r.pending[msg.Receiver]
	if ok {
		delete(r.pending, msg.Receiver)
	}
	r.mu.Unlock()
	if !ok {
		r.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonUnknownRoute).Inc()
		r.logger.Debug("response for unknown handshake", logging.KeyIndex, msg.Receiver)
		return
	}

	if err := hs.ConsumeResponse(msg); err != nil {
		r.metrics.HandshakesRejected.WithLabelValues("noise").Inc()
		r.logger.Debug("handshake response rejected", logging.KeyError, err)
		return
	}
	kp, err := hs.DeriveKeypair()
	if err != nil {
		r.logger.Error("failed to derive keypair", logging.KeyError, err)
		return
	}

	now := time.Now()
	session := &Session{
		Peer:         hs.RemoteStatic,
		LocalIndex:   hs.LocalIndex,
		RemoteIndex:  hs.RemoteIndex,
		Keypair:      kp,
		Created:      now,
		LastActivity: now,
		Established:  true,
	}
	r.table.InsertSession(hs.RemoteStatic, session, src, now)
	r.metrics.HandshakesCompleted.Inc()
	r.logger.Info("relay-initiated handshake completed",
		logging.KeyPeer, hs.RemoteStatic.ShortString(),
		logging.KeyIndex, hs.LocalIndex)
}

// HandleCookieReply absorbs a cookie reply for a pending relay-initiated
// handshake. Returns false when no pending handshake matches, in which
// case the reply belongs to forwarded peer-to-peer traffic.
func (r *Responder) HandleCookieReply(data []byte) bool {
	msg, err := noise.DecodeCookieReply(data)
	if err != nil {
		return false
	}

	r.mu.Lock()
	hs, ok := r.pending[msg.Receiver]
	r.mu.Unlock()
	if !ok {
		return false
	}

	if err := r.table.CookieGeneratorFor(hs.RemoteStatic).ConsumeReply(msg); err != nil {
		r.logger.Debug("cookie reply rejected", logging.KeyError, err)
		return true
	}
	r.logger.Debug("cookie reply consumed", logging.KeyPeer, hs.RemoteStatic.ShortString())
	return true
}

// Expire drops pending handshakes older than noise.RekeyTimeout and
// rotates the cookie secret when due.
func (r *Responder) Expire(now time.Time) {
	r.mu.Lock()
	for idx, hs := range r.pending {
		if hs.Expired(now) {
			delete(r.pending, idx)
		}
	}
	r.mu.Unlock()
	r.checker.RotateSecret(now)
}
