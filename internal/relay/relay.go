package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/wgx-net/wgx/internal/config"
	"github.com/wgx-net/wgx/internal/logging"
	"github.com/wgx-net/wgx/internal/metrics"
	"github.com/wgx-net/wgx/internal/noise"
	"github.com/wgx-net/wgx/internal/wgkey"
)

// reapInterval is how often the reaper expires sessions, pending
// handshakes and the cookie secret.
const reapInterval = 10 * time.Second

// sendQueueSize bounds the serialized sender queue.
const sendQueueSize = 1024

// workerQueueSize bounds each dispatch worker's queue.
const workerQueueSize = 1024

type outPacket struct {
	data []byte
	dst  netip.AddrPort
}

type inPacket struct {
	data []byte
	src  netip.AddrPort
}

// Relay owns the UDP socket and wires the classifier, responder, forwarder
// and control channel around the shared session table.
type Relay struct {
	conn    *net.UDPConn
	table   *Table
	resp    *Responder
	fwd     *Forwarder
	ctrl    *ControlChannel
	metrics *metrics.Metrics
	logger  *slog.Logger

	workers int
	started time.Time

	// dispatch is one queue per worker. The socket reader pins each
	// source address to a worker by hash, so datagrams of any
	// (src-peer, dst-peer) pair are handled by a single worker in
	// receipt order and the relay never reorders a flow.
	dispatch []chan inPacket

	sendCh chan outPacket
	cancel context.CancelFunc
	recvWG sync.WaitGroup
	workWG sync.WaitGroup
	sendWG sync.WaitGroup
}

// New creates a relay from configuration, binds the UDP socket, and
// prepares all components. Start must be called to begin serving.
func New(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*Relay, error) {
	privateKey, err := cfg.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	psk, err := cfg.PresharedKey()
	if err != nil {
		return nil, fmt.Errorf("invalid preshared key: %w", err)
	}

	table := NewTable()
	if cfg.AllowsAll() {
		table.SetAllowAll()
	} else {
		keys, err := cfg.AllowedKeys()
		if err != nil {
			return nil, fmt.Errorf("invalid allowed keys: %w", err)
		}
		table.SetAllowList(keys)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.Relay.ListenPort})
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP port %d: %w", cfg.Relay.ListenPort, err)
	}

	r := &Relay{
		conn:    conn,
		table:   table,
		metrics: m,
		logger:  logger.With(logging.KeyComponent, "relay"),
		workers: cfg.Relay.Workers,
		sendCh:  make(chan outPacket, sendQueueSize),
	}
	r.resp = NewResponder(table, privateKey, psk, cfg.Relay.HandshakeRate, m, logger)
	r.fwd = NewForwarder(table, r.enqueue, m, logger)
	r.ctrl = NewControlChannel(table, r.enqueue, m, logger)

	r.logger.Info("relay listening",
		logging.KeyLocalAddr, conn.LocalAddr().String(),
		logging.KeyPeer, privateKey.PublicKey().ShortString())
	return r, nil
}

// Table exposes the session table for the health endpoint snapshot.
func (r *Relay) Table() *Table {
	return r.table
}

// Addr returns the bound socket address.
func (r *Relay) Addr() netip.AddrPort {
	return r.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// PublicKey returns the relay's static public key.
func (r *Relay) PublicKey() wgkey.PublicKey {
	return r.resp.publicKey
}

// Uptime returns the time since Start.
func (r *Relay) Uptime() time.Duration {
	if r.started.IsZero() {
		return 0
	}
	return time.Since(r.started)
}

// Start launches the sender, the socket reader, the dispatch workers and
// the reaper.
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.started = time.Now()

	// All sends funnel through one goroutine, so enqueued datagrams
	// reach the socket in enqueue order.
	r.sendWG.Add(1)
	go r.sendLoop()

	r.dispatch = make([]chan inPacket, r.workers)
	for i := range r.dispatch {
		r.dispatch[i] = make(chan inPacket, workerQueueSize)
		r.workWG.Add(1)
		go r.dispatchLoop(r.dispatch[i])
	}

	r.recvWG.Add(1)
	go r.receiveLoop()

	r.recvWG.Add(1)
	go r.reapLoop(ctx)
}

// Close shuts the relay down: the socket closes, the reader observes the
// error, the workers drain their queues, and the sender stops once its
// queue is empty.
func (r *Relay) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	err := r.conn.Close()
	r.recvWG.Wait()
	for _, q := range r.dispatch {
		close(q)
	}
	r.workWG.Wait()
	close(r.sendCh)
	r.sendWG.Wait()
	return err
}

func (r *Relay) enqueue(data []byte, dst netip.AddrPort) {
	select {
	case r.sendCh <- outPacket{data: data, dst: dst}:
	default:
		// Sender queue full: shed load rather than block the
		// forwarding path.
		r.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonUnderLoad).Inc()
	}
}

func (r *Relay) sendLoop() {
	defer r.sendWG.Done()
	for pkt := range r.sendCh {
		if _, err := r.conn.WriteToUDPAddrPort(pkt.data, pkt.dst); err != nil {
			r.logger.Debug("send failed",
				logging.KeyError, err,
				logging.KeyRemoteAddr, pkt.dst)
		}
	}
}

// receiveLoop is the single socket reader. Each datagram is handed to the
// worker its source address hashes to; dropping instead of blocking keeps
// a slow worker from stalling the socket.
func (r *Relay) receiveLoop() {
	defer r.recvWG.Done()
	buf := make([]byte, MaxDatagramSize)
	for {
		n, rawSrc, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Debug("receive failed", logging.KeyError, err)
			continue
		}
		// The dispatch path may retransmit the buffer asynchronously;
		// hand each datagram its own copy.
		data := make([]byte, n)
		copy(data, buf[:n])
		r.metrics.DatagramsReceived.Inc()

		src := netip.AddrPortFrom(rawSrc.Addr().Unmap(), rawSrc.Port())
		select {
		case r.dispatch[r.workerFor(src)] <- inPacket{data: data, src: src}:
		default:
			r.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonUnderLoad).Inc()
		}
	}
}

// workerFor pins a source address to a dispatch worker.
func (r *Relay) workerFor(src netip.AddrPort) int {
	if len(r.dispatch) == 1 {
		return 0
	}
	h := fnv.New32a()
	a := src.Addr().As16()
	h.Write(a[:])
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], src.Port())
	h.Write(port[:])
	return int(h.Sum32() % uint32(len(r.dispatch)))
}

func (r *Relay) dispatchLoop(queue <-chan inPacket) {
	defer r.workWG.Done()
	for pkt := range queue {
		r.handleDatagram(pkt.data, pkt.src)
	}
}

// handleDatagram classifies one datagram and routes it to the responder,
// the forwarder or the control channel.
func (r *Relay) handleDatagram(data []byte, src netip.AddrPort) {
	switch Classify(data) {
	case KindInitiation:
		if r.resp.ForRelay(data) {
			if out := r.resp.HandleInitiation(data, src); out != nil {
				r.enqueue(out, src)
			}
			return
		}
		r.fwd.HandleInitiation(data, src)

	case KindResponse:
		if r.resp.ForRelay(data) {
			r.resp.HandleResponse(data, src)
			return
		}
		r.fwd.HandleResponse(data, src)

	case KindCookieReply:
		if r.resp.HandleCookieReply(data) {
			return
		}
		r.fwd.HandleCookieReply(data)

	case KindTransport:
		receiver := noise.TransportReceiver(data)
		if session, ok := r.table.SessionByIndex(receiver); ok {
			r.ctrl.HandleTransport(session, data, src)
			return
		}
		r.fwd.HandleTransport(data, src)

	default:
		r.metrics.DatagramsDropped.WithLabelValues(metrics.ReasonMalformed).Inc()
		r.logger.Debug("dropped unclassifiable datagram",
			logging.KeyRemoteAddr, src,
			logging.KeyCount, len(data))
	}
}

func (r *Relay) reapLoop(ctx context.Context) {
	defer r.recvWG.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.maintain(now)
		}
	}
}

// maintain runs one reaper pass: session expiry, pending handshake GC,
// cookie secret rotation, keepalives and control session rekeys.
func (r *Relay) maintain(now time.Time) {
	if removed := r.table.Expire(now); removed > 0 {
		r.metrics.SessionsExpired.Add(float64(removed))
		r.logger.Debug("expired sessions", logging.KeyCount, removed)
	}
	r.resp.Expire(now)

	stats := r.table.Size()
	r.metrics.SessionsLive.Set(float64(stats.Sessions))
	r.metrics.RoutesLive.Set(float64(stats.Routes))

	for _, s := range r.table.Sessions() {
		if !s.Established {
			continue
		}
		if s.Keypair.ShouldRekey(now) {
			// Only the relay's own sessions rekey from this side, and
			// only the ones it initiated; forwarded peers manage their
			// own handshakes.
			if out, addr, ok := r.resp.Initiate(s.Peer); ok {
				r.enqueue(out, addr)
			}
			continue
		}
		if now.Sub(s.LastKeepalive) >= noise.KeepaliveInterval {
			if out, err := s.Keypair.Seal(nil); err == nil {
				if addr, ok := r.table.PeerAddr(s.Peer); ok {
					r.enqueue(out, addr)
					r.table.MarkKeepalive(s, now)
				}
			}
		}
	}
}
