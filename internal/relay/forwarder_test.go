package relay

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wgx-net/wgx/internal/logging"
	"github.com/wgx-net/wgx/internal/metrics"
	"github.com/wgx-net/wgx/internal/noise"
	"github.com/wgx-net/wgx/internal/wgkey"
)

// recorder captures transmitted datagrams for assertions.
type recorder struct {
	mu   sync.Mutex
	sent []outPacket
}

func (r *recorder) transmit(data []byte, dst netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	r.sent = append(r.sent, outPacket{data: cp, dst: dst})
}

func (r *recorder) packets() []outPacket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]outPacket(nil), r.sent...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

// fakeInitiation builds a peer-to-peer handshake initiation with the given
// sender index. The MACs are garbage, which is fine: the forwarder treats
// anything whose MAC1 is not the relay's as foreign traffic.
func fakeInitiation(sender uint32) []byte {
	data := make([]byte, noise.MessageInitiationSize)
	data[0] = noise.MessageTypeInitiation
	binary.LittleEndian.PutUint32(data[4:8], sender)
	return data
}

func fakeResponse(sender, receiver uint32) []byte {
	data := make([]byte, noise.MessageResponseSize)
	data[0] = noise.MessageTypeResponse
	binary.LittleEndian.PutUint32(data[4:8], sender)
	binary.LittleEndian.PutUint32(data[8:12], receiver)
	return data
}

func fakeTransport(receiver uint32, payloadLen int) []byte {
	data := make([]byte, noise.MessageTransportHeaderSize+payloadLen+16)
	data[0] = noise.MessageTypeTransport
	binary.LittleEndian.PutUint32(data[4:8], receiver)
	return data
}

// hubSpokeTable builds a table with a hub and spoke that both hold live
// sessions and are declared counterparties.
func hubSpokeTable(t *testing.T) (*Table, *Session, *Session) {
	t.Helper()
	tbl := NewTable()
	hub := newKey(t)
	spoke := newKey(t)
	tbl.SetAllowList([]wgkey.PublicKey{hub, spoke})
	now := time.Now()

	hubSess := insertTestSession(t, tbl, hub, 100, addr("10.0.0.1:1000"), now)
	spokeSess := insertTestSession(t, tbl, spoke, 200, addr("10.0.0.2:2000"), now)
	tbl.SetCounterparties(hub, []wgkey.PublicKey{spoke})
	return tbl, hubSess, spokeSess
}

func TestForwarder_InitiationFanOut(t *testing.T) {
	tbl, hubSess, spokeSess := hubSpokeTable(t)
	rec := &recorder{}
	fwd := NewForwarder(tbl, rec.transmit, testMetrics(), logging.NopLogger())

	// The spoke initiates a peer handshake toward the hub via the relay.
	init := fakeInitiation(777)
	fwd.HandleInitiation(init, addr("10.0.0.2:2000"))

	pkts := rec.packets()
	if len(pkts) != 1 {
		t.Fatalf("forwarded %d datagrams, want 1", len(pkts))
	}
	if pkts[0].dst != addr("10.0.0.1:1000") {
		t.Errorf("forwarded to %v, want the hub's address", pkts[0].dst)
	}
	if !bytes.Equal(pkts[0].data, init) {
		t.Error("forwarded initiation was mutated")
	}

	// The spoke's half-route was installed.
	dst, _, ok := tbl.LookupRoute(777)
	if !ok || dst != spokeSess.Peer {
		t.Errorf("half-route = %v, %v, want the spoke", dst, ok)
	}
	_ = hubSess
}

func TestForwarder_InitiationFromUnknownSource(t *testing.T) {
	tbl, _, _ := hubSpokeTable(t)
	rec := &recorder{}
	fwd := NewForwarder(tbl, rec.transmit, testMetrics(), logging.NopLogger())

	fwd.HandleInitiation(fakeInitiation(777), addr("9.9.9.9:9999"))

	if len(rec.packets()) != 0 {
		t.Error("initiation from an unknown source was forwarded")
	}
	if _, _, ok := tbl.LookupRoute(777); ok {
		t.Error("half-route installed for an unknown source")
	}
}

func TestForwarder_InitiationWithoutCounterparties(t *testing.T) {
	tbl := NewTable()
	lone := newKey(t)
	tbl.SetAllowList([]wgkey.PublicKey{lone})
	insertTestSession(t, tbl, lone, 1, addr("10.0.0.3:3000"), time.Now())

	rec := &recorder{}
	fwd := NewForwarder(tbl, rec.transmit, testMetrics(), logging.NopLogger())
	fwd.HandleInitiation(fakeInitiation(5), addr("10.0.0.3:3000"))

	if len(rec.packets()) != 0 {
		t.Error("initiation forwarded although no counterparty was declared")
	}
}

func TestForwarder_ResponseCompletesRoute(t *testing.T) {
	tbl, hubSess, spokeSess := hubSpokeTable(t)
	rec := &recorder{}
	fwd := NewForwarder(tbl, rec.transmit, testMetrics(), logging.NopLogger())

	// Spoke initiation installs the half-route for 777.
	fwd.HandleInitiation(fakeInitiation(777), addr("10.0.0.2:2000"))
	rec.reset()

	// Hub's response routes back to the spoke by receiver-index and
	// installs the hub's reverse half-route.
	resp := fakeResponse(888, 777)
	fwd.HandleResponse(resp, addr("10.0.0.1:1000"))

	pkts := rec.packets()
	if len(pkts) != 1 {
		t.Fatalf("forwarded %d datagrams, want 1", len(pkts))
	}
	if pkts[0].dst != addr("10.0.0.2:2000") {
		t.Errorf("response forwarded to %v, want the spoke", pkts[0].dst)
	}

	dst, _, ok := tbl.LookupRoute(888)
	if !ok || dst != hubSess.Peer {
		t.Errorf("reverse half-route = %v, %v, want the hub", dst, ok)
	}
	_ = spokeSess
}

func TestForwarder_ResponseUnknownRoute(t *testing.T) {
	tbl, _, _ := hubSpokeTable(t)
	rec := &recorder{}
	fwd := NewForwarder(tbl, rec.transmit, testMetrics(), logging.NopLogger())

	fwd.HandleResponse(fakeResponse(888, 12345), addr("10.0.0.1:1000"))
	if len(rec.packets()) != 0 {
		t.Error("response forwarded for an unknown receiver-index")
	}
}

func TestForwarder_TransportVerbatim(t *testing.T) {
	tbl, _, spokeSess := hubSpokeTable(t)
	rec := &recorder{}
	fwd := NewForwarder(tbl, rec.transmit, testMetrics(), logging.NopLogger())

	tbl.InstallRoute(777, spokeSess.Peer)

	data := fakeTransport(777, 48)
	for i := range data[16:] {
		data[16+i] = byte(i * 7)
	}
	orig := append([]byte(nil), data...)

	fwd.HandleTransport(data, addr("10.0.0.1:1000"))

	pkts := rec.packets()
	if len(pkts) != 1 {
		t.Fatalf("forwarded %d datagrams, want 1", len(pkts))
	}
	if pkts[0].dst != addr("10.0.0.2:2000") {
		t.Errorf("transport forwarded to %v, want the spoke", pkts[0].dst)
	}
	if !bytes.Equal(pkts[0].data, orig) {
		t.Error("forwarded transport payload was mutated")
	}
}

func TestForwarder_TransportMinimumLength(t *testing.T) {
	tbl, _, spokeSess := hubSpokeTable(t)
	rec := &recorder{}
	fwd := NewForwarder(tbl, rec.transmit, testMetrics(), logging.NopLogger())
	tbl.InstallRoute(777, spokeSess.Peer)

	// 32 bytes: header plus tag, empty plaintext (a keepalive).
	data := fakeTransport(777, 0)
	fwd.HandleTransport(data, addr("10.0.0.1:1000"))

	if len(rec.packets()) != 1 {
		t.Error("minimum-length transport was not forwarded")
	}
}

func TestForwarder_TransportMaxCounter(t *testing.T) {
	tbl, _, spokeSess := hubSpokeTable(t)
	rec := &recorder{}
	fwd := NewForwarder(tbl, rec.transmit, testMetrics(), logging.NopLogger())
	tbl.InstallRoute(777, spokeSess.Peer)

	// The relay does not inspect counters.
	data := fakeTransport(777, 16)
	binary.LittleEndian.PutUint64(data[8:16], 1<<64-1)
	fwd.HandleTransport(data, addr("10.0.0.1:1000"))

	if len(rec.packets()) != 1 {
		t.Error("transport with maximum counter was not forwarded")
	}
}

func TestForwarder_TransportUnknownRoute(t *testing.T) {
	tbl, _, _ := hubSpokeTable(t)
	rec := &recorder{}
	fwd := NewForwarder(tbl, rec.transmit, testMetrics(), logging.NopLogger())

	fwd.HandleTransport(fakeTransport(31337, 16), addr("10.0.0.1:1000"))
	if len(rec.packets()) != 0 {
		t.Error("transport forwarded for an unknown receiver-index")
	}
}

func TestForwarder_SpoofDoesNotMoveAddress(t *testing.T) {
	tbl, _, spokeSess := hubSpokeTable(t)
	rec := &recorder{}
	fwd := NewForwarder(tbl, rec.transmit, testMetrics(), logging.NopLogger())
	tbl.InstallRoute(777, spokeSess.Peer)

	// Off-path attacker replays valid-looking transport data with the
	// spoke's receiver-index from its own address.
	fwd.HandleTransport(fakeTransport(777, 16), addr("66.66.66.66:6666"))

	pkts := rec.packets()
	if len(pkts) != 1 {
		t.Fatalf("forwarded %d datagrams, want 1 (the relay cannot tell)", len(pkts))
	}
	// But the spoke's recorded address is untouched; reverse traffic
	// still reaches the legitimate endpoint.
	got, _ := tbl.PeerAddr(spokeSess.Peer)
	if got != addr("10.0.0.2:2000") {
		t.Errorf("spoke address moved to %v after spoofed transport", got)
	}
}

func TestForwarder_CookieReplyRoutesByReceiver(t *testing.T) {
	tbl, _, spokeSess := hubSpokeTable(t)
	rec := &recorder{}
	fwd := NewForwarder(tbl, rec.transmit, testMetrics(), logging.NopLogger())
	tbl.InstallRoute(777, spokeSess.Peer)

	data := make([]byte, noise.MessageCookieReplySize)
	data[0] = noise.MessageTypeCookieReply
	binary.LittleEndian.PutUint32(data[4:8], 777)

	fwd.HandleCookieReply(data)

	pkts := rec.packets()
	if len(pkts) != 1 || pkts[0].dst != addr("10.0.0.2:2000") {
		t.Errorf("cookie reply not routed to the spoke: %+v", pkts)
	}
}

func TestForwarder_ExpiredRouteDropsTransport(t *testing.T) {
	tbl, _, spokeSess := hubSpokeTable(t)
	rec := &recorder{}
	fwd := NewForwarder(tbl, rec.transmit, testMetrics(), logging.NopLogger())
	tbl.InstallRoute(777, spokeSess.Peer)

	// The spoke goes silent past the reject window.
	tbl.Expire(time.Now().Add(noise.RejectAfterTime + time.Second))

	fwd.HandleTransport(fakeTransport(777, 16), addr("10.0.0.1:1000"))
	if len(rec.packets()) != 0 {
		t.Error("transport forwarded on a route to an expired session")
	}
}
