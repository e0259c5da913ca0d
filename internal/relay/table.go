// Package relay implements the WGX datagram plane: classification of
// inbound WireGuard messages, the relay's own handshake responder, the
// zero-inspection forwarder, the in-band control channel, and the session
// table they share.
package relay

import (
	"net/netip"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/tai64n"

	"github.com/wgx-net/wgx/internal/noise"
	"github.com/wgx-net/wgx/internal/wgkey"
)

// Role tags a peer's place in the hub-and-spoke topology.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleRelay
	RoleHub
	RoleSpoke
)

// String returns the role name.
func (r Role) String() string {
	switch r {
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

// Peer is one authorized counterpart of the relay. All fields are guarded
// by the owning Table's lock.
type Peer struct {
	Key      wgkey.PublicKey
	Role     Role
	Addr     netip.AddrPort // last-seen source address, zero until first handshake
	LastSeen time.Time
	BytesIn  uint64
	BytesOut uint64

	// counterparties is the set of peers this peer may exchange
	// transport data with, as declared over the control channel.
	counterparties map[wgkey.PublicKey]struct{}

	// lastTimestamp is the greatest TAI64N stamp seen in an initiation
	// from this peer, for initiation replay rejection.
	lastTimestamp tai64n.Timestamp

	// cookieGen stamps MACs on handshake messages the relay sends to
	// this peer and absorbs its cookie replies.
	cookieGen *noise.CookieGenerator
}

// Session is an established (or pending-confirmation) Noise session
// between the relay and one peer.
type Session struct {
	Peer        wgkey.PublicKey
	LocalIndex  uint32
	RemoteIndex uint32
	Keypair     *noise.Keypair
	Created     time.Time

	// LastActivity is the last time an authenticated datagram moved on
	// this session in either direction.
	LastActivity time.Time

	// Established is set once the first valid transport datagram
	// arrives, confirming the peer holds the session keys.
	Established bool

	// LastKeepalive is the last time the relay sent a keepalive.
	LastKeepalive time.Time
}

// Table is the shared state store of the datagram plane. It exclusively
// owns all Peers, Sessions and index routes; the other components hold
// only borrowed references scoped to a single datagram.
type Table struct {
	mu sync.RWMutex

	peers           map[wgkey.PublicKey]*Peer
	sessions        map[wgkey.PublicKey]*Session
	sessionsByIndex map[uint32]*Session

	// routes maps a learned receiver-index to the destination peer for
	// zero-inspection forwarding.
	routes map[uint32]wgkey.PublicKey

	allowAll bool
	allowed  map[wgkey.PublicKey]struct{}
}

// NewTable creates an empty table with an empty allow-list.
func NewTable() *Table {
	return &Table{
		peers:           make(map[wgkey.PublicKey]*Peer),
		sessions:        make(map[wgkey.PublicKey]*Session),
		sessionsByIndex: make(map[uint32]*Session),
		routes:          make(map[uint32]wgkey.PublicKey),
		allowed:         make(map[wgkey.PublicKey]struct{}),
	}
}

// SetAllowList replaces the allow-list with an explicit key set. Peers,
// sessions and routes belonging to keys no longer allowed are removed.
func (t *Table) SetAllowList(keys []wgkey.PublicKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.allowAll = false
	t.allowed = make(map[wgkey.PublicKey]struct{}, len(keys))
	for _, pk := range keys {
		t.allowed[pk] = struct{}{}
	}
	for pk := range t.peers {
		if _, ok := t.allowed[pk]; !ok {
			t.removePeerLocked(pk)
		}
	}
}

// SetAllowAll switches the allow-list to the wildcard.
func (t *Table) SetAllowAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allowAll = true
}

// Authorized reports whether a public key may complete a handshake.
func (t *Table) Authorized(pk wgkey.PublicKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.allowAll {
		return true
	}
	_, ok := t.allowed[pk]
	return ok
}

// upsertPeerLocked returns the peer record for pk, creating it if needed.
func (t *Table) upsertPeerLocked(pk wgkey.PublicKey) *Peer {
	p, ok := t.peers[pk]
	if !ok {
		p = &Peer{
			Key:            pk,
			counterparties: make(map[wgkey.PublicKey]struct{}),
			cookieGen:      noise.NewCookieGenerator(pk),
		}
		t.peers[pk] = p
	}
	return p
}

func (t *Table) removePeerLocked(pk wgkey.PublicKey) {
	if s, ok := t.sessions[pk]; ok {
		delete(t.sessionsByIndex, s.LocalIndex)
		delete(t.sessions, pk)
	}
	for idx, dst := range t.routes {
		if dst == pk {
			delete(t.routes, idx)
		}
	}
	for _, p := range t.peers {
		delete(p.counterparties, pk)
	}
	delete(t.peers, pk)
}

// InsertSession installs a freshly derived session for a peer, superseding
// any previous session. The peer's last-seen address is updated: session
// insertion only ever follows a successful handshake, which is the one
// path allowed to move a peer's address. Returns the local index of the
// superseded session, or 0 when there was none.
func (t *Table) InsertSession(pk wgkey.PublicKey, s *Session, src netip.AddrPort, now time.Time) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.upsertPeerLocked(pk)
	p.Addr = src
	p.LastSeen = now

	var superseded uint32
	if old, ok := t.sessions[pk]; ok {
		superseded = old.LocalIndex
		delete(t.sessionsByIndex, old.LocalIndex)
	}
	t.sessions[pk] = s
	t.sessionsByIndex[s.LocalIndex] = s
	return superseded
}

// SessionByIndex returns the relay session with the given local index.
func (t *Table) SessionByIndex(idx uint32) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessionsByIndex[idx]
	return s, ok
}

// SessionForPeer returns the current session for a peer.
func (t *Table) SessionForPeer(pk wgkey.PublicKey) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[pk]
	return s, ok
}

// HasLiveSession reports whether a peer currently holds a relay session.
func (t *Table) HasLiveSession(pk wgkey.PublicKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sessions[pk]
	return ok
}

// IndexInUse reports whether a local index collides with a live session.
func (t *Table) IndexInUse(idx uint32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sessionsByIndex[idx]
	return ok
}

// PeerByAddr finds the authorized peer whose current session was last seen
// at the given source address. This is how senders of peer-to-peer
// handshake traffic are authenticated before their datagrams are relayed.
func (t *Table) PeerByAddr(src netip.AddrPort) (wgkey.PublicKey, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for pk, p := range t.peers {
		if p.Addr == src {
			if _, ok := t.sessions[pk]; ok {
				return pk, true
			}
		}
	}
	return wgkey.PublicKey{}, false
}

// PeerAddr returns a peer's last-seen address.
func (t *Table) PeerAddr(pk wgkey.PublicKey) (netip.AddrPort, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[pk]
	if !ok || !p.Addr.IsValid() {
		return netip.AddrPort{}, false
	}
	return p.Addr, true
}

// InstallRoute records a learned index route to a destination peer.
func (t *Table) InstallRoute(idx uint32, dst wgkey.PublicKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[dst]; !ok {
		return
	}
	t.routes[idx] = dst
}

// LookupRoute resolves a receiver-index to the destination peer and its
// current address. The hot path of the forwarder.
func (t *Table) LookupRoute(idx uint32) (wgkey.PublicKey, netip.AddrPort, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	dst, ok := t.routes[idx]
	if !ok {
		return wgkey.PublicKey{}, netip.AddrPort{}, false
	}
	p, ok := t.peers[dst]
	if !ok || !p.Addr.IsValid() {
		return wgkey.PublicKey{}, netip.AddrPort{}, false
	}
	return dst, p.Addr, true
}

// TouchPeer refreshes a peer's last-seen timestamp without touching its
// address, and adds transferred byte counts.
func (t *Table) TouchPeer(pk wgkey.PublicKey, now time.Time, bytesIn, bytesOut uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[pk]
	if !ok {
		return
	}
	p.LastSeen = now
	p.BytesIn += bytesIn
	p.BytesOut += bytesOut
}

// TouchSession refreshes a session's activity clock and optionally marks
// it established.
func (t *Table) TouchSession(s *Session, now time.Time, established bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.LastActivity = now
	if established {
		s.Established = true
	}
}

// MarkKeepalive records the time of a relay-sent keepalive.
func (t *Table) MarkKeepalive(s *Session, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.LastKeepalive = now
}

// CheckInitiationTimestamp enforces monotonic TAI64N stamps per peer,
// rejecting replayed initiations. Must only be called for authorized keys;
// the peer record is created on first contact. Returns false for a stale
// stamp.
func (t *Table) CheckInitiationTimestamp(pk wgkey.PublicKey, ts tai64n.Timestamp) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.upsertPeerLocked(pk)
	if !ts.After(p.lastTimestamp) {
		return false
	}
	p.lastTimestamp = ts
	return true
}

// CookieGeneratorFor returns the MAC generator for messages sent to pk.
func (t *Table) CookieGeneratorFor(pk wgkey.PublicKey) *noise.CookieGenerator {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.upsertPeerLocked(pk).cookieGen
}

// SetCounterparties atomically replaces a hub's counterparty list and
// marks the topology roles: the declaring peer becomes a hub, each listed
// key a spoke whose own counterparty set is exactly the declaring hubs.
func (t *Table) SetCounterparties(hub wgkey.PublicKey, keys []wgkey.PublicKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.peers[hub]
	if !ok {
		return
	}
	h.Role = RoleHub

	// Remove the hub from spokes it no longer lists.
	for old := range h.counterparties {
		if p, ok := t.peers[old]; ok {
			delete(p.counterparties, hub)
		}
	}

	h.counterparties = make(map[wgkey.PublicKey]struct{}, len(keys))
	for _, pk := range keys {
		if pk == hub {
			continue
		}
		h.counterparties[pk] = struct{}{}
		sp := t.upsertPeerLocked(pk)
		if sp.Role == RoleUnknown {
			sp.Role = RoleSpoke
		}
		sp.counterparties[hub] = struct{}{}
	}

	// Routes to peers that are no longer anyone's counterparty stay
	// valid only while the destination remains authorized; authorization
	// is the allow-list, which this call does not change.
}

// Counterparties returns the peers pk may exchange transport data with.
func (t *Table) Counterparties(pk wgkey.PublicKey) []wgkey.PublicKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[pk]
	if !ok {
		return nil
	}
	out := make([]wgkey.PublicKey, 0, len(p.counterparties))
	for cp := range p.counterparties {
		out = append(out, cp)
	}
	return out
}

// MutuallyAuthorized reports whether a and b are declared counterparties.
func (t *Table) MutuallyAuthorized(a, b wgkey.PublicKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pa, ok := t.peers[a]
	if !ok {
		return false
	}
	pb, ok := t.peers[b]
	if !ok {
		return false
	}
	_, ab := pa.counterparties[b]
	_, ba := pb.counterparties[a]
	return ab && ba
}

// Expire removes sessions idle past noise.RejectAfterTime together with
// every index route destined for their peers, and returns the number of
// sessions removed.
func (t *Table) Expire(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for pk, s := range t.sessions {
		if now.Sub(s.LastActivity) <= noise.RejectAfterTime {
			continue
		}
		delete(t.sessionsByIndex, s.LocalIndex)
		delete(t.sessions, pk)
		for idx, dst := range t.routes {
			if dst == pk {
				delete(t.routes, idx)
			}
		}
		removed++
	}
	return removed
}

// Stats is a point-in-time summary of table occupancy.
type Stats struct {
	Peers    int
	Sessions int
	Routes   int
}

// Size returns current table occupancy.
func (t *Table) Size() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{Peers: len(t.peers), Sessions: len(t.sessions), Routes: len(t.routes)}
}

// PeerSnapshot is a copy of one peer's externally visible state.
type PeerSnapshot struct {
	Key            wgkey.PublicKey
	Role           Role
	Addr           netip.AddrPort
	LastSeen       time.Time
	BytesIn        uint64
	BytesOut       uint64
	Counterparties []wgkey.PublicKey
}

// SessionSnapshot is a copy of one session's externally visible state.
type SessionSnapshot struct {
	Peer         wgkey.PublicKey
	LocalIndex   uint32
	RemoteIndex  uint32
	Created      time.Time
	LastActivity time.Time
	Established  bool
}

// Snapshot returns a consistent copy of peers and sessions for GetStatus
// and the health endpoint.
func (t *Table) Snapshot() ([]PeerSnapshot, []SessionSnapshot) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := make([]PeerSnapshot, 0, len(t.peers))
	for _, p := range t.peers {
		cps := make([]wgkey.PublicKey, 0, len(p.counterparties))
		for cp := range p.counterparties {
			cps = append(cps, cp)
		}
		peers = append(peers, PeerSnapshot{
			Key:            p.Key,
			Role:           p.Role,
			Addr:           p.Addr,
			LastSeen:       p.LastSeen,
			BytesIn:        p.BytesIn,
			BytesOut:       p.BytesOut,
			Counterparties: cps,
		})
	}

	sessions := make([]SessionSnapshot, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, SessionSnapshot{
			Peer:         s.Peer,
			LocalIndex:   s.LocalIndex,
			RemoteIndex:  s.RemoteIndex,
			Created:      s.Created,
			LastActivity: s.LastActivity,
			Established:  s.Established,
		})
	}
	return peers, sessions
}

// Sessions returns the live sessions for maintenance walks (keepalive and
// rekey checks).
func (t *Table) Sessions() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}
