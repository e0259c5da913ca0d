package noise

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrBadCookieReply is returned when a cookie reply fails to decrypt.
	ErrBadCookieReply = errors.New("failed to decrypt cookie reply")

	// ErrNoLastMAC1 is returned when a cookie reply arrives but no
	// initiation was recently sent.
	ErrNoLastMAC1 = errors.New("no MAC1 on record for cookie reply")
)

// CookieChecker validates MAC1 and MAC2 on inbound handshake messages and
// mints cookies for cookie replies. One instance guards one static identity.
type CookieChecker struct {
	mu sync.RWMutex

	mac1Key       [blake2s.Size]byte
	cookieSecret  [blake2s.Size]byte
	secretSet     time.Time
	encryptionKey [chacha20poly1305.KeySize]byte
}

// NewCookieChecker creates a checker for the given static public key.
func NewCookieChecker(publicKey [32]byte) *CookieChecker {
	cc := &CookieChecker{
		mac1Key:       macKey(LabelMAC1, publicKey),
		encryptionKey: macKey(LabelCookie, publicKey),
	}
	rand.Read(cc.cookieSecret[:])
	cc.secretSet = time.Now()
	return cc
}

func macKey(label string, publicKey [32]byte) [blake2s.Size]byte {
	var key [blake2s.Size]byte
	h, _ := blake2s.New256(nil)
	h.Write([]byte(label))
	h.Write(publicKey[:])
	h.Sum(key[:0])
	return key
}

// CheckMAC1 verifies the first MAC of a handshake message in constant time.
// A mismatch means the message is addressed to some other static key.
func (cc *CookieChecker) CheckMAC1(msg []byte) bool {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	if len(msg) < 2*blake2s.Size128 {
		return false
	}
	smac2 := len(msg) - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	mac, err := blake2s.New128(cc.mac1Key[:])
	if err != nil {
		return false
	}
	mac.Write(msg[:smac1])
	var computed [blake2s.Size128]byte
	mac.Sum(computed[:0])

	return hmac.Equal(computed[:], msg[smac1:smac2])
}

// CheckMAC2 verifies the second MAC against the current cookie for the
// message's source address.
func (cc *CookieChecker) CheckMAC2(msg []byte, src netip.AddrPort) bool {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	if time.Since(cc.secretSet) > CookieRefreshTime {
		return false
	}
	if len(msg) < blake2s.Size128 {
		return false
	}

	cookie := cc.cookieLocked(src)

	smac2 := len(msg) - blake2s.Size128
	mac, _ := blake2s.New128(cookie[:])
	mac.Write(msg[:smac2])
	var computed [blake2s.Size128]byte
	mac.Sum(computed[:0])

	return hmac.Equal(computed[:], msg[smac2:])
}

// cookieLocked derives the cookie for a source address from the rotating
// secret. Callers hold at least a read lock.
func (cc *CookieChecker) cookieLocked(src netip.AddrPort) [blake2s.Size128]byte {
	var cookie [blake2s.Size128]byte
	mac, _ := blake2s.New128(cc.cookieSecret[:])
	mac.Write(addrBytes(src))
	mac.Sum(cookie[:0])
	return cookie
}

// CreateReply builds a cookie reply for a rejected initiation. The receiver
// index echoes the initiation's sender index, and the initiation's MAC1 is
// the AEAD additional data, binding the reply to that exact message.
func (cc *CookieChecker) CreateReply(initiation []byte, sender uint32, src netip.AddrPort) (*MessageCookieReply, error) {
	if len(initiation) < 2*blake2s.Size128 {
		return nil, ErrMessageTooShort
	}
	smac2 := len(initiation) - blake2s.Size128
	smac1 := smac2 - blake2s.Size128
	mac1 := initiation[smac1:smac2]

	var reply MessageCookieReply
	reply.Receiver = sender
	if _, err := rand.Read(reply.Nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate cookie nonce: %w", err)
	}

	cc.mu.RLock()
	cookie := cc.cookieLocked(src)
	aead, err := chacha20poly1305.NewX(cc.encryptionKey[:])
	cc.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	aead.Seal(reply.Cookie[:0], reply.Nonce[:], cookie[:], mac1)
	return &reply, nil
}

// RotateSecret replaces the cookie secret if it is older than
// CookieRefreshTime. Returns true if a rotation happened.
func (cc *CookieChecker) RotateSecret(now time.Time) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if now.Sub(cc.secretSet) <= CookieRefreshTime {
		return false
	}
	if _, err := rand.Read(cc.cookieSecret[:]); err != nil {
		return false
	}
	cc.secretSet = now
	return true
}

// CookieGenerator stamps MAC1/MAC2 on outbound handshake messages directed
// at one remote static key, and consumes cookie replies from that peer.
type CookieGenerator struct {
	mu sync.Mutex

	mac1Key       [blake2s.Size]byte
	encryptionKey [chacha20poly1305.KeySize]byte

	cookie      [blake2s.Size128]byte
	cookieSet   time.Time
	lastMAC1    [blake2s.Size128]byte
	hasLastMAC1 bool
}

// NewCookieGenerator creates a generator for messages sent to the given
// remote static public key.
func NewCookieGenerator(remotePublic [32]byte) *CookieGenerator {
	return &CookieGenerator{
		mac1Key:       macKey(LabelMAC1, remotePublic),
		encryptionKey: macKey(LabelCookie, remotePublic),
	}
}

// AddMacs computes MAC1 (always) and MAC2 (when a live cookie is held) in
// place over a fully serialized handshake message.
func (cg *CookieGenerator) AddMacs(msg []byte) {
	smac2 := len(msg) - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	cg.mu.Lock()
	defer cg.mu.Unlock()

	mac, _ := blake2s.New128(cg.mac1Key[:])
	mac.Write(msg[:smac1])
	mac.Sum(msg[smac1:smac1])

	copy(cg.lastMAC1[:], msg[smac1:smac2])
	cg.hasLastMAC1 = true

	if time.Since(cg.cookieSet) > CookieRefreshTime {
		return
	}
	mac, _ = blake2s.New128(cg.cookie[:])
	mac.Write(msg[:smac2])
	mac.Sum(msg[smac2:smac2])
}

// ConsumeReply decrypts a cookie reply and stores the cookie for MAC2 on
// the next retransmission.
func (cg *CookieGenerator) ConsumeReply(msg *MessageCookieReply) error {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	if !cg.hasLastMAC1 {
		return ErrNoLastMAC1
	}

	aead, err := chacha20poly1305.NewX(cg.encryptionKey[:])
	if err != nil {
		return err
	}
	var cookie [blake2s.Size128]byte
	_, err = aead.Open(cookie[:0], msg.Nonce[:], msg.Cookie[:], cg.lastMAC1[:])
	if err != nil {
		return ErrBadCookieReply
	}

	cg.cookie = cookie
	cg.cookieSet = time.Now()
	return nil
}

// addrBytes serializes an address the way the whitepaper specifies for
// cookie derivation: IP bytes followed by the big-endian port.
func addrBytes(ap netip.AddrPort) []byte {
	addr := ap.Addr().Unmap()
	var b []byte
	if addr.Is4() {
		v4 := addr.As4()
		b = append(b, v4[:]...)
	} else {
		v16 := addr.As16()
		b = append(b, v16[:]...)
	}
	return binary.BigEndian.AppendUint16(b, ap.Port())
}
