package noise

import (
	"net/netip"
	"testing"
	"time"
)

func TestCookieChecker_MAC1Mismatch(t *testing.T) {
	ours := mustKey(t).PublicKey()
	theirs := mustKey(t).PublicKey()

	msg := make([]byte, MessageInitiationSize)
	msg[0] = MessageTypeInitiation
	NewCookieGenerator(theirs).AddMacs(msg)

	checker := NewCookieChecker(ours)
	if checker.CheckMAC1(msg) {
		t.Error("CheckMAC1() accepted a MAC1 bound to a different static key")
	}

	// And a MAC bound to our own key passes.
	NewCookieGenerator(ours).AddMacs(msg)
	if !checker.CheckMAC1(msg) {
		t.Error("CheckMAC1() rejected a MAC1 bound to our static key")
	}
}

func TestCookieChecker_CheckMAC1_Short(t *testing.T) {
	checker := NewCookieChecker(mustKey(t).PublicKey())
	if checker.CheckMAC1(make([]byte, 16)) {
		t.Error("CheckMAC1() accepted a message shorter than two MACs")
	}
}

func TestCookieReply_RoundTrip(t *testing.T) {
	respPublic := mustKey(t).PublicKey()
	src := netip.MustParseAddrPort("192.0.2.10:51820")

	// Sender stamps MAC1 on an initiation.
	msg := make([]byte, MessageInitiationSize)
	msg[0] = MessageTypeInitiation
	gen := NewCookieGenerator(respPublic)
	gen.AddMacs(msg)

	// Responder is under load and answers with a cookie reply.
	checker := NewCookieChecker(respPublic)
	reply, err := checker.CreateReply(msg, 42, src)
	if err != nil {
		t.Fatalf("CreateReply() error: %v", err)
	}
	if reply.Receiver != 42 {
		t.Errorf("reply receiver = %d, want 42", reply.Receiver)
	}

	// Sender consumes the reply and retransmits with MAC2 set.
	if err := gen.ConsumeReply(reply); err != nil {
		t.Fatalf("ConsumeReply() error: %v", err)
	}
	gen.AddMacs(msg)

	if isZero(msg[MessageInitiationSize-16:]) {
		t.Fatal("MAC2 not set after cookie consumption")
	}
	if !checker.CheckMAC2(msg, src) {
		t.Error("CheckMAC2() rejected a valid cookie MAC")
	}

	// MAC2 is bound to the source address.
	other := netip.MustParseAddrPort("192.0.2.10:51821")
	if checker.CheckMAC2(msg, other) {
		t.Error("CheckMAC2() accepted a cookie MAC for a different source address")
	}
}

func TestCookieGenerator_ConsumeReply_NoInitiation(t *testing.T) {
	gen := NewCookieGenerator(mustKey(t).PublicKey())
	err := gen.ConsumeReply(&MessageCookieReply{})
	if err != ErrNoLastMAC1 {
		t.Errorf("ConsumeReply() error = %v, want ErrNoLastMAC1", err)
	}
}

func TestCookieGenerator_ConsumeReply_BadCiphertext(t *testing.T) {
	pub := mustKey(t).PublicKey()
	gen := NewCookieGenerator(pub)

	msg := make([]byte, MessageInitiationSize)
	msg[0] = MessageTypeInitiation
	gen.AddMacs(msg)

	var garbage MessageCookieReply
	if err := gen.ConsumeReply(&garbage); err != ErrBadCookieReply {
		t.Errorf("ConsumeReply() error = %v, want ErrBadCookieReply", err)
	}
}

func TestCookieChecker_RotateSecret(t *testing.T) {
	checker := NewCookieChecker(mustKey(t).PublicKey())

	now := time.Now()
	if checker.RotateSecret(now) {
		t.Error("RotateSecret() rotated a fresh secret")
	}
	if !checker.RotateSecret(now.Add(CookieRefreshTime + time.Second)) {
		t.Error("RotateSecret() did not rotate an expired secret")
	}
}

func TestCookieReply_InvalidatedByRotation(t *testing.T) {
	respPublic := mustKey(t).PublicKey()
	src := netip.MustParseAddrPort("198.51.100.7:7777")

	msg := make([]byte, MessageInitiationSize)
	msg[0] = MessageTypeInitiation
	gen := NewCookieGenerator(respPublic)
	gen.AddMacs(msg)

	checker := NewCookieChecker(respPublic)
	reply, err := checker.CreateReply(msg, 1, src)
	if err != nil {
		t.Fatalf("CreateReply() error: %v", err)
	}
	if err := gen.ConsumeReply(reply); err != nil {
		t.Fatalf("ConsumeReply() error: %v", err)
	}

	// Force a rotation; the old cookie no longer validates.
	if !checker.RotateSecret(time.Now().Add(CookieRefreshTime + time.Second)) {
		t.Fatal("RotateSecret() did not rotate")
	}
	gen.AddMacs(msg)
	if checker.CheckMAC2(msg, src) {
		t.Error("CheckMAC2() accepted a cookie minted under a rotated secret")
	}
}
