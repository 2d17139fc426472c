package identity

import (
	"encoding/hex"
	"testing"

	"github.com/opd-ai/sovrnet/kernelif"
)

func hexOf(key [32]byte) string {
	return hex.EncodeToString(key[:])
}

func TestPKIApplyDirect(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	pki := NewPKI()
	entry := kernelif.HnsEntry{
		Name:      "alice",
		PublicKey: hexOf(kp.PublicKeyArray()),
		Ips:       []string{"10.0.0.1"},
		Ports:     map[string]uint16{"tcp": 9000},
	}
	if err := pki.Apply(entry); err != nil {
		t.Fatalf("apply: %v", err)
	}
	id, ok := pki.Get("alice")
	if !ok {
		t.Fatal("expected alice in pki")
	}
	if !id.Routing.IsDirect() {
		t.Error("expected direct routing")
	}
	if p, ok := id.Routing.Port("tcp"); !ok || p != 9000 {
		t.Errorf("expected tcp port 9000, got %d ok=%v", p, ok)
	}
}

func TestPKIApplyIndirect(t *testing.T) {
	kp, _ := GenerateKeyPair()
	pki := NewPKI()
	entry := kernelif.HnsEntry{
		Name:      "bob",
		PublicKey: hexOf(kp.PublicKeyArray()),
		Routers:   []string{"router1"},
	}
	if err := pki.Apply(entry); err != nil {
		t.Fatalf("apply: %v", err)
	}
	id, _ := pki.Get("bob")
	if !id.Routing.IsIndirect() {
		t.Error("expected indirect routing")
	}
	if id.Routing.IsDirect() {
		t.Error("expected not direct")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, _ := GenerateKeyPair()
	msg := []byte("noise-static-key-bytes")
	sig := kp.Sign(msg)
	if !Verify(kp.PublicKeyArray(), msg, sig) {
		t.Fatal("expected signature to verify")
	}
	tampered := append([]byte{}, msg...)
	tampered[0] ^= 0xFF
	if Verify(kp.PublicKeyArray(), tampered, sig) {
		t.Fatal("expected tampered message to fail verification")
	}
}

func TestSignVerifyWithAddress(t *testing.T) {
	kp, _ := GenerateKeyPair()
	blob := []byte("payload")
	sig := SignWithAddress(kp, "alice", blob)
	if !VerifyWithAddress(kp.PublicKeyArray(), "alice", blob, sig) {
		t.Fatal("expected address-bound signature to verify")
	}
	if VerifyWithAddress(kp.PublicKeyArray(), "mallory", blob, sig) {
		t.Fatal("expected verification to fail for wrong address")
	}
}
