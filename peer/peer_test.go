package peer

import (
	"net"
	"testing"
	"time"

	"github.com/opd-ai/sovrnet/kernelif"
)

// identityCipher is a no-op wire.Cipher used to exercise Peer's framing
// and lifecycle logic independent of real Noise cipher states.
type identityCipher struct{}

func (identityCipher) Encrypt(out, ad, plaintext []byte) ([]byte, error) {
	return append(out, plaintext...), nil
}

func (identityCipher) Decrypt(out, ad, ciphertext []byte) ([]byte, error) {
	return append(out, ciphertext...), nil
}

func TestPeerSendAndDeliver(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	deliverA := make(chan kernelif.KernelMessage, 4)
	deliverB := make(chan kernelif.KernelMessage, 4)

	a := NewTCP("bob", clientConn, identityCipher{}, identityCipher{}, deliverA, nil, nil)
	b := NewTCP("alice", serverConn, identityCipher{}, identityCipher{}, deliverB, nil, nil)

	go a.Run()
	go b.Run()
	defer a.Close()
	defer b.Close()

	km := kernelif.KernelMessage{
		ID:      1,
		Source:  kernelif.Address{Node: "alice", Process: "chat"},
		Target:  kernelif.Address{Node: "bob", Process: "chat"},
		Message: kernelif.Message{Request: &kernelif.Request{Body: []byte("hi"), Metadata: "{}"}},
	}
	if err := b.Send(km); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-deliverA:
		if got.ID != km.ID || !got.Message.IsRequest() {
			t.Fatalf("unexpected delivery: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPeerDropsSpoofedSource(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	deliverA := make(chan kernelif.KernelMessage, 4)
	deliverB := make(chan kernelif.KernelMessage, 4)

	a := NewTCP("bob", clientConn, identityCipher{}, identityCipher{}, deliverA, nil, nil)
	b := NewTCP("alice", serverConn, identityCipher{}, identityCipher{}, deliverB, nil, nil)

	go a.Run()
	go b.Run()
	defer a.Close()
	defer b.Close()

	spoofed := kernelif.KernelMessage{
		ID:      2,
		Source:  kernelif.Address{Node: "mallory", Process: "chat"},
		Target:  kernelif.Address{Node: "bob", Process: "chat"},
		Message: kernelif.Message{Request: &kernelif.Request{Body: []byte("spoof")}},
	}
	if err := b.Send(spoofed); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-deliverA:
		t.Fatalf("expected spoofed message to be dropped, got %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPeerCloseDrainsOutboxOffline(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	offline := make(chan kernelif.WrappedSendError, 4)
	deliver := make(chan kernelif.KernelMessage, 4)

	p := NewTCP("bob", clientConn, identityCipher{}, identityCipher{}, deliver, offline, nil)

	km := kernelif.KernelMessage{
		ID:      9,
		Source:  kernelif.Address{Node: "alice", Process: "chat"},
		Target:  kernelif.Address{Node: "bob", Process: "chat"},
		Message: kernelif.Message{Request: &kernelif.Request{Body: []byte("queued")}},
	}
	// Queue directly so the message is present when Close runs, without
	// depending on the writer loop racing Close.
	p.outbox <- km

	p.Close()

	select {
	case werr := <-offline:
		if werr.ID != km.ID || werr.Error.Kind != kernelif.Offline {
			t.Fatalf("unexpected wrapped error: %+v", werr)
		}
	case <-time.After(time.Second):
		t.Fatal("expected drained message to surface as offline error")
	}
}

func TestPeersDuplicateReplacementOnAccept(t *testing.T) {
	ps := NewPeers()
	c1, s1 := net.Pipe()
	c2, s2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	defer s1.Close()
	defer s2.Close()

	deliver := make(chan kernelif.KernelMessage, 1)
	first := NewTCP("alice", s1, identityCipher{}, identityCipher{}, deliver, nil, nil)
	ps.InsertAccepted(first)

	second := NewTCP("alice", s2, identityCipher{}, identityCipher{}, deliver, nil, nil)
	ps.InsertAccepted(second)

	got, ok := ps.Get("alice")
	if !ok || got != second {
		t.Fatal("expected newest accepted connection to replace the old one")
	}
}

func TestPeersKeepExistingOnInitiatedRace(t *testing.T) {
	ps := NewPeers()
	c1, s1 := net.Pipe()
	c2, s2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	defer s1.Close()
	defer s2.Close()

	deliver := make(chan kernelif.KernelMessage, 1)
	first := NewTCP("alice", s1, identityCipher{}, identityCipher{}, deliver, nil, nil)
	ps.InsertInitiated(first)

	second := NewTCP("alice", s2, identityCipher{}, identityCipher{}, deliver, nil, nil)
	inserted := ps.InsertInitiated(second)
	if inserted {
		t.Fatal("expected second initiated insert to lose the race")
	}

	got, ok := ps.Get("alice")
	if !ok || got != first {
		t.Fatal("expected original connection to remain")
	}
}
