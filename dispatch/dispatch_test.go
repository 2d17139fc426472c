package dispatch

import (
	"net"
	"testing"
	"time"

	"github.com/opd-ai/sovrnet/identity"
	"github.com/opd-ai/sovrnet/kernelif"
	"github.com/opd-ai/sovrnet/noisehs"
	"github.com/opd-ai/sovrnet/peer"
	"github.com/opd-ai/sovrnet/wire"
)

func TestSendUnknownTargetReportsOffline(t *testing.T) {
	selfKey, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	pki := identity.NewPKI()
	peers := peer.NewPeers()
	deliver := make(chan kernelif.KernelMessage, 1)
	offline := make(chan kernelif.WrappedSendError, 1)

	d := New("alice", selfKey, pki, peers, deliver, offline, nil)

	km := kernelif.KernelMessage{
		ID:     1,
		Source: kernelif.Address{Node: "alice", Process: "chat"},
		Target: kernelif.Address{Node: "ghost", Process: "chat"},
		Message: kernelif.Message{Request: &kernelif.Request{
			Body: []byte("hello"),
		}},
	}
	d.Send(km)

	select {
	case werr := <-offline:
		if werr.Error.Kind != kernelif.Offline {
			t.Fatalf("expected offline error, got %+v", werr)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an offline error for an unknown target")
	}
}

func TestSendToLiveTCPPeerDeliversDirectly(t *testing.T) {
	selfKey, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	pki := identity.NewPKI()
	peers := peer.NewPeers()
	deliver := make(chan kernelif.KernelMessage, 1)

	d := New("alice", selfKey, pki, peers, deliver, nil, nil)

	existing := peer.NewTCP("bob", mustPipeHalf(t), noopCipher{}, noopCipher{}, deliver, nil, nil)
	peers.InsertInitiated(existing)

	km := kernelif.KernelMessage{
		ID:      2,
		Source:  kernelif.Address{Node: "alice", Process: "chat"},
		Target:  kernelif.Address{Node: "bob", Process: "chat"},
		Message: kernelif.Message{Request: &kernelif.Request{Body: []byte("hi")}},
	}
	d.Send(km)
	// existing is never Run, so nothing drains its outbox: the fast path
	// in Send is observed as km landing in existing's queue, without
	// needing a live responder.
	if got := existing.QueueDepth(); got != 1 {
		t.Fatalf("expected km queued on the existing peer, queue depth %d", got)
	}
	existing.Close()
}

// TestDialTCPEndToEnd exercises dialTCP's full handshake path against a
// minimal in-test listener playing the responder role, mirroring how the
// eventual listen package will drive RunResponder.
func TestDialTCPEndToEnd(t *testing.T) {
	aliceKey, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bobKey, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	pki := identity.NewPKI()
	pki.Put(identity.Identity{Name: "alice", NetworkingKey: aliceKey.PublicKeyArray()})
	pki.Put(identity.Identity{Name: "bob", NetworkingKey: bobKey.PublicKeyArray()})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		fio := noisehs.WrapTCP(conn)
		first, err := wire.ReadRawFrame(conn)
		if err != nil {
			return
		}
		hs, err := noisehs.New(noisehs.Responder, "bob", bobKey, func(name string) ([32]byte, bool) {
			id, ok := pki.Get(name)
			return id.NetworkingKey, ok
		}, false)
		if err != nil {
			return
		}
		noisehs.RunResponder(fio, hs, first)
	}()

	peers := peer.NewPeers()
	deliver := make(chan kernelif.KernelMessage, 1)
	d := New("alice", aliceKey, pki, peers, deliver, nil, nil)

	p := d.dialTCP("bob", ln.Addr().String(), nil, false)
	if p == nil {
		t.Fatal("expected successful direct dial to reach bob")
	}
	defer p.Close()
	if p.Name != "bob" {
		t.Fatalf("got peer name %q, want bob", p.Name)
	}
}

type noopCipher struct{}

func (noopCipher) Encrypt(out, ad, plaintext []byte) ([]byte, error) {
	return append(out, plaintext...), nil
}

func (noopCipher) Decrypt(out, ad, ciphertext []byte) ([]byte, error) {
	return append(out, ciphertext...), nil
}

func mustPipeHalf(t *testing.T) net.Conn {
	t.Helper()
	c, s := net.Pipe()
	t.Cleanup(func() {
		c.Close()
		s.Close()
	})
	return s
}
