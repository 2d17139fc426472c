package router

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/opd-ai/sovrnet/dispatch"
	"github.com/opd-ai/sovrnet/identity"
	"github.com/opd-ai/sovrnet/kernelif"
	"github.com/opd-ai/sovrnet/noisehs"
	"github.com/opd-ai/sovrnet/peer"
	"github.com/opd-ai/sovrnet/wire"
)

// TestHandleConnectionRequestReciprocalTCP exercises the reciprocal
// dial-back path: the Maintainer sends a RoutingRequest then completes
// the Noise exchange as responder, since the far end already holds the
// initiator role.
func TestHandleConnectionRequestReciprocalTCP(t *testing.T) {
	bobKey, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	aliceKey, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	pki := identity.NewPKI()
	pki.Put(identity.Identity{Name: "bob", NetworkingKey: bobKey.PublicKeyArray()})
	pki.Put(identity.Identity{Name: "alice", NetworkingKey: aliceKey.PublicKeyArray()})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	portNum, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	port := uint16(portNum)
	pki.Put(identity.Identity{
		Name:          "router1",
		NetworkingKey: bobKey.PublicKeyArray(),
		Routing:       identity.Routing{Kind: identity.KindDirect, IP: "127.0.0.1", Ports: map[string]uint16{"tcp": port}},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Keep the connection open until the test ends: closing it here
		// would let the registered peer die and be removed before the
		// assertion below runs.
		t.Cleanup(func() { conn.Close() })

		first, err := wire.ReadRawFrame(conn)
		if err != nil {
			return
		}
		rr, err := wire.DecodeRoutingRequest(first)
		if err != nil || rr.Target != "alice" || rr.Initiator != "bob" {
			return
		}

		fio := noisehs.WrapTCP(conn)
		hs, err := noisehs.New(noisehs.Initiator, "alice", aliceKey, func(name string) ([32]byte, bool) {
			id, ok := pki.Get(name)
			return id.NetworkingKey, ok
		}, false)
		if err != nil {
			return
		}
		noisehs.RunInitiator(fio, hs)
	}()

	peers := peer.NewPeers()
	deliver := make(chan kernelif.KernelMessage, 1)
	d := dispatch.New("bob", bobKey, pki, peers, deliver, nil, nil)

	m := New("bob", bobKey, pki, peers, d, nil, deliver, nil, nil)
	m.HandleConnectionRequest("router1", "alice")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake router side never completed")
	}

	if _, ok := peers.Get("alice"); !ok {
		t.Fatal("expected a peer named alice to be registered after the reciprocal handshake")
	}
}
