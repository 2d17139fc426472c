// Package node wires together identity, dispatch, listen, passthrough
// and router maintenance into the single entry point an embedding
// program constructs: two channels for inbound traffic and delivery
// failures, and a Control method for the kernel-facing request types
// kernelif defines.
package node

import (
	"fmt"
	"net"

	"github.com/opd-ai/sovrnet/dispatch"
	"github.com/opd-ai/sovrnet/identity"
	"github.com/opd-ai/sovrnet/internal/obs"
	"github.com/opd-ai/sovrnet/kernelif"
	"github.com/opd-ai/sovrnet/listen"
	"github.com/opd-ai/sovrnet/passthrough"
	"github.com/opd-ai/sovrnet/peer"
	"github.com/opd-ai/sovrnet/router"
	"github.com/opd-ai/sovrnet/wire"
	"github.com/opd-ai/sovrnet/wsconn"
	"github.com/sirupsen/logrus"
)

// Config carries everything Node needs to start: this node's identity,
// which routers (if any) it is indirect through, and how many
// concurrent passthroughs it will relay for peers it routes for.
type Config struct {
	Self           string
	LocalKey       *identity.KeyPair
	PKI            *identity.PKI
	Routers        []string
	MaxPassthrough uint32
	Safety         kernelif.ProcessSafetyCheck
}

// Node is one running instance of the transport: its peer table,
// dispatcher, listeners, passthrough engine and router maintenance
// loop, plus the two channels an embedder consumes.
type Node struct {
	self           string
	localKey       *identity.KeyPair
	pki            *identity.PKI
	maxPassthrough uint32

	peers      *peer.Peers
	dispatcher *dispatch.Dispatcher
	listener   *listen.Listener
	relay      *passthrough.Engine
	routers    *router.Maintainer

	rawDeliver chan kernelif.KernelMessage
	inbound    chan kernelif.KernelMessage
	offline    chan kernelif.WrappedSendError
}

// New constructs a Node and starts its background router-maintenance
// loop and inbound-message pump. Call ServeTCP/ServeWS to accept
// incoming connections.
func New(cfg Config) *Node {
	rawDeliver := make(chan kernelif.KernelMessage, 256)
	offline := make(chan kernelif.WrappedSendError, 256)

	peers := peer.NewPeers()
	d := dispatch.New(cfg.Self, cfg.LocalKey, cfg.PKI, peers, rawDeliver, offline, cfg.Safety)
	relay := passthrough.New(cfg.MaxPassthrough)

	n := &Node{
		self:           cfg.Self,
		localKey:       cfg.LocalKey,
		pki:            cfg.PKI,
		maxPassthrough: cfg.MaxPassthrough,
		peers:          peers,
		dispatcher: d,
		relay:      relay,
		rawDeliver: rawDeliver,
		inbound:    make(chan kernelif.KernelMessage, 256),
		offline:    offline,
	}

	n.routers = router.New(cfg.Self, cfg.LocalKey, cfg.PKI, peers, d, cfg.Routers, rawDeliver, offline, cfg.Safety)

	n.listener = listen.New(cfg.Self, cfg.LocalKey, cfg.PKI, peers, rawDeliver, offline, cfg.Safety,
		func(rr wire.RoutingRequest, conn net.Conn) { n.relay.AdmitTCP(rr.Initiator, rr.Target, conn) },
		func(rr wire.RoutingRequest, conn *wsconn.Conn) { n.relay.AdmitWS(rr.Initiator, rr.Target, conn) },
	)

	go n.routers.Run()
	go n.pumpInbound()

	return n
}

// Inbound delivers KernelMessages addressed to this node from its
// connected peers, with router ConnectionRequests filtered out and
// handled internally.
func (n *Node) Inbound() <-chan kernelif.KernelMessage { return n.inbound }

// Offline delivers WrappedSendErrors for messages that could not be
// delivered.
func (n *Node) Offline() <-chan kernelif.WrappedSendError { return n.offline }

// Send hands km to the dispatcher for outbound delivery.
func (n *Node) Send(km kernelif.KernelMessage) { n.dispatcher.Send(km) }

// ServeTCP runs the TCP accept loop on ln until it is closed.
func (n *Node) ServeTCP(ln net.Listener) { n.listener.ServeTCP(ln) }

// ServeWS runs the WebSocket accept loop on addr until it fails.
func (n *Node) ServeWS(addr string) error { return n.listener.ServeWS(addr) }

// pumpInbound intercepts ConnectionRequest control messages addressed
// to kernelif.NetProcess and forwards everything else untouched.
func (n *Node) pumpInbound() {
	for km := range n.rawDeliver {
		if km.Target.Process == kernelif.NetProcess && km.Message.Request != nil {
			if cr, ok := kernelif.DecodeConnectionRequest(*km.Message.Request); ok {
				obs.Debug("node", "pumpInbound", "servicing connection request", logrus.Fields{"router": km.Source.Node, "from": cr.From})
				go n.routers.HandleConnectionRequest(km.Source.Node, cr.From)
				continue
			}
		}
		n.inbound <- km
	}
}

// Control services a kernel-facing control request, returning the
// matching NetResponse variant.
func (n *Node) Control(req any) (kernelif.NetResponse, error) {
	switch r := req.(type) {
	case kernelif.HnsUpdate:
		if err := n.pki.Apply(r.Entry); err != nil {
			return kernelif.NetResponse{}, err
		}
		return kernelif.NetResponse{Accepted: ptr("ok")}, nil

	case kernelif.HnsBatchUpdate:
		if err := n.pki.Apply(r.Entries...); err != nil {
			return kernelif.NetResponse{}, err
		}
		return kernelif.NetResponse{Accepted: ptr("ok")}, nil

	case kernelif.GetPeers:
		return kernelif.NetResponse{Peers: snapshotToEntries(n.pki.Snapshot())}, nil

	case kernelif.GetPeer:
		id, ok := n.pki.Get(r.Name)
		if !ok {
			return kernelif.NetResponse{Rejected: ptr("unknown peer")}, nil
		}
		entry := identityToEntry(id)
		return kernelif.NetResponse{Peer: &entry}, nil

	case kernelif.GetDiagnostics:
		active, pending := n.relay.Counts()
		return kernelif.NetResponse{Diagnostics: &kernelif.Diagnostics{
			Peers:               n.peers.Diagnostics(),
			ActivePassthroughs:  active,
			PendingPassthroughs: pending,
			MaxPassthroughs:     n.maxPassthrough,
		}}, nil

	case kernelif.Sign:
		sig := identity.SignWithAddress(n.localKey, n.self, r.Blob)
		return kernelif.NetResponse{SignedBlob: sig}, nil

	case kernelif.Verify:
		id, ok := n.pki.Get(r.From)
		if !ok {
			return kernelif.NetResponse{Verified: ptr(false)}, nil
		}
		ok2 := identity.VerifyWithAddress(id.NetworkingKey, r.From, r.Blob, r.Signature)
		return kernelif.NetResponse{Verified: &ok2}, nil

	default:
		return kernelif.NetResponse{}, fmt.Errorf("node: unrecognized control request %T", req)
	}
}

func ptr[T any](v T) *T { return &v }

func snapshotToEntries(ids []identity.Identity) []kernelif.HnsEntry {
	out := make([]kernelif.HnsEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, identityToEntry(id))
	}
	return out
}

func identityToEntry(id identity.Identity) kernelif.HnsEntry {
	entry := kernelif.HnsEntry{
		Name:      id.Name,
		PublicKey: id.NetworkingKeyHex(),
		Ports:     id.Routing.Ports,
		Routers:   id.Routing.Routers,
	}
	if id.Routing.IsDirect() {
		entry.Ips = []string{id.Routing.IP}
	}
	return entry
}
