// Package listen runs the TCP and WebSocket accept loops: peek the
// first frame on every inbound connection to tell a Noise handshake
// from a RoutingRequest, run the responder side of whichever protocol
// applies, and hand the result to the peer table or the passthrough
// engine.
package listen

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sovrnet/identity"
	"github.com/opd-ai/sovrnet/internal/obs"
	"github.com/opd-ai/sovrnet/kernelif"
	"github.com/opd-ai/sovrnet/noisehs"
	"github.com/opd-ai/sovrnet/peer"
	"github.com/opd-ai/sovrnet/wire"
	"github.com/opd-ai/sovrnet/wsconn"
)

// AcceptTimeout bounds how long a freshly accepted connection has to
// complete its first frame, handshake or RoutingRequest validation,
// mirroring the dial-side Timeout.
const AcceptTimeout = noisehs.Timeout

// TCPRoutingHandler is invoked when a TCP connection's first frame is a
// validated RoutingRequest rather than a Noise message; it is the
// passthrough engine's entry point for stream carriers.
type TCPRoutingHandler func(rr wire.RoutingRequest, conn net.Conn)

// WSRoutingHandler is the WebSocket-carrier equivalent of
// TCPRoutingHandler.
type WSRoutingHandler func(rr wire.RoutingRequest, conn *wsconn.Conn)

// Listener runs the TCP and WebSocket accept loops for one node.
type Listener struct {
	self      string
	localKey  *identity.KeyPair
	pki       *identity.PKI
	peers     *peer.Peers
	deliver   chan<- kernelif.KernelMessage
	offline   chan<- kernelif.WrappedSendError
	safety    kernelif.ProcessSafetyCheck
	onRouteT  TCPRoutingHandler
	onRouteWS WSRoutingHandler
}

// New constructs a Listener. Either routing handler may be nil, in
// which case inbound RoutingRequests on that carrier are rejected by
// closing the connection.
func New(self string, localKey *identity.KeyPair, pki *identity.PKI, peers *peer.Peers, deliver chan<- kernelif.KernelMessage, offline chan<- kernelif.WrappedSendError, safety kernelif.ProcessSafetyCheck, onRouteT TCPRoutingHandler, onRouteWS WSRoutingHandler) *Listener {
	return &Listener{
		self:      self,
		localKey:  localKey,
		pki:       pki,
		peers:     peers,
		deliver:   deliver,
		offline:   offline,
		safety:    safety,
		onRouteT:  onRouteT,
		onRouteWS: onRouteWS,
	}
}

func (l *Listener) lookup(name string) ([32]byte, bool) {
	id, ok := l.pki.Get(name)
	if !ok {
		return [32]byte{}, false
	}
	return id.NetworkingKey, true
}

// ServeTCP runs the TCP accept loop on ln until it is closed.
func (l *Listener) ServeTCP(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			obs.Debug("listen", "ServeTCP", "accept failed", logrus.Fields{"error": err})
			return
		}
		go l.acceptTCP(conn)
	}
}

func (l *Listener) acceptTCP(conn net.Conn) {
	if err := conn.SetDeadline(time.Now().Add(AcceptTimeout)); err != nil {
		conn.Close()
		return
	}

	first, err := wire.ReadRawFrame(conn)
	if err != nil {
		obs.Debug("listen", "acceptTCP", "failed to read first frame", logrus.Fields{"error": err})
		conn.Close()
		return
	}

	if wire.LooksLikeRoutingRequest(first) {
		rr, ok := l.validateRoutingRequest(first)
		if !ok {
			conn.Close()
			return
		}
		conn.SetDeadline(time.Time{})
		if l.onRouteT == nil {
			conn.Close()
			return
		}
		l.onRouteT(rr, conn)
		return
	}

	fio := noisehs.WrapTCP(conn)
	hs, err := noisehs.New(noisehs.Responder, l.self, l.localKey, l.lookup, false)
	if err != nil {
		conn.Close()
		return
	}
	result, err := noisehs.RunResponder(fio, hs, first)
	if err != nil {
		obs.Debug("listen", "acceptTCP", "handshake failed", logrus.Fields{"error": err})
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	send, recv, err := hs.CipherStates()
	if err != nil {
		conn.Close()
		return
	}
	p := peer.NewTCP(result.RemoteName, conn, send, recv, l.deliver, l.offline, l.safety)
	p.RoutingFor = hs.RemoteWantsProxy
	l.installPeer(p)
}

// ServeWS upgrades and runs the WebSocket accept loop at addr, serving
// on path "/".
func (l *Listener) ServeWS(addr string) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			obs.Debug("listen", "ServeWS", "upgrade failed", logrus.Fields{"error": err})
			return
		}
		go l.acceptWS(wsconn.New(ws))
	})
	return http.ListenAndServe(addr, mux)
}

func (l *Listener) acceptWS(conn *wsconn.Conn) {
	if err := conn.SetDeadline(time.Now().Add(AcceptTimeout)); err != nil {
		conn.Close()
		return
	}

	first, err := conn.ReadBinary()
	if err != nil {
		obs.Debug("listen", "acceptWS", "failed to read first frame", logrus.Fields{"error": err})
		conn.Close()
		return
	}

	if wire.LooksLikeRoutingRequest(first) {
		rr, ok := l.validateRoutingRequest(first)
		if !ok {
			conn.Close()
			return
		}
		conn.SetDeadline(time.Time{})
		if l.onRouteWS == nil {
			conn.Close()
			return
		}
		l.onRouteWS(rr, conn)
		return
	}

	hs, err := noisehs.New(noisehs.Responder, l.self, l.localKey, l.lookup, false)
	if err != nil {
		conn.Close()
		return
	}
	result, err := noisehs.RunResponder(conn, hs, first)
	if err != nil {
		obs.Debug("listen", "acceptWS", "handshake failed", logrus.Fields{"error": err})
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	send, recv, err := hs.CipherStates()
	if err != nil {
		conn.Close()
		return
	}
	p := peer.NewWS(result.RemoteName, conn, send, recv, l.deliver, l.offline, l.safety)
	p.RoutingFor = hs.RemoteWantsProxy
	l.installPeer(p)
}

// installPeer registers p, killing any existing connection to the same
// name: an inbound connection always wins over whatever came before it.
// It removes p from the table once its connection dies, so a stale
// entry never outlives the connection it stands for.
func (l *Listener) installPeer(p *peer.Peer) {
	l.peers.InsertAccepted(p)
	go func() {
		p.Run()
		l.peers.Remove(p.Name, p)
	}()
}

// validateRoutingRequest decodes and authenticates a RoutingRequest's
// first frame: both named parties must have a PKI entry, the initiator
// and target must differ, and the signature must verify against the
// initiator's networking key over Target||Router (Router being this
// node, the recipient of the request).
func (l *Listener) validateRoutingRequest(first []byte) (wire.RoutingRequest, bool) {
	rr, err := wire.DecodeRoutingRequest(first)
	if err != nil {
		obs.Debug("listen", "validateRoutingRequest", "malformed routing request", logrus.Fields{"error": err})
		return rr, false
	}
	if rr.Initiator == rr.Target {
		return rr, false
	}
	if rr.Router != l.self {
		return rr, false
	}
	initiatorID, ok := l.pki.Get(rr.Initiator)
	if !ok {
		return rr, false
	}
	if _, ok := l.pki.Get(rr.Target); !ok {
		return rr, false
	}
	if !identity.Verify(initiatorID.NetworkingKey, rr.SignedBytes(), rr.Signature) {
		obs.Loud("listen", "validateRoutingRequest", "rejected forged routing request signature", logrus.Fields{"initiator": rr.Initiator})
		return rr, false
	}
	return rr, true
}
