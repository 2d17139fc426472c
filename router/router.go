// Package router maintains this node's outbound connections to its own
// configured routers (so it can be reached indirectly, and so it can
// receive ConnectionRequest control messages) and handles the
// reciprocal half of a routed connection: when a router asks us to
// connect back so it can pair our socket with a waiting initiator, we
// dial the router again and complete the Noise exchange as the
// responder, since the original initiator already holds that role.
package router

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sovrnet/dispatch"
	"github.com/opd-ai/sovrnet/identity"
	"github.com/opd-ai/sovrnet/internal/obs"
	"github.com/opd-ai/sovrnet/kernelif"
	"github.com/opd-ai/sovrnet/noisehs"
	"github.com/opd-ai/sovrnet/peer"
	"github.com/opd-ai/sovrnet/wire"
	"github.com/opd-ai/sovrnet/wsconn"
)

// ReconnectInterval is how often the maintenance loop checks for
// configured routers it does not currently hold a live connection to.
const ReconnectInterval = 4 * time.Second

// Maintainer keeps this node's router connections alive and services
// reciprocal connect-back requests.
type Maintainer struct {
	self       string
	localKey   *identity.KeyPair
	pki        *identity.PKI
	peers      *peer.Peers
	dispatcher *dispatch.Dispatcher
	deliver    chan<- kernelif.KernelMessage
	offline    chan<- kernelif.WrappedSendError
	safety     kernelif.ProcessSafetyCheck

	mu      sync.RWMutex
	routers []string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Maintainer. routers is this node's own configured
// router list (empty if the node is direct).
func New(self string, localKey *identity.KeyPair, pki *identity.PKI, peers *peer.Peers, d *dispatch.Dispatcher, routers []string, deliver chan<- kernelif.KernelMessage, offline chan<- kernelif.WrappedSendError, safety kernelif.ProcessSafetyCheck) *Maintainer {
	return &Maintainer{
		self:       self,
		localKey:   localKey,
		pki:        pki,
		peers:      peers,
		dispatcher: d,
		routers:    append([]string(nil), routers...),
		deliver:    deliver,
		offline:    offline,
		safety:     safety,
		stopCh:     make(chan struct{}),
	}
}

// Run blocks, reconnecting to any configured router not currently
// connected every ReconnectInterval, until Stop is called.
func (m *Maintainer) Run() {
	ticker := time.NewTicker(ReconnectInterval)
	defer ticker.Stop()

	m.reconcile()
	for {
		select {
		case <-ticker.C:
			m.reconcile()
		case <-m.stopCh:
			return
		}
	}
}

// Stop ends the maintenance loop.
func (m *Maintainer) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Maintainer) reconcile() {
	m.mu.RLock()
	routers := append([]string(nil), m.routers...)
	m.mu.RUnlock()

	for _, name := range routers {
		if _, connected := m.peers.Get(name); connected {
			continue
		}
		id, ok := m.pki.Get(name)
		if !ok {
			continue
		}
		p := m.dispatcher.ConnectToRouter(id)
		if p == nil {
			obs.Debug("router", "reconcile", "failed to reach router", logrus.Fields{"router": name})
			continue
		}
		if m.peers.InsertInitiated(p) {
			go m.runPeer(p)
		} else {
			p.Close()
		}
	}
}

// runPeer drives p until its connection dies, then removes it from the
// peer table so a later reconcile pass will redial it.
func (m *Maintainer) runPeer(p *peer.Peer) {
	p.Run()
	m.peers.Remove(p.Name, p)
}

// HandleConnectionRequest services a kernelif.ConnectionRequest
// received from routerName: it dials the router again, sends a
// reciprocal RoutingRequest so the router can pair this socket with
// the waiting initiator (from), and completes the Noise handshake as
// the responder, since `from` already holds the initiator role on the
// other end of the paired pipe.
func (m *Maintainer) HandleConnectionRequest(routerName, from string) {
	routerID, ok := m.pki.Get(routerName)
	if !ok {
		return
	}

	rr := wire.RoutingRequest{
		Initiator: m.self,
		Target:    from,
		Router:    routerName,
	}
	rr.Signature = m.localKey.Sign(rr.SignedBytes())

	if port, ok := routerID.Routing.Port("tcp"); ok {
		addr := net.JoinHostPort(routerID.Routing.IP, strconv.Itoa(int(port)))
		if m.reciprocalTCP(addr, from, rr) {
			return
		}
	}
	if port, ok := routerID.Routing.Port("ws"); ok {
		if m.reciprocalWS(routerID.Routing.IP, port, from, rr) {
			return
		}
	}
	obs.Debug("router", "HandleConnectionRequest", "failed to reconnect via router", logrus.Fields{"router": routerName, "from": from})
}

func (m *Maintainer) reciprocalTCP(addr, expectedName string, rr wire.RoutingRequest) bool {
	conn, err := net.DialTimeout("tcp", addr, noisehs.Timeout)
	if err != nil {
		return false
	}
	fio := noisehs.WrapTCP(conn)
	if err := fio.WriteBinary(wire.EncodeRoutingRequest(rr)); err != nil {
		conn.Close()
		return false
	}
	first, err := fio.ReadBinary()
	if err != nil {
		conn.Close()
		return false
	}
	hs, err := noisehs.New(noisehs.Responder, m.self, m.localKey, m.lookup, false)
	if err != nil {
		conn.Close()
		return false
	}
	result, err := noisehs.RunResponder(fio, hs, first)
	if err != nil {
		conn.Close()
		return false
	}
	if result.RemoteName != expectedName {
		conn.Close()
		return false
	}
	send, recv, err := hs.CipherStates()
	if err != nil {
		conn.Close()
		return false
	}
	p := peer.NewTCP(expectedName, conn, send, recv, m.deliver, m.offline, m.safety)
	m.peers.InsertAccepted(p)
	go m.runPeer(p)
	return true
}

func (m *Maintainer) reciprocalWS(ip string, port uint16, expectedName string, rr wire.RoutingRequest) bool {
	url := "ws://" + net.JoinHostPort(ip, strconv.Itoa(int(port))) + "/"
	wsConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return false
	}
	conn := wsconn.New(wsConn)
	if err := conn.WriteBinary(wire.EncodeRoutingRequest(rr)); err != nil {
		conn.Close()
		return false
	}
	first, err := conn.ReadBinary()
	if err != nil {
		conn.Close()
		return false
	}
	hs, err := noisehs.New(noisehs.Responder, m.self, m.localKey, m.lookup, false)
	if err != nil {
		conn.Close()
		return false
	}
	result, err := noisehs.RunResponder(conn, hs, first)
	if err != nil {
		conn.Close()
		return false
	}
	if result.RemoteName != expectedName {
		conn.Close()
		return false
	}
	send, recv, err := hs.CipherStates()
	if err != nil {
		conn.Close()
		return false
	}
	p := peer.NewWS(expectedName, conn, send, recv, m.deliver, m.offline, m.safety)
	m.peers.InsertAccepted(p)
	go m.runPeer(p)
	return true
}

func (m *Maintainer) lookup(name string) ([32]byte, bool) {
	id, ok := m.pki.Get(name)
	if !ok {
		return [32]byte{}, false
	}
	return id.NetworkingKey, true
}
