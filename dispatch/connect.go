package dispatch

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sovrnet/identity"
	"github.com/opd-ai/sovrnet/internal/obs"
	"github.com/opd-ai/sovrnet/noisehs"
	"github.com/opd-ai/sovrnet/peer"
	"github.com/opd-ai/sovrnet/wire"
	"github.com/opd-ai/sovrnet/wsconn"
)

// dialDirect tries id's advertised ports directly, TCP then WebSocket.
func (d *Dispatcher) dialDirect(id identity.Identity) *peer.Peer {
	if port, ok := id.Routing.Port("tcp"); ok {
		addr := net.JoinHostPort(id.Routing.IP, strconv.Itoa(int(port)))
		if p := d.dialTCP(id.Name, addr, nil, false); p != nil {
			return p
		}
	}
	if port, ok := id.Routing.Port("ws"); ok {
		if p := d.dialWS(id.Name, id.Routing.IP, port, nil, false); p != nil {
			return p
		}
	}
	return nil
}

// ConnectToRouter dials one of our own configured routers directly,
// setting ProxyRequest in the handshake payload so the router
// registers us as a node it routes for. Used by the router package's
// reconnect maintenance; never sends a RoutingRequest, since this is a
// direct connection to the router itself, not a relayed one to some
// other target.
func (d *Dispatcher) ConnectToRouter(routerID identity.Identity) *peer.Peer {
	if port, ok := routerID.Routing.Port("tcp"); ok {
		addr := net.JoinHostPort(routerID.Routing.IP, strconv.Itoa(int(port)))
		if p := d.dialTCP(routerID.Name, addr, nil, true); p != nil {
			return p
		}
	}
	if port, ok := routerID.Routing.Port("ws"); ok {
		if p := d.dialWS(routerID.Name, routerID.Routing.IP, port, nil, true); p != nil {
			return p
		}
	}
	return nil
}

// dialViaRouter shuffles id's router list and tries each in turn,
// skipping routers we have no PKI entry for and ourselves, sending a
// signed RoutingRequest ahead of the Noise handshake on whichever
// transport succeeds first.
func (d *Dispatcher) dialViaRouter(id identity.Identity) *peer.Peer {
	routers := append([]string(nil), id.Routing.Routers...)
	rand.Shuffle(len(routers), func(i, j int) { routers[i], routers[j] = routers[j], routers[i] })

	for _, routerName := range routers {
		if routerName == d.self {
			continue
		}
		routerID, ok := d.pki.Get(routerName)
		if !ok {
			continue
		}

		rr := wire.RoutingRequest{
			Initiator: d.self,
			Target:    id.Name,
			Router:    routerName,
		}
		rr.Signature = d.localKey.Sign(rr.SignedBytes())

		if port, ok := routerID.Routing.Port("tcp"); ok {
			addr := net.JoinHostPort(routerID.Routing.IP, strconv.Itoa(int(port)))
			if p := d.dialTCP(id.Name, addr, &rr, false); p != nil {
				return p
			}
		}
		if port, ok := routerID.Routing.Port("ws"); ok {
			if p := d.dialWS(id.Name, routerID.Routing.IP, port, &rr, false); p != nil {
				return p
			}
		}
	}
	return nil
}

// dialTCP dials addr, optionally sends a RoutingRequest as a
// length-prefixed raw frame, then runs the Noise initiator handshake
// and returns a live Peer for expectedName.
func (d *Dispatcher) dialTCP(expectedName, addr string, rr *wire.RoutingRequest, proxyRequest bool) *peer.Peer {
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		obs.Debug("dispatch", "dialTCP", "dial failed", logrus.Fields{"addr": addr, "error": err})
		return nil
	}

	fio := noisehs.WrapTCP(conn)
	if rr != nil {
		if err := fio.WriteBinary(wire.EncodeRoutingRequest(*rr)); err != nil {
			conn.Close()
			return nil
		}
	}

	hs, err := d.newHandshake(noisehs.Initiator, proxyRequest)
	if err != nil {
		conn.Close()
		return nil
	}
	result, err := noisehs.RunInitiator(fio, hs)
	if err != nil {
		obs.Debug("dispatch", "dialTCP", "handshake failed", logrus.Fields{"addr": addr, "error": err})
		conn.Close()
		return nil
	}
	if result.RemoteName != expectedName {
		conn.Close()
		return nil
	}
	send, recv, err := hs.CipherStates()
	if err != nil {
		conn.Close()
		return nil
	}
	return peer.NewTCP(expectedName, conn, send, recv, d.deliver, d.offline, d.safety)
}

// dialWS dials a WebSocket URL derived from ip/port, optionally sends a
// RoutingRequest as a raw Binary WS message (no length prefix, matching
// the WebSocket framing's message-boundary-is-frame convention), then
// runs the Noise initiator handshake and returns a live Peer.
func (d *Dispatcher) dialWS(expectedName, ip string, port uint16, rr *wire.RoutingRequest, proxyRequest bool) *peer.Peer {
	url := fmt.Sprintf("ws://%s/", net.JoinHostPort(ip, strconv.Itoa(int(port))))
	wsConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		obs.Debug("dispatch", "dialWS", "dial failed", logrus.Fields{"url": url, "error": err})
		return nil
	}
	conn := wsconn.New(wsConn)

	if rr != nil {
		if err := conn.WriteBinary(wire.EncodeRoutingRequest(*rr)); err != nil {
			conn.Close()
			return nil
		}
	}

	hs, err := d.newHandshake(noisehs.Initiator, proxyRequest)
	if err != nil {
		conn.Close()
		return nil
	}
	result, err := noisehs.RunInitiator(conn, hs)
	if err != nil {
		obs.Debug("dispatch", "dialWS", "handshake failed", logrus.Fields{"url": url, "error": err})
		conn.Close()
		return nil
	}
	if result.RemoteName != expectedName {
		conn.Close()
		return nil
	}
	send, recv, err := hs.CipherStates()
	if err != nil {
		conn.Close()
		return nil
	}
	return peer.NewWS(expectedName, conn, send, recv, d.deliver, d.offline, d.safety)
}
