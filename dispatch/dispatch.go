// Package dispatch implements outbound message delivery: routing a
// KernelMessage to an already-connected peer, or originating a new
// connection (direct, or indirect through a shuffled list of routers)
// when none exists yet, with the kernel notified of offline targets
// along the way.
package dispatch

import (
	"sync"
	"time"

	"github.com/opd-ai/sovrnet/identity"
	"github.com/opd-ai/sovrnet/internal/obs"
	"github.com/opd-ai/sovrnet/kernelif"
	"github.com/opd-ai/sovrnet/noisehs"
	"github.com/opd-ai/sovrnet/peer"
)

// DialTimeout bounds how long a single direct or routed connection
// attempt may take before being abandoned.
const DialTimeout = 5 * time.Second

// Dispatcher is the sole entry point the kernel-facing side of this
// module uses to send a KernelMessage out onto the network.
type Dispatcher struct {
	self     string
	localKey *identity.KeyPair
	pki      *identity.PKI
	peers    *peer.Peers
	deliver  chan<- kernelif.KernelMessage
	offline  chan<- kernelif.WrappedSendError
	safety   kernelif.ProcessSafetyCheck

	mu         sync.Mutex
	connecting map[string][]kernelif.KernelMessage
}

// New constructs a Dispatcher. deliver and offline are the same
// channels handed to every Peer this dispatcher creates.
func New(self string, localKey *identity.KeyPair, pki *identity.PKI, peers *peer.Peers, deliver chan<- kernelif.KernelMessage, offline chan<- kernelif.WrappedSendError, safety kernelif.ProcessSafetyCheck) *Dispatcher {
	return &Dispatcher{
		self:       self,
		localKey:   localKey,
		pki:        pki,
		peers:      peers,
		deliver:    deliver,
		offline:    offline,
		safety:     safety,
		connecting: make(map[string][]kernelif.KernelMessage),
	}
}

func (d *Dispatcher) lookup(name string) ([32]byte, bool) {
	id, ok := d.pki.Get(name)
	if !ok {
		return [32]byte{}, false
	}
	return id.NetworkingKey, true
}

// Send delivers km to an existing peer connection if one is already
// live, queues it behind an in-flight connection attempt to the same
// target, or originates a new connection attempt. If the target has no
// PKI entry at all, km is immediately reported offline. A peer found
// dead (Send failing because it already tore down) is removed from the
// table and falls through to the reconnect path rather than being
// reported offline outright, since Run's own cleanup racing this call
// must not cost km a delivery attempt it would otherwise get.
func (d *Dispatcher) Send(km kernelif.KernelMessage) {
	target := km.Target.Node

	if p, ok := d.peers.Get(target); ok {
		if err := p.Send(km); err == nil {
			return
		}
		d.peers.Remove(target, p)
	}

	d.mu.Lock()
	if queued, ok := d.connecting[target]; ok {
		d.connecting[target] = append(queued, km)
		d.mu.Unlock()
		return
	}

	id, ok := d.pki.Get(target)
	if !ok {
		d.mu.Unlock()
		d.errorOffline(km)
		return
	}
	d.connecting[target] = []kernelif.KernelMessage{km}
	d.mu.Unlock()

	go d.connectToPeer(id)
}

// connectToPeer attempts to establish a connection to id, direct first
// and then via its routers, then either registers the resulting peer
// and flushes whatever queued up while the attempt was in flight, or
// reports every queued message as offline.
func (d *Dispatcher) connectToPeer(id identity.Identity) {
	obs.Debug("dispatch", "connectToPeer", "attempting to connect", nil)

	p := d.dial(id)

	d.mu.Lock()
	queued := d.connecting[id.Name]
	delete(d.connecting, id.Name)
	d.mu.Unlock()

	if p == nil {
		d.handleFailedConnection(id.Name, queued)
		return
	}

	if d.peers.InsertInitiated(p) {
		go d.runPeer(p)
	} else {
		p.Close()
		if existing, ok := d.peers.Get(id.Name); ok {
			p = existing
		}
	}

	for _, km := range queued {
		if err := p.Send(km); err != nil {
			d.errorOffline(km)
		}
	}
}

// dial attempts a direct connection first (if id advertises one), then
// falls back to routing through id's routers.
func (d *Dispatcher) dial(id identity.Identity) *peer.Peer {
	if id.Routing.IsDirect() {
		if p := d.dialDirect(id); p != nil {
			return p
		}
	}
	if id.Routing.IsIndirect() {
		if p := d.dialViaRouter(id); p != nil {
			return p
		}
	}
	return nil
}

func (d *Dispatcher) handleFailedConnection(name string, queued []kernelif.KernelMessage) {
	obs.Debug("dispatch", "handleFailedConnection", "failed to connect to peer", nil)
	for _, km := range queued {
		d.errorOffline(km)
	}
}

func (d *Dispatcher) errorOffline(km kernelif.KernelMessage) {
	if d.offline == nil {
		return
	}
	d.offline <- kernelif.WrappedSendError{
		ID:     km.ID,
		Source: km.Source,
		Error: kernelif.SendError{
			Kind:    kernelif.Offline,
			Target:  km.Target,
			Message: km.Message,
			Blob:    km.Blob,
		},
	}
}

func (d *Dispatcher) newHandshake(role noisehs.Role, proxyRequest bool) (*noisehs.Handshake, error) {
	return noisehs.New(role, d.self, d.localKey, d.lookup, proxyRequest)
}

// runPeer drives p until its connection dies, then removes it from the
// peer table: left in place, a dead peer would keep Send finding it and
// reporting every future message to it as delivered to a closed
// connection instead of falling through to reconnect.
func (d *Dispatcher) runPeer(p *peer.Peer) {
	p.Run()
	d.peers.Remove(p.Name, p)
}
