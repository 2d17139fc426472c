// Package peer implements per-connection maintenance for an established
// Noise session: the reader/writer goroutine pair, keepalive, idle
// timeout, and the backpressure and offline-signaling behavior a
// dispatcher relies on when a connection dies mid-queue.
package peer

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sovrnet/internal/obs"
	"github.com/opd-ai/sovrnet/kernelif"
	"github.com/opd-ai/sovrnet/wire"
	"github.com/opd-ai/sovrnet/wsconn"
)

// IdleTimeout is the read deadline applied between messages; a peer
// that goes this long without sending anything is considered dead.
const IdleTimeout = 1800 * time.Second

// outboxCapacity bounds how many queued KernelMessages a single slow
// peer can hold before Send starts applying backpressure to its
// callers.
const outboxCapacity = 256

// Peer maintains one established, authenticated connection to another
// node. Exactly one Peer exists per connected name at a time; the Peers
// map enforces that invariant.
type Peer struct {
	Name string
	Kind Kind
	// RoutingFor reports whether this peer's handshake asked us to act
	// as its router, i.e. relay future passthrough connections toward
	// it. Set once after construction, before Run is called.
	RoutingFor bool

	tr         transport
	sendCipher wire.Cipher
	recvCipher wire.Cipher

	deliver chan<- kernelif.KernelMessage
	offline chan<- kernelif.WrappedSendError
	safety  kernelif.ProcessSafetyCheck

	outbox    chan kernelif.KernelMessage
	closeCh   chan struct{}
	closeOnce sync.Once

	lastActivity atomic.Int64
}

// New constructs a Peer around an already-completed Noise session.
// deliver receives inbound KernelMessages addressed through this peer;
// offline receives WrappedSendErrors for messages that could not be
// delivered because the peer died with them still queued. safety may be
// nil, in which case every source process is treated as safe.
func New(name string, kind Kind, tr transport, sendCipher, recvCipher wire.Cipher, deliver chan<- kernelif.KernelMessage, offline chan<- kernelif.WrappedSendError, safety kernelif.ProcessSafetyCheck) *Peer {
	p := &Peer{
		Name:       name,
		Kind:       kind,
		tr:         tr,
		sendCipher: sendCipher,
		recvCipher: recvCipher,
		deliver:    deliver,
		offline:    offline,
		safety:     safety,
		outbox:     make(chan kernelif.KernelMessage, outboxCapacity),
		closeCh:    make(chan struct{}),
	}
	p.lastActivity.Store(time.Now().Unix())
	return p
}

// LastActivity returns the unix timestamp of the most recent send or
// receive on this peer, used for diagnostics.
func (p *Peer) LastActivity() int64 {
	return p.lastActivity.Load()
}

// QueueDepth reports how many messages are currently queued for send,
// used for diagnostics.
func (p *Peer) QueueDepth() int {
	return len(p.outbox)
}

// Send enqueues km for delivery. It blocks while the outbox is full,
// which is the backpressure mechanism callers rely on: a dispatcher
// that can't keep up with a slow peer simply blocks rather than
// silently dropping traffic. It returns an error only once the peer has
// been torn down.
func (p *Peer) Send(km kernelif.KernelMessage) error {
	select {
	case p.outbox <- km:
		return nil
	case <-p.closeCh:
		return fmt.Errorf("peer: %s connection closed", p.Name)
	}
}

// Run drives the peer until its connection fails or Close is called,
// then cleans up: closing the transport, draining any still-queued
// messages as offline errors, and returning once both goroutines have
// exited.
func (p *Peer) Run() {
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); p.readLoop(errCh) }()
	go func() { defer wg.Done(); p.writeLoop(errCh) }()
	go p.tr.keepalive(p.closeCh)

	err := <-errCh
	if err != nil {
		obs.Debug("peer", "Run", "connection ended", logrus.Fields{"peer": p.Name, "error": err})
	}
	p.Close()
	wg.Wait()
}

// Close tears down the peer's connection and drains its outbox as
// offline errors. Safe to call more than once and from any goroutine.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.closeCh)
		_ = p.tr.Close()
		p.drainOutboxOffline()
	})
}

func (p *Peer) drainOutboxOffline() {
	for {
		select {
		case km := <-p.outbox:
			if p.offline == nil {
				continue
			}
			p.offline <- kernelif.WrappedSendError{
				ID:     km.ID,
				Source: km.Source,
				Error: kernelif.SendError{
					Kind:    kernelif.Offline,
					Target:  km.Target,
					Message: km.Message,
					Blob:    km.Blob,
				},
			}
		default:
			return
		}
	}
}

func (p *Peer) readLoop(errCh chan<- error) {
	for {
		if err := p.tr.SetDeadline(time.Now().Add(IdleTimeout)); err != nil {
			errCh <- err
			return
		}
		plaintext, err := p.tr.recvMessage(p.recvCipher)
		if err != nil {
			errCh <- err
			return
		}
		km, err := wire.DecodeKernelMessage(plaintext)
		if err != nil {
			obs.Loud("peer", "readLoop", "dropping malformed message", logrus.Fields{"peer": p.Name, "error": err})
			continue
		}
		if km.Source.Node != p.Name {
			obs.Loud("peer", "readLoop", "dropping message with spoofed source", logrus.Fields{"peer": p.Name, "claimed_source": km.Source.Node})
			continue
		}
		if p.safety != nil && !p.safety(km.Source.Process) {
			obs.Loud("peer", "readLoop", "dropping message failing process safety check", logrus.Fields{"peer": p.Name, "process": km.Source.Process})
			continue
		}
		p.lastActivity.Store(time.Now().Unix())
		select {
		case p.deliver <- km:
		case <-p.closeCh:
			return
		}
	}
}

func (p *Peer) writeLoop(errCh chan<- error) {
	for {
		select {
		case km := <-p.outbox:
			plaintext := wire.EncodeKernelMessage(km)
			if err := p.tr.sendMessage(plaintext, p.sendCipher); err != nil {
				errCh <- err
				return
			}
			p.lastActivity.Store(time.Now().Unix())
		case <-p.closeCh:
			return
		}
	}
}

// NewTCP constructs a Peer over an established TCP connection, enabling
// OS-level keepalive if conn is a *net.TCPConn.
func NewTCP(name string, conn net.Conn, sendCipher, recvCipher wire.Cipher, deliver chan<- kernelif.KernelMessage, offline chan<- kernelif.WrappedSendError, safety kernelif.ProcessSafetyCheck) *Peer {
	return New(name, TCP, newTCPTransport(conn), sendCipher, recvCipher, deliver, offline, safety)
}

// NewWS constructs a Peer over an established WebSocket connection.
func NewWS(name string, conn *wsconn.Conn, sendCipher, recvCipher wire.Cipher, deliver chan<- kernelif.KernelMessage, offline chan<- kernelif.WrappedSendError, safety kernelif.ProcessSafetyCheck) *Peer {
	return New(name, WS, newWSTransport(conn), sendCipher, recvCipher, deliver, offline, safety)
}
