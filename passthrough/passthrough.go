// Package passthrough implements relay admission control and the
// byte-pump between two connections on behalf of nodes this process
// routes for: a node without a direct address can still be reached by
// dialing its router, which pairs the dialer's socket with a
// reciprocal connection from the target and copies bytes between them
// without ever terminating the Noise session itself.
package passthrough

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sovrnet/internal/obs"
	"github.com/opd-ai/sovrnet/wsconn"
)

// IdleTimeout is how long a WebSocket passthrough may sit without
// traffic before it is torn down. TCP passthroughs rely on the
// underlying connections' own idle/keepalive behavior instead, since
// io.Copy has no idle-timeout concept of its own.
const IdleTimeout = 2 * time.Hour

type key struct {
	From, Target string
}

type pendingEntry struct {
	startedAt time.Time
	conn      any // net.Conn or *wsconn.Conn
	isWS      bool
}

type activeEntry struct {
	startedAt time.Time
	kill      chan struct{}
}

// Engine tracks pending and active passthrough connections and applies
// the admission-control policy that bounds how many may exist at once.
type Engine struct {
	mu      sync.Mutex
	pending map[key]pendingEntry
	active  map[key]activeEntry
	max     uint32
}

// New constructs an Engine that admits at most max concurrent
// passthroughs (pending + active combined). max == 0 rejects every
// request.
func New(max uint32) *Engine {
	return &Engine{
		pending: make(map[key]pendingEntry),
		active:  make(map[key]activeEntry),
		max:     max,
	}
}

// Counts returns the current pending and active passthrough counts,
// for diagnostics.
func (e *Engine) Counts() (active, pending int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active), len(e.pending)
}

// AdmitTCP attempts to admit a TCP passthrough connection from `from`
// to `target`. If a reciprocal pending half is already waiting, it is
// paired with conn immediately and the byte-pump starts; otherwise
// conn is stored as the pending half, to be matched by a later
// reciprocal AdmitTCP/AdmitWS call or evicted under capacity pressure.
// Returns false if the request is rejected: max == 0, a reciprocal half
// is waiting on the other carrier, or no slot is free even after
// evicting the oldest entry.
func (e *Engine) AdmitTCP(from, target string, conn net.Conn) bool {
	return e.admit(from, target, conn, false)
}

// AdmitWS is the WebSocket-carrier equivalent of AdmitTCP.
func (e *Engine) AdmitWS(from, target string, conn *wsconn.Conn) bool {
	return e.admit(from, target, conn, true)
}

func (e *Engine) admit(from, target string, conn any, isWS bool) bool {
	if e.max == 0 {
		obs.Debug("passthrough", "admit", "rejected, max passthroughs is 0", logrus.Fields{"from": from, "target": target})
		closeConn(conn)
		return false
	}

	forward := key{From: from, Target: target}
	reciprocal := key{From: target, Target: from}

	e.mu.Lock()

	// A pending reciprocal half using a different carrier can never be
	// paired: TCP and WebSocket passthroughs must not be bridged. Leave
	// it parked for whichever connection eventually arrives on the
	// matching carrier, and reject this one outright.
	if recip, hadRecip := e.pending[reciprocal]; hadRecip && recip.isWS != isWS {
		e.mu.Unlock()
		obs.Debug("passthrough", "admit", "rejected mixed-carrier passthrough pairing", logrus.Fields{"from": from, "target": target})
		closeConn(conn)
		return false
	}

	// Remove our own reciprocal pending slot before the capacity check,
	// so this connection completing the reciprocal pair is never
	// blocked by its own other half still occupying a slot.
	recip, hadRecip := e.pending[reciprocal]
	if hadRecip {
		delete(e.pending, reciprocal)
	}

	if !hadRecip && uint32(len(e.active)+len(e.pending)) >= e.max {
		e.evictOldestLocked()
		if uint32(len(e.active)+len(e.pending)) >= e.max {
			e.mu.Unlock()
			closeConn(conn)
			return false
		}
	}

	if hadRecip {
		e.mu.Unlock()
		e.startPump(forward, recip.conn, recip.isWS, conn, isWS)
		return true
	}

	e.pending[forward] = pendingEntry{startedAt: now(), conn: conn, isWS: isWS}
	e.mu.Unlock()
	return true
}

// evictOldestLocked evicts whichever of the oldest active or oldest
// pending entry started first, under e.mu. Must be called with e.mu
// held.
func (e *Engine) evictOldestLocked() {
	var oldestActiveKey key
	var oldestActiveTime time.Time
	haveActive := false
	for k, v := range e.active {
		if !haveActive || v.startedAt.Before(oldestActiveTime) {
			oldestActiveKey, oldestActiveTime = k, v.startedAt
			haveActive = true
		}
	}

	var oldestPendingKey key
	var oldestPendingTime time.Time
	havePending := false
	for k, v := range e.pending {
		if !havePending || v.startedAt.Before(oldestPendingTime) {
			oldestPendingKey, oldestPendingTime = k, v.startedAt
			havePending = true
		}
	}

	switch {
	case haveActive && (!havePending || oldestActiveTime.Before(oldestPendingTime)):
		if entry, ok := e.active[oldestActiveKey]; ok {
			close(entry.kill)
			delete(e.active, oldestActiveKey)
		}
	case havePending:
		if entry, ok := e.pending[oldestPendingKey]; ok {
			closeConn(entry.conn)
			delete(e.pending, oldestPendingKey)
		}
	}
}

func (e *Engine) startPump(k key, connA any, aIsWS bool, connB any, bIsWS bool) {
	kill := make(chan struct{})
	e.mu.Lock()
	e.active[k] = activeEntry{startedAt: now(), kill: kill}
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.active, k)
			e.mu.Unlock()
		}()

		if !aIsWS && !bIsWS {
			pumpTCP(connA.(net.Conn), connB.(net.Conn), kill)
			return
		}
		pumpWS(connA.(*wsconn.Conn), connB.(*wsconn.Conn), kill)
	}()
}

// pumpTCP races both copy directions and a kill signal; either
// direction closing (or an explicit kill) tears down both sockets.
// Deliberately not a single shared bidirectional helper: a half-closed
// copy in one direction must not keep the other direction alive.
func pumpTCP(a, b net.Conn, kill chan struct{}) {
	defer a.Close()
	defer b.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()

	select {
	case <-done:
	case <-kill:
	}
}

func pumpWS(a, b *wsconn.Conn, kill chan struct{}) {
	defer a.Close()
	defer b.Close()

	done := make(chan struct{}, 2)
	activity := make(chan struct{}, 1)
	go forwardBinary(a, b, done, activity)
	go forwardBinary(b, a, done, activity)

	idle := time.NewTimer(IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-done:
			return
		case <-kill:
			return
		case <-activity:
			idle.Reset(IdleTimeout)
		case <-idle.C:
			return
		}
	}
}

type binaryCarrier interface {
	WriteBinary([]byte) error
	ReadBinary() ([]byte, error)
	Close() error
}

func forwardBinary(dst, src binaryCarrier, done, activity chan<- struct{}) {
	for {
		msg, err := src.ReadBinary()
		if err != nil {
			break
		}
		if err := dst.WriteBinary(msg); err != nil {
			break
		}
		select {
		case activity <- struct{}{}:
		default:
		}
	}
	done <- struct{}{}
}

func closeConn(conn any) {
	switch c := conn.(type) {
	case net.Conn:
		c.Close()
	case *wsconn.Conn:
		c.Close()
	}
}

func now() time.Time {
	return time.Now()
}
