package peer

import (
	"net"
	"time"

	"github.com/opd-ai/sovrnet/wire"
	"github.com/opd-ai/sovrnet/wsconn"
)

// Kind distinguishes which carrier backs a Peer's connection. The two
// carriers use different message-frame encodings (wire.WriteMessageStream
// vs wire.WriteMessageFramed) and are never mixed on a single peer.
type Kind uint8

const (
	TCP Kind = iota
	WS
)

func (k Kind) String() string {
	if k == WS {
		return "ws"
	}
	return "tcp"
}

// keepaliveInterval matches wsconn.KeepaliveInterval; kept as its own
// constant here since TCP keepalive is configured as a socket option,
// not driven by this package's own ticker.
const keepaliveInterval = 30 * time.Second

// transport is the carrier-specific half of a Peer: framing and
// deadlines. Reader/writer loops and message semantics live in Peer and
// are identical across both carriers.
type transport interface {
	sendMessage(plaintext []byte, cipher wire.Cipher) error
	recvMessage(cipher wire.Cipher) ([]byte, error)
	SetDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
	// keepalive runs until stop is closed. TCP's keepalive is a socket
	// option set once at construction, so its implementation only waits
	// for stop without sending anything.
	keepalive(stop <-chan struct{})
}

type tcpTransport struct {
	conn net.Conn
}

// newTCPTransport wraps an established TCP connection, enabling OS-level
// keepalive probes if the underlying conn is a *net.TCPConn.
func newTCPTransport(conn net.Conn) transport {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(keepaliveInterval)
	}
	return &tcpTransport{conn: conn}
}

func (t *tcpTransport) sendMessage(plaintext []byte, cipher wire.Cipher) error {
	return wire.WriteMessageStream(t.conn, cipher, plaintext)
}

func (t *tcpTransport) recvMessage(cipher wire.Cipher) ([]byte, error) {
	return wire.ReadMessageStream(t.conn, cipher)
}

func (t *tcpTransport) SetDeadline(d time.Time) error { return t.conn.SetDeadline(d) }
func (t *tcpTransport) Close() error                  { return t.conn.Close() }
func (t *tcpTransport) RemoteAddr() string             { return t.conn.RemoteAddr().String() }
func (t *tcpTransport) keepalive(stop <-chan struct{}) {
	<-stop
}

type wsTransport struct {
	conn *wsconn.Conn
}

func newWSTransport(conn *wsconn.Conn) transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) sendMessage(plaintext []byte, cipher wire.Cipher) error {
	return wire.WriteMessageFramed(t.conn, cipher, plaintext)
}

func (t *wsTransport) recvMessage(cipher wire.Cipher) ([]byte, error) {
	return wire.ReadMessageFramed(t.conn, cipher)
}

func (t *wsTransport) SetDeadline(d time.Time) error { return t.conn.SetDeadline(d) }
func (t *wsTransport) Close() error                  { return t.conn.Close() }
func (t *wsTransport) RemoteAddr() string             { return t.conn.RemoteAddr() }
func (t *wsTransport) keepalive(stop <-chan struct{}) {
	t.conn.StartKeepalive(stop, IdleTimeout)
}
