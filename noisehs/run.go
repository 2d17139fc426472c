package noisehs

import (
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/sovrnet/wire"
)

// Timeout bounds the wall-clock duration of the three-message exchange,
// set on the connection for its entire duration.
const Timeout = 5 * time.Second

// FrameIO carries one handshake message per call. TCP and WebSocket
// diverge here even though both use the same Noise messages: a
// WebSocket message boundary already delimits one frame, so it is sent
// as-is, while a TCP byte stream needs the 2-byte length prefix wire's
// raw frame format provides. wsconn.Conn already implements this
// interface directly; WrapTCP adapts a stream connection to match.
type FrameIO interface {
	WriteBinary([]byte) error
	ReadBinary() ([]byte, error)
	SetDeadline(t time.Time) error
}

type tcpFrameIO struct {
	conn net.Conn
}

// WrapTCP adapts a TCP stream connection to FrameIO using wire's raw
// frame (2-byte length prefix) encoding.
func WrapTCP(conn net.Conn) FrameIO {
	return tcpFrameIO{conn: conn}
}

func (t tcpFrameIO) WriteBinary(b []byte) error   { return wire.WriteRawFrame(t.conn, b) }
func (t tcpFrameIO) ReadBinary() ([]byte, error)  { return wire.ReadRawFrame(t.conn) }
func (t tcpFrameIO) SetDeadline(d time.Time) error { return t.conn.SetDeadline(d) }

// Result is the outcome of a completed handshake.
type Result struct {
	RemoteName string
	Handshake  *Handshake
}

// RunInitiator drives the three-message XX exchange as the connecting
// side.
func RunInitiator(conn FrameIO, hs *Handshake) (*Result, error) {
	if err := conn.SetDeadline(time.Now().Add(Timeout)); err != nil {
		return nil, fmt.Errorf("noisehs: set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	msg1, err := hs.WriteMessage1()
	if err != nil {
		return nil, err
	}
	if err := conn.WriteBinary(msg1); err != nil {
		return nil, fmt.Errorf("noisehs: send message 1: %w", err)
	}

	msg2, err := conn.ReadBinary()
	if err != nil {
		return nil, fmt.Errorf("noisehs: receive message 2: %w", err)
	}
	if err := hs.ReadMessage2(msg2); err != nil {
		return nil, err
	}

	msg3, err := hs.WriteMessage3()
	if err != nil {
		return nil, err
	}
	if err := conn.WriteBinary(msg3); err != nil {
		return nil, fmt.Errorf("noisehs: send message 3: %w", err)
	}

	return &Result{RemoteName: hs.RemoteName, Handshake: hs}, nil
}

// RunResponder drives the three-message XX exchange as the accepting
// side. firstFrame is the already-read first handshake frame (the
// listener must peek it to discriminate a handshake from a
// RoutingRequest before calling this).
func RunResponder(conn FrameIO, hs *Handshake, firstFrame []byte) (*Result, error) {
	if err := conn.SetDeadline(time.Now().Add(Timeout)); err != nil {
		return nil, fmt.Errorf("noisehs: set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	if err := hs.ReadMessage1(firstFrame); err != nil {
		return nil, err
	}

	msg2, err := hs.WriteMessage2()
	if err != nil {
		return nil, err
	}
	if err := conn.WriteBinary(msg2); err != nil {
		return nil, fmt.Errorf("noisehs: send message 2: %w", err)
	}

	msg3, err := conn.ReadBinary()
	if err != nil {
		return nil, fmt.Errorf("noisehs: receive message 3: %w", err)
	}
	if err := hs.ReadMessage3(msg3); err != nil {
		return nil, err
	}

	return &Result{RemoteName: hs.RemoteName, Handshake: hs}, nil
}
