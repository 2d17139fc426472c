package noisehs

import (
	"net"
	"sync"
	"testing"

	"github.com/opd-ai/sovrnet/identity"
)

func TestHandshakeXXRoundTrip(t *testing.T) {
	aliceKey, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bobKey, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	lookup := func(name string) ([32]byte, bool) {
		switch name {
		case "alice":
			return aliceKey.PublicKeyArray(), true
		case "bob":
			return bobKey.PublicKeyArray(), true
		default:
			return [32]byte{}, false
		}
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	initiatorHS, err := New(Initiator, "alice", aliceKey, lookup, false)
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	responderHS, err := New(Responder, "bob", bobKey, lookup, false)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	var initResult, respResult *Result
	var initErr, respErr error

	go func() {
		defer wg.Done()
		initResult, initErr = RunInitiator(WrapTCP(clientConn), initiatorHS)
	}()

	go func() {
		defer wg.Done()
		// The listener would normally peek the first raw frame to
		// discriminate a handshake from a RoutingRequest; here we read
		// it directly since responderHS.ReadMessage1 expects the raw
		// frame payload, not the length-prefixed wire bytes.
		firstFrame, err := readFirstFrame(serverConn)
		if err != nil {
			respErr = err
			return
		}
		respResult, respErr = RunResponder(WrapTCP(serverConn), responderHS, firstFrame)
	}()

	wg.Wait()

	if initErr != nil {
		t.Fatalf("initiator: %v", initErr)
	}
	if respErr != nil {
		t.Fatalf("responder: %v", respErr)
	}

	if initResult.RemoteName != "bob" {
		t.Errorf("initiator resolved remote name = %q, want bob", initResult.RemoteName)
	}
	if respResult.RemoteName != "alice" {
		t.Errorf("responder resolved remote name = %q, want alice", respResult.RemoteName)
	}

	initSend, initRecv, err := initiatorHS.CipherStates()
	if err != nil {
		t.Fatalf("initiator cipher states: %v", err)
	}
	respSend, respRecv, err := responderHS.CipherStates()
	if err != nil {
		t.Fatalf("responder cipher states: %v", err)
	}

	plaintext := []byte("hello across the wire")
	ct, err := initSend.Encrypt(nil, nil, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := respRecv.Decrypt(nil, nil, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(pt) != string(plaintext) {
		t.Errorf("got %q, want %q", pt, plaintext)
	}

	reply := []byte("hello back")
	ct2, err := respSend.Encrypt(nil, nil, reply)
	if err != nil {
		t.Fatalf("encrypt reply: %v", err)
	}
	pt2, err := initRecv.Decrypt(nil, nil, ct2)
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	if string(pt2) != string(reply) {
		t.Errorf("got %q, want %q", pt2, reply)
	}
}

func TestHandshakeRejectsForgedSignature(t *testing.T) {
	aliceKey, _ := identity.GenerateKeyPair()
	bobKey, _ := identity.GenerateKeyPair()
	mallory, _ := identity.GenerateKeyPair()

	// lookup returns mallory's key for "alice", simulating a PKI entry
	// that does not match the key alice actually signed with.
	lookup := func(name string) ([32]byte, bool) {
		switch name {
		case "alice":
			return mallory.PublicKeyArray(), true
		case "bob":
			return bobKey.PublicKeyArray(), true
		default:
			return [32]byte{}, false
		}
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	initiatorHS, _ := New(Initiator, "alice", aliceKey, lookup, false)
	responderHS, _ := New(Responder, "bob", bobKey, lookup, false)

	var wg sync.WaitGroup
	wg.Add(2)
	var respErr error

	go func() {
		defer wg.Done()
		RunInitiator(WrapTCP(clientConn), initiatorHS)
	}()
	go func() {
		defer wg.Done()
		firstFrame, err := readFirstFrame(serverConn)
		if err != nil {
			respErr = err
			return
		}
		_, respErr = RunResponder(WrapTCP(serverConn), responderHS, firstFrame)
	}()
	wg.Wait()

	if respErr == nil {
		t.Fatal("expected responder to reject forged signature")
	}
}

func readFirstFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(lenBuf[0])<<8 | int(lenBuf[1])
	buf := make([]byte, n)
	if _, err := readFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
