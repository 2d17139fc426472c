// Package noisehs drives the Noise_XX_25519_ChaChaPoly_BLAKE2s handshake
// used to establish every peer connection. Unlike long-term identity
// keys, the Noise static keypair exchanged during the handshake is
// generated fresh per session; authenticity is carried instead by an
// Ed25519 signature, computed with the node's long-term identity key,
// over the session's static public key and embedded in the handshake
// payload.
package noisehs

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"

	"github.com/opd-ai/sovrnet/identity"
	"github.com/opd-ai/sovrnet/wire"
)

var (
	// ErrHandshakeComplete reports that the handshake has already
	// finished. The step methods do not return it: a step called after
	// completion fails with the underlying noise.HandshakeState's error.
	ErrHandshakeComplete = errors.New("noisehs: handshake already complete")
	// ErrNotComplete is returned by CipherStates before the third
	// message has been processed.
	ErrNotComplete = errors.New("noisehs: handshake not complete")
	// ErrUnknownPeer is returned when the claimed remote name has no
	// entry in the PKI supplied via Lookup.
	ErrUnknownPeer = errors.New("noisehs: unknown peer name")
	// ErrBadSignature is returned when the payload's signature does not
	// verify against the claimed peer's networking key.
	ErrBadSignature = errors.New("noisehs: payload signature verification failed")
)

// Role mirrors which side of the XX pattern this handshake plays.
type Role uint8

const (
	Initiator Role = iota
	Responder
)

// Lookup resolves a claimed peer name to its long-term Ed25519
// networking key, as served by the identity PKI.
type Lookup func(name string) (networkingKey [32]byte, ok bool)

// Handshake drives one Noise_XX_25519_ChaChaPoly_BLAKE2s exchange.
// Message sequence: (1) -> e  (2) <- e, ee, s, es  (3) -> s, se.
// Each side's static key is signed with its long-term identity key the
// moment it is revealed (message 2 for the responder, message 3 for the
// initiator) and verified against the claimed peer's PKI entry.
type Handshake struct {
	role      Role
	state     *noise.HandshakeState
	localName string
	localKey  *identity.KeyPair
	lookup    Lookup

	localStaticPub []byte
	proxyRequest   bool

	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool

	RemoteName string
	// RemoteWantsProxy reports whether the peer's verified handshake
	// payload set ProxyRequest, i.e. it is asking us to route for it.
	RemoteWantsProxy bool
}

// cipherSuite is the fixed suite backing every sovrnet handshake:
// Curve25519 DH, ChaCha20-Poly1305 AEAD, BLAKE2s hash.
func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
}

// New creates a Handshake playing role, generating a fresh ephemeral
// Noise static keypair for this session. localKey signs that keypair's
// public half when it is revealed; lookup verifies the remote's
// equivalent signature once its claimed name arrives in the payload.
func New(role Role, localName string, localKey *identity.KeyPair, lookup Lookup, proxyRequest bool) (*Handshake, error) {
	suite := cipherSuite()
	staticKey, err := suite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("noisehs: generate session static keypair: %w", err)
	}

	config := noise.Config{
		CipherSuite:   suite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("noisehs: new handshake state: %w", err)
	}

	return &Handshake{
		role:           role,
		state:          state,
		localName:      localName,
		localKey:       localKey,
		lookup:         lookup,
		localStaticPub: append([]byte(nil), staticKey.Public...),
		proxyRequest:   proxyRequest,
	}, nil
}

func (h *Handshake) signedPayload() []byte {
	sig := h.localKey.Sign(h.localStaticPub)
	return wire.EncodeHandshakePayload(wire.HandshakePayload{
		Name:         h.localName,
		Signature:    sig,
		ProxyRequest: h.proxyRequest,
	})
}

func (h *Handshake) verifyPeerPayload(payloadBytes []byte) error {
	payload, err := wire.DecodeHandshakePayload(payloadBytes)
	if err != nil {
		return fmt.Errorf("noisehs: decode payload: %w", err)
	}
	key, ok := h.lookup(payload.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, payload.Name)
	}
	remoteStatic := h.state.PeerStatic()
	if !identity.Verify(key, remoteStatic, payload.Signature) {
		return ErrBadSignature
	}
	h.RemoteName = payload.Name
	h.RemoteWantsProxy = payload.ProxyRequest
	return nil
}

// WriteMessage1 produces the initiator's first message (-> e). The
// initial message carries no payload.
func (h *Handshake) WriteMessage1() ([]byte, error) {
	if h.role != Initiator {
		return nil, fmt.Errorf("noisehs: only the initiator writes message 1")
	}
	msg, _, _, err := h.state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("noisehs: write message 1: %w", err)
	}
	return msg, nil
}

// ReadMessage1 consumes the initiator's first message on the responder
// side.
func (h *Handshake) ReadMessage1(msg []byte) error {
	if h.role != Responder {
		return fmt.Errorf("noisehs: only the responder reads message 1")
	}
	if _, _, _, err := h.state.ReadMessage(nil, msg); err != nil {
		return fmt.Errorf("noisehs: read message 1: %w", err)
	}
	return nil
}

// WriteMessage2 produces the responder's message (<- e, ee, s, es),
// carrying the responder's signed static key in its payload.
func (h *Handshake) WriteMessage2() ([]byte, error) {
	if h.role != Responder {
		return nil, fmt.Errorf("noisehs: only the responder writes message 2")
	}
	msg, _, _, err := h.state.WriteMessage(nil, h.signedPayload())
	if err != nil {
		return nil, fmt.Errorf("noisehs: write message 2: %w", err)
	}
	return msg, nil
}

// ReadMessage2 consumes the responder's message on the initiator side,
// verifying the embedded signature against the claimed peer's PKI
// entry.
func (h *Handshake) ReadMessage2(msg []byte) error {
	if h.role != Initiator {
		return fmt.Errorf("noisehs: only the initiator reads message 2")
	}
	payload, _, _, err := h.state.ReadMessage(nil, msg)
	if err != nil {
		return fmt.Errorf("noisehs: read message 2: %w", err)
	}
	return h.verifyPeerPayload(payload)
}

// WriteMessage3 produces the initiator's final message (-> s, se),
// carrying the initiator's signed static key. The handshake completes
// and cipher states become available once this returns.
func (h *Handshake) WriteMessage3() ([]byte, error) {
	if h.role != Initiator {
		return nil, fmt.Errorf("noisehs: only the initiator writes message 3")
	}
	msg, send, recv, err := h.state.WriteMessage(nil, h.signedPayload())
	if err != nil {
		return nil, fmt.Errorf("noisehs: write message 3: %w", err)
	}
	h.sendCipher, h.recvCipher = send, recv
	h.complete = true
	return msg, nil
}

// ReadMessage3 consumes the initiator's final message on the responder
// side, verifying its signature. The handshake completes and cipher
// states become available once this returns without error.
func (h *Handshake) ReadMessage3(msg []byte) error {
	if h.role != Responder {
		return fmt.Errorf("noisehs: only the responder reads message 3")
	}
	payload, recv, send, err := h.state.ReadMessage(nil, msg)
	if err != nil {
		return fmt.Errorf("noisehs: read message 3: %w", err)
	}
	if err := h.verifyPeerPayload(payload); err != nil {
		return err
	}
	h.sendCipher, h.recvCipher = send, recv
	h.complete = true
	return nil
}

// IsComplete reports whether all three messages have been processed.
func (h *Handshake) IsComplete() bool { return h.complete }

// CipherStates returns the established send/receive cipher states. The
// convention (grounded on the reference implementation's maintain_connection)
// is that the initiator's send cipher is the responder's receive cipher
// and vice versa; flynn/noise already returns them correctly paired per
// role, so callers on both sides use Send() to encrypt outgoing traffic
// and Recv() to decrypt incoming traffic without further bookkeeping.
func (h *Handshake) CipherStates() (send, recv *noise.CipherState, err error) {
	if !h.complete {
		return nil, nil, ErrNotComplete
	}
	return h.sendCipher, h.recvCipher, nil
}
