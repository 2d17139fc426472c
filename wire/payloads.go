package wire

import "fmt"

// HandshakePayload is carried inside Noise handshake messages 2 and 3:
// the sender's long-term PKI name and an Ed25519 signature over the
// fresh per-session Noise static key, binding that ephemeral key to the
// sender's long-term identity.
type HandshakePayload struct {
	Name      string
	Signature []byte
	// ProxyRequest indicates the sender wants the peer to route for it
	// going forward (set by an indirect node dialing one of its
	// configured routers).
	ProxyRequest bool
}

const (
	tagHSName SovereignTag = iota + 1
	tagHSSignature
	tagHSProxyRequest
)

// EncodeHandshakePayload serializes a HandshakePayload for embedding as
// Noise handshake payload bytes.
func EncodeHandshakePayload(p HandshakePayload) []byte {
	w := &fieldWriter{}
	w.str(tagHSName, p.Name)
	w.bytes(tagHSSignature, p.Signature)
	if p.ProxyRequest {
		w.bytes(tagHSProxyRequest, []byte{1})
	}
	return w.buf
}

// DecodeHandshakePayload parses a buffer produced by
// EncodeHandshakePayload.
func DecodeHandshakePayload(data []byte) (HandshakePayload, error) {
	r := &fieldReader{data: data}
	var p HandshakePayload
	for r.more() {
		tag, err := r.tag()
		if err != nil {
			return p, err
		}
		switch tag {
		case tagHSName:
			s, err := r.str()
			if err != nil {
				return p, err
			}
			p.Name = s
		case tagHSSignature:
			b, err := r.bytes()
			if err != nil {
				return p, err
			}
			p.Signature = append([]byte(nil), b...)
		case tagHSProxyRequest:
			b, err := r.bytes()
			if err != nil {
				return p, err
			}
			p.ProxyRequest = len(b) == 1 && b[0] == 1
		default:
			return p, fmt.Errorf("wire: unknown HandshakePayload tag %d", tag)
		}
	}
	if p.Name == "" {
		return p, fmt.Errorf("wire: handshake payload missing name")
	}
	return p, nil
}

// RoutingRequest is sent as the first frame on a connection to a router
// when the sender wants the router to establish a passthrough to
// Target. Signature is computed over Target+Router concatenated as
// ASCII, signed by Initiator's long-term key, so the router can verify
// the request without trusting the transport.
type RoutingRequest struct {
	Initiator string
	Target    string
	Router    string
	Signature []byte
}

const (
	tagRRInitiator SovereignTag = iota + 1
	tagRRTarget
	tagRRRouter
	tagRRSignature
)

// SignedBytes returns the exact byte sequence a RoutingRequest's
// Signature is computed over: Target and Router concatenated as ASCII.
func (r RoutingRequest) SignedBytes() []byte {
	return append([]byte(r.Target), []byte(r.Router)...)
}

// EncodeRoutingRequest serializes a RoutingRequest for transmission as
// a raw frame.
func EncodeRoutingRequest(rr RoutingRequest) []byte {
	w := &fieldWriter{}
	w.str(tagRRInitiator, rr.Initiator)
	w.str(tagRRTarget, rr.Target)
	w.str(tagRRRouter, rr.Router)
	w.bytes(tagRRSignature, rr.Signature)
	return w.buf
}

// DecodeRoutingRequest parses a buffer produced by EncodeRoutingRequest.
func DecodeRoutingRequest(data []byte) (RoutingRequest, error) {
	r := &fieldReader{data: data}
	var rr RoutingRequest
	for r.more() {
		tag, err := r.tag()
		if err != nil {
			return rr, err
		}
		switch tag {
		case tagRRInitiator:
			s, err := r.str()
			if err != nil {
				return rr, err
			}
			rr.Initiator = s
		case tagRRTarget:
			s, err := r.str()
			if err != nil {
				return rr, err
			}
			rr.Target = s
		case tagRRRouter:
			s, err := r.str()
			if err != nil {
				return rr, err
			}
			rr.Router = s
		case tagRRSignature:
			b, err := r.bytes()
			if err != nil {
				return rr, err
			}
			rr.Signature = append([]byte(nil), b...)
		default:
			return rr, fmt.Errorf("wire: unknown RoutingRequest tag %d", tag)
		}
	}
	if rr.Target == "" || rr.Router == "" {
		return rr, fmt.Errorf("wire: routing request missing target or router")
	}
	return rr, nil
}

// LooksLikeRoutingRequest reports whether the first frame received on a
// listener connection should be parsed as a RoutingRequest rather than
// a Noise handshake message. A Noise XX initial message (e) is exactly
// 32 bytes; anything else is attempted as a RoutingRequest.
func LooksLikeRoutingRequest(firstFrame []byte) bool {
	return len(firstFrame) != 32
}
