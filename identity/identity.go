// Package identity implements the PKI directory that backs connection
// dispatch: node identities (name, networking key, routing) and the
// concurrent, read-mostly map the dispatcher and listeners consult to
// resolve a name to a reachable address.
package identity

import (
	"encoding/hex"
	"fmt"
)

// RoutingKind distinguishes how an Identity is reachable.
type RoutingKind uint8

const (
	// KindDirect means the node accepts inbound connections on Ports.
	KindDirect RoutingKind = iota
	// KindRouters means the node is indirect, reachable only through
	// one of Routers.
	KindRouters
	// KindBoth advertises both Direct and Routers information; an
	// HnsEntry with both Ips and Routers set maps to this kind.
	KindBoth
)

// Routing describes how a node may be reached.
type Routing struct {
	Kind RoutingKind

	// Direct fields, valid when Kind is KindDirect or KindBoth.
	IP    string
	Ports map[string]uint16 // protocol name ("tcp", "ws") -> port

	// Indirect fields, valid when Kind is KindRouters or KindBoth.
	Routers []string
}

// IsDirect reports whether this routing advertises a reachable IP.
func (r Routing) IsDirect() bool {
	return r.Kind == KindDirect || r.Kind == KindBoth
}

// IsIndirect reports whether this routing advertises a router list.
func (r Routing) IsIndirect() bool {
	return r.Kind == KindRouters || r.Kind == KindBoth
}

// Port returns the configured port for protocol, and whether it is set.
func (r Routing) Port(protocol string) (uint16, bool) {
	if r.Ports == nil {
		return 0, false
	}
	p, ok := r.Ports[protocol]
	return p, ok
}

// Identity is a single PKI entry, unique by Name.
type Identity struct {
	Name          string
	NetworkingKey [32]byte // Ed25519 public key
	Routing       Routing
}

// NetworkingKeyHex returns the identity's networking key hex-encoded, the
// wire representation used by HnsEntry.
func (id Identity) NetworkingKeyHex() string {
	return hex.EncodeToString(id.NetworkingKey[:])
}

// ParseNetworkingKey decodes a hex-encoded Ed25519 public key, validating
// its length.
func ParseNetworkingKey(s string) ([32]byte, error) {
	var key [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("identity: invalid networking key hex: %w", err)
	}
	if len(b) != 32 {
		return key, fmt.Errorf("identity: networking key must be 32 bytes, got %d", len(b))
	}
	copy(key[:], b)
	return key, nil
}
