package identity

import (
	"sync"

	"github.com/opd-ai/sovrnet/kernelif"
)

// PKI is a concurrent, read-mostly directory mapping node names to
// identities. It is populated by HnsUpdate/HnsBatchUpdate control
// requests from a trusted indexer and lives for the process lifetime.
type PKI struct {
	mu      sync.RWMutex
	entries map[string]Identity
}

// NewPKI creates an empty PKI directory.
func NewPKI() *PKI {
	return &PKI{entries: make(map[string]Identity)}
}

// Get returns the identity for name, if known.
func (p *PKI) Get(name string) (Identity, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.entries[name]
	return id, ok
}

// Put inserts or replaces the identity for id.Name.
func (p *PKI) Put(id Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[id.Name] = id
}

// Apply applies a batch of HnsEntry updates, the wire shape delivered by
// HnsUpdate and HnsBatchUpdate control requests.
func (p *PKI) Apply(entries ...kernelif.HnsEntry) error {
	parsed := make([]Identity, 0, len(entries))
	for _, e := range entries {
		id, err := fromHnsEntry(e)
		if err != nil {
			return err
		}
		parsed = append(parsed, id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range parsed {
		p.entries[id.Name] = id
	}
	return nil
}

// Snapshot returns a copy of all known identities, used for GetPeers-style
// introspection and testing.
func (p *PKI) Snapshot() []Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Identity, 0, len(p.entries))
	for _, id := range p.entries {
		out = append(out, id)
	}
	return out
}

func fromHnsEntry(e kernelif.HnsEntry) (Identity, error) {
	key, err := ParseNetworkingKey(e.PublicKey)
	if err != nil {
		return Identity{}, err
	}
	routing := Routing{Ports: e.Ports, Routers: e.Routers}
	switch {
	case len(e.Ips) == 0:
		routing.Kind = KindRouters
	case len(e.Routers) == 0:
		routing.Kind = KindDirect
		routing.IP = e.Ips[0]
	default:
		routing.Kind = KindBoth
		routing.IP = e.Ips[0]
	}
	return Identity{Name: e.Name, NetworkingKey: key, Routing: routing}, nil
}
