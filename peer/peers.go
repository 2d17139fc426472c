package peer

import (
	"sync"

	"github.com/opd-ai/sovrnet/internal/obs"
	"github.com/opd-ai/sovrnet/kernelif"
)

// Peers is the concurrent map of currently connected peers, keyed by
// PKI name. At most one Peer exists per name.
type Peers struct {
	mu    sync.RWMutex
	byName map[string]*Peer
}

// NewPeers creates an empty peer table.
func NewPeers() *Peers {
	return &Peers{byName: make(map[string]*Peer)}
}

// Get returns the currently connected peer for name, if any.
func (ps *Peers) Get(name string) (*Peer, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.byName[name]
	return p, ok
}

// InsertInitiated adds a peer created by this node's own outbound
// connect. If one already exists under the same name, the existing
// connection wins and the new one is closed — an initiator racing an
// existing connection should not disrupt already-flowing traffic.
func (ps *Peers) InsertInitiated(p *Peer) (inserted bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.byName[p.Name]; ok {
		obs.Debug("peer", "InsertInitiated", "keeping existing connection over new outbound duplicate", nil)
		return false
	}
	ps.byName[p.Name] = p
	return true
}

// InsertAccepted adds a peer created by accepting an inbound connection.
// Unlike InsertInitiated, an existing connection under the same name is
// replaced: the remote end reconnecting is good evidence its old
// session is stale, and a responder has no better signal to break the
// tie on than "the newest handshake wins".
func (ps *Peers) InsertAccepted(p *Peer) {
	ps.mu.Lock()
	old, hadOld := ps.byName[p.Name]
	ps.byName[p.Name] = p
	ps.mu.Unlock()

	if hadOld {
		obs.Debug("peer", "InsertAccepted", "replacing stale connection for reconnecting peer", nil)
		old.Close()
	}
}

// Remove deletes name from the table if p is still the entry stored for
// it (a Peer that lost a race and was never inserted must not evict
// whatever won).
func (ps *Peers) Remove(name string, p *Peer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if cur, ok := ps.byName[name]; ok && cur == p {
		delete(ps.byName, name)
	}
}

// Snapshot returns every currently connected peer, for diagnostics.
func (ps *Peers) Snapshot() []*Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]*Peer, 0, len(ps.byName))
	for _, p := range ps.byName {
		out = append(out, p)
	}
	return out
}

// Diagnostics builds a kernelif.Diagnostics-shaped peer list. The
// active/pending passthrough counters are filled in separately by the
// passthrough package.
func (ps *Peers) Diagnostics() []kernelif.PeerDiagnostic {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]kernelif.PeerDiagnostic, 0, len(ps.byName))
	for name, p := range ps.byName {
		out = append(out, kernelif.PeerDiagnostic{
			Name:         name,
			RoutingFor:   p.RoutingFor,
			LastActivity: p.LastActivity(),
			QueueDepth:   p.QueueDepth(),
		})
	}
	return out
}
