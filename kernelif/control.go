package kernelif

// HnsEntry is a single PKI entry as delivered by the trusted indexer.
// Empty Ips means the node is indirect (reachable only through Routers).
type HnsEntry struct {
	Name      string
	PublicKey string // hex-encoded Ed25519 public key
	Ips       []string
	Ports     map[string]uint16 // protocol -> port, e.g. "tcp" -> 9000
	Routers   []string
}

// HnsUpdate populates a single PKI entry. Accepted only from a trusted
// source (the indexer, or the local node during bootstrap).
type HnsUpdate struct {
	Entry HnsEntry
}

// HnsBatchUpdate populates multiple PKI entries at once.
type HnsBatchUpdate struct {
	Entries []HnsEntry
}

// ConnectionRequest is sent by a router to an indirect node it routes for,
// asking that node to originate a reciprocal passthrough toward From.
type ConnectionRequest struct {
	From string
}

// NetProcess is the reserved process name a router addresses a
// ConnectionRequest to, so it travels as an ordinary KernelMessage over
// an already-established peer connection rather than needing its own
// wire type.
const NetProcess = "net"

// connectionRequestTag marks a Request's Metadata as carrying a
// ConnectionRequest in Body, the same reserved-Metadata convention
// HandleHello uses for plain-text debug messages.
const connectionRequestTag = "connection_request"

// EncodeConnectionRequest builds the Request a router sends to ask an
// indirect peer to dial back.
func EncodeConnectionRequest(cr ConnectionRequest) Request {
	return Request{Body: []byte(cr.From), Metadata: connectionRequestTag}
}

// DecodeConnectionRequest recognizes and parses a ConnectionRequest
// carried in req, per the EncodeConnectionRequest convention.
func DecodeConnectionRequest(req Request) (ConnectionRequest, bool) {
	if req.Metadata != connectionRequestTag {
		return ConnectionRequest{}, false
	}
	return ConnectionRequest{From: string(req.Body)}, true
}

// GetPeers requests the identities of every node known to the PKI,
// connected or not.
type GetPeers struct{}

// GetPeer requests a single node's PKI identity by name, whether or not
// it is connected.
type GetPeer struct {
	Name string
}

// GetDiagnostics requests a diagnostic snapshot of the net process.
type GetDiagnostics struct{}

// Sign requests that Blob be signed with the node's networking key, with
// the Source address prepended to the signed payload. Accepted only from
// the local node.
type Sign struct {
	Blob []byte
}

// Verify requests verification of Blob (with From's address prepended)
// against From's networking key using the attached Signature.
type Verify struct {
	From      string
	Blob      []byte
	Signature []byte
}

// NetResponse is the union of reply shapes the net process can send back
// for a control request.
type NetResponse struct {
	Accepted    *string
	Rejected    *string
	Peers       []HnsEntry
	Peer        *HnsEntry
	Diagnostics *Diagnostics
	SignedBlob  []byte
	Verified    *bool
}

// PeerDiagnostic is one peer's entry in a Diagnostics snapshot.
type PeerDiagnostic struct {
	Name          string
	RoutingFor    bool
	LastActivity  int64 // unix seconds
	QueueDepth    int
}

// Diagnostics is a read-only snapshot of net process state, returned in
// response to GetDiagnostics.
type Diagnostics struct {
	Peers               []PeerDiagnostic
	ActivePassthroughs  int
	PendingPassthroughs int
	MaxPassthroughs     uint32
}

// ProcessSafetyCheck validates that a source process id is "safe" per
// policy external to this package (e.g. not impersonating a privileged
// process). The net package treats a nil check as always-safe.
type ProcessSafetyCheck func(processID string) bool
