package proto

// PeerID is a dense, monotonically increasing, never-reused peer identifier
// minted by the connection multiplexer (§3). The zero value is not a valid
// assigned id — ids start at 1.
type PeerID uint64

// SignedMessage pairs a payload with the peer it came from (inbound fan-in)
// or is addressed to (outbound fan-out), per §3.
type SignedMessage[T any] struct {
	ID      PeerID
	Message T
}

// RawMessage is an owned, length-known byte buffer moving through the
// packet multiplexer (§3). It is always passed by value-of-slice-header;
// callers must not retain a RawMessage's Bytes across processor
// iterations once handed off. Its Bytes are a fresh copy made by whoever
// builds it (the processor's emitBytes, world.Loop's inbound handler).
type RawMessage struct {
	Bytes []byte
}

// Target selects the destination(s) of an outbound send at the connection
// multiplexer boundary (§4.G): either every known peer, or exactly one.
type Target struct {
	all    bool
	peerID PeerID
}

// AllPeers targets every currently registered peer (broadcast).
func AllPeers() Target { return Target{all: true} }

// OnePeer targets exactly one peer.
func OnePeer(id PeerID) Target { return Target{peerID: id} }

// IsAll reports whether the target is the broadcast target.
func (t Target) IsAll() bool { return t.all }

// PeerID returns the targeted peer id. Only meaningful when !IsAll().
func (t Target) PeerID() PeerID { return t.peerID }
