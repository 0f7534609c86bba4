// Package world implements the server-side game-loop coupling (§4.I):
// the "Universe" that tracks connected clients, diffs client-set
// snapshots from the server loop, and drives the connect/disconnect
// broadcast sequence, plus the top-level select loop that glues the
// connection multiplexer to the transport.
package world

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/rustyguts/relaymesh/internal/hub"
	"github.com/rustyguts/relaymesh/internal/proto"
)

// treeCount is the number of Tree objects seeded into every fresh
// Universe, matching the reference scenario's "State(<20 trees>)"
// full-snapshot handshake payload (§8 Scenario 1).
const treeCount = 20

// clientState tracks one peer's lifecycle as observed through successive
// ClientSnapshots.
type clientState int

const (
	stateConnecting clientState = iota
	stateConnected
)

// ClientSnapshot is the set of currently-registered peer ids, published
// by the server loop on every new registration (§4.I).
type ClientSnapshot struct {
	IDs map[proto.PeerID]struct{}
}

// NewClientSnapshot builds a ClientSnapshot from the given ids.
func NewClientSnapshot(ids ...proto.PeerID) ClientSnapshot {
	s := ClientSnapshot{IDs: make(map[proto.PeerID]struct{}, len(ids))}
	for _, id := range ids {
		s.IDs[id] = struct{}{}
	}
	return s
}

// Universe is the authoritative game-loop state: connected clients and
// the fixed object snapshot every new client receives (§4.I).
type Universe struct {
	h *hub.Hub

	mu      sync.Mutex
	clients map[proto.PeerID]clientState
	objects map[uint32]proto.Object
}

// NewUniverse builds a Universe wired to h, seeded with treeCount trees
// placed deterministically so the handshake scenario is reproducible.
func NewUniverse(h *hub.Hub) *Universe {
	return &Universe{
		h:       h,
		clients: make(map[proto.PeerID]clientState),
		objects: seedTrees(),
	}
}

func seedTrees() map[uint32]proto.Object {
	// A fixed seed keeps the world reproducible across runs; this is
	// decorative terrain, not gameplay-significant state.
	rng := rand.New(rand.NewSource(1))
	objects := make(map[uint32]proto.Object, treeCount)
	for i := uint32(1); i <= treeCount; i++ {
		x := rng.Float32()*2000 - 1000
		y := rng.Float32()*2000 - 1000
		size := 0.5 + rng.Float32()*1.5
		objects[i] = proto.Object{ID: i, Info: proto.Tree(x, y, size)}
	}
	return objects
}

// displayName is the client-facing identity used in Connected/
// Disconnected broadcasts. The source protocol never assigns real
// usernames to peers at this layer, so the dense integer id is used
// verbatim, matching scenario 1's "Connected(\"2\")" literal.
func displayName(id proto.PeerID) string {
	return fmt.Sprintf("%d", id)
}

// HandleSnapshot diffs snap against the Universe's own connected-client
// map and drives the Connecting->Connected and Connected->Disconnected
// transitions described in §4.I.
func (u *Universe) HandleSnapshot(snap ClientSnapshot) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for id := range snap.IDs {
		if _, known := u.clients[id]; known {
			continue
		}
		u.clients[id] = stateConnecting
		u.connectLocked(id)
	}

	for id, state := range u.clients {
		if state != stateConnected {
			continue
		}
		if _, stillPresent := snap.IDs[id]; stillPresent {
			continue
		}
		u.disconnectLocked(id)
	}
}

func (u *Universe) connectLocked(id proto.PeerID) {
	target := proto.OnePeer(id)

	if err := u.h.SendReliableMessage(target, proto.Connect()); err != nil {
		slog.Warn("world: send Connect failed", "peer", id, "err", err)
		return
	}

	snapshot := make(map[uint32]proto.Object, len(u.objects))
	for k, v := range u.objects {
		snapshot[k] = v
	}
	if err := u.h.SendReliableMessage(target, proto.State(snapshot)); err != nil {
		slog.Warn("world: send State snapshot failed", "peer", id, "err", err)
		return
	}

	u.clients[id] = stateConnected
	name := displayName(id)
	if err := u.h.SendReliableMessage(proto.AllPeers(), proto.Connected(name)); err != nil {
		slog.Warn("world: broadcast Connected failed", "peer", id, "err", err)
	}
	slog.Info("world: client connected", "peer", id)
}

func (u *Universe) disconnectLocked(id proto.PeerID) {
	delete(u.clients, id)
	name := displayName(id)
	if err := u.h.SendReliableMessage(proto.AllPeers(), proto.Disconnected(name)); err != nil {
		slog.Warn("world: broadcast Disconnected failed", "peer", id, "err", err)
	}
	slog.Info("world: client disconnected", "peer", id)
}

// HandleMessage reacts to one inbound unreliable message (§8 Scenario 2):
// a Position update is echoed to every connected client as a reliable
// chat notice. Other variants are accepted silently — the transport core
// does not prescribe richer gameplay semantics.
func (u *Universe) HandleMessage(sm proto.SignedMessage[proto.Message]) {
	if sm.Message.Tag != proto.MessageTagPosition {
		return
	}
	text := fmt.Sprintf("Client %d clicked (%.1f,%.1f)", sm.ID, sm.Message.X, sm.Message.Y)
	if err := u.h.SendReliableMessage(proto.AllPeers(), proto.Text(text)); err != nil {
		slog.Warn("world: broadcast click notice failed", "peer", sm.ID, "err", err)
	}
}

// ClientCount reports the number of clients currently in the Connected
// state, for the ambient metrics loop.
func (u *Universe) ClientCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, s := range u.clients {
		if s == stateConnected {
			n++
		}
	}
	return n
}
