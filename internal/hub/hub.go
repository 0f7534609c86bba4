// Package hub implements the connection multiplexer (§4.G): the
// server-side fan-in/out that owns one processor per peer, identifies
// peers by a dense integer id, and routes signed messages to one or all
// peers.
package hub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rustyguts/relaymesh/internal/arq"
	"github.com/rustyguts/relaymesh/internal/clock"
	"github.com/rustyguts/relaymesh/internal/peer"
	"github.com/rustyguts/relaymesh/internal/proto"
	"github.com/rustyguts/relaymesh/internal/queue"
	"github.com/rustyguts/relaymesh/internal/runtime"
)

// ErrUnknownPeer is returned by a unicast send when the target peer-id is
// not registered.
var ErrUnknownPeer = errors.New("hub: unknown peer id")

// ErrConnectionLimit is returned by Register when admitting the
// connection would exceed a configured total or per-IP limit.
var ErrConnectionLimit = errors.New("hub: connection limit reached")

// entry is what the multiplexer keeps per registered peer.
type entry struct {
	proc   *peer.Processor
	bundle peer.Bundle
	ip     string
}

// Hub is the connection multiplexer. It is safe for concurrent use; the
// connection table is mutated only under mu, per §5's "mutated only by
// its owning task" — in this Go translation that owning task is
// whichever goroutine calls Hub's exported methods, serialized by mu.
type Hub struct {
	rt     runtime.Runtime
	clk    clock.Clock
	relCfg arq.Config

	mu             sync.RWMutex
	nextID         proto.PeerID
	entries        map[proto.PeerID]entry
	byIP           map[string]int
	fanin          peer.Fanin
	maxConnections int
	perIPLimit     int
}

// New builds an empty Hub using rt to spawn processor tasks, clk for
// their ARQ timing, and relCfg to tune every processor's reliable
// channel (§6: both peers must agree on these values). Connection
// admission control is unlimited until SetMaxConnections/SetPerIPLimit
// are called.
func New(rt runtime.Runtime, clk clock.Clock, relCfg arq.Config) *Hub {
	return &Hub{
		rt:      rt,
		clk:     clk,
		relCfg:  relCfg,
		entries: make(map[proto.PeerID]entry),
		byIP:    make(map[string]int),
		fanin:   peer.NewFanin(),
	}
}

// SetMaxConnections caps the total number of simultaneously registered
// peers. n <= 0 means unlimited, carried over from the teacher's
// room.SetMaxConnections abuse-resistance knob (server/main.go).
func (h *Hub) SetMaxConnections(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxConnections = n
}

// SetPerIPLimit caps the number of simultaneously registered peers that
// may share one remote IP. n <= 0 means unlimited, carried over from the
// teacher's room.SetPerIPLimit.
func (h *Hub) SetPerIPLimit(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.perIPLimit = n
}

// Register allocates the next peer-id, builds a processor, spawns its
// task, inserts it into the table, and returns the id (§4.G register()).
// ip is the remote address the connection negotiated from, used only for
// the per-IP admission check; pass "" to skip it. The multiplexer always
// mints a fresh id; it is the caller's responsibility to avoid calling
// Register twice for the same logical peer.
func (h *Hub) Register(ip string) (proto.PeerID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.maxConnections > 0 && len(h.entries) >= h.maxConnections {
		return 0, fmt.Errorf("%w: total connections at %d", ErrConnectionLimit, h.maxConnections)
	}
	if ip != "" && h.perIPLimit > 0 && h.byIP[ip] >= h.perIPLimit {
		return 0, fmt.Errorf("%w: %s at %d connections", ErrConnectionLimit, ip, h.perIPLimit)
	}

	h.nextID++
	id := h.nextID

	proc := peer.New(id, h.rt, h.clk, h.fanin, h.relCfg)
	proc.Start()
	h.entries[id] = entry{proc: proc, bundle: proc.Bundle(), ip: ip}
	if ip != "" {
		h.byIP[ip]++
	}
	return id, nil
}

// Kill sends Shutdown on peer id's control channel and removes it from
// the table. It is a no-op if id is absent. After Kill, id must never be
// reused (§3 PeerId, §8 invariant).
func (h *Hub) Kill(id proto.PeerID) {
	h.mu.Lock()
	e, ok := h.entries[id]
	if ok {
		delete(h.entries, id)
		if e.ip != "" {
			h.byIP[e.ip]--
			if h.byIP[e.ip] <= 0 {
				delete(h.byIP, e.ip)
			}
		}
	}
	h.mu.Unlock()

	if ok {
		e.bundle.Control.Push(peer.ControlShutdown)
	}
}

// SendMessage delivers m to target on the unreliable channel.
func (h *Hub) SendMessage(target proto.Target, m proto.Message) error {
	return h.dispatch(target, func(e entry) { e.bundle.MsgOut.Push(m) })
}

// SendReliableMessage delivers m to target on the reliable channel.
func (h *Hub) SendReliableMessage(target proto.Target, m proto.ReliableMessage) error {
	return h.dispatch(target, func(e entry) { e.bundle.RMsgOut.Push(m) })
}

// SendRaw delivers raw bytes addressed to target into its processor's
// incoming-bytes queue, as if they arrived from the transport.
func (h *Hub) SendRaw(target proto.Target, raw proto.RawMessage) error {
	return h.dispatch(target, func(e entry) { e.bundle.RawIn.Push(raw) })
}

// dispatch fans work to one or all processors. Broadcasting to an empty
// or partially-known set of targets succeeds vacuously; unicasting to an
// unknown id returns ErrUnknownPeer (§4.G).
func (h *Hub) dispatch(target proto.Target, send func(entry)) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if target.IsAll() {
		for _, e := range h.entries {
			send(e)
		}
		return nil
	}

	e, ok := h.entries[target.PeerID()]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, target.PeerID())
	}
	send(e)
	return nil
}

// MessageChannel returns the clonable producer handle for id's unreliable
// outbound message queue (§4.G get_message_channel), for a caller that
// wants to hold a direct handle to one peer rather than going through
// SendMessage's per-call target dispatch. ok is false if id is unknown.
func (h *Hub) MessageChannel(id proto.PeerID) (ch *queue.Queue[proto.Message], ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[id]
	if !ok {
		return nil, false
	}
	return e.bundle.MsgOut, true
}

// ReliableMessageChannel returns the clonable producer handle for id's
// reliable outbound message queue (§4.G get_reliable_message_channel).
// ok is false if id is unknown.
func (h *Hub) ReliableMessageChannel(id proto.PeerID) (ch *queue.Queue[proto.ReliableMessage], ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[id]
	if !ok {
		return nil, false
	}
	return e.bundle.RMsgOut, true
}

// RawChannel returns the clonable producer handle for id's inbound raw
// byte queue (§4.G get_raw_channel), as if bytes arrived from the
// transport. ok is false if id is unknown.
func (h *Hub) RawChannel(id proto.PeerID) (ch *queue.Queue[proto.RawMessage], ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[id]
	if !ok {
		return nil, false
	}
	return e.bundle.RawIn, true
}

// MessageReceiver returns the aggregated fan-in queue of inbound
// unreliable messages across every registered peer.
func (h *Hub) MessageReceiver() *queue.Queue[proto.SignedMessage[proto.Message]] {
	return h.fanin.Messages
}

// ReliableMessageReceiver returns the aggregated fan-in queue of inbound
// reliable messages across every registered peer.
func (h *Hub) ReliableMessageReceiver() *queue.Queue[proto.SignedMessage[proto.ReliableMessage]] {
	return h.fanin.Reliable
}

// BytesReceiver returns the aggregated fan-in queue of outbound raw bytes
// a processor has produced for its peer, for the server loop to send over
// the transport.
func (h *Hub) BytesReceiver() *queue.Queue[proto.SignedMessage[proto.RawMessage]] {
	return h.fanin.Bytes
}

// Has reports whether id is currently registered.
func (h *Hub) Has(id proto.PeerID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.entries[id]
	return ok
}

// Len returns the number of currently registered peers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
