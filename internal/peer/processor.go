// Package peer implements the per-peer message processor (§4.F), the
// centerpiece of the transport core: a single-threaded cooperative state
// machine that converts between a stream of raw datagrams and two typed
// message streams for exactly one peer, driving a reliability/ARQ layer,
// a packet pool, and a 5ms flush timer.
package peer

import (
	"log/slog"
	"time"

	"github.com/rustyguts/relaymesh/internal/arq"
	"github.com/rustyguts/relaymesh/internal/clock"
	"github.com/rustyguts/relaymesh/internal/netmux"
	"github.com/rustyguts/relaymesh/internal/pool"
	"github.com/rustyguts/relaymesh/internal/proto"
	"github.com/rustyguts/relaymesh/internal/queue"
	"github.com/rustyguts/relaymesh/internal/runtime"
)

// flushInterval is the processor's flush timer cadence (§6's resolved
// 5ms game-loop variant, preferred over the 1000ms variant for
// interactive use per §9's open question).
const flushInterval = 5 * time.Millisecond

// poolCapacity sizes each processor's buffer pool generously enough to
// hold one full reliable frame (header plus a MaxReliableMessageLen
// payload); real WebRTC data channels fragment below their own MTU, a
// concern this layer treats as opaque per §6.
const poolCapacity = 6 + proto.MaxReliableMessageLen

// Control is the sole message type carried on a processor's control
// channel.
type Control int

// ControlShutdown is the only control variant: it breaks the processor's
// loop on its next iteration (§5 Cancellation).
const ControlShutdown Control = 0

// Bundle is the set of write-only producer handles the connection
// multiplexer holds to inject traffic into a processor (§3
// ChannelBundle). The processor owns the matching read ends.
type Bundle struct {
	MsgOut  *queue.Queue[proto.Message]
	RMsgOut *queue.Queue[proto.ReliableMessage]
	RawIn   *queue.Queue[proto.RawMessage]
	Control *queue.Queue[Control]
}

// Fanin groups the three aggregated queues the enclosing game loop reads
// from. A single set of these is shared (cloned as pointers) across every
// processor the connection multiplexer registers.
type Fanin struct {
	Messages *queue.Queue[proto.SignedMessage[proto.Message]]
	Reliable *queue.Queue[proto.SignedMessage[proto.ReliableMessage]]
	Bytes    *queue.Queue[proto.SignedMessage[proto.RawMessage]]
}

// NewFanin builds a fresh set of fan-in queues for a connection
// multiplexer to own and share across its registered processors.
func NewFanin() Fanin {
	return Fanin{
		Messages: queue.New[proto.SignedMessage[proto.Message]](),
		Reliable: queue.New[proto.SignedMessage[proto.ReliableMessage]](),
		Bytes:    queue.New[proto.SignedMessage[proto.RawMessage]](),
	}
}

// Processor is one peer's message processor (§4.F).
type Processor struct {
	id     proto.PeerID
	rt     runtime.Runtime
	clk    clock.Clock
	pool   *pool.Pool
	mux    *netmux.Multiplexer
	un     *arq.Unreliable
	rel    *arq.Reliable
	bundle Bundle
	fanin  Fanin

	done chan struct{}
}

// New constructs a processor for id, with the reliable channel tuned by
// relCfg (§6: both peers must be configured identically). Its task is
// not started until Start is called, mirroring Multiplexer.register()'s
// two-step construct-then-spawn sequence (§4.G).
func New(id proto.PeerID, rt runtime.Runtime, clk clock.Clock, fanin Fanin, relCfg arq.Config) *Processor {
	mux := netmux.New()
	return &Processor{
		id:   id,
		rt:   rt,
		clk:  clk,
		pool: pool.New(poolCapacity),
		mux:  mux,
		un:   arq.NewUnreliable(arq.DefaultUnreliable(), mux.Outgoing),
		rel:  arq.NewReliable(relCfg, clk, mux.Outgoing),
		bundle: Bundle{
			MsgOut:  queue.New[proto.Message](),
			RMsgOut: queue.New[proto.ReliableMessage](),
			RawIn:   queue.New[proto.RawMessage](),
			Control: queue.New[Control](),
		},
		fanin: fanin,
		done:  make(chan struct{}),
	}
}

// ID returns the peer id this processor serves.
func (p *Processor) ID() proto.PeerID { return p.id }

// Bundle returns the write-only endpoints the connection multiplexer
// hands to its caller on register().
func (p *Processor) Bundle() Bundle { return p.bundle }

// Start spawns the processor's loop on the configured runtime. The task
// runs until it receives ControlShutdown.
func (p *Processor) Start() { p.rt.Spawn(p.run) }

// Done returns a channel closed once the processor's loop has exited.
func (p *Processor) Done() <-chan struct{} { return p.done }

func (p *Processor) run() {
	defer close(p.done)
	defer p.un.Close()
	defer p.mux.Close()

	timer := p.rt.Sleep(flushInterval)
	for {
		select {
		case msg, ok := <-p.bundle.MsgOut.C():
			if !ok {
				slog.Warn("peer: outbound message queue closed", "peer", p.id) // Action::Error
				continue
			}
			p.un.TrySend(msg) // DispatchMessage

		case rmsg, ok := <-p.bundle.RMsgOut.C():
			if !ok {
				slog.Warn("peer: outbound reliable-message queue closed", "peer", p.id) // Action::Error
				continue
			}
			if err := p.rel.TrySend(rmsg); err != nil {
				slog.Warn("peer: dropping reliable message", "peer", p.id, "err", err) // Action::Error
			}

		case msg, ok := <-p.un.Recv():
			if !ok {
				slog.Warn("peer: unreliable receive channel closed", "peer", p.id) // Action::Error
				continue
			}
			p.fanin.Messages.Push(proto.SignedMessage[proto.Message]{ID: p.id, Message: msg}) // EmitMessage

		case rmsg, ok := <-p.rel.Recv():
			if !ok {
				slog.Warn("peer: reliable receive channel closed", "peer", p.id) // Action::Error
				continue
			}
			p.fanin.Reliable.Push(proto.SignedMessage[proto.ReliableMessage]{ID: p.id, Message: rmsg}) // EmitMessage

		case raw, ok := <-p.bundle.RawIn.C():
			if !ok {
				slog.Warn("peer: inbound raw queue closed", "peer", p.id) // Action::Error
				continue
			}
			p.dispatchBytes(raw.Bytes)

		case raw, ok := <-p.mux.Outgoing.C():
			if !ok {
				slog.Warn("peer: outgoing packet queue closed", "peer", p.id) // Action::Error
				continue
			}
			p.emitBytes(raw)

		case ctrl, ok := <-p.bundle.Control.C():
			if !ok {
				slog.Warn("peer: control queue closed", "peer", p.id) // Action::Error
				continue
			}
			if ctrl == ControlShutdown {
				return // Shutdown, the sole graceful termination path (§5)
			}

		case <-timer:
			p.rel.Flush()
			p.un.Flush()
			timer = p.rt.Sleep(flushInterval) // Flush
		}
	}
}

// dispatchBytes implements the DispatchBytes action (§4.F): acquire a
// pool buffer, copy b in, and push it onto the multiplexer's incoming
// queue (§4.E) for routing to whichever ARQ engine owns its channel
// number. The pool round-trip is entirely local to this call; the buffer
// is released once its contents have been handed off.
func (p *Processor) dispatchBytes(b []byte) {
	if len(b) > p.pool.Capacity() {
		slog.Warn("peer: dropping oversized inbound packet", "peer", p.id, "len", len(b))
		return
	}
	buf := p.pool.Acquire()
	buf.Extend(b)
	p.mux.Incoming.Push(buf.Bytes())
	buf.Release()

	raw := <-p.mux.Incoming.C()
	netmux.Dispatch(raw, p.un, p.rel)
}

// emitBytes implements the EmitBytes action (§4.F): copy the ARQ-produced
// packet into a fresh owned buffer and publish it on the outbound-bytes
// fan-in tagged with this processor's peer-id, for the game loop to send.
func (p *Processor) emitBytes(b []byte) {
	owned := make([]byte, len(b))
	copy(owned, b)
	p.fanin.Bytes.Push(proto.SignedMessage[proto.RawMessage]{ID: p.id, Message: proto.RawMessage{Bytes: owned}})
}
