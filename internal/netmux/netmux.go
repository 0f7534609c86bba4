// Package netmux implements the packet multiplexer (§4.E): the two queues
// that sit between a peer's transport connection and its reliability
// engines. Incoming raw buffers are enqueued by the processor's
// DispatchBytes action and drained by whichever ARQ engine owns the
// packet's channel number; outgoing raw buffers are produced by both ARQ
// engines and drained by the processor's EmitBytes action for the
// transport to send.
package netmux

import (
	"log/slog"

	"github.com/rustyguts/relaymesh/internal/arq"
	"github.com/rustyguts/relaymesh/internal/queue"
)

// Multiplexer owns the incoming and outgoing raw-packet queues shared by
// a peer's two logical channels. Both are unbounded so neither the
// transport nor an ARQ engine ever blocks pushing into them (§4.E).
type Multiplexer struct {
	Incoming *queue.Queue[[]byte]
	Outgoing *queue.Queue[[]byte]
}

// New builds an empty Multiplexer.
func New() *Multiplexer {
	return &Multiplexer{
		Incoming: queue.New[[]byte](),
		Outgoing: queue.New[[]byte](),
	}
}

// Close releases the multiplexer's background pump goroutines.
func (m *Multiplexer) Close() {
	m.Incoming.Close()
	m.Outgoing.Close()
}

// Dispatch routes one raw packet pulled from Incoming to the engine that
// owns its leading channel-number byte. Unknown channel numbers and
// short packets are logged and dropped (§4.D: both peers must agree on
// channel assignment; this package enforces nothing beyond routing).
func Dispatch(raw []byte, unreliable *arq.Unreliable, reliable *arq.Reliable) {
	if len(raw) < 2 {
		slog.Debug("netmux: dropping undersized packet", "len", len(raw))
		return
	}
	channel, kind, body := raw[0], raw[1], raw[2:]

	switch channel {
	case reliable.Channel():
		reliable.HandleFrame(kind, body)
	case unreliable.Channel():
		unreliable.HandleFrame(body)
	default:
		slog.Debug("netmux: unknown channel number", "channel", channel)
	}
}
