package arq

import (
	"log/slog"

	"github.com/rustyguts/relaymesh/internal/proto"
	"github.com/rustyguts/relaymesh/internal/queue"
)

// Unreliable is the best-effort logical channel: messages may be lost,
// reordered, or duplicated, and are framed one message per packet (§4.D).
type Unreliable struct {
	channel uint8
	in      chan proto.Message // decoded inbound messages, for the processor's select
	ring    chan []byte         // bounded packet ring; full ring means drop, by design
}

// NewUnreliable builds an Unreliable channel with the given defaults. out
// is the processor's shared outgoing packet queue (netmux.Multiplexer.
// Outgoing); a background goroutine forwards whatever survives the
// bounded ring onto it.
func NewUnreliable(d UnreliableDefaults, out *queue.Queue[[]byte]) *Unreliable {
	u := &Unreliable{
		channel: d.Channel,
		in:      make(chan proto.Message, d.MessageBufferSize),
		ring:    make(chan []byte, d.PacketBufferSize),
	}
	go u.forward(out)
	return u
}

func (u *Unreliable) forward(out *queue.Queue[[]byte]) {
	for pkt := range u.ring {
		out.Push(pkt)
	}
}

// TrySend non-blockingly enqueues msg for transmission. If the outbound
// packet ring is full the message is dropped — this is the unreliable
// channel's defined best-effort behavior, not an error.
func (u *Unreliable) TrySend(msg proto.Message) {
	pkt := make([]byte, 0, 16)
	pkt = append(pkt, u.channel, frameUnreliableMessage)
	pkt = msg.Encode(pkt)

	select {
	case u.ring <- pkt:
	default:
		slog.Debug("arq: unreliable outbound ring full, dropping message", "channel", u.channel)
	}
}

// Recv returns the channel the processor selects on to receive decoded
// inbound messages (the "awaitable" of §4.D's try_async_recv).
func (u *Unreliable) Recv() <-chan proto.Message { return u.in }

// Flush is a no-op for the unreliable channel: every TrySend already
// produced a complete packet, so there is nothing buffered to force out.
func (u *Unreliable) Flush() {}

// HandleFrame decodes a raw frame body (channel byte and frame-kind byte
// already stripped) and delivers it to Recv(), or drops it silently if
// the inbound queue is full or the payload doesn't decode.
func (u *Unreliable) HandleFrame(body []byte) {
	msg, _, err := proto.DecodeMessage(body)
	if err != nil {
		slog.Debug("arq: dropping malformed unreliable frame", "err", err)
		return
	}
	select {
	case u.in <- msg:
	default:
		slog.Debug("arq: unreliable inbound queue full, dropping message", "channel", u.channel)
	}
}

// Channel returns this engine's logical channel number.
func (u *Unreliable) Channel() uint8 { return u.channel }

// Close stops the ring-forwarding goroutine. Safe to call once per
// Unreliable, typically when its owning processor shuts down.
func (u *Unreliable) Close() { close(u.ring) }
