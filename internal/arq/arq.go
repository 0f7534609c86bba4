// Package arq implements the per-logical-channel reliability engine (§4.D):
// an unreliable best-effort mode and a windowed ARQ reliable mode, both
// producing/consuming raw packets framed for the packet multiplexer
// (internal/netmux).
//
// Wire framing is internal to this package (§6): every packet begins with
// a one-byte logical channel number followed by a one-byte frame kind,
// then a kind-specific self-describing payload built on top of
// internal/proto's codec. Both peers must agree on channel-number-to-type
// mapping; this package does not validate that beyond routing on the
// frame kind byte.
package arq

import "errors"

// Frame kinds, the second byte of every packet this package emits.
const (
	frameUnreliableMessage byte = 0
	frameReliableData      byte = 1
	frameReliableAck       byte = 2
)

// ErrTooLong is returned by a reliable channel's TrySend when the encoded
// message exceeds a configured MaxMessageLen that is below
// proto.MaxReliableMessageLen (65534 bytes). A message whose encoding is
// longer than proto.MaxReliableMessageLen fails inside proto's encoder
// instead, and TrySend returns that encoder error, not ErrTooLong.
var ErrTooLong = errors.New("arq: message exceeds max_message_len")

// UnreliableDefaults holds §6's unreliable-channel wire defaults.
type UnreliableDefaults struct {
	MessageBufferSize int
	PacketBufferSize  int
	Channel           uint8
}

// DefaultUnreliable returns §6's documented unreliable-channel defaults.
func DefaultUnreliable() UnreliableDefaults {
	return UnreliableDefaults{MessageBufferSize: 64, PacketBufferSize: 64, Channel: 1}
}

// ReliableChannelNumber is §6's fixed channel number for the reliable
// logical channel.
const ReliableChannelNumber uint8 = 0
