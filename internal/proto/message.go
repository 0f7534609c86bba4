// Package proto defines the wire types exchanged between a peer and the
// server over the two logical channels (§3 of the transport spec) and a
// small self-describing binary codec for them.
//
// Encoding uses a tagged-datagram style (a leading tag/header followed by
// fixed fields): each value starts with a one-byte tag identifying the variant, followed by
// its fields in a fixed order. Strings are length-prefixed with a
// big-endian uint16. There is no third-party serialization library in
// play here on purpose — see DESIGN.md for why.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrTruncated is returned when a buffer ends before a complete value was read.
var ErrTruncated = errors.New("proto: truncated frame")

// MaxReliableMessageLen is the maximum encoded length of a ReliableMessage,
// per §6 wire-level settings (max_message_len=65534).
const MaxReliableMessageLen = 65534

// Message tags (unreliable channel). Tag 255 (MessageTagUnknown) is reserved
// for frames whose tag byte didn't match any known variant.
const (
	MessageTagSync     byte = 0
	MessageTagPosition byte = 1
	MessageTagPlayer   byte = 2
	MessageTagState    byte = 3
	MessageTagUnknown  byte = 255
)

// ReliableMessage tags (reliable channel).
const (
	ReliableTagConnect      byte = 0
	ReliableTagConnected    byte = 1
	ReliableTagDisconnected byte = 2
	ReliableTagText         byte = 3
	ReliableTagState        byte = 4
)

// Message is the tagged variant carried on the unreliable logical channel.
type Message struct {
	Tag      byte
	X, Y     float32 // Position, Player
	PlayerID uint32  // Player
	Obj      Object  // State
}

// Sync builds a heartbeat Message with no payload.
func Sync() Message { return Message{Tag: MessageTagSync} }

// Position builds a Position Message.
func Position(x, y float32) Message { return Message{Tag: MessageTagPosition, X: x, Y: y} }

// Player builds a Player Message.
func Player(id uint32, x, y float32) Message {
	return Message{Tag: MessageTagPlayer, PlayerID: id, X: x, Y: y}
}

// StateMessage builds a single-object State Message (unreliable channel).
func StateMessage(obj Object) Message { return Message{Tag: MessageTagState, Obj: obj} }

// Unknown builds a reserved placeholder Message for an unrecognised tag.
func Unknown() Message { return Message{Tag: MessageTagUnknown} }

// Encode appends the wire encoding of m to dst and returns the result.
func (m Message) Encode(dst []byte) []byte {
	dst = append(dst, m.Tag)
	switch m.Tag {
	case MessageTagSync, MessageTagUnknown:
		// no payload
	case MessageTagPosition:
		dst = putFloat32(dst, m.X)
		dst = putFloat32(dst, m.Y)
	case MessageTagPlayer:
		dst = putUint32(dst, m.PlayerID)
		dst = putFloat32(dst, m.X)
		dst = putFloat32(dst, m.Y)
	case MessageTagState:
		dst = m.Obj.Encode(dst)
	default:
		// Unrecognised tags are written as the bare tag byte with no
		// payload, which DecodeMessage reads back as Unknown; a sender
		// should never construct one, but decoding must stay lenient.
	}
	return dst
}

// DecodeMessage reads one Message from the front of b, returning the
// remainder. An unrecognised tag decodes as Unknown rather than failing,
// matching §3's "mismatched tags are silently dropped" rule.
func DecodeMessage(b []byte) (Message, []byte, error) {
	if len(b) < 1 {
		return Message{}, nil, ErrTruncated
	}
	tag, rest := b[0], b[1:]
	switch tag {
	case MessageTagSync:
		return Message{Tag: MessageTagSync}, rest, nil
	case MessageTagPosition:
		x, rest, err := takeFloat32(rest)
		if err != nil {
			return Message{}, nil, err
		}
		y, rest, err := takeFloat32(rest)
		if err != nil {
			return Message{}, nil, err
		}
		return Position(x, y), rest, nil
	case MessageTagPlayer:
		id, rest, err := takeUint32(rest)
		if err != nil {
			return Message{}, nil, err
		}
		x, rest, err := takeFloat32(rest)
		if err != nil {
			return Message{}, nil, err
		}
		y, rest, err := takeFloat32(rest)
		if err != nil {
			return Message{}, nil, err
		}
		return Player(id, x, y), rest, nil
	case MessageTagState:
		obj, rest, err := DecodeObject(rest)
		if err != nil {
			return Message{}, nil, err
		}
		return StateMessage(obj), rest, nil
	default:
		return Unknown(), rest, nil
	}
}

// ReliableMessage is the tagged variant carried on the reliable channel.
type ReliableMessage struct {
	Tag     byte
	Text    string           // Connected, Disconnected, Text
	Objects map[uint32]Object // State
}

// Connect builds a Connect ReliableMessage (no payload).
func Connect() ReliableMessage { return ReliableMessage{Tag: ReliableTagConnect} }

// Connected builds a Connected ReliableMessage carrying the peer's display name.
func Connected(name string) ReliableMessage {
	return ReliableMessage{Tag: ReliableTagConnected, Text: name}
}

// Disconnected builds a Disconnected ReliableMessage carrying the peer's display name.
func Disconnected(name string) ReliableMessage {
	return ReliableMessage{Tag: ReliableTagDisconnected, Text: name}
}

// Text builds a Text ReliableMessage.
func Text(body string) ReliableMessage { return ReliableMessage{Tag: ReliableTagText, Text: body} }

// State builds a full-snapshot State ReliableMessage.
func State(objects map[uint32]Object) ReliableMessage {
	return ReliableMessage{Tag: ReliableTagState, Objects: objects}
}

// Encode appends the wire encoding of m to dst and returns the result. It
// returns an error if the encoded form would exceed MaxReliableMessageLen.
func (m ReliableMessage) Encode(dst []byte) ([]byte, error) {
	start := len(dst)
	dst = append(dst, m.Tag)
	switch m.Tag {
	case ReliableTagConnect:
		// no payload
	case ReliableTagConnected, ReliableTagDisconnected, ReliableTagText:
		dst = putString(dst, m.Text)
	case ReliableTagState:
		dst = putUint32(dst, uint32(len(m.Objects)))
		ids := make([]uint32, 0, len(m.Objects))
		for id := range m.Objects {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			dst = putUint32(dst, id)
			dst = m.Objects[id].Encode(dst)
		}
	default:
		return nil, fmt.Errorf("proto: unknown ReliableMessage tag %d", m.Tag)
	}
	if len(dst)-start > MaxReliableMessageLen {
		return nil, fmt.Errorf("proto: encoded ReliableMessage length %d exceeds max %d", len(dst)-start, MaxReliableMessageLen)
	}
	return dst, nil
}

// DecodeReliableMessage reads one ReliableMessage from the front of b,
// returning the remainder.
func DecodeReliableMessage(b []byte) (ReliableMessage, []byte, error) {
	if len(b) < 1 {
		return ReliableMessage{}, nil, ErrTruncated
	}
	tag, rest := b[0], b[1:]
	switch tag {
	case ReliableTagConnect:
		return Connect(), rest, nil
	case ReliableTagConnected, ReliableTagDisconnected, ReliableTagText:
		s, rest, err := takeString(rest)
		if err != nil {
			return ReliableMessage{}, nil, err
		}
		return ReliableMessage{Tag: tag, Text: s}, rest, nil
	case ReliableTagState:
		n, rest, err := takeUint32(rest)
		if err != nil {
			return ReliableMessage{}, nil, err
		}
		objs := make(map[uint32]Object, n)
		for i := uint32(0); i < n; i++ {
			var id uint32
			id, rest, err = takeUint32(rest)
			if err != nil {
				return ReliableMessage{}, nil, err
			}
			var obj Object
			obj, rest, err = DecodeObject(rest)
			if err != nil {
				return ReliableMessage{}, nil, err
			}
			objs[id] = obj
		}
		return State(objs), rest, nil
	default:
		// Reliable frames with an unrecognised tag can't be skipped safely
		// (no length prefix on the outer frame), so this is a hard error;
		// the ARQ layer logs and drops the whole packet.
		return ReliableMessage{}, nil, fmt.Errorf("proto: unknown ReliableMessage tag %d", tag)
	}
}

// ObjectInfo is the sum type carried by Object: either a Tree or a Player.
type ObjectInfo struct {
	IsPlayer bool
	X, Y     float32
	Size     float32 // Tree only
	Color    string  // Player only
}

// Tree builds tree ObjectInfo.
func Tree(x, y, size float32) ObjectInfo { return ObjectInfo{X: x, Y: y, Size: size} }

// PlayerInfo builds player ObjectInfo.
func PlayerInfo(x, y float32, color string) ObjectInfo {
	return ObjectInfo{IsPlayer: true, X: x, Y: y, Color: color}
}

// Object is {id, info} as defined in §3.
type Object struct {
	ID   uint32
	Info ObjectInfo
}

func (o Object) Encode(dst []byte) []byte {
	dst = putUint32(dst, o.ID)
	if o.Info.IsPlayer {
		dst = append(dst, 1)
		dst = putFloat32(dst, o.Info.X)
		dst = putFloat32(dst, o.Info.Y)
		dst = putString(dst, o.Info.Color)
	} else {
		dst = append(dst, 0)
		dst = putFloat32(dst, o.Info.X)
		dst = putFloat32(dst, o.Info.Y)
		dst = putFloat32(dst, o.Info.Size)
	}
	return dst
}

func DecodeObject(b []byte) (Object, []byte, error) {
	id, rest, err := takeUint32(b)
	if err != nil {
		return Object{}, nil, err
	}
	if len(rest) < 1 {
		return Object{}, nil, ErrTruncated
	}
	kind, rest := rest[0], rest[1:]
	if kind == 1 {
		x, rest, err := takeFloat32(rest)
		if err != nil {
			return Object{}, nil, err
		}
		y, rest, err := takeFloat32(rest)
		if err != nil {
			return Object{}, nil, err
		}
		color, rest, err := takeString(rest)
		if err != nil {
			return Object{}, nil, err
		}
		return Object{ID: id, Info: PlayerInfo(x, y, color)}, rest, nil
	}
	x, rest, err := takeFloat32(rest)
	if err != nil {
		return Object{}, nil, err
	}
	y, rest, err := takeFloat32(rest)
	if err != nil {
		return Object{}, nil, err
	}
	size, rest, err := takeFloat32(rest)
	if err != nil {
		return Object{}, nil, err
	}
	return Object{ID: id, Info: Tree(x, y, size)}, rest, nil
}

// --- low-level field helpers ---

func putUint32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

func putFloat32(dst []byte, v float32) []byte {
	return putUint32(dst, math.Float32bits(v))
}

func putString(dst []byte, s string) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(len(s)))
	dst = append(dst, buf[:]...)
	return append(dst, s...)
}

func takeUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

func takeFloat32(b []byte) (float32, []byte, error) {
	v, rest, err := takeUint32(b)
	if err != nil {
		return 0, nil, err
	}
	return math.Float32frombits(v), rest, nil
}

func takeString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < n {
		return "", nil, ErrTruncated
	}
	return string(b[:n]), b[n:], nil
}
