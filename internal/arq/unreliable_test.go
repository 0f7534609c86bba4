package arq

import (
	"testing"
	"time"

	"github.com/rustyguts/relaymesh/internal/proto"
	"github.com/rustyguts/relaymesh/internal/queue"
)

func TestUnreliableSendDeliversFramedPacket(t *testing.T) {
	out := queue.New[[]byte]()
	defer out.Close()

	u := NewUnreliable(UnreliableDefaults{MessageBufferSize: 4, PacketBufferSize: 4, Channel: 1}, out)
	defer u.Close()

	u.TrySend(proto.Sync())

	pkt := popPacket(t, out)
	if pkt[0] != 1 || pkt[1] != frameUnreliableMessage {
		t.Fatalf("unexpected packet header: %v", pkt[:2])
	}

	msg, rest, err := proto.DecodeMessage(pkt[2:])
	if err != nil || len(rest) != 0 || msg.Tag != proto.MessageTagSync {
		t.Fatalf("decode: msg=%+v rest=%d err=%v", msg, len(rest), err)
	}
}

func TestUnreliableDropsWhenRingFull(t *testing.T) {
	out := queue.New[[]byte]()
	defer out.Close()

	// A ring of capacity 1 with no drain lets us force it full by never
	// reading from out before the second send.
	u := &Unreliable{channel: 1, in: make(chan proto.Message, 1), ring: make(chan []byte, 1)}
	defer close(u.ring)

	u.TrySend(proto.Sync())     // fills the ring (no forwarder running)
	u.TrySend(proto.Position(1, 1)) // must be dropped silently, not block

	if len(u.ring) != 1 {
		t.Fatalf("ring len = %d, want 1", len(u.ring))
	}
}

func TestUnreliableHandleFrameDeliversDecodedMessage(t *testing.T) {
	out := queue.New[[]byte]()
	defer out.Close()
	u := NewUnreliable(DefaultUnreliable(), out)
	defer u.Close()

	body := proto.Position(3, 4).Encode(nil)
	u.HandleFrame(body)

	select {
	case msg := <-u.Recv():
		if msg.Tag != proto.MessageTagPosition || msg.X != 3 || msg.Y != 4 {
			t.Fatalf("got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivered message")
	}
}

func TestUnreliableHandleFrameDropsMalformed(t *testing.T) {
	out := queue.New[[]byte]()
	defer out.Close()
	u := NewUnreliable(DefaultUnreliable(), out)
	defer u.Close()

	u.HandleFrame(nil) // ErrTruncated, must not panic or deliver

	select {
	case msg := <-u.Recv():
		t.Fatalf("unexpected delivery: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}
