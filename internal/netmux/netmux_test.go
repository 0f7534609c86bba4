package netmux

import (
	"testing"
	"time"

	"github.com/rustyguts/relaymesh/internal/arq"
	"github.com/rustyguts/relaymesh/internal/clock"
	"github.com/rustyguts/relaymesh/internal/proto"
	"github.com/rustyguts/relaymesh/internal/queue"
)

func TestDispatchRoutesByChannelNumber(t *testing.T) {
	out := queue.New[[]byte]()
	defer out.Close()

	unreliable := arq.NewUnreliable(arq.DefaultUnreliable(), out)
	defer unreliable.Close()
	reliable := arq.NewReliable(arq.DefaultReliableConfig(), clock.Wall{}, out)

	unreliablePkt := append([]byte{arq.DefaultUnreliable().Channel, 0}, proto.Sync().Encode(nil)...)
	Dispatch(unreliablePkt, unreliable, reliable)

	select {
	case msg := <-unreliable.Recv():
		if msg.Tag != proto.MessageTagSync {
			t.Fatalf("got tag %d, want Sync", msg.Tag)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for unreliable delivery")
	}
}

func TestDispatchDropsShortPacket(t *testing.T) {
	out := queue.New[[]byte]()
	defer out.Close()
	unreliable := arq.NewUnreliable(arq.DefaultUnreliable(), out)
	defer unreliable.Close()
	reliable := arq.NewReliable(arq.DefaultReliableConfig(), clock.Wall{}, out)

	Dispatch([]byte{0}, unreliable, reliable) // must not panic

	select {
	case <-unreliable.Recv():
		t.Fatal("unexpected delivery from a short packet")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchDropsUnknownChannel(t *testing.T) {
	out := queue.New[[]byte]()
	defer out.Close()
	unreliable := arq.NewUnreliable(arq.DefaultUnreliable(), out)
	defer unreliable.Close()
	reliable := arq.NewReliable(arq.DefaultReliableConfig(), clock.Wall{}, out)

	Dispatch([]byte{250, 0, 1, 2}, unreliable, reliable) // must not panic

	select {
	case <-unreliable.Recv():
		t.Fatal("unexpected delivery for an unknown channel")
	case <-time.After(50 * time.Millisecond):
	}
}
