package peer

import (
	"testing"
	"time"

	"github.com/rustyguts/relaymesh/internal/arq"
	"github.com/rustyguts/relaymesh/internal/clock"
	"github.com/rustyguts/relaymesh/internal/proto"
	"github.com/rustyguts/relaymesh/internal/runtime"
)

func TestProcessorDispatchMessageProducesOutboundBytes(t *testing.T) {
	fanin := NewFanin()
	p := New(1, runtime.Native{}, clock.Wall{}, fanin, arq.DefaultReliableConfig())
	p.Start()
	defer p.Bundle().Control.Push(ControlShutdown)

	p.Bundle().MsgOut.Push(proto.Sync())

	select {
	case sb := <-fanin.Bytes.C():
		if sb.ID != 1 {
			t.Fatalf("got peer id %d, want 1", sb.ID)
		}
		if sb.Message.Bytes[0] != arq.DefaultUnreliable().Channel {
			t.Fatalf("unexpected channel byte %d", sb.Message.Bytes[0])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound bytes")
	}
}

func TestProcessorDispatchBytesRoutesToFanin(t *testing.T) {
	fanin := NewFanin()
	p := New(2, runtime.Native{}, clock.Wall{}, fanin, arq.DefaultReliableConfig())
	p.Start()
	defer p.Bundle().Control.Push(ControlShutdown)

	frame := append([]byte{arq.DefaultUnreliable().Channel, 0}, proto.Position(1, 2).Encode(nil)...)
	p.Bundle().RawIn.Push(proto.RawMessage{Bytes: frame})

	select {
	case sm := <-fanin.Messages.C():
		if sm.ID != 2 || sm.Message.Tag != proto.MessageTagPosition {
			t.Fatalf("got %+v", sm)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestProcessorOversizedRawDropsWithoutCrashing(t *testing.T) {
	fanin := NewFanin()
	p := New(3, runtime.Native{}, clock.Wall{}, fanin, arq.DefaultReliableConfig())
	p.Start()
	defer p.Bundle().Control.Push(ControlShutdown)

	huge := make([]byte, poolCapacity+1)
	p.Bundle().RawIn.Push(proto.RawMessage{Bytes: huge})

	// The processor must still be alive and servicing other queues.
	p.Bundle().MsgOut.Push(proto.Sync())
	select {
	case <-fanin.Bytes.C():
	case <-time.After(time.Second):
		t.Fatal("processor appears stuck after an oversized raw packet")
	}
}

func TestProcessorShutdownClosesDone(t *testing.T) {
	fanin := NewFanin()
	p := New(4, runtime.Native{}, clock.Wall{}, fanin, arq.DefaultReliableConfig())
	p.Start()

	p.Bundle().Control.Push(ControlShutdown)

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("processor did not shut down")
	}
}
