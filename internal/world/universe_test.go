package world

import (
	"testing"
	"time"

	"github.com/rustyguts/relaymesh/internal/arq"
	"github.com/rustyguts/relaymesh/internal/clock"
	"github.com/rustyguts/relaymesh/internal/hub"
	"github.com/rustyguts/relaymesh/internal/proto"
	"github.com/rustyguts/relaymesh/internal/runtime"
)

func TestSeedTreesProducesExactlyTwentyTrees(t *testing.T) {
	h := hub.New(runtime.Native{}, clock.Wall{}, arq.DefaultReliableConfig())
	u := NewUniverse(h)
	if len(u.objects) != treeCount {
		t.Fatalf("seeded %d objects, want %d", len(u.objects), treeCount)
	}
	for _, obj := range u.objects {
		if obj.Info.IsPlayer {
			t.Fatalf("object %d: expected a tree, got a player", obj.ID)
		}
	}
}

// TestConnectSequenceSendsConnectStateConnected exercises §8 Scenario 1:
// a fresh client's snapshot registration triggers Connect, then a State
// snapshot carrying all 20 trees, then a broadcast Connected notice.
func TestConnectSequenceSendsConnectStateConnected(t *testing.T) {
	h := hub.New(runtime.Native{}, clock.Wall{}, arq.DefaultReliableConfig())
	id, err := h.Register("")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	u := NewUniverse(h)

	u.HandleSnapshot(NewClientSnapshot(id))

	var frames [][]byte
	for i := 0; i < 3; i++ {
		select {
		case sb := <-h.BytesReceiver().C():
			frames = append(frames, sb.Message.Bytes)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of 3 expected outbound frames", len(frames))
		}
	}

	if u.ClientCount() != 1 {
		t.Fatalf("ClientCount() = %d, want 1", u.ClientCount())
	}
}

// TestHandleMessageBroadcastsClickNotice exercises §8 Scenario 2: a
// Position message produces a broadcast Text notice naming the sender and
// its coordinates.
func TestHandleMessageBroadcastsClickNotice(t *testing.T) {
	h := hub.New(runtime.Native{}, clock.Wall{}, arq.DefaultReliableConfig())
	id, err := h.Register("")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	u := NewUniverse(h)

	u.HandleMessage(proto.SignedMessage[proto.Message]{ID: id, Message: proto.Position(1, 2)})

	select {
	case <-h.BytesReceiver().C():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast click notice")
	}
}

func TestHandleMessageIgnoresNonPositionTags(t *testing.T) {
	h := hub.New(runtime.Native{}, clock.Wall{}, arq.DefaultReliableConfig())
	id, err := h.Register("")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	u := NewUniverse(h)

	u.HandleMessage(proto.SignedMessage[proto.Message]{ID: id, Message: proto.Sync()})

	select {
	case sb := <-h.BytesReceiver().C():
		t.Fatalf("unexpected broadcast for a Sync message: %v", sb.Message.Bytes)
	case <-time.After(100 * time.Millisecond):
	}
}
