package world

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rustyguts/relaymesh/internal/arq"
	"github.com/rustyguts/relaymesh/internal/clock"
	"github.com/rustyguts/relaymesh/internal/hub"
	"github.com/rustyguts/relaymesh/internal/proto"
	"github.com/rustyguts/relaymesh/internal/runtime"
	"github.com/rustyguts/relaymesh/internal/signaling"
)

type fakeLink struct {
	mu      sync.Mutex
	sent    [][]byte
	failing bool
}

func (f *fakeLink) send(raw proto.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, raw.Bytes)
	return nil
}

// TestOnPeerRegistersAndRunFaninShipsOutboundRaw exercises §8 Scenario 1's
// registration path plus the outbound fan-in loop that ships reliable
// frames back over a peer's data channel link.
func TestOnPeerRegistersAndRunFaninShipsOutboundRaw(t *testing.T) {
	h := hub.New(runtime.Native{}, clock.Wall{}, arq.DefaultReliableConfig())
	u := NewUniverse(h)
	l := NewLoop(h, u)

	closed := make(chan struct{})
	link := &fakeLink{}
	peerCtx := signaling.PeerContext{Send: link.send, Closed: closed}

	onMessage := l.OnPeer(peerCtx)
	if onMessage == nil {
		t.Fatal("OnPeer returned a nil onMessage for an admitted peer")
	}

	stop := make(chan struct{})
	defer close(stop)
	go l.RunFanin(stop)

	// The connect sequence (Connect, State, Connected) arrives over the
	// peer's link as raw outbound frames.
	deadline := time.After(2 * time.Second)
	for {
		link.mu.Lock()
		n := len(link.sent)
		link.mu.Unlock()
		if n >= 3 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out after %d of 3 expected frames", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestOnPeerRejectedWhenHubAtCapacity(t *testing.T) {
	h := hub.New(runtime.Native{}, clock.Wall{}, arq.DefaultReliableConfig())
	h.SetMaxConnections(1)
	u := NewUniverse(h)
	l := NewLoop(h, u)

	closedA := make(chan struct{})
	closedB := make(chan struct{})

	if f := l.OnPeer(signaling.PeerContext{Send: (&fakeLink{}).send, Closed: closedA}); f == nil {
		t.Fatal("first peer should have been admitted")
	}
	if f := l.OnPeer(signaling.PeerContext{Send: (&fakeLink{}).send, Closed: closedB}); f != nil {
		t.Fatal("second peer should have been rejected at capacity")
	}
}

func TestWatchCloseKillsPeerAndRemovesClient(t *testing.T) {
	h := hub.New(runtime.Native{}, clock.Wall{}, arq.DefaultReliableConfig())
	u := NewUniverse(h)
	l := NewLoop(h, u)

	closed := make(chan struct{})
	link := &fakeLink{}
	l.OnPeer(signaling.PeerContext{Send: link.send, Closed: closed})

	stop := make(chan struct{})
	defer close(stop)
	go l.RunFanin(stop)

	close(closed)

	deadline := time.After(2 * time.Second)
	for {
		if u.ClientCount() == 0 && h.Len() == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("peer was not cleaned up after close: clients=%d registered=%d", u.ClientCount(), h.Len())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
