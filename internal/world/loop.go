package world

import (
	"log/slog"
	"sync"

	"github.com/rustyguts/relaymesh/internal/hub"
	"github.com/rustyguts/relaymesh/internal/proto"
	"github.com/rustyguts/relaymesh/internal/signaling"
)

// Loop is the single cooperative task of §4.I: it owns the top-level
// select combining new-connection events from the signalling layer, the
// connection multiplexer's three fan-in queues, and each peer's bound
// transport link.
type Loop struct {
	hub      *hub.Hub
	universe *Universe

	mu    sync.Mutex
	links map[proto.PeerID]signaling.PeerContext
}

// NewLoop builds a Loop over h and u.
func NewLoop(h *hub.Hub, u *Universe) *Loop {
	return &Loop{
		hub:      h,
		universe: u,
		links:    make(map[proto.PeerID]signaling.PeerContext),
	}
}

// OnPeer satisfies signaling.OnPeer: it registers a fresh peer-id,
// records the data channel's send/closed handles, publishes an updated
// ClientSnapshot to the Universe, and returns the function that routes
// this peer's inbound raw frames into its processor (§4.I: "on each raw
// receive from an unknown address, the loop calls multiplexer.register(),
// binds the new peer-id to that address, and publishes a ClientSnapshot";
// a WebRTC data channel already demultiplexes per connection, so
// "address" here is simply this one channel).
func (l *Loop) OnPeer(peerCtx signaling.PeerContext) func([]byte) {
	id, err := l.hub.Register(peerCtx.RemoteIP)
	if err != nil {
		slog.Warn("world: rejecting peer", "remote", peerCtx.RemoteIP, "err", err)
		return nil
	}

	l.mu.Lock()
	l.links[id] = peerCtx
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.universe.HandleSnapshot(snap)
	go l.watchClose(id, peerCtx)

	return func(raw []byte) {
		owned := make([]byte, len(raw))
		copy(owned, raw)
		if err := l.hub.SendRaw(proto.OnePeer(id), proto.RawMessage{Bytes: owned}); err != nil {
			slog.Warn("world: route inbound raw frame failed", "peer", id, "err", err)
		}
	}
}

// watchClose waits for the data channel behind id to tear down — the
// WebRTC-native replacement for polling the transport's connected-set —
// then kills the peer and republishes the snapshot (§4.I's kill-on-
// vanish path, §8 Scenario 3).
func (l *Loop) watchClose(id proto.PeerID, peerCtx signaling.PeerContext) {
	<-peerCtx.Closed
	l.hub.Kill(id)

	l.mu.Lock()
	delete(l.links, id)
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.universe.HandleSnapshot(snap)
}

func (l *Loop) snapshotLocked() ClientSnapshot {
	ids := make([]proto.PeerID, 0, len(l.links))
	for id := range l.links {
		ids = append(ids, id)
	}
	return NewClientSnapshot(ids...)
}

// RunFanin drains the connection multiplexer's three fan-in queues until
// stop is closed: inbound unreliable messages feed the Universe, inbound
// reliable messages are logged (the transport core prescribes no richer
// client-originated reliable semantics), and outbound raw bytes are sent
// over each peer's bound transport link, killing the peer on send failure
// (§4.I outbound path; §8 Scenario 3).
func (l *Loop) RunFanin(stop <-chan struct{}) {
	messages := l.hub.MessageReceiver()
	reliable := l.hub.ReliableMessageReceiver()
	raw := l.hub.BytesReceiver()

	for {
		select {
		case <-stop:
			return
		case sm, ok := <-messages.C():
			if !ok {
				return
			}
			l.universe.HandleMessage(sm)
		case sm, ok := <-reliable.C():
			if !ok {
				return
			}
			slog.Debug("world: inbound reliable message", "peer", sm.ID, "tag", sm.Message.Tag)
		case sb, ok := <-raw.C():
			if !ok {
				return
			}
			l.sendRaw(sb)
		}
	}
}

func (l *Loop) sendRaw(sb proto.SignedMessage[proto.RawMessage]) {
	l.mu.Lock()
	link, ok := l.links[sb.ID]
	l.mu.Unlock()
	if !ok {
		return
	}

	if err := link.Send(sb.Message); err != nil {
		slog.Warn("world: send to peer failed, killing", "peer", sb.ID, "err", err)
		l.hub.Kill(sb.ID)

		l.mu.Lock()
		delete(l.links, sb.ID)
		snap := l.snapshotLocked()
		l.mu.Unlock()

		l.universe.HandleSnapshot(snap)
	}
}
