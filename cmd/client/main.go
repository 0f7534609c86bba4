// Command client is a synthetic WebRTC bot client (§4.J): it performs the
// session handshake against a running server, then drives the connection
// with periodic Sync pings and Position updates so the transport core can
// be exercised end to end without a browser.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/rustyguts/relaymesh/internal/proto"
	"github.com/rustyguts/relaymesh/internal/signaling"
)

// syncInterval matches §8 Scenario 6: "Twenty Sync pings sent at 1 Hz ...
// produce at least twenty server-side EmitMessage(Sync) events within 21
// seconds".
const syncInterval = 1 * time.Second

type sdpPayload struct {
	SDP string `json:"sdp"`
}

type candidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	SDPMid        string `json:"sdpMid"`
}

type answerResponse struct {
	Answer    sdpPayload       `json:"answer"`
	Candidate candidatePayload `json:"candidate"`
}

func main() {
	serverURL := flag.String("server", "http://127.0.0.1:8080/session", "session handshake endpoint URL")
	runFor := flag.Duration("for", 25*time.Second, "how long the bot stays connected before exiting")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, or error")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)})))

	ctx, cancel := context.WithTimeout(context.Background(), *runFor)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	bot, err := dial(ctx, *serverURL)
	if err != nil {
		slog.Error("client: dial failed", "err", err)
		os.Exit(1)
	}
	defer bot.Close()

	bot.Run(ctx)
	slog.Info("client: exiting")
}

// bot wraps one established WebRTC data channel and the synthetic traffic
// generator driven over it.
type bot struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	mu   sync.Mutex
	open bool
}

// dial performs the handshake of §4.H from the client's side: create an
// offer, post it to the server, apply the answer and candidate it returns.
func dial(ctx context.Context, serverURL string) (*bot, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	dcInit := signaling.DataChannelInit()
	dc, err := pc.CreateDataChannel("game", &dcInit)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	b := &bot{pc: pc, dc: dc}

	dc.OnOpen(func() {
		b.mu.Lock()
		b.open = true
		b.mu.Unlock()
		slog.Info("client: data channel open")
	})
	dc.OnClose(func() {
		b.mu.Lock()
		b.open = false
		b.mu.Unlock()
		slog.Info("client: data channel closed")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		b.handleInbound(msg.Data)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = pc.Close()
		return nil, ctx.Err()
	}

	answer, candidate, err := postOffer(ctx, serverURL, pc.LocalDescription().SDP)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	if candidate.Candidate != "" {
		sdpMid := candidate.SDPMid
		sdpMLineIndex := candidate.SDPMLineIndex
		ic := webrtc.ICECandidateInit{
			Candidate:     candidate.Candidate,
			SDPMid:        &sdpMid,
			SDPMLineIndex: &sdpMLineIndex,
		}
		if err := pc.AddICECandidate(ic); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add ice candidate: %w", err)
		}
	}

	return b, nil
}

func postOffer(ctx context.Context, serverURL, offerSDP string) (sdpPayload, candidatePayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, bytes.NewReader([]byte(offerSDP)))
	if err != nil {
		return sdpPayload{}, candidatePayload{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return sdpPayload{}, candidatePayload{}, fmt.Errorf("post offer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sdpPayload{}, candidatePayload{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return sdpPayload{}, candidatePayload{}, fmt.Errorf("handshake rejected: %d: %s", resp.StatusCode, string(body))
	}

	var parsed answerResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return sdpPayload{}, candidatePayload{}, fmt.Errorf("decode answer: %w", err)
	}
	return parsed.Answer, parsed.Candidate, nil
}

// Run drives the synthetic traffic generator until ctx is canceled: a
// Sync ping every second on the unreliable channel, plus an occasional
// Position update. The bot only ever uses the unreliable channel, so
// every outbound frame carries arq.DefaultUnreliable's channel number
// followed by the unreliable-message frame kind.
func (b *bot) Run(ctx context.Context) {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	tick := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			if err := b.sendUnreliable(proto.Sync()); err != nil {
				slog.Warn("client: send sync failed", "err", err)
			}
			if tick%5 == 0 {
				x := rng.Float32()*200 - 100
				y := rng.Float32()*200 - 100
				if err := b.sendUnreliable(proto.Position(x, y)); err != nil {
					slog.Warn("client: send position failed", "err", err)
				}
			}
		}
	}
}

func (b *bot) sendUnreliable(msg proto.Message) error {
	b.mu.Lock()
	open := b.open
	b.mu.Unlock()
	if !open {
		return fmt.Errorf("client: data channel not open")
	}

	payload := msg.Encode(nil)
	frame := make([]byte, 0, 2+len(payload))
	frame = append(frame, 1) // unreliable channel number, per arq.DefaultUnreliable
	frame = append(frame, 0) // frameUnreliableMessage
	frame = append(frame, payload...)
	return b.dc.Send(frame)
}

func (b *bot) handleInbound(raw []byte) {
	if len(raw) < 2 {
		return
	}
	channel, kind := raw[0], raw[1]
	body := raw[2:]

	switch {
	case channel != 1:
		slog.Debug("client: inbound reliable frame, not decoded by the bot", "channel", channel, "kind", kind)
	case kind == 0:
		msg, _, err := proto.DecodeMessage(body)
		if err != nil {
			slog.Debug("client: decode inbound message failed", "err", err)
			return
		}
		slog.Debug("client: inbound message", "tag", msg.Tag)
	default:
		slog.Debug("client: unexpected frame kind on unreliable channel", "kind", kind)
	}
}

// Close tears down the peer connection.
func (b *bot) Close() {
	_ = b.dc.Close()
	_ = b.pc.Close()
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
