// Package signaling implements the session handshake (§4.H): the
// one-shot HTTP POST /session exchange that turns a client's SDP offer
// into an established WebRTC data channel.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pion/webrtc/v4"

	"github.com/rustyguts/relaymesh/internal/pionlog"
	"github.com/rustyguts/relaymesh/internal/proto"
)

// HandshakeTimeout bounds how long a single /session exchange may take
// end to end (offer in, answer and first candidate out). The source
// protocol left this unspecified (§9 Open Questions); 10s is chosen as
// generous enough for ICE gathering over a LAN or the public internet
// without leaving a slow handshake to hang indefinitely.
const HandshakeTimeout = 10 * time.Second

// answerResponse is the success body returned from POST /session (§6).
type answerResponse struct {
	Answer    sdpPayload       `json:"answer"`
	Candidate candidatePayload `json:"candidate"`
}

type sdpPayload struct {
	SDP string `json:"sdp"`
}

type candidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	SDPMid        string `json:"sdpMid"`
}

// OnPeer is invoked synchronously once a new data channel reaches the
// open state, before any inbound message can arrive. It must not block:
// register the peer and return the function that will receive its raw
// inbound frames. Any work that waits on PeerContext.Closed belongs in a
// goroutine the caller spawns itself.
type OnPeer func(peerCtx PeerContext) (onMessage func([]byte))

// PeerContext is what a freshly opened data channel exposes to the
// caller of OnPeer.
type PeerContext struct {
	// Send transmits one raw frame over the data channel.
	Send func(proto.RawMessage) error
	// Closed is closed when the underlying peer connection tears down.
	Closed <-chan struct{}
	// RemoteIP is the address the handshake request arrived from, used
	// only for per-IP connection admission control.
	RemoteIP string
}

// Handler serves POST /session and owns the webrtc.API used to build
// every accepted PeerConnection.
type Handler struct {
	api    *webrtc.API
	config webrtc.Configuration
	onPeer OnPeer
}

// NewHandler builds a Handler. onPeer is invoked once per successfully
// opened data channel.
func NewHandler(onPeer OnPeer) *Handler {
	settingEngine := webrtc.SettingEngine{
		LoggerFactory: pionlog.NewFactory(slog.Default().With("component", "webrtc")),
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	return &Handler{
		api:    api,
		config: webrtc.Configuration{},
		onPeer: onPeer,
	}
}

// Register binds the handshake route on an Echo router, alongside a
// catch-all 404 for anything else that reaches this router (§4.H: "all
// other paths/methods return 404").
func (h *Handler) Register(e *echo.Echo) {
	e.Use(middleware.Recover())
	e.POST("/session", h.handleSession)
	e.Any("/*", h.handleNotFound)
}

func (h *Handler) handleNotFound(c echo.Context) error {
	return c.NoContent(http.StatusNotFound)
}

// handleSession implements §4.H's server-side steps 1-3.
func (h *Handler) handleSession(c echo.Context) error {
	handshakeID := uuid.NewString()
	remoteIP := c.RealIP()
	log := slog.With("handshake_id", handshakeID, "remote", remoteIP)

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		log.Warn("session: read offer body failed", "err", err)
		return h.badRequest(c, "read offer body: "+err.Error())
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(body)}

	ctx, cancel := context.WithTimeout(c.Request().Context(), HandshakeTimeout)
	defer cancel()

	answer, candidate, err := h.negotiate(ctx, log, offer, remoteIP)
	if err != nil {
		log.Warn("session: negotiation failed", "err", err)
		return h.badRequest(c, err.Error())
	}

	c.Response().Header().Set("Access-Control-Allow-Origin", "*")
	return c.JSON(http.StatusOK, answerResponse{
		Answer:    sdpPayload{SDP: answer.SDP},
		Candidate: candidate,
	})
}

func (h *Handler) badRequest(c echo.Context, msg string) error {
	c.Response().Header().Set("Access-Control-Allow-Origin", "*")
	return c.String(http.StatusBadRequest, msg)
}

// negotiate creates a PeerConnection for one offer, waits for ICE
// gathering to complete, and returns the local answer plus the first
// host candidate to hand back to the client (§4.H step 2, grounded on
// the offer/answer/GatheringCompletePromise sequence common to pion-based
// signaling servers).
func (h *Handler) negotiate(ctx context.Context, log *slog.Logger, offer webrtc.SessionDescription, remoteIP string) (webrtc.SessionDescription, candidatePayload, error) {
	pc, err := h.api.NewPeerConnection(h.config)
	if err != nil {
		return webrtc.SessionDescription{}, candidatePayload{}, fmt.Errorf("create peer connection: %w", err)
	}

	closed := make(chan struct{})
	var closeOnce sync.Once
	closeFn := func() {
		closeOnce.Do(func() { close(closed) })
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug("session: connection state changed", "state", s.String())
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed || s == webrtc.PeerConnectionStateDisconnected {
			closeFn()
			_ = pc.Close()
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug("session: ice state changed", "state", s.String())
		if s == webrtc.ICEConnectionStateFailed || s == webrtc.ICEConnectionStateClosed || s == webrtc.ICEConnectionStateDisconnected {
			closeFn()
			_ = pc.Close()
		}
	})

	var candidate candidatePayload
	candidateFound := make(chan struct{})
	var candidateOnce sync.Once
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		candidateOnce.Do(func() {
			ic := c.ToJSON()
			candidate = candidatePayload{Candidate: ic.Candidate}
			if ic.SDPMLineIndex != nil {
				candidate.SDPMLineIndex = *ic.SDPMLineIndex
			}
			if ic.SDPMid != nil {
				candidate.SDPMid = *ic.SDPMid
			}
			close(candidateFound)
		})
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		h.wireDataChannel(dc, closed, log, remoteIP)
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		_ = pc.Close()
		return webrtc.SessionDescription{}, candidatePayload{}, fmt.Errorf("set remote description: %w", err)
	}

	localAnswer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return webrtc.SessionDescription{}, candidatePayload{}, fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(localAnswer); err != nil {
		_ = pc.Close()
		return webrtc.SessionDescription{}, candidatePayload{}, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = pc.Close()
		return webrtc.SessionDescription{}, candidatePayload{}, fmt.Errorf("ice gathering: %w", ctx.Err())
	}

	select {
	case <-candidateFound:
	case <-ctx.Done():
		_ = pc.Close()
		return webrtc.SessionDescription{}, candidatePayload{}, errors.New("ice gathering produced no host candidate")
	default:
		// Gathering completed without OnICECandidate ever firing a non-nil
		// candidate is unusual but not fatal: fall through with the zero
		// candidatePayload rather than block indefinitely.
	}

	return *pc.LocalDescription(), candidate, nil
}

func (h *Handler) wireDataChannel(dc *webrtc.DataChannel, closed <-chan struct{}, log *slog.Logger, remoteIP string) {
	dc.OnOpen(func() {
		log.Info("session: data channel open", "label", dc.Label())
		peerCtx := PeerContext{
			Send: func(raw proto.RawMessage) error {
				return dc.Send(raw.Bytes)
			},
			Closed:   closed,
			RemoteIP: remoteIP,
		}
		if h.onPeer == nil {
			return
		}
		onMessage := h.onPeer(peerCtx)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if onMessage != nil {
				onMessage(msg.Data)
			}
		})
	})
}

// DataChannelInit returns the client-side data channel configuration
// required by §4.H step 1: unreliable, unordered, binary.
func DataChannelInit() webrtc.DataChannelInit {
	zero := uint16(0)
	ordered := false
	return webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &zero,
	}
}
