package signaling

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler() *Handler {
	return NewHandler(func(peerCtx PeerContext) func([]byte) { return nil })
}

func TestUnknownRouteReturns404(t *testing.T) {
	h := newTestHandler()
	e := echo.New()
	h.Register(e)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSessionRejectsMalformedOfferWithin400(t *testing.T) {
	h := newTestHandler()
	e := echo.New()
	h.Register(e)

	req := httptest.NewRequest(http.MethodPost, "/session", strings.NewReader("not a real sdp offer"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("CORS header = %q, want \"*\"", got)
	}
}

func TestDataChannelInitMatchesUnreliableUnorderedContract(t *testing.T) {
	init := DataChannelInit()
	if init.Ordered == nil || *init.Ordered {
		t.Fatal("data channel must be unordered")
	}
	if init.MaxRetransmits == nil || *init.MaxRetransmits != 0 {
		t.Fatal("data channel must have MaxRetransmits = 0")
	}
}
