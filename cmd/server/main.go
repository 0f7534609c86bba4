// Command server runs the transport core's server side: the HTTP
// handshake endpoint, the connection multiplexer, and the game-loop
// coupling (§4.G, §4.H, §4.I).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rustyguts/relaymesh/internal/arq"
	"github.com/rustyguts/relaymesh/internal/clock"
	"github.com/rustyguts/relaymesh/internal/hub"
	"github.com/rustyguts/relaymesh/internal/runtime"
	"github.com/rustyguts/relaymesh/internal/signaling"
	"github.com/rustyguts/relaymesh/internal/world"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address for the session handshake endpoint")
	metricsInterval := flag.Duration("metrics-interval", 5*time.Second, "interval between metrics log lines")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, or error")
	maxConnections := flag.Int("max-connections", 500, "maximum total registered peers (0 = unlimited)")
	perIPLimit := flag.Int("per-ip-limit", 10, "maximum registered peers per remote IP (0 = unlimited)")

	relDefaults := arq.DefaultReliableConfig()
	bandwidth := flag.Int("bandwidth", relDefaults.Bandwidth, "reliable channel token-bucket refill rate, bytes/s (must match the peer)")
	burstBandwidth := flag.Int("burst-bandwidth", relDefaults.BurstBandwidth, "reliable channel token-bucket capacity, bytes (must match the peer)")
	sendWindow := flag.Int("send-window", relDefaults.SendWindowSize, "reliable channel max unacknowledged messages in flight (must match the peer)")
	recvWindow := flag.Int("recv-window", relDefaults.RecvWindowSize, "reliable channel max out-of-order messages buffered on receive (must match the peer)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)})))

	relCfg := relDefaults
	relCfg.Bandwidth = *bandwidth
	relCfg.BurstBandwidth = *burstBandwidth
	relCfg.SendWindowSize = *sendWindow
	relCfg.RecvWindowSize = *recvWindow

	h := hub.New(runtime.Native{}, clock.Wall{}, relCfg)
	h.SetMaxConnections(*maxConnections)
	h.SetPerIPLimit(*perIPLimit)
	universe := world.NewUniverse(h)
	loop := world.NewLoop(h, universe)

	handler := signaling.NewHandler(loop.OnPeer)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	handler.Register(e)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("server: shutting down")
		cancel()
	}()

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	go loop.RunFanin(stop)
	go runMetrics(ctx, h, universe, *metricsInterval)

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			slog.Error("server: echo shutdown failed", "err", err)
		}
	}()

	slog.Info("server: listening", "addr", *addr)
	if err := e.Start(*addr); err != nil && err != http.ErrServerClosed {
		slog.Error("server: exited with error", "err", err)
		os.Exit(1)
	}
}

// runMetrics logs hub/universe stats every interval while at least one
// peer is registered, until ctx is canceled, matching the teacher's
// periodic RunMetrics idiom.
func runMetrics(ctx context.Context, h *hub.Hub, u *world.Universe, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			peers := h.Len()
			connected := u.ClientCount()
			if peers > 0 {
				slog.Info("metrics: snapshot", "registered_peers", peers, "connected_clients", connected)
			}
		}
	}
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
