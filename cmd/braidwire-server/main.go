// Command braidwire-server runs a broadcast chat server: it accepts framed
// TCP connections (and, if --ws-listen is set, websocket connections on the
// same protocol), admits them after a handshake and username frame, and
// fans out every message to the rest of the room.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/braidwire/braidwire/observability"
	"github.com/braidwire/braidwire/observability/prom"
	"github.com/braidwire/braidwire/realtime/ws"
	"github.com/braidwire/braidwire/realtime/wsgateway"
	"github.com/braidwire/braidwire/server"
)

// switchHandler lets the /metrics endpoint be swapped out from under a live
// http.Server, so SIGUSR1/SIGUSR2 can toggle metrics without a restart.
type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

// metricsController enables or disables Prometheus observation on a running
// server in response to SIGUSR1/SIGUSR2, swapping both the /metrics handler
// and the server's active Observer under a.
type metricsController struct {
	mu      sync.Mutex
	enabled bool
	handler *switchHandler
	obs     *observability.Atomic
	srv     *server.Server
}

func newMetricsController(handler *switchHandler, obs *observability.Atomic, srv *server.Server) *metricsController {
	return &metricsController{handler: handler, obs: obs, srv: srv}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	promObs := prom.New(reg)
	c.handler.Set(prom.Handler(reg))
	c.obs.Set(promObs)
	promObs.ConnCount(int64(c.srv.ConnCount()))
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.obs.Set(observability.Noop)
	c.enabled = false
}

func main() {
	cfg := server.DefaultConfig()

	var listen string
	var wsListen string
	var wsPath string
	var includeSender bool
	var metricsListen string
	flag.StringVar(&listen, "listen", "127.0.0.1:1234", "TCP listen address")
	flag.StringVar(&wsListen, "ws-listen", "", "websocket listen address (empty disables)")
	flag.StringVar(&wsPath, "ws-path", "/ws", "websocket endpoint path")
	flag.BoolVar(&includeSender, "include-sender", cfg.IncludeSender, "echo broadcast messages back to their sender")
	flag.StringVar(&metricsListen, "metrics-listen", "", "Prometheus /metrics listen address (empty disables)")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg.IncludeSender = includeSender
	cfg.Logger = log

	obs := observability.NewAtomic()
	cfg.Observer = obs

	srv := server.New(cfg)

	var metrics *metricsController
	if metricsListen != "" {
		handler := newSwitchHandler()
		metrics = newMetricsController(handler, obs, srv)
		metrics.Enable()
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		go func() {
			if err := http.ListenAndServe(metricsListen, mux); err != nil {
				log.Error().Err(err).Msg("metrics listener exited")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		log.Fatal().Err(err).Msg("listen failed")
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	if wsListen != "" {
		go serveWebsocket(ctx, srv, wsListen, wsPath, log, errCh)
	}

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		select {
		case s := <-sig:
			switch s {
			case syscall.SIGUSR1:
				if metrics == nil {
					log.Info().Msg("metrics listener disabled at startup; SIGUSR1 ignored")
					continue
				}
				metrics.Enable()
				log.Info().Msg("metrics enabled")
			case syscall.SIGUSR2:
				if metrics == nil {
					continue
				}
				metrics.Disable()
				log.Info().Msg("metrics disabled")
			default:
				cancel()
				return
			}
		case <-ctx.Done():
			return
		case err := <-errCh:
			if err != nil {
				log.Error().Err(err).Msg("server exited")
			}
			return
		}
	}
}

func serveWebsocket(ctx context.Context, srv *server.Server, addr, path string, log zerolog.Logger, errCh chan<- error) {
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		c, err := ws.Upgrade(w, r, ws.UpgraderOptions{CheckOrigin: func(*http.Request) bool { return true }})
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		srv.ServeConn(ctx, wsgateway.New(c))
	})
	httpSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(sctx)
	}()
	log.Info().Str("addr", addr).Str("path", path).Msg("websocket listening")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- err
	}
}
