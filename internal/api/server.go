package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPServer serves a router until its context is cancelled.
type HTTPServer struct {
	addr   string
	log    *zap.Logger
	server *http.Server
	ready  chan net.Addr
}

// NewHTTPServer constructs an HTTPServer without starting it.
func NewHTTPServer(addr string, handler http.Handler, log *zap.Logger) *HTTPServer {
	return &HTTPServer{
		addr: addr,
		log:  log,
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		ready: make(chan net.Addr, 1),
	}
}

// Ready yields the bound address once the listener is up.
func (h *HTTPServer) Ready() <-chan net.Addr { return h.ready }

// Run listens and serves, blocking until ctx is cancelled or serving fails.
func (h *HTTPServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", h.addr, err)
	}
	h.log.Info("HTTP API listening", zap.String("addr", ln.Addr().String()))
	h.ready <- ln.Addr()

	srvErr := make(chan error, 1)
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		h.log.Info("context cancelled, shutting down HTTP API")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return h.server.Shutdown(shutCtx)
	case err := <-srvErr:
		return fmt.Errorf("api: serve: %w", err)
	}
}
