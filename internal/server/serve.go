package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/photonmcp/photon/internal/health"
	"github.com/photonmcp/photon/internal/ipc"
	"github.com/photonmcp/photon/internal/observe"
)

// shutdownTimeout bounds the graceful drain of the HTTP listener.
const shutdownTimeout = 10 * time.Second

// ServeStdio runs the server over stdin/stdout until the client disconnects
// or ctx is cancelled. Stdio carries exactly one session.
func (s *Server) ServeStdio(ctx context.Context) error {
	defer s.registry.CloseAll()
	slog.Info("stdio transport ready")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler assembles the streamable-HTTP endpoint together with the
// operational routes: /metrics for Prometheus scrapes and the /healthz and
// /readyz probes. Everything passes through the observability middleware.
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return s.mcp }, nil))
	mux.Handle("/metrics", promhttp.Handler())
	health.New(s.HealthInfo,
		health.Checker{Name: "loader", Check: s.Ready},
	).Register(mux)
	return observe.Middleware(s.metrics)(mux)
}

// ServeHTTP runs the streamable-HTTP transport on addr until ctx is
// cancelled, then drains in-flight requests.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http transport listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.registry.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ServeIPC accepts control-panel sessions on a Unix socket until ctx is
// cancelled. Each accepted connection becomes one MCP session.
func (s *Server) ServeIPC(ctx context.Context, socketPath string) error {
	ln, err := ipc.Listen(socketPath)
	if err != nil {
		return err
	}
	slog.Info("ipc transport listening", "socket", ln.Path())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		tr, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			if _, err := s.mcp.Connect(ctx, tr, nil); err != nil {
				slog.Warn("ipc session rejected", "err", err)
			}
		}()
	}
}
