// Package admin serves the connection manager's administrative HTTP API:
// station management, the connection log, statistics, Prometheus metrics and
// a live view of the event log.
package admin

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/r-smith/cd11connman/internal/broker"
	"github.com/r-smith/cd11connman/internal/certutil"
	"github.com/r-smith/cd11connman/internal/config"
	"github.com/r-smith/cd11connman/internal/connlog"
	"github.com/r-smith/cd11connman/internal/console"
	"github.com/r-smith/cd11connman/internal/logmonitor"
	"github.com/r-smith/cd11connman/internal/metrics"
	"github.com/r-smith/cd11connman/internal/registry"
	"golang.org/x/net/websocket"
)

// shutdownTimeout bounds graceful shutdown of the HTTP server.
const shutdownTimeout = 5 * time.Second

// Backend is the part of the broker the admin server operates on.
// *broker.Broker satisfies it.
type Backend interface {
	State() broker.State
	Stations() []registry.Route
	LookupStation(name string) (registry.Route, bool)
	RegisterStation(name, expectedProviderAddress, consumerAddress string, consumerPort uint16)
	UnregisterStation(name string)
	StationCount() int
	ConnectionLogSnapshot() []connlog.Entry
	ConnectionCounts() connlog.Counts
	ConnectionLogCapacity() int
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves m at /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMonitor streams event log records from m to /live clients.
func WithMonitor(m *logmonitor.Monitor) Option {
	return func(s *Server) { s.monitor = m }
}

// WithLogger sets the structured event logger used for audit records.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server is the administrative HTTP server.
type Server struct {
	cfg       config.Admin
	backend   Backend
	metrics   *metrics.Metrics
	monitor   *logmonitor.Monitor
	logger    *slog.Logger
	hub       *hub
	startedAt time.Time
}

// New creates a Server for backend.
func New(cfg config.Admin, backend Backend, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		backend:   backend,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		hub:       newHub(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed and wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stations", s.protect(s.handleListStations))
	mux.HandleFunc("GET /stations/{name}", s.protect(s.handleGetStation))
	mux.HandleFunc("PUT /stations/{name}", s.protect(s.handlePutStation))
	mux.HandleFunc("DELETE /stations/{name}", s.protect(s.handleDeleteStation))
	mux.HandleFunc("GET /connections", s.protect(disableCache(s.handleConnectionsJSON)))
	mux.HandleFunc("GET /connections/csv", s.protect(disableCache(s.handleConnectionsCSV)))
	mux.HandleFunc("GET /stats", s.protect(disableCache(s.handleStats)))
	if s.metrics != nil {
		mux.HandleFunc("GET /metrics", s.protect(s.metrics.Handler().ServeHTTP))
	}
	mux.HandleFunc("GET /live", s.protect(websocket.Handler(s.handleWebSocket).ServeHTTP))

	var h http.Handler = mux
	if !s.cfg.AllowPublic {
		h = enforcePrivateIP(h)
	}
	return h
}

// Run listens on the configured address and serves until ctx is done, then
// shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		console.Error(console.Admin, "Failed to start admin server on %s: %v", s.cfg.Address(), err)
		return err
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  0,
	}

	scheme := "http"
	if s.cfg.EnableTLS {
		cert, err := certutil.LoadOrGenerate(s.cfg.CertPath, s.cfg.KeyPath, config.LocalHosts())
		var saveErr *certutil.SaveError
		if errors.As(err, &saveErr) {
			console.Warning(console.Admin, "Generated TLS certificate could not be saved: %v", err)
		} else if err != nil {
			l.Close()
			return err
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		scheme = "https"
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	if s.monitor != nil {
		go s.hub.run(hubCtx, s.monitor.Channel)
	}

	errc := make(chan error, 1)
	go func() {
		if s.cfg.EnableTLS {
			errc <- srv.ServeTLS(l, "", "")
		} else {
			errc <- srv.Serve(l)
		}
	}()

	_, port, _ := net.SplitHostPort(l.Addr().String())
	console.Info(console.Admin, "Admin server is listening on %s (%s://%s:%s)", l.Addr(), scheme, config.AdvertisedIP(), port)

	select {
	case err := <-errc:
		console.Error(console.Admin, "Admin server stopped: %v", err)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	console.Info(console.Admin, "Admin server stopped")
	return nil
}
