// Package broker accepts CD 1.1 provider connections and hands each one to a
// handshake handler that redirects it to the station's data consumer.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/r-smith/cd11connman/internal/config"
	"github.com/r-smith/cd11connman/internal/connlog"
	"github.com/r-smith/cd11connman/internal/console"
	"github.com/r-smith/cd11connman/internal/handshake"
	"github.com/r-smith/cd11connman/internal/metrics"
	"github.com/r-smith/cd11connman/internal/registry"
	"github.com/r-smith/cd11connman/internal/worker"
)

// maxAcceptBackoff caps the delay after consecutive transient accept errors.
const maxAcceptBackoff = time.Second

// State is the lifecycle state of a Broker.
type State int

const (
	Created State = iota
	Starting
	Listening
	Stopping
	Stopped
	Failed
)

// String returns a string representation of State.
func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Starting:
		return "starting"
	case Listening:
		return "listening"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the structured event logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// Broker owns the station registry, the connection log and the listener.
type Broker struct {
	cfg      config.Broker
	registry *registry.Registry
	connLog  *connlog.Buffer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	handler  *handshake.Handler
	worker   *worker.Worker

	mu       sync.Mutex
	listener net.Listener

	handlers sync.WaitGroup
}

// New creates a Broker in the Created state. Nothing is bound until Start.
func New(cfg config.Broker, opts ...Option) *Broker {
	b := &Broker{
		cfg:      cfg,
		registry: registry.New(),
		connLog:  connlog.New(cfg.ConnectionLogCapacity),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.handler = &handshake.Handler{
		Registry:         b.registry,
		Sink:             connlog.SinkFunc(b.appendEntry),
		ReadTimeout:      cfg.ReadTimeout(),
		Identity:         cfg.Identity(),
		UseProxyProtocol: cfg.UseProxyProtocol,
		Logger:           b.logger,
		Metrics:          b.metrics,
	}
	b.worker = worker.New("cd11-broker", worker.Hooks{
		Setup:   b.bind,
		Run:     b.acceptLoop,
		Unblock: b.closeListener,
	})
	return b
}

// Start binds the listening socket and launches the accept loop. A bind
// failure moves the Broker to Failed and is returned.
func (b *Broker) Start() error {
	if err := b.worker.Start(); err != nil {
		console.Error(console.Conn, "The connection manager failed to start: %v", err)
		b.logger.LogAttrs(context.Background(), slog.LevelError, "broker start failed",
			slog.String("event_type", "error"),
			slog.String("address", b.cfg.Address()),
			slog.String("error", err.Error()),
		)
		return err
	}
	console.Info(console.Conn, "Connection manager listening on %s", b.Addr())
	return nil
}

// Stop requests the accept loop to exit and closes the listener. Handshakes
// already in progress run to completion. Stop is idempotent.
func (b *Broker) Stop() {
	b.worker.RequestStop()
}

// WaitUntilStopped blocks until the accept loop has exited.
func (b *Broker) WaitUntilStopped() {
	b.worker.AwaitStopped()
}

// WaitHandlers blocks until the accept loop has exited and every in-flight
// handshake has finished. It does not request a stop; call Stop first.
func (b *Broker) WaitHandlers() {
	b.worker.AwaitStopped()
	b.handlers.Wait()
}

// State returns the current lifecycle state.
func (b *Broker) State() State {
	switch b.worker.State() {
	case worker.Starting:
		return Starting
	case worker.Running:
		return Listening
	case worker.StopRequested:
		return Stopping
	case worker.Stopped:
		return Stopped
	case worker.Failed:
		return Failed
	}
	return Created
}

// Err returns the error that moved the Broker to Failed, if any.
func (b *Broker) Err() error {
	return b.worker.Err()
}

// Addr returns the bound listener address, or nil before a successful Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// RegisterStation adds or replaces the route for name.
func (b *Broker) RegisterStation(name, expectedProviderAddress, consumerAddress string, consumerPort uint16) {
	b.registry.Register(name, expectedProviderAddress, consumerAddress, consumerPort)
	b.updateStationGauge()
}

// UnregisterStation removes the route for name, if present.
func (b *Broker) UnregisterStation(name string) {
	b.registry.Unregister(name)
	b.updateStationGauge()
}

// StationCount returns the number of registered stations.
func (b *Broker) StationCount() int {
	return b.registry.Count()
}

// Stations returns all registered routes sorted by name.
func (b *Broker) Stations() []registry.Route {
	return b.registry.Routes()
}

// LookupStation returns the route for name.
func (b *Broker) LookupStation(name string) (registry.Route, bool) {
	return b.registry.Lookup(name)
}

// ConnectionLogSnapshot returns the retained connection log entries, oldest
// first.
func (b *Broker) ConnectionLogSnapshot() []connlog.Entry {
	return b.connLog.Snapshot()
}

// ConnectionLogCapacity returns the maximum number of retained entries.
func (b *Broker) ConnectionLogCapacity() int {
	return b.connLog.Capacity()
}

// ConnectionCounts returns total, accepted and rejected counts taken together.
func (b *Broker) ConnectionCounts() connlog.Counts {
	return b.connLog.Counts()
}

// TotalConnectionCount returns the number of retained entries.
func (b *Broker) TotalConnectionCount() int {
	return b.connLog.CountTotal()
}

// AcceptedConnectionCount returns the number of retained accepted entries.
func (b *Broker) AcceptedConnectionCount() int {
	return b.connLog.CountAccepted()
}

// RejectedConnectionCount returns the number of retained rejected entries.
func (b *Broker) RejectedConnectionCount() int {
	return b.connLog.CountRejected()
}

func (b *Broker) bind() error {
	ln, err := net.Listen("tcp", b.cfg.Address())
	if err != nil {
		return fmt.Errorf("bind %s: %w", b.cfg.Address(), err)
	}
	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()
	return nil
}

func (b *Broker) closeListener() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener != nil {
		_ = b.listener.Close()
	}
}

func (b *Broker) acceptLoop(w *worker.Worker) error {
	defer b.closeListener()

	b.mu.Lock()
	ln := b.listener
	b.mu.Unlock()

	var backoff time.Duration
	for !w.StopRequested() {
		conn, err := ln.Accept()
		if err != nil {
			if w.StopRequested() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener closed unexpectedly: %w", err)
			}

			if b.metrics != nil {
				b.metrics.AcceptErrors.Inc()
			}
			console.Error(console.Conn, "Accept error: %v", err)
			b.logger.LogAttrs(context.Background(), slog.LevelError, "accept failed",
				slog.String("event_type", "error"),
				slog.String("error", err.Error()),
			)

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if tcp, ok := conn.(*net.TCPConn); ok && b.cfg.LingerSeconds >= 0 {
			_ = tcp.SetLinger(b.cfg.LingerSeconds)
		}
		if b.metrics != nil {
			b.metrics.ConnectionsAccepted.Inc()
		}
		console.Debug(console.Conn, "Accepted connection from %s", conn.RemoteAddr())

		b.handlers.Add(1)
		go func() {
			defer b.handlers.Done()
			b.handler.Serve(conn)
		}()
	}
	return nil
}

// appendEntry is the connection log sink handed to every handshake.
func (b *Broker) appendEntry(e connlog.Entry) {
	b.connLog.Append(e)

	b.logger.LogAttrs(context.Background(), slog.LevelInfo, "connection",
		slog.String("event_type", "connection"),
		slog.Time("timestamp", e.Timestamp),
		slog.String("source_ip", e.RemoteAddress),
		slog.Int("source_port", e.RemotePort),
		slog.String("station", e.StationName),
		slog.Bool("accepted", e.Accepted),
	)
	console.Info(console.Conn, "[%s] %s:%d accepted=%t", e.StationName, e.RemoteAddress, e.RemotePort, e.Accepted)

	if b.metrics != nil {
		b.metrics.ConnectionLogSize.Set(float64(b.connLog.CountTotal()))
	}
}

func (b *Broker) updateStationGauge() {
	if b.metrics != nil {
		b.metrics.RegisteredStations.Set(float64(b.registry.Count()))
	}
}
