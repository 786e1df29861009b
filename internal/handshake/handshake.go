// Package handshake serves a single CD 1.1 connection request: it reads one
// frame, resolves the claimed station, answers with the consumer endpoint and
// closes the socket.
package handshake

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/r-smith/cd11connman/internal/cd11"
	"github.com/r-smith/cd11connman/internal/connlog"
	"github.com/r-smith/cd11connman/internal/console"
	"github.com/r-smith/cd11connman/internal/eventdata"
	"github.com/r-smith/cd11connman/internal/metrics"
	"github.com/r-smith/cd11connman/internal/proxyproto"
	"github.com/r-smith/cd11connman/internal/registry"
)

// DefaultReadTimeout bounds the wait for the connection request frame.
const DefaultReadTimeout = 10 * time.Second

// Resolver looks up station routes. *registry.Registry satisfies it.
type Resolver interface {
	Lookup(name string) (registry.Route, bool)
}

// Outcome is the terminal result of one handshake.
type Outcome int

const (
	// OutcomeFailed means the socket closed before a station was resolved:
	// timeout, I/O error, or an undecodable or unexpected frame.
	OutcomeFailed Outcome = iota

	// OutcomeIgnored means the claimed station is not registered.
	OutcomeIgnored

	// OutcomeRedirected means a response was attempted and an entry
	// reported to the sink.
	OutcomeRedirected
)

// String returns the metrics label for Outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return metrics.OutcomeIgnored
	case OutcomeRedirected:
		return metrics.OutcomeRedirected
	}
	return metrics.OutcomeFailed
}

// State is a step of the handshake state machine.
type State int

const (
	AwaitingFrame State = iota
	FrameReceived
	StationResolved
	Responded
	Ignored
	Closed
)

// String returns a string representation of State.
func (s State) String() string {
	switch s {
	case AwaitingFrame:
		return "awaiting-frame"
	case FrameReceived:
		return "frame-received"
	case StationResolved:
		return "station-resolved"
	case Responded:
		return "responded"
	case Ignored:
		return "ignored"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Handler holds everything a handshake needs. A Handler is safe for
// concurrent use; Serve keeps all per-connection state local.
type Handler struct {
	Registry         Resolver
	Sink             connlog.Sink
	ReadTimeout      time.Duration
	Identity         cd11.Identity
	UseProxyProtocol bool
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// session is the per-connection state of one Serve call.
type session struct {
	h         *Handler
	conn      net.Conn
	peer      eventdata.Peer
	state     State
	station   string
	closeOnce sync.Once
}

// Serve runs the handshake on conn and closes it. Serve never panics and
// never returns an error: failures are logged and reflected in the Outcome.
func (h *Handler) Serve(conn net.Conn) (outcome Outcome) {
	started := time.Now()
	s := &session{
		h:    h,
		conn: conn,
		peer: eventdata.NewPeer(uuid.NewString(), conn),
	}

	if h.Metrics != nil {
		h.Metrics.ActiveHandshakes.Inc()
	}
	defer func() {
		if r := recover(); r != nil {
			s.logError("handshake panic", fmt.Errorf("%v", r))
			outcome = OutcomeFailed
		}
		s.close()
		if h.Metrics != nil {
			h.Metrics.ActiveHandshakes.Dec()
			h.Metrics.ObserveHandshake(outcome.String(), started)
		}
		h.logger().Info("handshake",
			slog.String("event_type", "handshake"),
			slog.Any("peer", s.peer),
			slog.String("station", s.station),
			slog.String("outcome", outcome.String()),
			slog.String("final_state", s.state.String()),
			slog.Duration("duration", time.Since(started)),
		)
	}()

	return s.run()
}

func (s *session) run() Outcome {
	h := s.h

	timeout := h.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	// The PROXY header and the request frame share one read budget.
	deadline := time.Now().Add(timeout)
	if h.UseProxyProtocol {
		if err := s.readProxyHeader(deadline); err != nil {
			s.logError("failed to read proxy header", err)
			return OutcomeFailed
		}
	}

	// AwaitingFrame.
	_ = s.conn.SetReadDeadline(deadline)

	frame, err := cd11.ReadFrame(s.conn)
	if err != nil {
		s.logError("failed to read connection request", err)
		return OutcomeFailed
	}
	s.state = FrameReceived

	if !frame.ValidChecksum() {
		s.logWarn("checksum failure", slog.String("frame_type", frame.Header.Type.String()))
		if h.Metrics != nil {
			h.Metrics.ChecksumFailures.Inc()
		}
	}

	req, err := frame.ConnectionRequest()
	if err != nil {
		s.logError("unexpected frame", err)
		return OutcomeFailed
	}
	s.station = req.StationName()

	route, ok := h.Registry.Lookup(s.station)
	if !ok {
		s.logWarn("unknown station")
		s.state = Ignored
		s.close()
		return OutcomeIgnored
	}
	s.state = StationResolved

	if route.ExpectedProviderAddress != s.peer.SourceIP() {
		s.logWarn("provider address mismatch",
			slog.String("expected_address", route.ExpectedProviderAddress),
			slog.String("actual_address", s.peer.SourceIP()),
		)
		if h.Metrics != nil {
			h.Metrics.ProviderMismatches.Inc()
		}
	}

	s.respond(route)
	s.state = Responded
	s.close()

	s.report(connlog.NewEntry(s.peer.SourceIP(), s.peer.SourcePort(), s.station, true))
	return OutcomeRedirected
}

// readProxyHeader replaces the peer source with the endpoint carried in a
// PROXY protocol header. A missing, malformed or untrusted header keeps the
// real peer and records the error on it. Only a failed read of the socket
// is returned, since the request frame cannot follow it.
func (s *session) readProxyHeader(deadline time.Time) error {
	s.peer.ProxyIP = s.peer.SourceIP()
	if s.peer.ProxyIP == "" {
		s.peer.ProxyIP = "unknown"
	}

	c, src, err := proxyproto.ReadHeader(s.conn, max(time.Until(deadline), time.Millisecond))
	s.conn = c
	if err != nil {
		s.peer.ProxyError = err.Error()
		if isReadFailure(err) {
			return err
		}
		s.logWarn("proxy header", slog.String("error", err.Error()))
		return nil
	}
	if src.IsValid() {
		s.peer.Source = src
		s.peer.ProxyParsed = true
	}
	return nil
}

// isReadFailure reports whether err came from the connection itself rather
// than from the content of a PROXY header.
func isReadFailure(err error) bool {
	var opErr *net.OpError
	return errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.As(err, &opErr)
}

// respond writes the connection response for route. Build and write failures
// are logged and otherwise ignored.
func (s *session) respond(route registry.Route) {
	resp, err := cd11.BuildConnectionResponse(s.h.Identity, route.ConsumerAddress, route.ConsumerPort)
	if err != nil {
		s.logError("failed to build connection response", err)
		return
	}
	if _, err := s.conn.Write(resp); err != nil {
		s.logError("failed to write connection response", err)
		return
	}
	console.Debug(console.Hand, "[%s] Redirected %s to %s:%d", s.station, s.peer.SourceIP(), route.ConsumerAddress, route.ConsumerPort)
}

// report hands e to the sink. A panicking sink is contained here so the
// handshake still completes.
func (s *session) report(e connlog.Entry) {
	if s.h.Sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logError("connection log sink panic", fmt.Errorf("%v", r))
		}
	}()
	s.h.Sink.Append(e)
}

// close closes the socket exactly once.
func (s *session) close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		s.state = stateAfterClose(s.state)
	})
}

// stateAfterClose keeps the terminal Responded and Ignored states visible in
// the handshake record and maps every earlier state to Closed.
func stateAfterClose(s State) State {
	if s == Responded || s == Ignored {
		return s
	}
	return Closed
}

func (s *session) logger() *slog.Logger {
	return s.h.logger()
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return h.Logger
}

func (s *session) logWarn(msg string, attrs ...any) {
	args := append([]any{
		slog.String("event_type", "warning"),
		slog.Any("peer", s.peer),
		slog.String("station", s.station),
	}, attrs...)
	s.logger().Warn(msg, args...)
	console.Warning(console.Hand, "[%s] %s: %s", s.peer.SourceIP(), msg, s.station)
}

func (s *session) logError(msg string, err error) {
	s.logger().Error(msg,
		slog.String("event_type", "error"),
		slog.Any("peer", s.peer),
		slog.String("station", s.station),
		slog.String("error", err.Error()),
	)
	console.Debug(console.Hand, "[%s] %s: %v", s.peer.SourceIP(), msg, err)
}
