package eventdata

import (
	"log/slog"
	"net"
	"net/netip"
)

// Peer describes network metadata for an incoming provider connection.
type Peer struct {
	// SessionID uniquely identifies one handshake in the event log.
	SessionID string

	// Source is the provider endpoint. When the broker runs behind a proxy
	// and the proxy header is parsed, it holds the endpoint carried in the
	// header.
	Source netip.AddrPort

	// ServerIP is the local address that accepted the connection.
	ServerIP string

	// ServerPort is the local port that accepted the connection.
	ServerPort string

	// ProxyIP is the address of the upstream proxy. It is only set when
	// the broker is configured to run behind a proxy.
	ProxyIP string

	// ProxyParsed indicates whether a source endpoint was extracted from a
	// proxy header.
	ProxyParsed bool

	// ProxyError describes any error encountered while parsing a proxy
	// header.
	ProxyError string
}

// NewPeer fills a Peer from the endpoints of conn.
func NewPeer(sessionID string, conn net.Conn) Peer {
	p := Peer{SessionID: sessionID}
	if addr, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		p.Source = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	}
	p.ServerIP, p.ServerPort, _ = net.SplitHostPort(conn.LocalAddr().String())
	return p
}

// SourceIP returns the provider address as a string, or "" if unknown.
func (p Peer) SourceIP() string {
	if !p.Source.IsValid() {
		return ""
	}
	return p.Source.Addr().String()
}

// SourcePort returns the provider port, or 0 if unknown.
func (p Peer) SourcePort() int {
	return int(p.Source.Port())
}

// LogValue groups the peer fields in structured log records.
func (p Peer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("session_id", p.SessionID),
		slog.String("source_ip", p.SourceIP()),
		slog.Int("source_port", p.SourcePort()),
		slog.String("server_ip", p.ServerIP),
		slog.String("server_port", p.ServerPort),
	}
	if p.ProxyIP != "" {
		attrs = append(attrs,
			slog.Bool("source_ip_parsed", p.ProxyParsed),
			slog.String("source_ip_error", p.ProxyError),
			slog.String("proxy_ip", p.ProxyIP),
		)
	}
	return slog.GroupValue(attrs...)
}
