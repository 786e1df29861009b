package cd11

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// ConnectionBodySize is the body size of connection-request and
// connection-response frames.
const ConnectionBodySize = 32

// Field widths for the text fields of connection frames and the header.
const (
	NameWidth        = 8
	TypeWidth        = 4
	ServiceWidth     = 4
	FrameOriginWidth = 8
)

// Identity describes the sender of a frame: its protocol version, the
// name/type/service advertised in the body and the creator/destination
// written to the header.
type Identity struct {
	MajorVersion int16
	MinorVersion int16
	Name         string
	Type         string
	Service      string
	Creator      string
	Destination  string
	AuthKeyID    int32
}

// DefaultIdentity is the identity used by the connection manager when none
// is configured.
var DefaultIdentity = Identity{
	MajorVersion: 1,
	MinorVersion: 1,
	Name:         "CONNMAN",
	Type:         "IDC",
	Service:      "TCP",
	Creator:      "0",
	Destination:  "0",
}

// Validate checks that every text field fits its fixed-width slot.
func (id Identity) Validate() error {
	fields := []struct {
		name  string
		value string
		width int
	}{
		{"name", id.Name, NameWidth},
		{"type", id.Type, TypeWidth},
		{"service", id.Service, ServiceWidth},
		{"creator", id.Creator, FrameOriginWidth},
		{"destination", id.Destination, FrameOriginWidth},
	}
	for _, f := range fields {
		if len(f.value) > f.width {
			return fmt.Errorf("%s %q exceeds %d bytes", f.name, f.value, f.width)
		}
	}
	if id.MajorVersion < 0 || id.MinorVersion < 0 {
		return fmt.Errorf("negative protocol version %d.%d", id.MajorVersion, id.MinorVersion)
	}
	return nil
}

// Connection is the body shared by connection-request and
// connection-response frames. In a request Name is the station name and
// Address/Port the provider's own endpoint. In a response Name is the
// responder name and Address/Port the endpoint the station must reconnect
// to.
type Connection struct {
	MajorVersion  int16
	MinorVersion  int16
	Name          string
	Type          string
	Service       string
	Address       netip.Addr
	Port          uint16
	SecondAddress netip.Addr
	SecondPort    uint16
}

// ConnectionRequest is the body of a connection-request frame.
type ConnectionRequest struct {
	Connection
}

// StationName returns the station the provider claims to be.
func (r *ConnectionRequest) StationName() string {
	return r.Name
}

// ConnectionResponse is the body of a connection-response frame.
type ConnectionResponse struct {
	Connection
}

// ConnectionRequest interprets f as a connection-request frame.
func (f *Frame) ConnectionRequest() (*ConnectionRequest, error) {
	if f.Header.Type != TypeConnectionRequest {
		return nil, fmt.Errorf("%w: expected %s, received %s", ErrWrongFrameType, TypeConnectionRequest, f.Header.Type)
	}
	c, err := decodeConnection(f.Body)
	if err != nil {
		return nil, err
	}
	return &ConnectionRequest{Connection: c}, nil
}

// ConnectionResponse interprets f as a connection-response frame.
func (f *Frame) ConnectionResponse() (*ConnectionResponse, error) {
	if f.Header.Type != TypeConnectionResponse {
		return nil, fmt.Errorf("%w: expected %s, received %s", ErrWrongFrameType, TypeConnectionResponse, f.Header.Type)
	}
	c, err := decodeConnection(f.Body)
	if err != nil {
		return nil, err
	}
	return &ConnectionResponse{Connection: c}, nil
}

// BuildConnectionResponse encodes a complete connection-response frame that
// redirects the receiver to consumerAddress:consumerPort.
func BuildConnectionResponse(id Identity, consumerAddress string, consumerPort uint16) ([]byte, error) {
	if consumerPort == 0 {
		return nil, fmt.Errorf("invalid consumer port %d", consumerPort)
	}
	return build(TypeConnectionResponse, id, id.Name, consumerAddress, consumerPort)
}

// BuildConnectionRequest encodes a complete connection-request frame for
// station, advertising localAddress:localPort as the provider endpoint.
func BuildConnectionRequest(id Identity, station string, localAddress string, localPort uint16) ([]byte, error) {
	if station == "" {
		return nil, fmt.Errorf("empty station name")
	}
	return build(TypeConnectionRequest, id, station, localAddress, localPort)
}

func build(t FrameType, id Identity, name string, address string, port uint16) ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if len(name) > NameWidth {
		return nil, fmt.Errorf("name %q exceeds %d bytes", name, NameWidth)
	}
	addr, err := parseIPv4(address)
	if err != nil {
		return nil, err
	}

	c := Connection{
		MajorVersion:  id.MajorVersion,
		MinorVersion:  id.MinorVersion,
		Name:          name,
		Type:          id.Type,
		Service:       id.Service,
		Address:       addr,
		Port:          port,
		SecondAddress: netip.IPv4Unspecified(),
	}

	f := Frame{
		Header: Header{
			Type:        t,
			Creator:     id.Creator,
			Destination: id.Destination,
		},
		Body:    encodeConnection(c),
		Trailer: Trailer{AuthKeyID: id.AuthKeyID},
	}
	return f.Marshal(), nil
}

func decodeConnection(b []byte) (Connection, error) {
	if len(b) < ConnectionBodySize {
		return Connection{}, fmt.Errorf("%w: connection body is %d bytes, need %d", ErrMalformedFrame, len(b), ConnectionBodySize)
	}
	c := Connection{
		MajorVersion:  int16(binary.BigEndian.Uint16(b[0:2])),
		MinorVersion:  int16(binary.BigEndian.Uint16(b[2:4])),
		Name:          readString(b[4:12]),
		Type:          readString(b[12:16]),
		Service:       readString(b[16:20]),
		Address:       netip.AddrFrom4([4]byte(b[20:24])),
		Port:          binary.BigEndian.Uint16(b[24:26]),
		SecondAddress: netip.AddrFrom4([4]byte(b[26:30])),
		SecondPort:    binary.BigEndian.Uint16(b[30:32]),
	}
	if c.Name == "" {
		return Connection{}, fmt.Errorf("%w: empty name", ErrMalformedFrame)
	}
	return c, nil
}

func encodeConnection(c Connection) []byte {
	b := make([]byte, ConnectionBodySize)
	binary.BigEndian.PutUint16(b[0:2], uint16(c.MajorVersion))
	binary.BigEndian.PutUint16(b[2:4], uint16(c.MinorVersion))
	putString(b[4:12], c.Name)
	putString(b[12:16], c.Type)
	putString(b[16:20], c.Service)
	putAddr(b[20:24], c.Address)
	binary.BigEndian.PutUint16(b[24:26], c.Port)
	putAddr(b[26:30], c.SecondAddress)
	binary.BigEndian.PutUint16(b[30:32], c.SecondPort)
	return b
}

func putAddr(b []byte, a netip.Addr) {
	if a.Is4() {
		v := a.As4()
		copy(b, v[:])
	}
}

// parseIPv4 parses s as an IPv4 address. Connection frames have room for
// IPv4 only.
func parseIPv4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("address %q is not IPv4", s)
	}
	return addr, nil
}
