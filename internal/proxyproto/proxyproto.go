// Package proxyproto recovers the original provider endpoint when the
// connection manager sits behind a load balancer that speaks the PROXY
// protocol (v1 text or v2 binary).
package proxyproto

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// v1Signature is the byte representation of "PROXY ", which is the start of a
// Proxy Protocol v1 header.
var v1Signature = []byte("PROXY ")

// v2Signature is a 12-byte constant which is the start of a Proxy Protocol v2
// header.
var v2Signature = []byte{
	0x0D, 0x0A, 0x0D, 0x0A,
	0x00, 0x0D, 0x0A, 0x51,
	0x55, 0x49, 0x54, 0x0A,
}

// DefaultTimeout bounds the time spent waiting for the header.
const DefaultTimeout = 2 * time.Second

// v1MaxLen is the maximum length of a v1 header including the CRLF.
const v1MaxLen = 107

// v2MaxRemaining caps the address and TLV section of a v2 header.
const v2MaxRemaining = 496

// ErrUntrustedProxy is returned when the header arrives from a peer that is
// neither private nor loopback.
var ErrUntrustedProxy = errors.New("proxy connection must originate from a private IP address")

// Conn wraps a net.Conn and a bufio.Reader to ensure data buffered while
// reading the header remains readable.
type Conn struct {
	net.Conn
	r *bufio.Reader
}

// Ensure Conn satisfies the net.Conn interface.
var _ net.Conn = (*Conn)(nil)

// Read reads from the internal buffered reader instead of the underlying
// connection.
func (c *Conn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// ReadHeader reads a Proxy Protocol v1 or v2 header from conn and returns the
// source endpoint it carries. The returned net.Conn must be used for all
// further reads. A zero AddrPort with a nil error means the header was a v2
// LOCAL command and the real connection endpoints apply.
//
// ReadHeader sets a read deadline of timeout (DefaultTimeout when zero) on
// conn; callers set their own deadline afterwards.
func ReadHeader(conn net.Conn, timeout time.Duration) (net.Conn, netip.AddrPort, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))

	reader := bufio.NewReader(conn)
	c := &Conn{Conn: conn, r: reader}

	// Only trust headers from private or loopback peers.
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP := addr.AddrPort().Addr().Unmap()
		if !remoteIP.IsPrivate() && !remoteIP.IsLoopback() {
			return c, netip.AddrPort{}, ErrUntrustedProxy
		}
	} else {
		return c, netip.AddrPort{}, errors.New("could not resolve proxy IP address")
	}

	peek, err := reader.Peek(len(v2Signature))
	if err != nil {
		return c, netip.AddrPort{}, fmt.Errorf("failed to read proxy header data: %w", err)
	}

	var src netip.AddrPort
	switch {
	case bytes.Equal(peek, v2Signature):
		src, err = parseVersion2(reader)
		if err != nil {
			return c, netip.AddrPort{}, fmt.Errorf("proxy protocol v2: %w", err)
		}
	case bytes.HasPrefix(peek, v1Signature):
		src, err = parseVersion1(reader)
		if err != nil {
			return c, netip.AddrPort{}, fmt.Errorf("proxy protocol v1: %w", err)
		}
	default:
		return c, netip.AddrPort{}, errors.New("invalid or missing proxy protocol header")
	}

	return c, src, nil
}

// parseVersion1 parses a v1 text header such as
// "PROXY TCP4 10.0.0.5 10.0.0.1 41000 8041\r\n".
func parseVersion1(r *bufio.Reader) (netip.AddrPort, error) {
	var buf [v1MaxLen]byte
	n := 0
	for {
		b, err := r.ReadByte()
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("can't read header: %w", err)
		}
		buf[n] = b
		n++
		if b == '\n' {
			break
		}
		if n == v1MaxLen {
			return netip.AddrPort{}, errors.New("header exceeds 107-byte limit")
		}
	}

	line := buf[:n]
	if !bytes.HasSuffix(line, []byte("\r\n")) {
		return netip.AddrPort{}, errors.New("header missing CRLF")
	}

	parts := bytes.Split(line[:len(line)-2], []byte(" "))
	if len(parts) != 6 {
		return netip.AddrPort{}, errors.New("invalid header format")
	}

	isIPv4 := bytes.Equal(parts[1], []byte("TCP4"))
	isIPv6 := bytes.Equal(parts[1], []byte("TCP6"))
	if !isIPv4 && !isIPv6 {
		return netip.AddrPort{}, errors.New("unsupported address family")
	}

	ip, err := netip.ParseAddr(string(parts[2]))
	if err != nil {
		return netip.AddrPort{}, errors.New("invalid source address")
	}
	ip = ip.Unmap()
	if (isIPv4 && !ip.Is4()) || (isIPv6 && !ip.Is6()) {
		return netip.AddrPort{}, errors.New("protocol/address mismatch")
	}

	port, err := strconv.ParseUint(string(parts[4]), 10, 16)
	if err != nil {
		return netip.AddrPort{}, errors.New("invalid source port")
	}

	return netip.AddrPortFrom(ip, uint16(port)), nil
}

// parseVersion2 parses a v2 binary header.
func parseVersion2(r *bufio.Reader) (netip.AddrPort, error) {
	// Bytes 0-11:  signature.
	// Byte 12:     version and command.
	// Byte 13:     transport protocol and address family.
	// Bytes 14-15: length of the remaining header.
	var header [16]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to read header: %w", err)
	}

	remainingLen := int(binary.BigEndian.Uint16(header[14:16]))
	if remainingLen > v2MaxRemaining {
		return netip.AddrPort{}, errors.New("header exceeds 512-byte limit")
	}
	discard := func() { _, _ = io.CopyN(io.Discard, r, int64(remainingLen)) }

	switch header[12] {
	case 0x20:
		// LOCAL. Use the real connection endpoints.
		discard()
		return netip.AddrPort{}, nil
	case 0x21:
		// PROXY.
	default:
		discard()
		return netip.AddrPort{}, errors.New("unsupported command or version")
	}

	var addrLen, ipLen int
	switch header[13] {
	case 0x11, 0x12:
		// IPv4: src(4) dst(4) srcport(2) dstport(2).
		addrLen, ipLen = 12, 4
	case 0x21, 0x22:
		// IPv6: src(16) dst(16) srcport(2) dstport(2).
		addrLen, ipLen = 36, 16
	default:
		discard()
		return netip.AddrPort{}, errors.New("unsupported address family")
	}

	if remainingLen < addrLen {
		discard()
		return netip.AddrPort{}, errors.New("header length too short for address family")
	}

	var addrBuf [36]byte
	if _, err := io.ReadFull(r, addrBuf[:addrLen]); err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to read address data: %w", err)
	}
	if tlvLen := int64(remainingLen - addrLen); tlvLen > 0 {
		_, _ = io.CopyN(io.Discard, r, tlvLen)
	}

	ip, ok := netip.AddrFromSlice(addrBuf[:ipLen])
	if !ok || !ip.IsValid() {
		return netip.AddrPort{}, errors.New("invalid source address")
	}
	port := binary.BigEndian.Uint16(addrBuf[2*ipLen : 2*ipLen+2])

	return netip.AddrPortFrom(ip.Unmap(), port), nil
}
