package proxyproto

import (
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"
)

// loopbackPair returns a client connection and the accepted server side of a
// loopback TCP connection.
func loopbackPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server = <-accepted
	if server == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestReadHeaderV1(t *testing.T) {
	client, server := loopbackPair(t)
	go func() {
		_, _ = client.Write([]byte("PROXY TCP4 10.0.0.5 10.0.0.1 41000 8041\r\npayload"))
	}()

	conn, src, err := ReadHeader(server, time.Second)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	want := netip.MustParseAddrPort("10.0.0.5:41000")
	if src != want {
		t.Fatalf("source = %v, want %v", src, want)
	}

	// Bytes following the header remain readable through the returned conn.
	buf := make([]byte, len("payload"))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "payload" {
		t.Fatalf("payload = %q", buf)
	}
}

func TestReadHeaderV2(t *testing.T) {
	client, server := loopbackPair(t)

	hdr := append([]byte{}, v2Signature...)
	hdr = append(hdr, 0x21, 0x11, 0x00, 12)
	hdr = append(hdr, 10, 0, 0, 77) // src
	hdr = append(hdr, 10, 0, 0, 1)  // dst
	hdr = binary.BigEndian.AppendUint16(hdr, 5555)
	hdr = binary.BigEndian.AppendUint16(hdr, 8041)
	go func() { _, _ = client.Write(hdr) }()

	_, src, err := ReadHeader(server, time.Second)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if want := netip.MustParseAddrPort("10.0.0.77:5555"); src != want {
		t.Fatalf("source = %v, want %v", src, want)
	}
}

func TestReadHeaderV2Local(t *testing.T) {
	client, server := loopbackPair(t)

	hdr := append([]byte{}, v2Signature...)
	hdr = append(hdr, 0x20, 0x00, 0x00, 0x00)
	go func() { _, _ = client.Write(hdr) }()

	_, src, err := ReadHeader(server, time.Second)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if src.IsValid() {
		t.Fatalf("source = %v, want zero value", src)
	}
}

func TestReadHeaderErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing header", "\x00\x00\x00\x01hello world!"},
		{"unknown family", "PROXY UDP4 10.0.0.5 10.0.0.1 1 2\r\n"},
		{"bad address", "PROXY TCP4 10.0.0.999 10.0.0.1 1 2\r\n"},
		{"family mismatch", "PROXY TCP6 10.0.0.5 10.0.0.1 1 2\r\n"},
		{"bad port", "PROXY TCP4 10.0.0.5 10.0.0.1 70000 2\r\n"},
		{"wrong field count", "PROXY TCP4 10.0.0.5 10.0.0.1\r\n"},
		{"no CRLF", "PROXY TCP4 10.0.0.5 10.0.0.1 1 2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := loopbackPair(t)
			go func() { _, _ = client.Write([]byte(tt.input)) }()

			if _, _, err := ReadHeader(server, time.Second); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestReadHeaderTimeout(t *testing.T) {
	_, server := loopbackPair(t)

	start := time.Now()
	if _, _, err := ReadHeader(server, 50*time.Millisecond); err == nil {
		t.Fatal("expected a timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("ReadHeader took %v", elapsed)
	}
}
