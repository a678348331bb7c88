// Package socks implements byte-level encoding and decoding of the SOCKS4,
// SOCKS4a, and SOCKS5 handshake and CONNECT frames. It has no I/O sequencing
// policy of its own: callers supply a reader/writer and get back typed
// frames, or bytes to write in a single call.
package socks

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Version identifies the SOCKS protocol version, read from the first byte
// of a client connection.
type Version byte

const (
	Version4 Version = 0x04
	Version5 Version = 0x05
)

// SOCKS4 methods.
const (
	Cmd4Connect byte = 0x01
	Cmd4Bind    byte = 0x02
)

// SOCKS4 reply codes.
const (
	Reply4Granted          byte = 0x5A
	Reply4RejectedOrFailed byte = 0x5B
)

// socks4aSentinel is the SOCKS4a marker: a dest_ip of 0.0.0.1 tells the
// server the real destination is a hostname that follows the userid field.
var socks4aSentinel = [4]byte{0x00, 0x00, 0x00, 0x01}

// PeekVersion reads the first byte of the stream without consuming it, so
// the version-specific parser can re-read it as part of its own frame.
func PeekVersion(br *bufio.Reader) (Version, error) {
	b, err := br.Peek(1)
	if err != nil {
		return 0, fmt.Errorf("peek version byte: %w", err)
	}

	return Version(b[0]), nil
}

// V4Request is a parsed SOCKS4/4a request.
type V4Request struct {
	Method   byte
	DestPort uint16
	DestIP   [4]byte
	UserID   []byte

	// Hostname is set iff DestIP is the SOCKS4a sentinel (0.0.0.1).
	Hostname  string
	IsSocks4a bool
}

// ParseV4Request reads a full SOCKS4/4a request, including the version byte.
func ParseV4Request(r io.Reader) (V4Request, error) {
	var req V4Request

	hdr := make([]byte, 8)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return req, fmt.Errorf("reading v4 request header: %w", err)
	}

	if Version(hdr[0]) != Version4 {
		return req, &ParseError{Kind: ErrUnsupportedVersion, Raw: hdr[0]}
	}

	req.Method = hdr[1]
	req.DestPort = binary.BigEndian.Uint16(hdr[2:4])
	copy(req.DestIP[:], hdr[4:8])

	userID, err := readNullTerminated(r)
	if err != nil {
		return req, fmt.Errorf("reading v4 userid: %w", err)
	}

	req.UserID = userID

	if req.DestIP == socks4aSentinel {
		host, err := readNullTerminated(r)
		if err != nil {
			return req, fmt.Errorf("reading v4a hostname: %w", err)
		}

		req.Hostname = string(host)
		req.IsSocks4a = true
	}

	return req, nil
}

// EncodeV4Response builds the fixed 8-byte SOCKS4 response.
func EncodeV4Response(code byte, port uint16, ip [4]byte) []byte {
	buf := make([]byte, 8)
	buf[0] = 0x00
	buf[1] = code
	binary.BigEndian.PutUint16(buf[2:4], port)
	copy(buf[4:8], ip[:])

	return buf
}

func readNullTerminated(r io.Reader) ([]byte, error) {
	var out []byte

	b := make([]byte, 1)

	for {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}

		if b[0] == 0x00 {
			return out, nil
		}

		out = append(out, b[0])
	}
}
