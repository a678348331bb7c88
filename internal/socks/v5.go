package socks

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SOCKS5 auth methods.
const (
	AuthNotRequired byte = 0x00
	AuthGSSAPI      byte = 0x01
	AuthUserPass    byte = 0x02
	AuthNone        byte = 0xFF
)

// SOCKS5 commands.
const (
	CmdConnect      byte = 0x01
	CmdBind         byte = 0x02
	CmdUDPAssociate byte = 0x03
)

// SOCKS5 address types.
const (
	AtypIPv4   byte = 0x01
	AtypDomain byte = 0x03
	AtypIPv6   byte = 0x04
)

// SOCKS5 reply codes.
const (
	ReplySucceeded           byte = 0x00
	ReplyGeneralFailure      byte = 0x01
	ReplyNetworkUnreachable  byte = 0x03
	ReplyHostUnreachable     byte = 0x04
	ReplyConnectionRefused   byte = 0x05
	ReplyCommandNotSupported byte = 0x07
	ReplyAddressNotSupported byte = 0x08
)

// V5AuthRequest is the set of authentication methods a client offered,
// filtered to those recognized by this implementation. Unknown method bytes
// are silently dropped to preserve forward compatibility with future
// extensions.
type V5AuthRequest struct {
	methods map[byte]bool
}

// Has reports whether the client offered the given method.
func (a V5AuthRequest) Has(method byte) bool {
	return a.methods[method]
}

// ParseV5AuthRequest reads the version byte, method count, and method list.
// The version byte must be exactly 5.
func ParseV5AuthRequest(r io.Reader) (V5AuthRequest, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return V5AuthRequest{}, fmt.Errorf("reading v5 auth header: %w", err)
	}

	if Version(hdr[0]) != Version5 {
		return V5AuthRequest{}, &ParseError{Kind: ErrUnsupportedVersion, Raw: hdr[0]}
	}

	n := int(hdr[1])

	methods := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, methods); err != nil {
			return V5AuthRequest{}, fmt.Errorf("reading v5 auth methods: %w", err)
		}
	}

	recognized := map[byte]bool{
		AuthNotRequired: false,
		AuthGSSAPI:      false,
		AuthUserPass:    false,
		AuthNone:        false,
	}

	req := V5AuthRequest{methods: map[byte]bool{}}

	for _, m := range methods {
		if _, ok := recognized[m]; ok {
			req.methods[m] = true
		}
	}

	return req, nil
}

// EncodeV5AuthResponse builds the 2-byte auth response.
func EncodeV5AuthResponse(method byte) []byte {
	return []byte{byte(Version5), method}
}

// Address is a SOCKS5 address: either an IP literal (v4 or v6) or a domain
// name, tagged by atype.
type Address struct {
	Type byte
	IP   [16]byte // first 4 bytes valid for IPv4, all 16 for IPv6
	Name string
}

// ParseAddress reads exactly the bytes atype declares: 4 for IPv4, 16 for
// IPv6, or a 1-byte length prefix followed by that many ASCII bytes for DNS.
func ParseAddress(r io.Reader, atype byte) (Address, error) {
	switch atype {
	case AtypIPv4:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Address{}, fmt.Errorf("reading ipv4 address: %w", err)
		}

		var addr Address
		addr.Type = AtypIPv4
		copy(addr.IP[:4], buf[:])

		return addr, nil
	case AtypIPv6:
		var addr Address
		addr.Type = AtypIPv6

		if _, err := io.ReadFull(r, addr.IP[:]); err != nil {
			return Address{}, fmt.Errorf("reading ipv6 address: %w", err)
		}

		return addr, nil
	case AtypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return Address{}, fmt.Errorf("reading domain length: %w", err)
		}

		name := make([]byte, lenBuf[0])
		if lenBuf[0] > 0 {
			if _, err := io.ReadFull(r, name); err != nil {
				return Address{}, fmt.Errorf("reading domain name: %w", err)
			}
		}

		return Address{Type: AtypDomain, Name: string(name)}, nil
	default:
		return Address{}, &ParseError{Kind: ErrUnsupportedAddressType, Raw: atype}
	}
}

// Encode produces the wire bytes for this address, as used in both the
// command request and the connect response.
func (a Address) Encode() []byte {
	switch a.Type {
	case AtypIPv4:
		return append([]byte{}, a.IP[:4]...)
	case AtypIPv6:
		return append([]byte{}, a.IP[:]...)
	case AtypDomain:
		buf := make([]byte, 0, len(a.Name)+1)
		buf = append(buf, byte(len(a.Name)))
		buf = append(buf, a.Name...)

		return buf
	default:
		return nil
	}
}

// ZeroAddress is the BND.ADDR used on failure replies: 0.0.0.0:0.
var ZeroAddress = Address{Type: AtypIPv4}

// V5CommandRequest is a parsed SOCKS5 CONNECT/BIND/UDP_ASSOCIATE request.
type V5CommandRequest struct {
	Command byte
	Addr    Address
	Port    uint16
}

// ParseV5CommandRequest reads exactly the bytes the frame's atype declares;
// it does not peek past the port.
func ParseV5CommandRequest(r io.Reader) (V5CommandRequest, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return V5CommandRequest{}, fmt.Errorf("reading v5 command header: %w", err)
	}

	if Version(hdr[0]) != Version5 {
		return V5CommandRequest{}, &ParseError{Kind: ErrUnsupportedVersion, Raw: hdr[0]}
	}

	cmd := hdr[1]
	// hdr[2] is the reserved byte; read and discarded.
	atype := hdr[3]

	switch cmd {
	case CmdConnect, CmdBind, CmdUDPAssociate:
	default:
		return V5CommandRequest{}, &ParseError{Kind: ErrUnsupportedCommand, Raw: cmd}
	}

	addr, err := ParseAddress(r, atype)
	if err != nil {
		return V5CommandRequest{}, err
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, portBuf); err != nil {
		return V5CommandRequest{}, fmt.Errorf("reading v5 command port: %w", err)
	}

	return V5CommandRequest{
		Command: cmd,
		Addr:    addr,
		Port:    binary.BigEndian.Uint16(portBuf),
	}, nil
}

// EncodeV5Response builds a single contiguous CONNECT response buffer, so a
// caller's single Write call cannot leave a half-frame on the wire.
func EncodeV5Response(reply byte, addr Address, port uint16) []byte {
	addrBytes := addr.Encode()

	buf := make([]byte, 0, 4+len(addrBytes)+2)
	buf = append(buf, byte(Version5), reply, 0x00, addr.Type)
	buf = append(buf, addrBytes...)

	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, port)
	buf = append(buf, portBuf...)

	return buf
}
