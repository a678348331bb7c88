package socks

import (
	"errors"
	"fmt"
)

// ParseErrorKind classifies a frame parse failure.
type ParseErrorKind int

const (
	ErrUnsupportedVersion ParseErrorKind = iota
	ErrUnsupportedCommand
	ErrUnsupportedAddressType
)

// ParseError is returned by the v4/v5 parsers for malformed or unsupported
// frames. Raw carries the offending byte for diagnostics.
type ParseError struct {
	Kind ParseErrorKind
	Raw  byte
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case ErrUnsupportedVersion:
		return fmt.Sprintf("unsupported socks version %#x", e.Raw)
	case ErrUnsupportedCommand:
		return fmt.Sprintf("unsupported socks command %#x", e.Raw)
	case ErrUnsupportedAddressType:
		return fmt.Sprintf("unsupported socks address type %#x", e.Raw)
	default:
		return "unknown socks parse error"
	}
}

// ReplyForError maps a parse error (or any other error, which is treated as
// a general I/O failure) to the SOCKS5 reply byte the connection handler
// must send back. This mapping is part of the protocol contract, not the
// connection handler's policy.
func ReplyForError(err error) byte {
	var pe *ParseError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case ErrUnsupportedCommand:
			return ReplyCommandNotSupported
		case ErrUnsupportedAddressType:
			return ReplyAddressNotSupported
		}
	}

	return ReplyGeneralFailure
}
