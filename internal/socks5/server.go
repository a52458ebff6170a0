package socks5

import (
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

// ServerAccept runs the server side of the handshake up to and including the
// CONNECT request. The reply is left to the caller (see ServerRespond).
func ServerAccept(rw io.ReadWriter) (Request, error) {
	if err := ServerNegotiate(rw); err != nil {
		return Request{}, err
	}
	return ServerReadRequest(rw)
}

// ServerNegotiate reads the client greeting and selects "no authentication"
// regardless of the methods offered.
func ServerNegotiate(rw io.ReadWriter) error {
	var hdr [2]byte
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if hdr[0] != Version {
		return fmt.Errorf("greeting: %w", ErrInvalidVersion)
	}
	if hdr[1] == 0 {
		return fmt.Errorf("greeting: %w: no methods", ErrInvalidPayload)
	}

	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(rw, methods); err != nil {
		return fmt.Errorf("read greeting methods: %w", err)
	}

	if _, err := txsocks5.NewNegotiationReply(MethodNone).WriteTo(rw); err != nil {
		return fmt.Errorf("write method selection: %w", err)
	}
	return nil
}

// ServerReadRequest reads a CONNECT request. Any other command is rejected
// with ErrCommandNotSupported before the address is read.
func ServerReadRequest(r io.Reader) (Request, error) {
	var hdr [4]byte // VER CMD RSV ATYP
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Request{}, fmt.Errorf("read request: %w", err)
	}
	if hdr[0] != Version {
		return Request{}, fmt.Errorf("request: %w", ErrInvalidVersion)
	}
	if hdr[1] != CmdConnect {
		return Request{}, fmt.Errorf("request: %w: %#02x", ErrCommandNotSupported, hdr[1])
	}

	req, err := readAddr(r, hdr[3])
	if err != nil {
		return Request{}, fmt.Errorf("request: %w", err)
	}
	return req, nil
}
