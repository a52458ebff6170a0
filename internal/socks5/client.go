package socks5

import (
	"encoding/binary"
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

// Auth configures optional username/password authentication for SOCKS5
// negotiation.
type Auth struct {
	Username string
	Password string
}

func (a Auth) enabled() bool {
	return a.Username != "" || a.Password != ""
}

// ClientConnect negotiates with a SOCKS5 server on rw and asks it to CONNECT
// to req. On success rw carries the tunneled stream.
//
// The request is validated before any byte is written.
func ClientConnect(rw io.ReadWriter, req Request, auth Auth) error {
	if err := req.validate(); err != nil {
		return err
	}
	if len(auth.Username) > 255 || len(auth.Password) > 255 {
		return fmt.Errorf("%w: credentials longer than 255 bytes", ErrInvalidPayload)
	}

	if err := ClientNegotiate(rw, auth); err != nil {
		return err
	}
	return ClientRequest(rw, req)
}

// ClientNegotiate offers exactly one method: username/password when auth
// carries credentials, otherwise no authentication.
func ClientNegotiate(rw io.ReadWriter, auth Auth) error {
	method := MethodNone
	if auth.enabled() {
		method = MethodUsernamePassword
	}

	if _, err := rw.Write([]byte{Version, 0x01, method}); err != nil {
		return fmt.Errorf("write greeting: %w", err)
	}

	var sel [2]byte
	if _, err := io.ReadFull(rw, sel[:]); err != nil {
		return fmt.Errorf("read method selection: %w", err)
	}
	if sel[0] != Version {
		return fmt.Errorf("method selection: %w", ErrInvalidVersion)
	}

	switch sel[1] {
	case MethodNone:
		return nil
	case MethodNoAcceptable:
		return ErrNoAcceptableMethods
	case MethodUsernamePassword:
		if !auth.enabled() {
			return fmt.Errorf("method selection: %w: username/password not offered", ErrInvalidPayload)
		}
		if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(rw); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(rw)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return fmt.Errorf("userpass: %w", ReplyError(RepNotAllowed))
		}
		return nil
	default:
		return fmt.Errorf("method selection: %w: unexpected method %#02x", ErrInvalidPayload, sel[1])
	}
}

// ClientRequest sends a CONNECT for req and consumes the reply, including
// the bound address, which is discarded.
func ClientRequest(rw io.ReadWriter, req Request) error {
	if err := req.validate(); err != nil {
		return err
	}

	port := binary.BigEndian.AppendUint16(nil, req.Port)
	if _, err := txsocks5.NewRequest(CmdConnect, req.atyp(), req.addrBytes(), port).WriteTo(rw); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	var hdr [2]byte // VER REP
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if hdr[0] != Version {
		return fmt.Errorf("reply: %w", ErrInvalidVersion)
	}
	if hdr[1] != RepSuccess {
		if hdr[1] > RepAddressNotSupported {
			return fmt.Errorf("reply: %w: code %#02x", ErrInvalidPayload, hdr[1])
		}
		return ReplyError(hdr[1])
	}

	var tail [2]byte // RSV ATYP
	if _, err := io.ReadFull(rw, tail[:]); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if _, err := readAddr(rw, tail[1]); err != nil {
		return fmt.Errorf("reply bound address: %w", err)
	}
	return nil
}
