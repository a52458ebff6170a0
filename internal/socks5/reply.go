package socks5

import (
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

// Version is the only protocol version spoken.
const Version byte = 0x05

const (
	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect = txsocks5.CmdConnect

	MethodNone             = txsocks5.MethodNone
	MethodUsernamePassword = txsocks5.MethodUsernamePassword
	// MethodNoAcceptable is sent by a server that accepts none of the
	// offered methods.
	MethodNoAcceptable byte = 0xff

	ATYPIPv4   = txsocks5.ATYPIPv4
	ATYPDomain = txsocks5.ATYPDomain
	ATYPIPv6   = txsocks5.ATYPIPv6
)

// Reply codes, RFC 1928 section 6.
const (
	RepSuccess             = txsocks5.RepSuccess
	RepGeneralFailure      byte = 0x01
	RepNotAllowed          byte = 0x02
	RepNetworkUnreachable  byte = 0x03
	RepHostUnreachable     = txsocks5.RepHostUnreachable
	RepConnectionRefused   = txsocks5.RepConnectionRefused
	RepTTLExpired          byte = 0x06
	RepCommandNotSupported = txsocks5.RepCommandNotSupported
	RepAddressNotSupported byte = 0x08
)

// ServerRespond writes a reply carrying rep that echoes req's address and
// port. The reply is written with a single Write; failures are returned, not
// retried.
func ServerRespond(w io.Writer, req Request, rep byte) error {
	if err := req.validate(); err != nil {
		return fmt.Errorf("reply: %w", err)
	}

	b := make([]byte, 0, 4+1+maxDomainLen+2)
	b = append(b, Version, rep, 0x00)
	b = req.appendAddr(b)

	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// WriteFailureReply writes a reply carrying rep with a zero IPv4 bound
// address, for failures that happen before a request could be parsed.
func WriteFailureReply(w io.Writer, rep byte) error {
	b := []byte{Version, rep, 0x00, ATYPIPv4, 0, 0, 0, 0, 0, 0}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}
