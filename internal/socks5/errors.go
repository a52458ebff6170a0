package socks5

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrProtocol is wrapped by every error caused by malformed or unexpected
// bytes on the wire.
var ErrProtocol = errors.New("socks5 protocol error")

var (
	ErrInvalidVersion      = fmt.Errorf("%w: invalid version", ErrProtocol)
	ErrInvalidPayload      = fmt.Errorf("%w: invalid payload", ErrProtocol)
	ErrNoAcceptableMethods = fmt.Errorf("%w: no acceptable methods", ErrProtocol)
	ErrCommandNotSupported = fmt.Errorf("%w: command not supported", ErrProtocol)

	// ErrAddressNotSupported is returned for an unknown ATYP. It is a kind of
	// ErrInvalidPayload.
	ErrAddressNotSupported = fmt.Errorf("%w: address type not supported", ErrInvalidPayload)

	// ErrDomainTooLong is returned before any I/O when a domain name does not
	// fit the one-byte length field.
	ErrDomainTooLong = fmt.Errorf("%w: domain name longer than %d bytes", ErrProtocol, maxDomainLen)
)

// ReplyError is a non-success REP code received from an upstream server.
type ReplyError byte

func (e ReplyError) Error() string {
	return "socks5 reply: " + replyText(byte(e))
}

func replyText(rep byte) string {
	switch rep {
	case RepSuccess:
		return "succeeded"
	case RepGeneralFailure:
		return "general server failure"
	case RepNotAllowed:
		return "connection not allowed by ruleset"
	case RepNetworkUnreachable:
		return "network unreachable"
	case RepHostUnreachable:
		return "host unreachable"
	case RepConnectionRefused:
		return "connection refused"
	case RepTTLExpired:
		return "ttl expired"
	case RepCommandNotSupported:
		return "command not supported"
	case RepAddressNotSupported:
		return "address type not supported"
	default:
		return fmt.Sprintf("unknown reply code %#02x", rep)
	}
}

// ReplyCode picks the RFC 1928 reply code that best describes err. A nil
// error maps to RepSuccess.
func ReplyCode(err error) byte {
	if err == nil {
		return RepSuccess
	}

	var re ReplyError
	if errors.As(err, &re) {
		return byte(re)
	}

	switch {
	case errors.Is(err, ErrCommandNotSupported):
		return RepCommandNotSupported
	case errors.Is(err, ErrAddressNotSupported):
		return RepAddressNotSupported
	case errors.Is(err, syscall.ECONNREFUSED):
		return RepConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return RepNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return RepHostUnreachable
	}

	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return RepHostUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return RepHostUnreachable
	}

	return RepGeneralFailure
}
