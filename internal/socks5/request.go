package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
)

const maxDomainLen = 255

// Request is a CONNECT destination. Exactly one of Addr and Domain is set;
// a domain is carried unresolved.
type Request struct {
	Addr   netip.Addr
	Domain string
	Port   uint16
}

// NewRequest returns the destination host:port, using an IP address when
// host parses as one and a domain name otherwise.
func NewRequest(host string, port uint16) Request {
	if addr, err := netip.ParseAddr(host); err == nil && addr.Zone() == "" {
		return Request{Addr: addr, Port: port}
	}
	return Request{Domain: host, Port: port}
}

// ParseRequest parses a host:port string into a Request.
func ParseRequest(hostport string) (Request, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Request{}, fmt.Errorf("parse destination %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Request{}, fmt.Errorf("parse destination port %q: %w", portStr, err)
	}
	req := NewRequest(host, uint16(port))
	if err := req.validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// IsDomain reports whether the destination is a domain name.
func (r Request) IsDomain() bool {
	return r.Domain != ""
}

// Host returns the domain name or the textual IP address.
func (r Request) Host() string {
	if r.IsDomain() {
		return r.Domain
	}
	return r.Addr.String()
}

func (r Request) String() string {
	return net.JoinHostPort(r.Host(), strconv.Itoa(int(r.Port)))
}

func (r Request) atyp() byte {
	switch {
	case r.IsDomain():
		return ATYPDomain
	case r.Addr.Is4():
		return ATYPIPv4
	default:
		return ATYPIPv6
	}
}

func (r Request) validate() error {
	if r.IsDomain() {
		if len(r.Domain) > maxDomainLen {
			return ErrDomainTooLong
		}
		return nil
	}
	if !r.Addr.IsValid() {
		return fmt.Errorf("%w: empty destination address", ErrInvalidPayload)
	}
	return nil
}

// addrBytes returns DST.ADDR without the domain length prefix.
func (r Request) addrBytes() []byte {
	switch {
	case r.IsDomain():
		return []byte(r.Domain)
	case r.Addr.Is4():
		a := r.Addr.As4()
		return a[:]
	default:
		a := r.Addr.As16()
		return a[:]
	}
}

// appendAddr appends ATYP | ADDR | PORT. The request must be valid.
func (r Request) appendAddr(b []byte) []byte {
	b = append(b, r.atyp())
	switch {
	case r.IsDomain():
		b = append(b, byte(len(r.Domain)))
		b = append(b, r.Domain...)
	case r.Addr.Is4():
		a := r.Addr.As4()
		b = append(b, a[:]...)
	default:
		a := r.Addr.As16()
		b = append(b, a[:]...)
	}
	return binary.BigEndian.AppendUint16(b, r.Port)
}

// readAddr reads ADDR | PORT laid out according to atyp.
func readAddr(r io.Reader, atyp byte) (Request, error) {
	var req Request

	switch atyp {
	case ATYPIPv4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Request{}, fmt.Errorf("read address: %w", err)
		}
		req.Addr = netip.AddrFrom4(b)
	case ATYPIPv6:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Request{}, fmt.Errorf("read address: %w", err)
		}
		req.Addr = netip.AddrFrom16(b)
	case ATYPDomain:
		var n [1]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return Request{}, fmt.Errorf("read domain length: %w", err)
		}
		if n[0] == 0 {
			return Request{}, fmt.Errorf("%w: empty domain name", ErrInvalidPayload)
		}
		b := make([]byte, n[0])
		if _, err := io.ReadFull(r, b); err != nil {
			return Request{}, fmt.Errorf("read domain: %w", err)
		}
		req.Domain = string(b)
	default:
		return Request{}, fmt.Errorf("%w: %#02x", ErrAddressNotSupported, atyp)
	}

	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return Request{}, fmt.Errorf("read port: %w", err)
	}
	req.Port = binary.BigEndian.Uint16(port[:])
	return req, nil
}
