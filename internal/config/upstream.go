package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const defaultSOCKS5Port = "1080"

// ParseUpstream parses socks5://[user:pass@]host[:port]. The port defaults
// to 1080.
func ParseUpstream(s string) (Upstream, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Upstream{}, fmt.Errorf("invalid url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "socks5", "socks5h":
	case "":
		return Upstream{}, errors.New("invalid url: missing scheme")
	default:
		return Upstream{}, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}

	if u.Path != "" && u.Path != "/" {
		return Upstream{}, errors.New("invalid url: path should be empty")
	}

	host := u.Hostname()
	if host == "" {
		return Upstream{}, errors.New("invalid url: missing host")
	}
	portStr := u.Port()
	if portStr == "" {
		portStr = defaultSOCKS5Port
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Upstream{}, fmt.Errorf("invalid url port: %q", portStr)
	}

	up := Upstream{Host: host, Port: uint16(port)}
	if u.User != nil {
		up.Username = u.User.Username()
		up.Password, _ = u.User.Password()
	}
	if err := up.validate(); err != nil {
		return Upstream{}, fmt.Errorf("invalid url: %w", err)
	}
	return up, nil
}
