// Package config loads the anycast configuration file.
//
// The file is YAML; the original JSON layout is valid YAML
// and parses unchanged:
//
//	{
//	  "relay_only": false,
//	  "listen": ["0.0.0.0:10203"],
//	  "upstreams": [
//	    {"host": "relay.example", "port": 1080, "username": "u", "password": "p"}
//	  ]
//	}
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultListen is used when the file names no listen address.
const DefaultListen = "0.0.0.0:10203"

// DefaultBufferSize is the forwarding buffer size per direction.
const DefaultBufferSize = 16 << 10

// Upstream is one SOCKS5 relay.
type Upstream struct {
	Host     string `yaml:"host"`
	Port     uint16 `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Address returns host:port.
func (u Upstream) Address() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(int(u.Port)))
}

// String identifies the relay in logs. Credentials are omitted.
func (u Upstream) String() string {
	return "socks5://" + u.Address()
}

func (u Upstream) validate() error {
	if u.Host == "" {
		return errors.New("missing host")
	}
	if u.Port == 0 {
		return errors.New("missing port")
	}
	if len(u.Username) > 255 || len(u.Password) > 255 {
		return errors.New("username and password are limited to 255 bytes")
	}
	return nil
}

// File is the on-disk configuration.
type File struct {
	RelayOnly    bool       `yaml:"relay_only"`
	Listen       []string   `yaml:"listen"`
	TProxyListen string     `yaml:"tproxy_listen"`
	Upstreams    []Upstream `yaml:"upstreams"`

	ResolveTimeout     time.Duration `yaml:"resolve_timeout"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`

	BufferSize int `yaml:"buffer_size"`

	DNSServer   string        `yaml:"dns_server"`
	DNSCacheTTL time.Duration `yaml:"dns_cache_ttl"`
}

// Default returns the configuration used when no file is given.
func Default() *File {
	return &File{
		ResolveTimeout:     time.Second,
		DialTimeout:        2 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		NegotiationTimeout: 10 * time.Second,
		BufferSize:         DefaultBufferSize,
		DNSCacheTTL:        time.Minute,
	}
}

// Load reads path on top of Default. An empty file yields the defaults.
// The result is not validated; call Validate once flag overrides have been
// applied.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document on top of Default. Unknown keys are
// rejected.
func Parse(data []byte) (*File, error) {
	f := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return f, nil
}

// Validate checks the configuration and fills in the default listen address.
func (f *File) Validate() error {
	if len(f.Listen) == 0 {
		f.Listen = []string{DefaultListen}
	}
	for _, l := range f.Listen {
		if _, _, err := net.SplitHostPort(l); err != nil {
			return fmt.Errorf("listen %q: %w", l, err)
		}
	}
	for i, u := range f.Upstreams {
		if err := u.validate(); err != nil {
			return fmt.Errorf("upstreams[%d]: %w", i, err)
		}
	}
	if f.RelayOnly && len(f.Upstreams) == 0 {
		return errors.New("relay_only is set but no upstreams are configured")
	}
	if f.BufferSize <= 0 {
		return errors.New("buffer_size must be > 0")
	}
	if f.ResolveTimeout < 0 || f.DialTimeout < 0 || f.HandshakeTimeout < 0 || f.NegotiationTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}
