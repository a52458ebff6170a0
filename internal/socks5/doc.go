// Package socks5 implements the subset of the SOCKS5 protocol (RFC 1928)
// used by anycast, in both roles.
//
// The server role accepts local clients: it always selects "no
// authentication", accepts only CONNECT, and echoes the requested address in
// its reply. The client role negotiates with upstream relays, optionally
// authenticating with username/password (RFC 1929).
//
// All functions operate on an io.Reader/io.Writer supplied by the caller and
// never read past the end of the message they parse, so the stream can be
// handed to a byte pump as soon as the handshake returns. Message constants
// and the RFC 1929 messages come from github.com/txthinking/socks5.
package socks5
