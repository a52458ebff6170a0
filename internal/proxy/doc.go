// Package proxy implements the listener side of anycast: the SOCKS5 server,
// the per-session race across upstream candidates, and shared connection
// plumbing such as keepalive listeners, pooled buffers and bidirectional
// forwarding.
package proxy
