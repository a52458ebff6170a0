// Package tproxy accepts transparently redirected TCP connections and races
// each one's original destination across the configured upstream paths, the
// way the SOCKS5 server does for a CONNECT request. No SOCKS5 reply is sent.
//
// On Linux, it listens with IP_TRANSPARENT. The original destination comes
// from SO_ORIGINAL_DST for REDIRECT/DNAT rules, or from the socket's local
// address for TPROXY rules.
//
// On FreeBSD, it listens with IP_BINDANY (protocol-level) and retrieves the
// original destination from the socket's local address (which IPFW fwd and
// PF rdr-to preserve).
//
// On OpenBSD, it listens with SO_BINDANY (socket-level) and retrieves the
// original destination from the socket's local address (which PF rdr-to
// preserves).
//
// On other platforms, the listener and original-destination lookup are stubbed
// out and return errors.
package tproxy
