// Package dialer resolves and dials the outbound TCP connections used by
// upstream candidates.
//
// Resolution goes through the system resolver, or through a single DNS
// server when one is configured, and is cached for a short TTL with
// concurrent lookups of the same name coalesced. Dialed connections have
// Nagle's algorithm disabled.
package dialer
