// Package upstream races one proxied connection over several paths.
//
// A Set holds the candidate paths for one destination: a direct connection
// unless relay-only mode is on, then one per configured SOCKS5 relay. The
// set is narrowed in two joined phases, Establish (resolve and dial) and
// Handshake (SOCKS5 CONNECT through each relay). The survivors are wrapped
// in a Stream whose first read picks the winner; writes made before then
// are sent to every survivor.
package upstream
