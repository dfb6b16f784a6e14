// Package netio provides the UDP transport quicvcd sends and receives
// QUICVC datagrams over: a single broadcast-capable socket, configured
// with golang.org/x/sys/unix, that serves both the client role (sending
// VC_INIT) and the server role (receiving it) on the same port.
package netio
