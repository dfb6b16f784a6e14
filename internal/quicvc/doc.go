// Package quicvc implements the QUICVC protocol engine: a QUIC-like
// (RFC 9000-shaped) transport that replaces the TLS 1.3 handshake with a
// Verifiable-Credential exchange. This includes the varint and packet
// codecs, the frame codec, the HKDF-based key schedule, the connection
// state machine, connection-ID demultiplexing, the handshake engine, the
// stream dispatcher, and the heartbeat/idle timers.
package quicvc
