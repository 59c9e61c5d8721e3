// Package transport implements the framed TCP connections used by the replication engine.
//
// Every message is a frame:
//
//	type u8 | length u32 (big endian) | payload
//
// Payloads are limited to MaxPayload bytes. Unknown frame types and oversized
// lengths are reported as db.ErrMalformedFrame, all I/O failures as
// db.ErrReplicationTransport.
//
// Socket options (no delay, buffer sizes, keep alive, linger) are taken from
// common.SocketConf and applied to dialed and accepted connections alike.
package transport
