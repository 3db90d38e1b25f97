// Package transport owns the connection lifecycle around the wire codec
// in pkg/protocol: the HTTP upgrade on the server side, the dial on the
// client side, and the Conn ready-state machine shared by both.
//
// A Conn never queues writes. Send fails when the connection is not
// open; buffering writes across disconnects is the state mirror's job,
// one layer up.
package transport
