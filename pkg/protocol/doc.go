// Package protocol implements the wire protocol for elit's real-time
// state synchronization transport.
//
// The transport is a deliberately small subset of the WebSocket wire
// format: unfragmented text frames only. There are no continuation
// frames, no binary frames, no ping/pong control frames, and no
// compression. Frames carrying any other opcode are skipped by readers
// without error.
//
// On top of the framing, every message is a JSON object tagged with a
// mandatory "type" field. Two independent message families share one
// connection: the state:* family (keyed state synchronization) and the
// file-watch family (connected, update, reload, error).
package protocol
