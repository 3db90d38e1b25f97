package protocol

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
)

// acceptGUID is the fixed GUID appended to the client key when computing
// the Sec-WebSocket-Accept value.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ComputeAccept derives the Sec-WebSocket-Accept value for a client's
// Sec-WebSocket-Key: base64(SHA1(key + acceptGUID)).
func ComputeAccept(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// NewHandshakeKey returns a fresh Sec-WebSocket-Key value: 16 random
// bytes, base64-encoded.
func NewHandshakeKey() string {
	var b [16]byte
	rand.Read(b[:])
	return base64.StdEncoding.EncodeToString(b[:])
}
