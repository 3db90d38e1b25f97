package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/d-osc/elit-sub004/pkg/protocol"
)

// Handshake errors.
var (
	ErrMissingKey     = errors.New("transport: missing Sec-WebSocket-Key header")
	ErrNotUpgrade     = errors.New("transport: not a websocket upgrade request")
	ErrNotHijackable  = errors.New("transport: response writer does not support hijacking")
	ErrBadHandshake   = errors.New("transport: server rejected the handshake")
	ErrAcceptMismatch = errors.New("transport: Sec-WebSocket-Accept does not match")
)

// Upgrade performs the server side of the opening handshake and wraps
// the hijacked socket. A request without a Sec-WebSocket-Key header, or
// without the Upgrade: websocket header, is answered with HTTP 400 and
// never promoted to an open connection. No sub-protocol is negotiated.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	if !headerContainsToken(r.Header, "Upgrade", "websocket") ||
		!headerContainsToken(r.Header, "Connection", "upgrade") {
		http.Error(w, "expected websocket upgrade", http.StatusBadRequest)
		return nil, ErrNotUpgrade
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return nil, ErrMissingKey
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "webserver does not support hijacking", http.StatusInternalServerError)
		return nil, ErrNotHijackable
	}

	netConn, brw, err := hj.Hijack()
	if err != nil {
		return nil, fmt.Errorf("transport: hijack: %w", err)
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + protocol.ComputeAccept(key) + "\r\n\r\n"

	if _, err := netConn.Write([]byte(response)); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("transport: write handshake response: %w", err)
	}

	return newConn(netConn, brw.Reader, false), nil
}

// headerContainsToken reports whether the header value contains the
// token in its comma-separated list, case-insensitively. Browsers send
// "Connection: keep-alive, Upgrade", so an equality check is not enough.
func headerContainsToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
