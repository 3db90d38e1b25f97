package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/d-osc/elit-sub004/pkg/protocol"
)

// Dial performs the client side of the opening handshake against a
// ws:// URL and returns an open connection. Outbound frames on the
// returned connection are masked.
func Dial(ctx context.Context, rawURL string) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse url: %w", err)
	}
	if u.Scheme != "ws" {
		return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}

	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "80")
	}

	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, err
	}

	path := u.RequestURI()
	if path == "" {
		path = "/"
	}

	key := protocol.NewHandshakeKey()
	request := "GET " + path + " HTTP/1.1\r\n" +
		"Host: " + u.Host + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + key + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"

	if _, err := netConn.Write([]byte(request)); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("transport: write handshake request: %w", err)
	}

	reader := bufio.NewReader(netConn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodGet})
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("transport: read handshake response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		netConn.Close()
		return nil, fmt.Errorf("%w: status %d", ErrBadHandshake, resp.StatusCode)
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != protocol.ComputeAccept(key) {
		netConn.Close()
		return nil, ErrAcceptMismatch
	}

	return newConn(netConn, reader, true), nil
}
