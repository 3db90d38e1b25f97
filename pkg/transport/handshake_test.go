package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/d-osc/elit-sub004/pkg/protocol"
)

// echoServer upgrades every request and echoes text messages back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msg, err := conn.NextMessage()
			if err != nil {
				return
			}
			if err := conn.Send(msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestUpgradeRejectsBadRequests(t *testing.T) {
	srv := echoServer(t)

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{
			name:    "no_upgrade_headers",
			headers: nil,
		},
		{
			name: "missing_key",
			headers: map[string]string{
				"Upgrade":               "websocket",
				"Connection":            "Upgrade",
				"Sec-WebSocket-Version": "13",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
			if err != nil {
				t.Fatal(err)
			}
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request error = %v", err)
			}
			resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
			}
		})
	}
}

func TestDialRoundTrip(t *testing.T) {
	srv := echoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if got := conn.ReadyState(); got != StateOpen {
		t.Fatalf("ReadyState() = %v, want Open", got)
	}

	want := `{"type":"state:change","key":"counter","value":7}`
	if err := conn.Send([]byte(want)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	echo, err := conn.NextMessage()
	if err != nil {
		t.Fatalf("NextMessage() error = %v", err)
	}
	if string(echo) != want {
		t.Errorf("echo = %q, want %q", echo, want)
	}
}

func TestDialRejectsNonWebSocketServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	_, err := Dial(context.Background(), wsURL(srv))
	if err == nil {
		t.Fatal("Dial() error = nil against a non-websocket server")
	}
}

// TestGorillaClientInterop dials the hand-rolled server with a fully
// conformant client to prove the handshake and framing interoperate
// with a real peer, not just with this package's own encoder.
func TestGorillaClientInterop(t *testing.T) {
	srv := echoServer(t)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("gorilla Dial() error = %v", err)
	}
	defer conn.Close()
	resp.Body.Close()

	// Gorilla sets the key under the non-canonical map key
	// "Sec-WebSocket-Key" (capital S in Socket), which Header.Get
	// cannot see because it canonicalizes to "Sec-Websocket-Key".
	var key string
	if vs := resp.Request.Header["Sec-WebSocket-Key"]; len(vs) > 0 {
		key = vs[0]
	} else {
		key = resp.Request.Header.Get("Sec-WebSocket-Key")
	}
	if got := resp.Header.Get("Sec-WebSocket-Accept"); got != protocol.ComputeAccept(key) {
		t.Errorf("accept = %q, want %q", got, protocol.ComputeAccept(key))
	}

	payloads := []string{
		"short",
		strings.Repeat("x", 126),   // 16-bit length path
		strings.Repeat("y", 70000), // 64-bit length path
	}

	for _, want := range payloads {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(want)); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
		_, echo, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		if string(echo) != want {
			t.Errorf("echo length = %d, want %d", len(echo), len(want))
		}
	}
}
