package transport

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/d-osc/elit-sub004/pkg/protocol"
)

// pipeConn returns a server-side Conn and the raw peer end of the pipe.
func pipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	return newConn(server, nil, false), peer
}

func TestReadyStateString(t *testing.T) {
	tests := []struct {
		state ReadyState
		want  string
	}{
		{StateConnecting, "Connecting"},
		{StateOpen, "Open"},
		{StateClosing, "Closing"},
		{StateClosed, "Closed"},
		{ReadyState(42), "Unknown"},
	}

	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("ReadyState(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestConnStartsOpen(t *testing.T) {
	conn, peer := pipeConn(t)
	defer peer.Close()
	defer conn.Close()

	if got := conn.ReadyState(); got != StateOpen {
		t.Errorf("ReadyState() = %v, want Open", got)
	}
}

func TestSendWritesTextFrame(t *testing.T) {
	conn, peer := pipeConn(t)
	defer peer.Close()

	done := make(chan error, 1)
	go func() {
		done <- conn.Send([]byte(`{"type":"reload"}`))
	}()

	frame, err := protocol.ReadFrame(peer)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if frame.Opcode != protocol.OpcodeText {
		t.Errorf("opcode = %v, want Text", frame.Opcode)
	}
	if frame.Masked {
		t.Error("server-side frame is masked")
	}
	if !bytes.Equal(frame.Payload, []byte(`{"type":"reload"}`)) {
		t.Errorf("payload = %q", frame.Payload)
	}
	if err := <-done; err != nil {
		t.Errorf("Send() error = %v", err)
	}
}

func TestClientConnMasksFrames(t *testing.T) {
	client, peer := net.Pipe()
	conn := newConn(client, nil, true)
	defer peer.Close()

	go conn.Send([]byte("hello"))

	frame, err := protocol.ReadFrame(peer)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if !frame.Masked {
		t.Error("client-side frame is not masked")
	}
	if !bytes.Equal(frame.Payload, []byte("hello")) {
		t.Errorf("payload = %q, want %q", frame.Payload, "hello")
	}
}

func TestSendFailsWhenNotOpen(t *testing.T) {
	conn, peer := pipeConn(t)
	defer peer.Close()

	conn.Close()

	if err := conn.Send([]byte("late")); err != ErrNotOpen {
		t.Errorf("Send() after close error = %v, want ErrNotOpen", err)
	}
}

func TestCloseIsMonotonic(t *testing.T) {
	conn, peer := pipeConn(t)
	defer peer.Close()

	conn.Close()
	if got := conn.ReadyState(); got != StateClosed {
		t.Fatalf("ReadyState() = %v, want Closed", got)
	}

	// A second close must not regress the state or fire hooks again.
	conn.Close()
	if got := conn.ReadyState(); got != StateClosed {
		t.Errorf("ReadyState() after double close = %v, want Closed", got)
	}
}

func TestNextMessageSkipsNonTextFrames(t *testing.T) {
	conn, peer := pipeConn(t)
	defer peer.Close()
	defer conn.Close()

	go func() {
		// Ping and binary frames precede the text frame; both must be
		// skipped without error.
		peer.Write([]byte{0x89, 0x00})             // ping, empty
		peer.Write([]byte{0x82, 0x02, 0x01, 0x02}) // binary
		peer.Write(protocol.EncodeText([]byte("payload")))
	}()

	msg, err := conn.NextMessage()
	if err != nil {
		t.Fatalf("NextMessage() error = %v", err)
	}
	if string(msg) != "payload" {
		t.Errorf("NextMessage() = %q, want %q", msg, "payload")
	}
}

func TestRemoteDisconnectClosesAndFiresHooks(t *testing.T) {
	conn, peer := pipeConn(t)

	fired := make(chan struct{})
	count := 0
	conn.OnClose(func() {
		count++
		close(fired)
	})

	go peer.Close()

	if _, err := conn.NextMessage(); err == nil {
		t.Fatal("NextMessage() error = nil after remote disconnect")
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("close hook did not fire")
	}

	if got := conn.ReadyState(); got != StateClosed {
		t.Errorf("ReadyState() = %v, want Closed", got)
	}

	// Close after a remote disconnect must not fire hooks a second time.
	conn.Close()
	if count != 1 {
		t.Errorf("close hook fired %d times, want 1", count)
	}
}

func TestOnCloseAfterClosedFiresImmediately(t *testing.T) {
	conn, peer := pipeConn(t)
	defer peer.Close()

	conn.Close()

	fired := false
	conn.OnClose(func() { fired = true })
	if !fired {
		t.Error("hook registered after close did not fire immediately")
	}
}
