package transport

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/d-osc/elit-sub004/pkg/protocol"
)

// ReadyState is the lifecycle state of a connection.
type ReadyState int32

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the string representation of the ready state.
func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Transport errors.
var (
	ErrNotOpen = errors.New("transport: connection is not open")
	ErrClosed  = errors.New("transport: connection closed")
)

// Conn wraps one socket whose opening handshake has already completed.
// Ready-state transitions are monotonic: a connection never returns to
// Open once it is Closing or Closed.
//
// Client-side connections mask outbound frames; server-side connections
// write them in the clear, per the wire protocol.
type Conn struct {
	netConn net.Conn
	reader  *bufio.Reader
	client  bool

	state atomic.Int32

	writeMu sync.Mutex

	hookMu     sync.Mutex
	closeHooks []func()
	hooksFired bool
}

// NewServerConn wraps an accepted socket whose opening handshake has
// already completed. The connection starts Open and writes unmasked
// frames.
func NewServerConn(nc net.Conn) *Conn {
	return newConn(nc, nil, false)
}

// NewClientConn wraps a dialed socket whose opening handshake has
// already completed. The connection starts Open and masks outbound
// frames.
func NewClientConn(nc net.Conn) *Conn {
	return newConn(nc, nil, true)
}

// newConn wraps an established socket. Accepted and dialed sockets have
// finished their handshake by the time they reach here, so the initial
// state is Open.
func newConn(nc net.Conn, reader *bufio.Reader, client bool) *Conn {
	if reader == nil {
		reader = bufio.NewReader(nc)
	}
	c := &Conn{
		netConn: nc,
		reader:  reader,
		client:  client,
	}
	c.state.Store(int32(StateOpen))
	return c
}

// ReadyState returns the current lifecycle state.
func (c *Conn) ReadyState() ReadyState {
	return ReadyState(c.state.Load())
}

// RemoteAddr returns the remote address, for logging.
func (c *Conn) RemoteAddr() string {
	return c.netConn.RemoteAddr().String()
}

// Send writes one text frame. It fails with ErrNotOpen when the
// connection is not open; it never queues.
func (c *Conn) Send(payload []byte) error {
	if c.ReadyState() != StateOpen {
		return ErrNotOpen
	}

	var data []byte
	if c.client {
		data = protocol.EncodeTextMasked(payload, protocol.NewMaskKey())
	} else {
		data = protocol.EncodeText(payload)
	}

	c.writeMu.Lock()
	_, err := c.netConn.Write(data)
	c.writeMu.Unlock()

	if err != nil {
		c.terminate()
		return err
	}
	return nil
}

// SendMessage encodes and sends one protocol message.
func (c *Conn) SendMessage(m *protocol.Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	return c.Send(data)
}

// NextMessage blocks until the next text payload arrives. Frames with
// any other opcode are skipped without error. On transport failure the
// connection is forced to Closed, close hooks fire, and the error is
// returned; it never surfaces as anything other than a return value.
func (c *Conn) NextMessage() ([]byte, error) {
	for {
		if c.ReadyState() != StateOpen {
			return nil, ErrClosed
		}

		frame, err := protocol.ReadFrame(c.reader)
		if err != nil {
			c.terminate()
			return nil, err
		}

		if frame.Opcode != protocol.OpcodeText {
			continue
		}
		return frame.Payload, nil
	}
}

// OnClose registers a hook fired exactly once when the connection
// reaches Closed, whether by Close or by remote disconnect. A hook
// registered after the connection has closed fires immediately.
func (c *Conn) OnClose(fn func()) {
	c.hookMu.Lock()
	if c.hooksFired {
		c.hookMu.Unlock()
		fn()
		return
	}
	c.closeHooks = append(c.closeHooks, fn)
	c.hookMu.Unlock()
}

// Close tears the connection down immediately. No close frame round
// trip is awaited.
func (c *Conn) Close() error {
	if !c.advance(StateClosing) {
		return nil
	}
	err := c.netConn.Close()
	c.advance(StateClosed)
	c.fireCloseHooks()
	return err
}

// terminate handles a transport-level failure or remote disconnect:
// straight to Closed, then close hooks.
func (c *Conn) terminate() {
	if !c.advance(StateClosed) {
		return
	}
	c.netConn.Close()
	c.fireCloseHooks()
}

// advance moves the state machine forward to target. It returns false
// when the connection is already at or past the target, which keeps
// transitions monotonic.
func (c *Conn) advance(target ReadyState) bool {
	for {
		current := c.state.Load()
		if current >= int32(target) {
			return false
		}
		if c.state.CompareAndSwap(current, int32(target)) {
			return true
		}
	}
}

func (c *Conn) fireCloseHooks() {
	c.hookMu.Lock()
	if c.hooksFired {
		c.hookMu.Unlock()
		return
	}
	c.hooksFired = true
	hooks := c.closeHooks
	c.closeHooks = nil
	c.hookMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}
