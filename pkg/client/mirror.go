package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/d-osc/elit-sub004/pkg/protocol"
	"github.com/d-osc/elit-sub004/pkg/transport"
)

// DefaultReconnectDelay is the pause before the single reconnect
// attempt scheduled after an unexpected close.
const DefaultReconnectDelay = 1000 * time.Millisecond

// Mirror errors.
var (
	ErrDisconnected = errors.New("client: mirror has been disconnected")
)

// DialFunc opens a connection to the sync server. Tests substitute
// their own.
type DialFunc func(ctx context.Context, url string) (*transport.Conn, error)

// Option configures a Mirror.
type Option func(*Mirror)

// WithLogger sets the mirror's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mirror) {
		m.logger = logger
	}
}

// WithReconnectDelay sets the delay before a reconnect attempt.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Mirror) {
		m.reconnectDelay = d
	}
}

// WithDialer overrides how the mirror opens connections.
func WithDialer(dial DialFunc) Option {
	return func(m *Mirror) {
		m.dial = dial
	}
}

// Mirror caches keyed values from a sync server and reconciles them
// across reconnects. Construct one per transport; there is no shared
// global instance, so independent mirrors can coexist in one process.
type Mirror struct {
	url            string
	logger         *slog.Logger
	dial           DialFunc
	reconnectDelay time.Duration

	mu               sync.Mutex
	conn             *transport.Conn
	entries          map[string]*Entry
	pending          []*protocol.Message
	reconnectPending bool
	reconnectTimer   *time.Timer
	closed           bool

	hookMu    sync.Mutex
	hookSeq   int
	reloadFns map[int]func()
	fileFns   map[int]func(path string)
	errorFns  map[int]func(errMsg string)
}

// New creates a mirror for the given ws:// URL. Call Connect to open
// the transport; keys may be created before or after connecting.
func New(url string, opts ...Option) *Mirror {
	m := &Mirror{
		url:            url,
		logger:         slog.Default(),
		dial:           transport.Dial,
		reconnectDelay: DefaultReconnectDelay,
		entries:        make(map[string]*Entry),
		reloadFns:      make(map[int]func()),
		fileFns:        make(map[int]func(string)),
		errorFns:       make(map[int]func(string)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens the transport. On success it subscribes to every key
// this mirror knows about and then drains the pending write queue in
// its original order. Connect on an already-open mirror is a no-op.
func (m *Mirror) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrDisconnected
	}
	if m.conn != nil && m.conn.ReadyState() == transport.StateOpen {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	conn, err := m.dial(ctx, m.url)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.conn = conn
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	conn.OnClose(func() { m.handleClose(conn) })
	go m.readLoop(conn)

	for _, key := range keys {
		if err := conn.SendMessage(protocol.NewSubscribe(key)); err != nil {
			m.logger.Debug("subscribe failed", "key", key, "error", err)
		}
	}

	m.drainPending(conn)
	return nil
}

// Connected reports whether the transport is currently open.
func (m *Mirror) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && m.conn.ReadyState() == transport.StateOpen
}

// PendingWrites returns the number of queued writes, for diagnostics.
func (m *Mirror) PendingWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Disconnect closes the transport and stops any scheduled reconnect.
// The mirror keeps its cached values but will not reconnect.
func (m *Mirror) Disconnect() {
	m.mu.Lock()
	m.closed = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectPending = false
	}
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Create returns the local mirror entry for key, creating it cached at
// the default value if it does not exist. A second Create for the same
// key returns the existing entry unchanged. When the transport is open
// the new key is subscribed immediately.
func (m *Mirror) Create(key string, defaultValue any) (*Entry, error) {
	raw, err := marshalValue(defaultValue)
	if err != nil {
		return nil, fmt.Errorf("client: marshal default value for %q: %w", key, err)
	}

	m.mu.Lock()
	if entry, ok := m.entries[key]; ok {
		m.mu.Unlock()
		return entry, nil
	}
	entry := newEntry(m, key, raw)
	m.entries[key] = entry
	conn := m.conn
	m.mu.Unlock()

	if conn != nil && conn.ReadyState() == transport.StateOpen {
		if err := conn.SendMessage(protocol.NewSubscribe(key)); err != nil {
			m.logger.Debug("subscribe failed", "key", key, "error", err)
		}
	}
	return entry, nil
}

// Get returns the entry for key, if present.
func (m *Mirror) Get(key string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	return entry, ok
}

// OnReload registers a hook for reload notifications and returns its
// unsubscribe function.
func (m *Mirror) OnReload(fn func()) func() {
	m.hookMu.Lock()
	token := m.hookSeq
	m.hookSeq++
	m.reloadFns[token] = fn
	m.hookMu.Unlock()
	return func() {
		m.hookMu.Lock()
		delete(m.reloadFns, token)
		m.hookMu.Unlock()
	}
}

// OnFileUpdate registers a hook for in-place file update notifications.
func (m *Mirror) OnFileUpdate(fn func(path string)) func() {
	m.hookMu.Lock()
	token := m.hookSeq
	m.hookSeq++
	m.fileFns[token] = fn
	m.hookMu.Unlock()
	return func() {
		m.hookMu.Lock()
		delete(m.fileFns, token)
		m.hookMu.Unlock()
	}
}

// OnError registers a hook for error notifications.
func (m *Mirror) OnError(fn func(errMsg string)) func() {
	m.hookMu.Lock()
	token := m.hookSeq
	m.hookSeq++
	m.errorFns[token] = fn
	m.hookMu.Unlock()
	return func() {
		m.hookMu.Lock()
		delete(m.errorFns, token)
		m.hookMu.Unlock()
	}
}

// sendOrQueue sends a state:change when the transport is open and
// appends it to the pending FIFO otherwise. A write is never dropped.
func (m *Mirror) sendOrQueue(msg *protocol.Message) {
	m.mu.Lock()
	conn := m.conn
	if conn == nil || conn.ReadyState() != transport.StateOpen {
		m.pending = append(m.pending, msg)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := conn.SendMessage(msg); err != nil {
		m.mu.Lock()
		m.pending = append(m.pending, msg)
		m.mu.Unlock()
	}
}

// drainPending flushes the queue in its original order. Writes that
// fail to send go back to the front of the queue for the next cycle,
// so nothing is flushed twice and nothing is reordered.
func (m *Mirror) drainPending(conn *transport.Conn) {
	m.mu.Lock()
	queued := m.pending
	m.pending = nil
	m.mu.Unlock()

	for i, msg := range queued {
		if err := conn.SendMessage(msg); err != nil {
			m.mu.Lock()
			m.pending = append(queued[i:], m.pending...)
			m.mu.Unlock()
			return
		}
	}
}

// handleClose schedules exactly one reconnect attempt after the
// configured delay. Further close events while an attempt is pending
// do not stack additional attempts, and an explicit Disconnect stops
// the cycle. The pending write queue is left intact.
func (m *Mirror) handleClose(conn *transport.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == conn {
		m.conn = nil
	}
	if m.closed || m.reconnectPending {
		return
	}
	m.reconnectPending = true
	m.reconnectTimer = time.AfterFunc(m.reconnectDelay, m.reconnect)
	m.logger.Debug("connection lost, reconnect scheduled", "delay", m.reconnectDelay)
}

func (m *Mirror) reconnect() {
	m.mu.Lock()
	m.reconnectPending = false
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.Connect(context.Background()); err != nil {
		m.logger.Debug("reconnect failed", "error", err)
		// A failed dial produces no close event, so schedule the next
		// attempt here.
		m.mu.Lock()
		if !m.closed && !m.reconnectPending {
			m.reconnectPending = true
			m.reconnectTimer = time.AfterFunc(m.reconnectDelay, m.reconnect)
		}
		m.mu.Unlock()
	}
}

// readLoop routes inbound messages until the connection closes. The
// state family updates local entries; the file-watch family fires the
// registered hooks; malformed payloads are dropped.
func (m *Mirror) readLoop(conn *transport.Conn) {
	for {
		payload, err := conn.NextMessage()
		if err != nil {
			return
		}

		msg, err := protocol.DecodeMessage(payload)
		if err != nil {
			m.logger.Debug("dropping malformed message", "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeInit, protocol.TypeUpdate:
			m.mu.Lock()
			entry, ok := m.entries[msg.Key]
			m.mu.Unlock()
			if !ok {
				continue
			}
			// The server value is authoritative: it overwrites any
			// optimistic local value that raced with an in-flight write.
			entry.apply(msg.Value)

		case protocol.TypeConnected:
			m.logger.Debug("server greeting received", "timestamp", msg.Timestamp)

		case protocol.TypeReload:
			m.hookMu.Lock()
			fns := make([]func(), 0, len(m.reloadFns))
			for _, fn := range m.reloadFns {
				fns = append(fns, fn)
			}
			m.hookMu.Unlock()
			for _, fn := range fns {
				fn()
			}

		case protocol.TypeFileUpdate:
			m.hookMu.Lock()
			fns := make([]func(string), 0, len(m.fileFns))
			for _, fn := range m.fileFns {
				fns = append(fns, fn)
			}
			m.hookMu.Unlock()
			for _, fn := range fns {
				fn(msg.Path)
			}

		case protocol.TypeError:
			m.hookMu.Lock()
			fns := make([]func(string), 0, len(m.errorFns))
			for _, fn := range m.errorFns {
				fns = append(fns, fn)
			}
			m.hookMu.Unlock()
			for _, fn := range fns {
				fn(msg.Error)
			}

		default:
			m.logger.Debug("ignoring message type", "type", msg.Type)
		}
	}
}

// marshalValue passes json.RawMessage through untouched and marshals
// anything else.
func marshalValue(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}
