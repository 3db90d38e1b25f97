package client

import (
	"encoding/json"
	"sync"

	"github.com/d-osc/elit-sub004/pkg/protocol"
)

// Entry is the local mirror of one key: the cached value and the
// listeners watching it. The cache holds the default value until a
// server value arrives.
type Entry struct {
	mirror *Mirror
	key    string

	mu       sync.Mutex
	cached   json.RawMessage
	handlers map[int]func(json.RawMessage)
	nextTok  int
}

func newEntry(m *Mirror, key string, cached json.RawMessage) *Entry {
	return &Entry{
		mirror:   m,
		key:      key,
		cached:   cached,
		handlers: make(map[int]func(json.RawMessage)),
	}
}

// Key returns the entry's key.
func (e *Entry) Key() string {
	return e.key
}

// Value returns a copy of the cached JSON payload. During a disconnect
// this is the last known-good value: stale, but available.
func (e *Entry) Value() json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	value := make(json.RawMessage, len(e.cached))
	copy(value, e.cached)
	return value
}

// Set applies a value optimistically: the cache is updated and local
// listeners are notified immediately, then a state:change is sent. When
// the transport is not open the write joins the pending queue instead
// of being dropped.
func (e *Entry) Set(value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}

	e.apply(raw)
	e.mirror.sendOrQueue(protocol.NewChange(e.key, raw))
	return nil
}

// OnChange registers a listener and returns its unsubscribe function.
// Listeners fire for both optimistic local sets and authoritative
// server values.
func (e *Entry) OnChange(fn func(value json.RawMessage)) func() {
	e.mu.Lock()
	token := e.nextTok
	e.nextTok++
	e.handlers[token] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.handlers, token)
		e.mu.Unlock()
	}
}

// apply overwrites the cache and notifies listeners.
func (e *Entry) apply(value json.RawMessage) {
	e.mu.Lock()
	e.cached = value
	handlers := make([]func(json.RawMessage), 0, len(e.handlers))
	for _, fn := range e.handlers {
		handlers = append(handlers, fn)
	}
	e.mu.Unlock()

	for _, fn := range handlers {
		fn(value)
	}
}

// Handle is a typed view over an entry. Payloads are validated against
// T at the API boundary; a server value that does not decode into T is
// reported to OnChange listeners as an error, never as a zero value.
type Handle[T any] struct {
	entry *Entry
}

// Key creates (or retrieves) the entry for key and wraps it in a typed
// handle cached at the default value.
func Key[T any](m *Mirror, key string, defaultValue T) (*Handle[T], error) {
	entry, err := m.Create(key, defaultValue)
	if err != nil {
		return nil, err
	}
	return &Handle[T]{entry: entry}, nil
}

// Value decodes the cached payload into T.
func (h *Handle[T]) Value() (T, error) {
	var v T
	err := json.Unmarshal(h.entry.Value(), &v)
	return v, err
}

// Set writes a typed value through the entry.
func (h *Handle[T]) Set(value T) error {
	return h.entry.Set(value)
}

// OnChange registers a typed listener and returns its unsubscribe
// function.
func (h *Handle[T]) OnChange(fn func(value T, err error)) func() {
	return h.entry.OnChange(func(raw json.RawMessage) {
		var v T
		err := json.Unmarshal(raw, &v)
		fn(v, err)
	})
}
