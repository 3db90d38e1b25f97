package state

import (
	"encoding/json"
	"sync"

	"github.com/d-osc/elit-sub004/pkg/protocol"
	"github.com/d-osc/elit-sub004/pkg/transport"
)

// Entry is one named value: the current JSON payload, an optional
// validator, registered change handlers, and the subscriber set.
type Entry struct {
	store    *Store
	key      string
	validate ValidateFunc

	mu          sync.Mutex
	value       json.RawMessage
	subscribers map[*transport.Conn]struct{}
	handlers    map[int]ChangeFunc
	handlerSeq  []int
	nextToken   int
}

func newEntry(store *Store, key string, value json.RawMessage, validate ValidateFunc) *Entry {
	return &Entry{
		store:       store,
		key:         key,
		validate:    validate,
		value:       value,
		subscribers: make(map[*transport.Conn]struct{}),
		handlers:    make(map[int]ChangeFunc),
	}
}

// Key returns the entry's key.
func (e *Entry) Key() string {
	return e.key
}

// Value returns a copy of the current JSON payload.
func (e *Entry) Value() json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	value := make(json.RawMessage, len(e.value))
	copy(value, e.value)
	return value
}

// Set validates and applies a new value. On validation failure it
// returns a *ValidationError and nothing else happens: the stored value
// is unchanged and no subscriber sees a partial broadcast. On success
// the change handlers run synchronously with (newValue, oldValue), then
// the value is broadcast to every open subscriber.
func (e *Entry) Set(value any) error {
	raw, err := marshalValue(value)
	if err != nil {
		return err
	}

	if e.validate != nil && !e.validate(raw) {
		if e.store.observer != nil {
			e.store.observer.ObserveValidationFailure(e.key)
		}
		return &ValidationError{Key: e.key}
	}

	e.mu.Lock()
	oldValue := e.value
	e.value = raw
	handlers := make([]ChangeFunc, 0, len(e.handlerSeq))
	for _, token := range e.handlerSeq {
		if fn, ok := e.handlers[token]; ok {
			handlers = append(handlers, fn)
		}
	}
	e.mu.Unlock()

	for _, fn := range handlers {
		fn(raw, oldValue)
	}

	e.broadcast(raw)
	return nil
}

// OnChange registers a change handler and returns its unsubscribe
// function. Handlers run in registration order.
func (e *Entry) OnChange(fn ChangeFunc) func() {
	e.mu.Lock()
	token := e.nextToken
	e.nextToken++
	e.handlers[token] = fn
	e.handlerSeq = append(e.handlerSeq, token)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.handlers, token)
		e.mu.Unlock()
	}
}

// SubscriberCount returns the size of the subscriber set.
func (e *Entry) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subscribers)
}

// broadcast serializes one state:update and writes it to every
// subscriber whose connection is open. Closing and closed subscribers
// are skipped silently; a failed write is the transport's problem and
// never an error here.
func (e *Entry) broadcast(value json.RawMessage) {
	msg := protocol.NewUpdate(e.key, value, e.store.now())
	data, err := msg.Encode()
	if err != nil {
		e.store.logger.Error("state:update encode failed", "key", e.key, "error", err)
		return
	}

	e.mu.Lock()
	subscribers := make([]*transport.Conn, 0, len(e.subscribers))
	for conn := range e.subscribers {
		subscribers = append(subscribers, conn)
	}
	e.mu.Unlock()

	delivered := 0
	for _, conn := range subscribers {
		if conn.ReadyState() != transport.StateOpen {
			continue
		}
		if err := conn.Send(data); err != nil {
			e.store.logger.Debug("state:update send failed", "key", e.key, "error", err)
			continue
		}
		delivered++
	}

	if e.store.observer != nil {
		e.store.observer.ObserveBroadcast(e.key, delivered)
	}
}

func (e *Entry) addSubscriber(conn *transport.Conn) {
	e.mu.Lock()
	e.subscribers[conn] = struct{}{}
	e.mu.Unlock()
}

func (e *Entry) removeSubscriber(conn *transport.Conn) {
	e.mu.Lock()
	delete(e.subscribers, conn)
	e.mu.Unlock()
}

func (e *Entry) clearSubscribers() {
	e.mu.Lock()
	e.subscribers = make(map[*transport.Conn]struct{})
	e.mu.Unlock()
}
