package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/d-osc/elit-sub004/pkg/protocol"
	"github.com/d-osc/elit-sub004/pkg/transport"
)

// ValidateFunc inspects a proposed value before it is applied. Returning
// false rejects the write.
type ValidateFunc func(value json.RawMessage) bool

// ChangeFunc observes an applied write. Handlers run synchronously, in
// registration order, before the value is broadcast.
type ChangeFunc func(newValue, oldValue json.RawMessage)

// ValidationError reports a write rejected by an entry's validator. The
// stored value and all subscribers are untouched when it is returned.
type ValidationError struct {
	Key string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("state: validation failed for key %q", e.Key)
}

// BroadcastObserver receives store fan-out statistics. The server layer
// plugs its metrics in here.
type BroadcastObserver interface {
	ObserveBroadcast(key string, subscribers int)
	ObserveValidationFailure(key string)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the wire timestamp source, for tests.
func WithClock(now func() int64) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithBroadcastObserver registers a fan-out observer.
func WithBroadcastObserver(obs BroadcastObserver) StoreOption {
	return func(s *Store) {
		s.observer = obs
	}
}

// Store maps keys to entries. All methods are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	logger   *slog.Logger
	now      func() int64
	observer BroadcastObserver
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		entries: make(map[string]*Entry),
		logger:  slog.Default(),
		now:     protocol.NowMillis,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create returns the entry for key, creating it with the initial value
// and validator if it does not exist. Create is idempotent on key: a
// second call returns the existing entry unchanged and never resets a
// mutated value. The validator is not applied to the initial value.
func (s *Store) Create(key string, initial any, validate ValidateFunc) (*Entry, error) {
	raw, err := marshalValue(initial)
	if err != nil {
		return nil, fmt.Errorf("state: marshal initial value for %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok {
		return entry, nil
	}

	entry := newEntry(s, key, raw, validate)
	s.entries[key] = entry
	return entry, nil
}

// Get returns the entry for key, if present.
func (s *Store) Get(key string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	return entry, ok
}

// Delete removes the entry for key and clears its subscriber set.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	if ok {
		entry.clearSubscribers()
	}
}

// Set applies a value to an existing key. It fails with a
// *ValidationError when the entry's validator rejects the value.
func (s *Store) Set(key string, value any) error {
	entry, ok := s.Get(key)
	if !ok {
		return fmt.Errorf("state: no entry for key %q", key)
	}
	return entry.Set(value)
}

// Subscribe adds conn to the key's subscriber set and immediately
// unicasts a state:init with the current value to that connection only,
// so a late joiner is caught up without waiting for the next change.
// The entry is created with a null value when the key is unknown;
// clients define keys on their side first and subscribe before any
// server code has created them.
func (s *Store) Subscribe(key string, conn *transport.Conn) error {
	entry, err := s.getOrCreate(key)
	if err != nil {
		return err
	}

	entry.addSubscriber(conn)

	init := protocol.NewInit(key, entry.Value(), s.now())
	if err := conn.SendMessage(init); err != nil {
		s.logger.Debug("state:init send failed", "key", key, "error", err)
	}
	return nil
}

// Unsubscribe removes conn from the key's subscriber set. It is
// idempotent; unsubscribing an unknown key or connection is not an
// error.
func (s *Store) Unsubscribe(key string, conn *transport.Conn) {
	if entry, ok := s.Get(key); ok {
		entry.removeSubscriber(conn)
	}
}

// UnsubscribeAll removes conn from every entry's subscriber set. It
// must run on every connection close so no entry retains a closed
// socket.
func (s *Store) UnsubscribeAll(conn *transport.Conn) {
	s.mu.RLock()
	entries := make([]*Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	for _, entry := range entries {
		entry.removeSubscriber(conn)
	}
}

// HandleStateChange applies a client-originated write. The entry is
// created when the key is unknown. The broadcast that follows a
// successful set goes to every subscriber including the originating
// connection; there is no echo suppression, and clients rely on
// idempotent local assignment to absorb the redundant round trip.
func (s *Store) HandleStateChange(key string, value json.RawMessage) error {
	entry, err := s.getOrCreate(key)
	if err != nil {
		return err
	}
	return entry.Set(value)
}

// Keys returns the current set of keys, for diagnostics.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys
}

func (s *Store) getOrCreate(key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok {
		return entry, nil
	}
	entry := newEntry(s, key, json.RawMessage("null"), nil)
	s.entries[key] = entry
	return entry, nil
}

// marshalValue passes json.RawMessage through untouched and marshals
// anything else.
func marshalValue(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}

// Decode unmarshals an entry's current value into T, validating the
// payload shape at the API boundary.
func Decode[T any](e *Entry) (T, error) {
	var v T
	err := json.Unmarshal(e.Value(), &v)
	return v, err
}
