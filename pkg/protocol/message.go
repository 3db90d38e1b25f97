package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// MessageType tags a JSON message on the shared connection.
type MessageType string

const (
	// State family, handled by the store and the mirror.
	TypeSubscribe   MessageType = "state:subscribe"
	TypeUnsubscribe MessageType = "state:unsubscribe"
	TypeChange      MessageType = "state:change"
	TypeInit        MessageType = "state:init"
	TypeUpdate      MessageType = "state:update"

	// File-watch family, handled by the reload notifier.
	TypeConnected  MessageType = "connected"
	TypeFileUpdate MessageType = "update"
	TypeReload     MessageType = "reload"
	TypeError      MessageType = "error"
)

// IsState reports whether the type belongs to the state family.
func (mt MessageType) IsState() bool {
	return strings.HasPrefix(string(mt), "state:")
}

// Message errors.
var (
	ErrMissingType = errors.New("protocol: message has no type field")
)

// Message is the JSON envelope shared by both message families. Fields
// not used by a given type are omitted on the wire.
type Message struct {
	Type      MessageType     `json:"type"`
	Key       string          `json:"key,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Path      string          `json:"path,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a message from a text frame payload. A payload
// that is not valid JSON or carries no type field is an error; callers
// drop such messages without closing the connection.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Type == "" {
		return nil, ErrMissingType
	}
	return &m, nil
}

// NowMillis returns the current time in Unix milliseconds, the timestamp
// unit used on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewConnected builds the greeting sent once per accepted connection.
func NewConnected(ts int64) *Message {
	return &Message{Type: TypeConnected, Timestamp: ts}
}

// NewSubscribe builds a subscription request for a key.
func NewSubscribe(key string) *Message {
	return &Message{Type: TypeSubscribe, Key: key}
}

// NewUnsubscribe builds an unsubscription request for a key.
func NewUnsubscribe(key string) *Message {
	return &Message{Type: TypeUnsubscribe, Key: key}
}

// NewChange builds a client-originated write.
func NewChange(key string, value json.RawMessage) *Message {
	return &Message{Type: TypeChange, Key: key, Value: value}
}

// NewInit builds the catch-up unicast sent to a new subscriber.
func NewInit(key string, value json.RawMessage, ts int64) *Message {
	return &Message{Type: TypeInit, Key: key, Value: value, Timestamp: ts}
}

// NewUpdate builds the broadcast sent to every subscriber after a set.
func NewUpdate(key string, value json.RawMessage, ts int64) *Message {
	return &Message{Type: TypeUpdate, Key: key, Value: value, Timestamp: ts}
}

// NewFileUpdate builds an in-place file update notification.
func NewFileUpdate(path string, ts int64) *Message {
	return &Message{Type: TypeFileUpdate, Path: path, Timestamp: ts}
}

// NewReload builds a full reload notification.
func NewReload(ts int64) *Message {
	return &Message{Type: TypeReload, Timestamp: ts}
}

// NewError builds an error notification for the file-watch family.
func NewError(errMsg string, ts int64) *Message {
	return &Message{Type: TypeError, Error: errMsg, Timestamp: ts}
}
