package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/d-osc/elit-sub004/pkg/protocol"
	"github.com/d-osc/elit-sub004/pkg/server"
	"github.com/d-osc/elit-sub004/pkg/state"
	"github.com/d-osc/elit-sub004/pkg/transport"
)

func testClock() int64 { return 1700000000000 }

type testEnv struct {
	store  *state.Store
	server *server.Server
	url    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := state.NewStore(state.WithClock(testClock))
	srv := server.New(store, server.WithClock(testClock))
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return &testEnv{
		store:  store,
		server: srv,
		url:    "ws" + strings.TrimPrefix(hs.URL, "http"),
	}
}

// countingDialer wraps the real dialer, counting attempts and failing
// on demand.
type countingDialer struct {
	mu    sync.Mutex
	dials int
	fail  bool
}

func (d *countingDialer) dial(ctx context.Context, url string) (*transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	fail := d.fail
	d.mu.Unlock()
	if fail {
		return nil, errors.New("dial refused")
	}
	return transport.Dial(ctx, url)
}

func (d *countingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *countingDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreateIdempotent(t *testing.T) {
	m := New("ws://unused")

	first, err := m.Create("k", 5)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if string(first.Value()) != "5" {
		t.Errorf("default value = %s, want 5", first.Value())
	}

	first.Set(9)

	second, err := m.Create("k", 5)
	if err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if second != first {
		t.Error("second Create() returned a different entry")
	}
	if string(second.Value()) != "9" {
		t.Errorf("value after second Create() = %s, want 9 (must not reset)", second.Value())
	}
}

func TestOptimisticSetWhileDisconnected(t *testing.T) {
	m := New("ws://unused")
	entry, _ := m.Create("k", 0)

	var notified json.RawMessage
	entry.OnChange(func(value json.RawMessage) {
		notified = value
	})

	if err := entry.Set(42); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// The cache and listeners update immediately even with no transport.
	if string(entry.Value()) != "42" {
		t.Errorf("cached value = %s, want 42", entry.Value())
	}
	if string(notified) != "42" {
		t.Errorf("listener saw %s, want 42", notified)
	}
	if got := m.PendingWrites(); got != 1 {
		t.Errorf("PendingWrites() = %d, want 1", got)
	}
}

func TestOfflineQueueFlushedOnceInOrder(t *testing.T) {
	env := newTestEnv(t)

	// Capture the order of applied writes server-side.
	serverEntry, _ := env.store.Create("k", 0, nil)
	var mu sync.Mutex
	var applied []string
	serverEntry.OnChange(func(newValue, _ json.RawMessage) {
		mu.Lock()
		applied = append(applied, string(newValue))
		mu.Unlock()
	})

	m := New(env.url)
	defer m.Disconnect()
	entry, _ := m.Create("k", 0)

	// Three writes while disconnected: buffered, not dropped.
	entry.Set(1)
	entry.Set(2)
	entry.Set(3)
	if got := m.PendingWrites(); got != 3 {
		t.Fatalf("PendingWrites() = %d, want 3", got)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitFor(t, "queue flush", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) == 3
	})

	mu.Lock()
	got := strings.Join(applied, ",")
	mu.Unlock()
	if got != "1,2,3" {
		t.Errorf("applied order = %s, want 1,2,3", got)
	}
	if n := m.PendingWrites(); n != 0 {
		t.Errorf("PendingWrites() after flush = %d, want 0", n)
	}

	// Flushed exactly once: no duplicates arrive later.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if len(applied) != 3 {
		t.Errorf("writes applied %d times, want 3", len(applied))
	}
	mu.Unlock()
}

func TestServerValueOverwritesLocalCache(t *testing.T) {
	env := newTestEnv(t)
	env.store.Create("k", 10, nil)

	m := New(env.url)
	defer m.Disconnect()
	entry, _ := m.Create("k", 0)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// The state:init that answers the subscribe is authoritative.
	waitFor(t, "init overwrite", func() bool {
		return string(entry.Value()) == "10"
	})

	env.store.Set("k", 11)
	waitFor(t, "update overwrite", func() bool {
		return string(entry.Value()) == "11"
	})
}

func TestReconnectAfterUnexpectedClose(t *testing.T) {
	env := newTestEnv(t)
	dialer := &countingDialer{}

	m := New(env.url,
		WithDialer(dialer.dial),
		WithReconnectDelay(20*time.Millisecond),
	)
	defer m.Disconnect()
	entry, _ := m.Create("k", 0)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "subscription", func() bool {
		e, ok := env.store.Get("k")
		return ok && e.SubscriberCount() == 1
	})

	// Drop every server-side connection; the mirror must come back on
	// its own and resubscribe.
	env.server.Close()
	waitFor(t, "reconnect", func() bool { return m.Connected() })

	if got := dialer.count(); got != 2 {
		t.Errorf("dial count = %d, want 2 (one connect, one reconnect)", got)
	}

	// A write made through the new connection still round-trips.
	entry.Set(5)
	waitFor(t, "write after reconnect", func() bool {
		e, ok := env.store.Get("k")
		if !ok {
			return false
		}
		return string(e.Value()) == "5"
	})

	// The single scheduled attempt succeeded; nothing further fires.
	time.Sleep(100 * time.Millisecond)
	if got := dialer.count(); got != 2 {
		t.Errorf("dial count after settle = %d, want 2 (no overlapping attempts)", got)
	}
}

func TestPendingQueueSurvivesReconnectCycle(t *testing.T) {
	env := newTestEnv(t)
	dialer := &countingDialer{}

	m := New(env.url,
		WithDialer(dialer.dial),
		WithReconnectDelay(20*time.Millisecond),
	)
	defer m.Disconnect()
	entry, _ := m.Create("k", 0)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "subscription", func() bool {
		e, ok := env.store.Get("k")
		return ok && e.SubscriberCount() == 1
	})

	env.server.Close()
	waitFor(t, "disconnect", func() bool { return !m.Connected() })

	// Buffered during the outage, flushed after the reconnect.
	entry.Set(7)

	waitFor(t, "flush after reconnect", func() bool {
		e, ok := env.store.Get("k")
		if !ok {
			return false
		}
		return string(e.Value()) == "7"
	})
}

func TestDisconnectStopsReconnects(t *testing.T) {
	env := newTestEnv(t)
	dialer := &countingDialer{}

	m := New(env.url,
		WithDialer(dialer.dial),
		WithReconnectDelay(10*time.Millisecond),
	)
	m.Create("k", 0)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	m.Disconnect()

	time.Sleep(60 * time.Millisecond)
	if got := dialer.count(); got != 1 {
		t.Errorf("dial count after Disconnect() = %d, want 1", got)
	}

	if err := m.Connect(context.Background()); err != ErrDisconnected {
		t.Errorf("Connect() after Disconnect() error = %v, want ErrDisconnected", err)
	}
}

func TestNoOverlappingReconnectAttempts(t *testing.T) {
	env := newTestEnv(t)
	dialer := &countingDialer{}

	m := New(env.url,
		WithDialer(dialer.dial),
		WithReconnectDelay(20*time.Millisecond),
	)
	defer m.Disconnect()
	m.Create("k", 0)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Refuse dials so each scheduled attempt fails and reschedules.
	dialer.setFail(true)
	env.server.Close()

	// Attempts are spaced by the delay: in ~5 delay windows there can be
	// at most a handful of sequential attempts, never a burst.
	time.Sleep(100 * time.Millisecond)
	attempts := dialer.count() - 1
	if attempts < 1 {
		t.Error("no reconnect attempt was made")
	}
	if attempts > 6 {
		t.Errorf("reconnect attempts = %d in 100ms at 20ms spacing, want sequential", attempts)
	}
}

func TestFileWatchHooks(t *testing.T) {
	env := newTestEnv(t)

	m := New(env.url)
	defer m.Disconnect()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "registration", func() bool { return env.server.ConnCount() == 1 })

	var mu sync.Mutex
	var reloads int
	var paths, errMsgs []string

	m.OnReload(func() {
		mu.Lock()
		reloads++
		mu.Unlock()
	})
	unsubFile := m.OnFileUpdate(func(path string) {
		mu.Lock()
		paths = append(paths, path)
		mu.Unlock()
	})
	m.OnError(func(errMsg string) {
		mu.Lock()
		errMsgs = append(errMsgs, errMsg)
		mu.Unlock()
	})

	env.server.Broadcast(protocol.NewReload(testClock()))
	env.server.Broadcast(protocol.NewFileUpdate("styles/app.css", testClock()))
	env.server.Broadcast(protocol.NewError("build failed", testClock()))

	waitFor(t, "hooks", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reloads == 1 && len(paths) == 1 && len(errMsgs) == 1
	})

	mu.Lock()
	if paths[0] != "styles/app.css" {
		t.Errorf("path = %q, want %q", paths[0], "styles/app.css")
	}
	if errMsgs[0] != "build failed" {
		t.Errorf("error = %q, want %q", errMsgs[0], "build failed")
	}
	mu.Unlock()

	// Unsubscribed hooks stay quiet.
	unsubFile()
	env.server.Broadcast(protocol.NewFileUpdate("other.css", testClock()))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if len(paths) != 1 {
		t.Errorf("file hook fired %d times after unsubscribe, want 1", len(paths))
	}
	mu.Unlock()
}

func TestTypedHandle(t *testing.T) {
	env := newTestEnv(t)

	m := New(env.url)
	defer m.Disconnect()

	type prefs struct {
		Theme string `json:"theme"`
		Scale int    `json:"scale"`
	}

	handle, err := Key(m, "prefs", prefs{Theme: "dark", Scale: 2})
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}

	got, err := handle.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	if got.Theme != "dark" || got.Scale != 2 {
		t.Errorf("Value() = %+v, want the default", got)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := handle.Set(prefs{Theme: "light", Scale: 1}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	waitFor(t, "round trip", func() bool {
		e, ok := env.store.Get("prefs")
		if !ok {
			return false
		}
		v, err := state.Decode[prefs](e)
		return err == nil && v.Theme == "light"
	})
}
