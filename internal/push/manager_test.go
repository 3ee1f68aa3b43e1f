package push

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeConn struct {
	messages chan []byte
	fail     chan error
	closed   chan struct{}
	pingFn   func() error

	once        sync.Once
	mu          sync.Mutex
	intentional bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		messages: make(chan []byte, 8),
		fail:     make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.messages:
		return data, nil
	case err := <-c.fail:
		return nil, err
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *fakeConn) Ping(context.Context) error {
	if c.pingFn != nil {
		return c.pingFn()
	}
	return nil
}

func (c *fakeConn) Close(intentional bool) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.intentional = intentional
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) closedIntentionally() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intentional
}

type fakeDialer struct {
	mu     sync.Mutex
	dials  int
	dialFn func(n int) (Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, subjectID string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()
	return d.dialFn(n)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastBackoff() Backoff {
	return Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) seen(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
}

func TestManagerOpensAndDeliversMessages(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{dialFn: func(int) (Conn, error) { return conn, nil }}
	received := make(chan []byte, 1)
	recorder := &stateRecorder{}

	m := NewManager("T-100", dialer, Options{
		Backoff:           fastBackoff(),
		HeartbeatInterval: -1,
		OnMessage:         func(data []byte) { received <- data },
		OnState:           recorder.record,
		Logger:            zerolog.Nop(),
	})
	m.Start(context.Background())
	waitFor(t, "open", func() bool { return m.State() == Open })

	conn.messages <- []byte(`{"type":"comment_created"}`)
	select {
	case data := <-received:
		if string(data) != `{"type":"comment_created"}` {
			t.Fatalf("unexpected payload %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	m.Close()
	if m.State() != Disconnected {
		t.Fatalf("expected disconnected after close, got %s", m.State())
	}
	if !conn.closedIntentionally() {
		t.Fatal("expected deliberate close to be marked intentional")
	}
	if dialer.count() != 1 {
		t.Fatalf("expected a single dial, got %d", dialer.count())
	}
	if recorder.seen(Reconnecting) {
		t.Fatal("deliberate close must not schedule a reconnect")
	}
}

func TestManagerReconnectsAfterTransportError(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{dialFn: func(n int) (Conn, error) {
		if n == 1 {
			return first, nil
		}
		return second, nil
	}}
	reopened := make(chan struct{}, 1)
	recorder := &stateRecorder{}

	m := NewManager("T-100", dialer, Options{
		Backoff:           fastBackoff(),
		HeartbeatInterval: -1,
		OnState:           recorder.record,
		OnReopen:          func() { reopened <- struct{}{} },
		Logger:            zerolog.Nop(),
	})
	m.Start(context.Background())
	defer m.Close()
	waitFor(t, "first open", func() bool { return m.State() == Open })

	first.fail <- errors.New("connection reset by peer")

	select {
	case <-reopened:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reopen")
	}
	if !recorder.seen(Reconnecting) {
		t.Fatal("expected a reconnecting transition")
	}
	if first.closedIntentionally() {
		t.Fatal("expected the failed connection to be closed as unintentional")
	}
	if m.LastError() != nil {
		t.Fatalf("expected last error cleared once open, got %v", m.LastError())
	}
}

func TestManagerRetriesFailedDials(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{dialFn: func(n int) (Conn, error) {
		if n < 3 {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	}}
	var reopened atomic.Bool
	m := NewManager("T-100", dialer, Options{
		Backoff:           fastBackoff(),
		HeartbeatInterval: -1,
		OnReopen:          func() { reopened.Store(true) },
		Logger:            zerolog.Nop(),
	})
	m.Start(context.Background())
	defer m.Close()

	waitFor(t, "open after retries", func() bool { return m.State() == Open })
	if dialer.count() != 3 {
		t.Fatalf("expected 3 dials, got %d", dialer.count())
	}
	if reopened.Load() {
		t.Fatal("first successful open is not a reopen")
	}
}

func TestCloseDuringBackoffCancelsReconnect(t *testing.T) {
	dialer := &fakeDialer{dialFn: func(int) (Conn, error) { return nil, errors.New("no route to host") }}
	m := NewManager("T-100", dialer, Options{
		Backoff:           Backoff{Base: time.Hour, Constant: true},
		HeartbeatInterval: -1,
		Logger:            zerolog.Nop(),
	})
	m.Start(context.Background())
	waitFor(t, "reconnecting", func() bool { return m.State() == Reconnecting })
	if m.LastError() == nil {
		t.Fatal("expected dial failure to be reported")
	}

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not cancel the pending reconnect")
	}
	if dialer.count() != 1 {
		t.Fatalf("expected no further dials, got %d", dialer.count())
	}
	if m.State() != Disconnected {
		t.Fatalf("expected disconnected, got %s", m.State())
	}
}

func TestStartIsNoOpWhileActive(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{dialFn: func(int) (Conn, error) { return conn, nil }}
	m := NewManager("T-100", dialer, Options{HeartbeatInterval: -1, Logger: zerolog.Nop()})
	m.Start(context.Background())
	defer m.Close()
	waitFor(t, "open", func() bool { return m.State() == Open })

	m.Start(context.Background())
	m.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	if dialer.count() != 1 {
		t.Fatalf("expected one dial, got %d", dialer.count())
	}
}

func TestFailedHeartbeatDropsConnection(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	first.pingFn = func() error { return errors.New("write: broken pipe") }
	dialer := &fakeDialer{dialFn: func(n int) (Conn, error) {
		if n == 1 {
			return first, nil
		}
		return second, nil
	}}
	m := NewManager("T-100", dialer, Options{
		Backoff:           fastBackoff(),
		HeartbeatInterval: 5 * time.Millisecond,
		Logger:            zerolog.Nop(),
	})
	m.Start(context.Background())
	defer m.Close()

	waitFor(t, "second dial", func() bool { return dialer.count() >= 2 && m.State() == Open })
}

func TestCanceledParentContextDisconnects(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{dialFn: func(int) (Conn, error) { return conn, nil }}
	m := NewManager("T-100", dialer, Options{HeartbeatInterval: -1, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	waitFor(t, "open", func() bool { return m.State() == Open })

	cancel()
	waitFor(t, "disconnected", func() bool { return m.State() == Disconnected })
}
