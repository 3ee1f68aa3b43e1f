// Package push owns the duplex connection that streams one subject's events:
// connect, heartbeat, reconnect with backoff, and a deliberate close that
// never schedules a reconnect.
package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by Conn reads once the peer or the manager closed the
// connection.
var ErrClosed = errors.New("push connection closed")

type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Reconnecting
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Conn is one established subscription.
type Conn interface {
	// ReadMessage blocks until the next payload or a transport error.
	ReadMessage(ctx context.Context) ([]byte, error)
	Ping(ctx context.Context) error
	// Close tears the connection down. intentional marks a deliberate close
	// so the peer does not treat it as a failure.
	Close(intentional bool) error
}

// Dialer subscribes to one subject. A nil error means the handshake was
// confirmed.
type Dialer interface {
	Dial(ctx context.Context, subjectID string) (Conn, error)
}

const DefaultHeartbeatInterval = 30 * time.Second

type Options struct {
	Backoff Backoff
	// HeartbeatInterval between pings; zero means the default, negative
	// disables pings.
	HeartbeatInterval time.Duration

	// OnMessage receives every payload read while Open, on the manager's
	// read goroutine.
	OnMessage func([]byte)
	// OnState observes every transition.
	OnState func(State)
	// OnReopen fires when a reconnect reaches Open, never on the first open.
	OnReopen func()

	Logger zerolog.Logger
}

// Manager runs the connection lifecycle for one subject.
type Manager struct {
	subjectID string
	dialer    Dialer
	opts      Options
	logger    zerolog.Logger

	mu         sync.Mutex
	state      State
	conn       Conn
	cancel     context.CancelFunc
	done       chan struct{}
	attempt    int
	everOpened bool
	lastErr    error
}

func NewManager(subjectID string, dialer Dialer, opts Options) *Manager {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Manager{
		subjectID: subjectID,
		dialer:    dialer,
		opts:      opts,
		logger:    opts.Logger.With().Str("subject", subjectID).Logger(),
		state:     Disconnected,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError is the most recent dial or transport failure, nil once Open.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Start begins connecting. It is a no-op unless the manager is Disconnected.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.attempt = 0
	m.everOpened = false
	m.state = Connecting
	done := m.done
	m.mu.Unlock()

	m.notify(Connecting)
	go m.run(runCtx, done)
}

// Close deliberately shuts the connection and waits for the read loop to
// exit. No reconnect is scheduled afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == Disconnected || m.state == Closing {
		m.mu.Unlock()
		return
	}
	m.state = Closing
	cancel := m.cancel
	conn := m.conn
	done := m.done
	m.mu.Unlock()

	m.notify(Closing)
	cancel()
	if conn != nil {
		if err := conn.Close(true); err != nil {
			m.logger.Debug().Err(err).Msg("push: close connection")
		}
	}
	<-done

	m.mu.Lock()
	m.state = Disconnected
	m.conn = nil
	m.mu.Unlock()
	m.notify(Disconnected)
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer m.finish()

	for {
		conn, err := m.dialer.Dial(ctx, m.subjectID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn().Err(err).Msg("push: dial failed")
			if !m.waitReconnect(ctx, err) {
				return
			}
			continue
		}

		if !m.opened(ctx, conn) {
			_ = conn.Close(true)
			return
		}

		err = m.pump(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close(false)
		m.logger.Warn().Err(err).Msg("push: connection lost")
		if !m.waitReconnect(ctx, err) {
			return
		}
	}
}

// opened records a confirmed handshake. It reports false when the manager
// was closed while the dial was in flight.
func (m *Manager) opened(ctx context.Context, conn Conn) bool {
	m.mu.Lock()
	if ctx.Err() != nil || m.state == Closing {
		m.mu.Unlock()
		return false
	}
	m.state = Open
	m.conn = conn
	m.attempt = 0
	m.lastErr = nil
	reopen := m.everOpened
	m.everOpened = true
	m.mu.Unlock()

	m.logger.Info().Bool("reopen", reopen).Msg("push: connection open")
	m.notify(Open)
	if reopen && m.opts.OnReopen != nil {
		m.opts.OnReopen()
	}
	return true
}

func (m *Manager) pump(ctx context.Context, conn Conn) error {
	watchDone := make(chan struct{})
	defer close(watchDone)
	go m.watch(ctx, conn, watchDone)

	for {
		data, err := conn.ReadMessage(ctx)
		if err != nil {
			return err
		}
		if m.opts.OnMessage != nil {
			m.opts.OnMessage(data)
		}
	}
}

// watch sends heartbeats and unblocks the reader when ctx ends, since a
// blocked read does not observe the context.
func (m *Manager) watch(ctx context.Context, conn Conn, done <-chan struct{}) {
	var tick <-chan time.Time
	if interval := m.opts.HeartbeatInterval; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.Close(true)
			return
		case <-tick:
			if err := conn.Ping(ctx); err != nil {
				m.logger.Debug().Err(err).Msg("push: ping failed, dropping connection")
				_ = conn.Close(false)
				return
			}
		}
	}
}

// waitReconnect moves to Reconnecting, sleeps for the next backoff delay and
// moves back to Connecting. It reports false if the manager was closed.
func (m *Manager) waitReconnect(ctx context.Context, cause error) bool {
	m.mu.Lock()
	if m.state == Closing {
		m.mu.Unlock()
		return false
	}
	m.state = Reconnecting
	m.lastErr = cause
	delay := m.opts.Backoff.Delay(m.attempt)
	m.attempt++
	attempt := m.attempt
	m.mu.Unlock()

	m.notify(Reconnecting)
	m.logger.Info().Dur("delay", delay).Int("attempt", attempt).Msg("push: reconnect scheduled")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	m.mu.Lock()
	if m.state != Reconnecting || ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.state = Connecting
	m.mu.Unlock()
	m.notify(Connecting)
	return true
}

// finish settles the state when the loop ends on its own, for example after
// the parent context was canceled. Close handles its own transition.
func (m *Manager) finish() {
	m.mu.Lock()
	if m.state == Closing || m.state == Disconnected {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		_ = m.conn.Close(true)
		m.conn = nil
	}
	m.state = Disconnected
	m.mu.Unlock()
	m.notify(Disconnected)
}

func (m *Manager) notify(state State) {
	if m.opts.OnState != nil {
		m.opts.OnState(state)
	}
}
