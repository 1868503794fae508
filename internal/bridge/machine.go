package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is a live adapter session.
//
// Done is closed when the session ends for any reason; Err then reports the
// cause. Close ends the session and must be safe to call more than once.
type Conn interface {
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialFunc opens a new session. It is called once per connection attempt.
type DialFunc[C Conn] func(ctx context.Context) (C, error)

// State is a connection state machine state.
type State int32

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the state name used in logs and the status API.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MachineStats is a snapshot of a machine's counters.
type MachineStats struct {
	State       string `json:"state"`
	Attempts    uint64 `json:"attempts"`
	Failures    uint64 `json:"failures"`
	Connects    uint64 `json:"connects"`
	Disconnects uint64 `json:"disconnects"`
}

// MachineOptions configures a Machine.
type MachineOptions[C Conn] struct {
	// Name identifies the machine in logs ("webthings", "mqtt").
	Name string

	// Dial opens a session. Required.
	Dial DialFunc[C]

	// Scheduler runs connection attempts. Defaults to RealScheduler().
	Scheduler Scheduler

	// RetryDelay is the fixed delay before redialling after a failed attempt
	// or a closed session. Defaults to one second.
	RetryDelay time.Duration

	// OnConnected runs after a session becomes the live handle.
	OnConnected func(C)

	// OnDisconnected runs after a live session has closed and its handle
	// has been cleared. It receives the session's Err().
	OnDisconnected func(error)

	// Logger is optional.
	Logger Logger
}

// Machine keeps one adapter session alive.
//
// States: Disconnected → Connecting → Connected → Disconnected → ... with a
// retry scheduled after every failed attempt or lost session, forever, until
// Stop is called.
//
// Thread Safety: All methods are safe for concurrent use. The handle is
// swapped under a write lock; Use holds the read lock for the duration of
// its callback, so a handle is never replaced while in use.
type Machine[C Conn] struct {
	name           string
	dial           DialFunc[C]
	scheduler      Scheduler
	retryDelay     time.Duration
	onConnected    func(C)
	onDisconnected func(error)
	logger         Logger

	mu      sync.RWMutex
	state   State
	conn    C
	hasConn bool
	gen     uint64 // incremented per live session
	streak  int    // consecutive failed attempts
	retry   Timer
	started bool
	stopped bool

	ctx       context.Context
	ctxCancel context.CancelFunc

	attempts    atomic.Uint64
	failures    atomic.Uint64
	connects    atomic.Uint64
	disconnects atomic.Uint64
}

// defaultRetryDelay is used when MachineOptions.RetryDelay is not set.
const defaultRetryDelay = time.Second

// NewMachine creates a machine in the Disconnected state.
// Call Start to make the first attempt.
func NewMachine[C Conn](opts MachineOptions[C]) (*Machine[C], error) {
	if opts.Dial == nil {
		return nil, ErrDialerRequired
	}
	if opts.Scheduler == nil {
		opts.Scheduler = RealScheduler()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Machine[C]{
		name:           opts.Name,
		dial:           opts.Dial,
		scheduler:      opts.Scheduler,
		retryDelay:     opts.RetryDelay,
		onConnected:    opts.OnConnected,
		onDisconnected: opts.OnDisconnected,
		logger:         opts.Logger,
		ctx:            ctx,
		ctxCancel:      cancel,
	}, nil
}

// Start schedules the first connection attempt. Calling Start again, or
// after Stop, has no effect.
func (m *Machine[C]) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || m.stopped {
		return
	}
	m.started = true
	m.state = StateConnecting
	m.scheduleLocked(0)
}

// Stop cancels any pending attempt, aborts an in-flight dial and closes the
// live session. OnDisconnected is not called for a session closed by Stop.
func (m *Machine[C]) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.ctxCancel()

	conn, had := m.conn, m.hasConn
	var zero C
	m.conn = zero
	m.hasConn = false
	m.state = StateDisconnected
	m.mu.Unlock()

	if had {
		m.closeConn(conn)
	}
}

// Use calls fn with the live session while holding the read lock.
// It returns false without calling fn when there is no live session.
//
// fn must not call Use on the same machine, and should not block on another
// machine's Use.
func (m *Machine[C]) Use(fn func(C)) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.hasConn {
		return false
	}
	fn(m.conn)
	return true
}

// State returns the current state.
func (m *Machine[C]) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Name returns the machine's log name.
func (m *Machine[C]) Name() string {
	return m.name
}

// Stats returns a snapshot of the machine's counters.
func (m *Machine[C]) Stats() MachineStats {
	return MachineStats{
		State:       m.State().String(),
		Attempts:    m.attempts.Load(),
		Failures:    m.failures.Load(),
		Connects:    m.connects.Load(),
		Disconnects: m.disconnects.Load(),
	}
}

// scheduleLocked queues the next attempt. Caller holds mu.
func (m *Machine[C]) scheduleLocked(delay time.Duration) {
	m.retry = m.scheduler.AfterFunc(delay, m.attempt)
}

// attempt dials once and either installs the session or schedules a retry.
func (m *Machine[C]) attempt() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.state = StateConnecting
	ctx := m.ctx
	m.mu.Unlock()

	n := m.attempts.Add(1)
	conn, err := m.dial(ctx)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		if err == nil {
			m.closeConn(conn)
		}
		return
	}
	if err != nil {
		m.failures.Add(1)
		m.streak++
		streak := m.streak
		m.state = StateDisconnected
		m.scheduleLocked(m.retryDelay)
		m.mu.Unlock()

		// Only the first failure of a streak is a warning.
		if streak == 1 {
			m.logWarn("connection attempt failed", "attempt", n, "retry_in", m.retryDelay, "error", err)
		} else {
			m.logDebug("connection attempt failed", "attempt", n, "streak", streak, "error", err)
		}
		return
	}

	m.streak = 0
	m.gen++
	gen := m.gen
	m.conn = conn
	m.hasConn = true
	m.state = StateConnected
	m.mu.Unlock()

	m.connects.Add(1)
	m.logInfo("connected", "attempt", n)

	go m.watch(conn, gen)

	if m.onConnected != nil {
		m.onConnected(conn)
	}
}

// watch waits for the session to end, clears the handle and schedules a
// redial.
//
// The redial is queued only after onDisconnected has returned, so the next
// session's onConnected never runs before the previous session's teardown.
func (m *Machine[C]) watch(conn C, gen uint64) {
	<-conn.Done()

	m.mu.Lock()
	if m.stopped || !m.hasConn || m.gen != gen {
		m.mu.Unlock()
		return
	}
	var zero C
	m.conn = zero
	m.hasConn = false
	m.state = StateDisconnected
	m.mu.Unlock()

	m.disconnects.Add(1)
	cause := conn.Err()
	m.logWarn("connection lost", "retry_in", m.retryDelay, "error", cause)

	m.closeConn(conn)

	if m.onDisconnected != nil {
		m.onDisconnected(cause)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.hasConn || m.retry != nil {
		return
	}
	m.scheduleLocked(m.retryDelay)
}

func (m *Machine[C]) closeConn(conn C) {
	if err := conn.Close(); err != nil {
		m.logDebug("close failed", "error", err)
	}
}

func (m *Machine[C]) logInfo(msg string, keysAndValues ...any) {
	if m.logger != nil {
		m.logger.Info(msg, append([]any{"connection", m.name}, keysAndValues...)...)
	}
}

func (m *Machine[C]) logWarn(msg string, keysAndValues ...any) {
	if m.logger != nil {
		m.logger.Warn(msg, append([]any{"connection", m.name}, keysAndValues...)...)
	}
}

func (m *Machine[C]) logDebug(msg string, keysAndValues ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, append([]any{"connection", m.name}, keysAndValues...)...)
	}
}
