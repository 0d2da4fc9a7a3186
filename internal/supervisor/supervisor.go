// Package supervisor keeps the relay connection alive. A single goroutine
// owns the state machine; commands, dial results, connection events and
// timers all reach it over channels.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/wa-relay-supervisor/internal/connection"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/logger"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/metrics"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/retry"
)

var (
	ErrRetriesExhausted = errors.New("reconnection retries exhausted")
	ErrAttemptTimeout   = errors.New("connection attempt timed out")
	ErrNotConnected     = errors.New("relay connection is not open")
	ErrShutdown         = errors.New("supervisor is shut down")
)

const (
	DefaultMaxRetries     = 15
	DefaultAttemptTimeout = 30 * time.Second
	defaultEventBuffer    = 64
)

// Backuper runs the final backup during Shutdown.
type Backuper interface {
	BackupAll(ctx context.Context) ([]byte, error)
}

type Config struct {
	MaxRetries     int
	AttemptTimeout time.Duration
	Policy         *retry.Policy
	Breaker        *retry.CircuitBreaker
	Backup         Backuper
	EventBuffer    int
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdShutdown
)

type command struct {
	kind  commandKind
	ctx   context.Context
	reply chan error
}

// message is anything produced for one connection generation. Messages
// from an older generation are stale and dropped.
type message struct {
	gen    uint64
	conn   connection.Connection
	err    error
	dialed bool
	event  *connection.Event
	ended  bool
}

type Supervisor struct {
	dialer  connection.Dialer
	cfg     Config
	policy  *retry.Policy
	breaker *retry.CircuitBreaker

	cmds   chan command
	inbox  chan message
	events chan Event
	done   chan struct{}

	statusMu sync.RWMutex
	status   Status

	connMu  sync.RWMutex
	current connection.Connection

	// Owned by the loop goroutine.
	state        State
	retry        RetryState
	totals       Status
	gen          uint64
	conn         connection.Connection
	cancelDial   context.CancelFunc
	cancelPump   context.CancelFunc
	backoff      *time.Timer
	backoffC     <-chan time.Time
	nextAttempt  time.Time
	watchdog     *time.Timer
	watchdogC    <-chan time.Time
	everOpened   bool
	circuitNoted bool
}

// New builds a supervisor in the Idle state and starts its loop.
func New(dialer connection.Dialer, cfg Config) *Supervisor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.Policy == nil {
		cfg.Policy = retry.NewPolicy(2*time.Second, 5*time.Minute, 1.5)
	}
	if cfg.Breaker == nil {
		cfg.Breaker = retry.NewCircuitBreaker(5, 10*time.Minute)
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	s := &Supervisor{
		dialer:  dialer,
		cfg:     cfg,
		policy:  cfg.Policy,
		breaker: cfg.Breaker,
		cmds:    make(chan command),
		inbox:   make(chan message),
		events:  make(chan Event, cfg.EventBuffer),
		done:    make(chan struct{}),
		state:   Idle,
	}
	s.publish()
	go s.loop()
	return s
}

// Events is closed after Shutdown.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

func (s *Supervisor) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Connect starts connecting from Idle or Closed. It returns once the first
// attempt is under way, not when the connection is open.
func (s *Supervisor) Connect() error {
	return s.do(context.Background(), cmdConnect)
}

// Disconnect aborts any pending attempt, closes the current connection and
// returns to Idle.
func (s *Supervisor) Disconnect() error {
	return s.do(context.Background(), cmdDisconnect)
}

// Shutdown cancels any pending wait, closes the connection, then runs one
// final backup. The supervisor cannot be used afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	err := s.do(ctx, cmdShutdown)
	if errors.Is(err, ErrShutdown) {
		return nil
	}
	return err
}

func (s *Supervisor) Invoke(ctx context.Context) error {
	return s.Shutdown(ctx)
}

// Send writes to the open connection.
func (s *Supervisor) Send(ctx context.Context, msg []byte) error {
	s.connMu.RLock()
	conn := s.current
	s.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(ctx, msg)
}

func (s *Supervisor) do(ctx context.Context, kind commandKind) error {
	cmd := command{kind: kind, ctx: ctx, reply: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) loop() {
	defer close(s.done)
	for {
		select {
		case cmd := <-s.cmds:
			if s.handleCommand(cmd) {
				return
			}
		case msg := <-s.inbox:
			s.handleMessage(msg)
		case <-s.backoffC:
			s.backoffC = nil
			s.onBackoffElapsed()
		case <-s.watchdogC:
			s.watchdogC = nil
			logger.WarnF("[supervisor] attempt %d exceeded %s", s.retry.AttemptCount, s.cfg.AttemptTimeout)
			s.fail(ErrAttemptTimeout)
		}
		s.publish()
	}
}

func (s *Supervisor) handleCommand(cmd command) (exit bool) {
	switch cmd.kind {
	case cmdConnect:
		switch s.state {
		case Idle, Closed:
			s.retry = RetryState{LastSuccessTime: s.retry.LastSuccessTime}
			s.attempt()
		}
		s.publish()
		cmd.reply <- nil
	case cmdDisconnect:
		s.stopBackoff()
		wasOpen := s.state == Open
		s.setState(Closing)
		s.teardown()
		s.setState(Idle)
		if wasOpen {
			s.emit(Event{Type: EventDisconnected})
		}
		s.publish()
		cmd.reply <- nil
	case cmdShutdown:
		s.stopBackoff()
		wasOpen := s.state == Open
		s.setState(Closing)
		s.teardown()
		if wasOpen {
			s.emit(Event{Type: EventDisconnected})
		}
		var err error
		if s.cfg.Backup != nil {
			if _, backupErr := s.cfg.Backup.BackupAll(cmd.ctx); backupErr != nil {
				err = fmt.Errorf("final backup: %w", backupErr)
				logger.ErrorF("[supervisor] %v", err)
			}
		}
		s.setState(Closed)
		s.publish()
		close(s.events)
		logger.Info("[supervisor] shut down")
		cmd.reply <- err
		return true
	}
	return false
}

func (s *Supervisor) handleMessage(msg message) {
	if msg.gen != s.gen {
		if msg.dialed && msg.conn != nil {
			_ = msg.conn.Close()
		}
		return
	}
	switch {
	case msg.dialed:
		s.cancelDial = nil
		if msg.err != nil {
			s.fail(msg.err)
			return
		}
		s.conn = msg.conn
		s.attachPump(msg.conn)
	case msg.ended:
		if s.state == Connecting || s.state == Open {
			s.fail(connection.ErrClosed)
		}
	case msg.event != nil:
		s.handleConnEvent(*msg.event)
	}
}

func (s *Supervisor) handleConnEvent(ev connection.Event) {
	switch ev.Type {
	case connection.EventQR:
		s.armWatchdog()
		s.emit(Event{Type: EventQR, Data: ev.Data})
	case connection.EventOpen:
		if s.state != Connecting {
			return
		}
		s.stopWatchdog()
		s.breaker.OnSuccess()
		s.retry = RetryState{LastSuccessTime: time.Now()}
		s.totals.TotalConnects++
		s.circuitNoted = false
		s.setState(Open)
		s.connMu.Lock()
		s.current = s.conn
		s.connMu.Unlock()
		reconnect := s.everOpened
		s.everOpened = true
		if reconnect {
			metrics.ReconnectionsTotal.Inc()
		}
		metrics.ConnectionAttemptsTotal.WithLabelValues("success").Inc()
		logger.InfoF("[supervisor] relay connection open after %d attempts", s.totals.TotalAttempts)
		s.emit(Event{Type: EventConnected, Reconnect: reconnect})
	case connection.EventClose, connection.EventError:
		err := ev.Err
		if err == nil {
			err = connection.ErrClosed
		}
		s.fail(err)
	}
}

// attempt opens a new handle. The dial runs on its own goroutine and
// reports back through the inbox.
func (s *Supervisor) attempt() {
	s.gen++
	gen := s.gen
	s.retry.AttemptCount++
	s.totals.TotalAttempts++
	s.nextAttempt = time.Time{}
	s.setState(Connecting)
	s.armWatchdog()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelDial = cancel
	logger.DebugF("[supervisor] attempt %d of %d", s.retry.AttemptCount, s.cfg.MaxRetries)

	go func() {
		conn, err := s.dialer.Open(ctx)
		s.deliver(message{gen: gen, dialed: true, conn: conn, err: err}, conn)
	}()
}

func (s *Supervisor) attachPump(conn connection.Connection) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelPump = cancel
	gen := s.gen
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-conn.Events():
				if !ok {
					s.deliverCtx(ctx, message{gen: gen, ended: true})
					return
				}
				if !s.deliverCtx(ctx, message{gen: gen, event: &ev}) {
					return
				}
			}
		}
	}()
}

// deliver hands a dial result to the loop. When the loop is gone the
// orphaned handle is closed instead.
func (s *Supervisor) deliver(msg message, orphan connection.Connection) {
	select {
	case s.inbox <- msg:
	case <-s.done:
		if orphan != nil {
			_ = orphan.Close()
		}
	}
}

func (s *Supervisor) deliverCtx(ctx context.Context, msg message) bool {
	select {
	case s.inbox <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

// fail handles the end of an attempt or of an open connection.
func (s *Supervisor) fail(err error) {
	wasOpen := s.state == Open
	s.teardown()
	if wasOpen {
		s.emit(Event{Type: EventDisconnected, Err: err})
	} else {
		metrics.ConnectionAttemptsTotal.WithLabelValues("failure").Inc()
	}

	s.retry.LastError = err
	s.retry.ConsecutiveFailures++
	s.totals.TotalFailures++
	logger.WarnF("[supervisor] connection failed: %s", connection.Describe(err))

	if connection.Classify(err) == connection.FailureTerminal {
		s.setState(Closed)
		logger.ErrorF("[supervisor] terminal failure, not retrying: %v", err)
		s.emit(Event{Type: EventFatal, Err: err})
		return
	}

	s.breaker.OnFailure(err)
	if s.retry.AttemptCount >= s.cfg.MaxRetries {
		s.setState(Closed)
		fatal := fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, s.retry.AttemptCount, err)
		logger.ErrorF("[supervisor] %v", fatal)
		s.emit(Event{Type: EventFatal, Err: fatal})
		return
	}

	s.setState(Reconnecting)
	if s.breaker.IsOpen() {
		s.waitOutCircuit()
		return
	}
	delay := s.policy.NextDelay(s.retry.AttemptCount)
	metrics.BackoffDelaySeconds.Observe(delay.Seconds())
	logger.InfoF("[supervisor] reconnecting in %s (attempt %d)", delay, s.retry.AttemptCount+1)
	s.startBackoff(delay)
}

// waitOutCircuit defers the next attempt by the remaining cooldown. A wait
// longer than the breaker's cap is taken in several steps.
func (s *Supervisor) waitOutCircuit() {
	wait := s.breaker.RemainingCooldown()
	if !s.circuitNoted {
		s.circuitNoted = true
		metrics.CircuitOpenTotal.Inc()
		logger.WarnF("[supervisor] circuit open after %d consecutive failures, waiting %s",
			s.breaker.ConsecutiveFailures(), wait)
		s.emit(Event{Type: EventCircuitOpen, Wait: wait})
	}
	s.startBackoff(wait)
}

func (s *Supervisor) onBackoffElapsed() {
	if s.state != Reconnecting {
		return
	}
	if s.breaker.IsOpen() {
		s.waitOutCircuit()
		return
	}
	s.circuitNoted = false
	s.attempt()
}

// teardown detaches the pump, cancels an in-flight dial and closes the
// handle. Bumping the generation drops anything still queued for it.
func (s *Supervisor) teardown() {
	s.stopWatchdog()
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	if s.cancelPump != nil {
		s.cancelPump()
		s.cancelPump = nil
	}
	s.connMu.Lock()
	s.current = nil
	s.connMu.Unlock()
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			logger.DebugF("[supervisor] closing connection: %v", err)
		}
		s.conn = nil
	}
	s.gen++
}

func (s *Supervisor) startBackoff(d time.Duration) {
	s.stopBackoff()
	s.nextAttempt = time.Now().Add(d)
	s.backoff = time.NewTimer(d)
	s.backoffC = s.backoff.C
}

func (s *Supervisor) stopBackoff() {
	if s.backoff != nil {
		s.backoff.Stop()
		s.backoff = nil
	}
	s.backoffC = nil
	s.nextAttempt = time.Time{}
}

func (s *Supervisor) armWatchdog() {
	s.stopWatchdog()
	s.watchdog = time.NewTimer(s.cfg.AttemptTimeout)
	s.watchdogC = s.watchdog.C
}

func (s *Supervisor) stopWatchdog() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	s.watchdogC = nil
}

func (s *Supervisor) setState(state State) {
	if s.state == state {
		return
	}
	logger.DebugF("[supervisor] %s -> %s", s.state, state)
	s.state = state
	metrics.SetConnectionState(state.ConnectionState())
}

// emit never blocks the loop; a full buffer drops the event. The status
// snapshot is refreshed first so a reader of the event sees matching state.
func (s *Supervisor) emit(ev Event) {
	s.publish()
	select {
	case s.events <- ev:
	default:
		logger.WarnF("[supervisor] event buffer full, dropped %s", ev)
	}
}

func (s *Supervisor) publish() {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = Status{
		State:         s.state,
		Retry:         s.retry,
		NextAttempt:   s.nextAttempt,
		TotalAttempts: s.totals.TotalAttempts,
		TotalFailures: s.totals.TotalFailures,
		TotalConnects: s.totals.TotalConnects,
	}
}
