package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/wa-relay-supervisor/internal/connection"
	"github.com/life-stream-dev/wa-relay-supervisor/internal/retry"
)

type fakeConn struct {
	events    chan connection.Event
	mu        sync.Mutex
	closed    bool
	sent      [][]byte
	onClose   func()
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan connection.Event, 8)}
}

func (c *fakeConn) Events() <-chan connection.Event { return c.events }

func (c *fakeConn) Send(_ context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return connection.ErrClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) push(ev connection.Event) {
	c.events <- ev
}

// fakeDialer runs one scripted step per Open call; the last step repeats.
type fakeDialer struct {
	mu       sync.Mutex
	steps    []func(ctx context.Context) (connection.Connection, error)
	attempts []time.Time
}

func (d *fakeDialer) Open(ctx context.Context) (connection.Connection, error) {
	d.mu.Lock()
	d.attempts = append(d.attempts, time.Now())
	step := d.steps[0]
	if len(d.steps) > 1 {
		d.steps = d.steps[1:]
	}
	d.mu.Unlock()
	return step(ctx)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attempts)
}

func (d *fakeDialer) times() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.attempts...)
}

func returns(conn *fakeConn) func(context.Context) (connection.Connection, error) {
	return func(context.Context) (connection.Connection, error) { return conn, nil }
}

func fails(err error) func(context.Context) (connection.Connection, error) {
	return func(context.Context) (connection.Connection, error) { return nil, err }
}

func hangs() func(context.Context) (connection.Connection, error) {
	return func(ctx context.Context) (connection.Connection, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func fastConfig() Config {
	return Config{
		MaxRetries:     15,
		AttemptTimeout: time.Second,
		Policy:         retry.NewPolicy(time.Millisecond, 2*time.Millisecond, 1.5),
		Breaker:        retry.NewCircuitBreaker(100, time.Minute),
	}
}

func waitFor(t *testing.T, s *Supervisor, typ EventType) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "events closed while waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func shutdown(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestConnectOpensAndSends(t *testing.T) {
	conn := newFakeConn()
	s := New(&fakeDialer{steps: []func(context.Context) (connection.Connection, error){returns(conn)}}, fastConfig())
	defer shutdown(t, s)

	assert.ErrorIs(t, s.Send(context.Background(), []byte("early")), ErrNotConnected)
	require.NoError(t, s.Connect())
	conn.push(connection.Event{Type: connection.EventOpen})

	ev := waitFor(t, s, EventConnected)
	assert.False(t, ev.Reconnect)

	status := s.Status()
	assert.Equal(t, Open, status.State)
	assert.Equal(t, "open", status.State.ConnectionState())
	assert.Equal(t, 0, status.Retry.AttemptCount)
	assert.False(t, status.Retry.LastSuccessTime.IsZero())
	assert.Equal(t, int64(1), status.TotalAttempts)
	assert.Equal(t, int64(1), status.TotalConnects)
	assert.Equal(t, 1.0, status.SuccessRate())

	require.NoError(t, s.Send(context.Background(), []byte("hello")))
	assert.Equal(t, [][]byte{[]byte("hello")}, conn.sent)
}

func TestQRIsForwarded(t *testing.T) {
	conn := newFakeConn()
	s := New(&fakeDialer{steps: []func(context.Context) (connection.Connection, error){returns(conn)}}, fastConfig())
	defer shutdown(t, s)

	require.NoError(t, s.Connect())
	conn.push(connection.Event{Type: connection.EventQR, Data: []byte("2@ref")})
	ev := waitFor(t, s, EventQR)
	assert.Equal(t, []byte("2@ref"), ev.Data)
	assert.Equal(t, Connecting, s.Status().State)
}

func TestTransientDropReconnects(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{steps: []func(context.Context) (connection.Connection, error){returns(first), returns(second)}}
	s := New(dialer, fastConfig())
	defer shutdown(t, s)

	require.NoError(t, s.Connect())
	first.push(connection.Event{Type: connection.EventOpen})
	waitFor(t, s, EventConnected)

	drop := &connection.CloseError{Code: connection.CodeRestartRequired}
	first.push(connection.Event{Type: connection.EventClose, Err: drop})
	ev := waitFor(t, s, EventDisconnected)
	assert.ErrorIs(t, ev.Err, drop)
	assert.True(t, first.isClosed())

	require.Eventually(t, func() bool { return dialer.count() == 2 }, 2*time.Second, time.Millisecond)
	second.push(connection.Event{Type: connection.EventOpen})
	ev = waitFor(t, s, EventConnected)
	assert.True(t, ev.Reconnect)

	status := s.Status()
	assert.Equal(t, int64(2), status.TotalConnects)
	assert.Equal(t, int64(1), status.TotalFailures)
	assert.Equal(t, 0, status.Retry.ConsecutiveFailures)
}

func TestTerminalFailureIsFatal(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{steps: []func(context.Context) (connection.Connection, error){returns(conn)}}
	s := New(dialer, fastConfig())
	defer shutdown(t, s)

	require.NoError(t, s.Connect())
	conn.push(connection.Event{Type: connection.EventOpen})
	waitFor(t, s, EventConnected)
	conn.push(connection.Event{Type: connection.EventClose, Err: &connection.CloseError{Code: connection.CodeLoggedOut}})

	ev := waitFor(t, s, EventFatal)
	assert.ErrorIs(t, ev.Err, connection.ErrLoggedOut)
	assert.Equal(t, Closed, s.Status().State)
	assert.Equal(t, "disconnected", s.Status().State.ConnectionState())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
}

func TestForbiddenHandshakeIsFatal(t *testing.T) {
	dialer := &fakeDialer{steps: []func(context.Context) (connection.Connection, error){
		fails(&connection.CloseError{Code: connection.CodeForbidden}),
	}}
	s := New(dialer, fastConfig())
	defer shutdown(t, s)

	require.NoError(t, s.Connect())
	ev := waitFor(t, s, EventFatal)
	assert.ErrorIs(t, ev.Err, connection.ErrForbidden)
	assert.Equal(t, 1, dialer.count())
}

func TestRetriesExhausted(t *testing.T) {
	dialer := &fakeDialer{steps: []func(context.Context) (connection.Connection, error){fails(errors.New("connection reset"))}}
	cfg := fastConfig()
	cfg.MaxRetries = 3
	s := New(dialer, cfg)
	defer shutdown(t, s)

	require.NoError(t, s.Connect())
	ev := waitFor(t, s, EventFatal)
	assert.ErrorIs(t, ev.Err, ErrRetriesExhausted)
	assert.ErrorContains(t, ev.Err, "connection reset")
	assert.Equal(t, 3, dialer.count())

	status := s.Status()
	assert.Equal(t, Closed, status.State)
	assert.Equal(t, 3, status.Retry.AttemptCount)
	assert.Equal(t, 3, status.Retry.ConsecutiveFailures)
	assert.Equal(t, int64(3), status.TotalFailures)
}

func TestCircuitOpenDefersSixthAttempt(t *testing.T) {
	dialer := &fakeDialer{steps: []func(context.Context) (connection.Connection, error){fails(errors.New("stream errored"))}}
	cfg := fastConfig()
	cfg.MaxRetries = 6
	cfg.Breaker = retry.NewCircuitBreaker(5, 300*time.Millisecond)
	s := New(dialer, cfg)
	defer shutdown(t, s)

	require.NoError(t, s.Connect())
	ev := waitFor(t, s, EventCircuitOpen)
	assert.True(t, ev.Wait > 0 && ev.Wait <= 300*time.Millisecond)
	assert.Equal(t, 5, dialer.count())
	assert.True(t, cfg.Breaker.IsOpen())

	waitFor(t, s, EventFatal)
	attempts := dialer.times()
	require.Len(t, attempts, 6)
	assert.GreaterOrEqual(t, attempts[5].Sub(attempts[4]), 295*time.Millisecond)
}

func TestCircuitWaitLongerThanCapIsSplit(t *testing.T) {
	dialer := &fakeDialer{steps: []func(context.Context) (connection.Connection, error){fails(errors.New("stream errored"))}}
	cfg := fastConfig()
	cfg.MaxRetries = 3
	cfg.Breaker = retry.NewCircuitBreaker(2, 250*time.Millisecond).WithMaxWait(50 * time.Millisecond)
	s := New(dialer, cfg)
	defer shutdown(t, s)

	require.NoError(t, s.Connect())
	ev := waitFor(t, s, EventCircuitOpen)
	assert.Equal(t, 50*time.Millisecond, ev.Wait)

	waitFor(t, s, EventFatal)
	attempts := dialer.times()
	require.Len(t, attempts, 3)
	assert.GreaterOrEqual(t, attempts[2].Sub(attempts[1]), 245*time.Millisecond)
}

func TestWatchdogFailsHangingAttempt(t *testing.T) {
	dialer := &fakeDialer{steps: []func(context.Context) (connection.Connection, error){hangs()}}
	cfg := fastConfig()
	cfg.MaxRetries = 2
	cfg.AttemptTimeout = 30 * time.Millisecond
	s := New(dialer, cfg)
	defer shutdown(t, s)

	require.NoError(t, s.Connect())
	ev := waitFor(t, s, EventFatal)
	assert.ErrorIs(t, ev.Err, ErrRetriesExhausted)
	assert.ErrorIs(t, ev.Err, ErrAttemptTimeout)
	assert.Equal(t, 2, dialer.count())
}

func TestStaleDialResultIsClosedAndIgnored(t *testing.T) {
	late, fresh := newFakeConn(), newFakeConn()
	release := make(chan struct{})
	dialer := &fakeDialer{steps: []func(context.Context) (connection.Connection, error){
		func(context.Context) (connection.Connection, error) {
			<-release
			return late, nil
		},
		returns(fresh),
	}}
	s := New(dialer, fastConfig())
	defer shutdown(t, s)

	require.NoError(t, s.Connect())
	require.Eventually(t, func() bool { return dialer.count() == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Connect())
	require.Eventually(t, func() bool { return dialer.count() == 2 }, 2*time.Second, time.Millisecond)
	fresh.push(connection.Event{Type: connection.EventOpen})
	waitFor(t, s, EventConnected)

	close(release)
	require.Eventually(t, late.isClosed, 2*time.Second, time.Millisecond)
	late.events <- connection.Event{Type: connection.EventClose, Err: errors.New("late")}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Open, s.Status().State)
	require.NoError(t, s.Send(context.Background(), []byte("x")))
	assert.Len(t, fresh.sent, 1)
	assert.Empty(t, late.sent)
}

func TestOldConnectionEventsAfterReconnectAreIgnored(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{steps: []func(context.Context) (connection.Connection, error){returns(first), returns(second)}}
	s := New(dialer, fastConfig())
	defer shutdown(t, s)

	require.NoError(t, s.Connect())
	first.push(connection.Event{Type: connection.EventOpen})
	waitFor(t, s, EventConnected)
	first.push(connection.Event{Type: connection.EventError, Err: errors.New("keepalive timeout")})
	waitFor(t, s, EventDisconnected)
	second.push(connection.Event{Type: connection.EventOpen})
	waitFor(t, s, EventConnected)

	// The first handle was detached; nothing it reports reaches the loop.
	first.push(connection.Event{Type: connection.EventClose, Err: errors.New("late close")})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, Open, s.Status().State)
	assert.Equal(t, 2, dialer.count())
}

func TestDisconnectCancelsPendingWait(t *testing.T) {
	dialer := &fakeDialer{steps: []func(context.Context) (connection.Connection, error){fails(errors.New("refused"))}}
	cfg := fastConfig()
	cfg.Policy = retry.NewPolicy(10*time.Second, time.Minute, 2)
	s := New(dialer, cfg)
	defer shutdown(t, s)

	require.NoError(t, s.Connect())
	require.Eventually(t, func() bool { return s.Status().State == Reconnecting }, 2*time.Second, time.Millisecond)
	assert.False(t, s.Status().NextAttempt.IsZero())

	require.NoError(t, s.Disconnect())
	assert.Equal(t, Idle, s.Status().State)
	assert.True(t, s.Status().NextAttempt.IsZero())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
}

func TestDisconnectClosesOpenConnection(t *testing.T) {
	conn := newFakeConn()
	s := New(&fakeDialer{steps: []func(context.Context) (connection.Connection, error){returns(conn)}}, fastConfig())
	defer shutdown(t, s)

	require.NoError(t, s.Connect())
	conn.push(connection.Event{Type: connection.EventOpen})
	waitFor(t, s, EventConnected)

	require.NoError(t, s.Disconnect())
	ev := waitFor(t, s, EventDisconnected)
	assert.NoError(t, ev.Err)
	assert.True(t, conn.isClosed())
	assert.Equal(t, Idle, s.Status().State)
	assert.ErrorIs(t, s.Send(context.Background(), []byte("x")), ErrNotConnected)
}

type recordingBackup struct {
	order *[]string
	mu    *sync.Mutex
	err   error
}

func (b recordingBackup) BackupAll(context.Context) ([]byte, error) {
	b.mu.Lock()
	*b.order = append(*b.order, "backup")
	b.mu.Unlock()
	return []byte("{}"), b.err
}

func TestShutdownClosesThenBacksUp(t *testing.T) {
	var mu sync.Mutex
	var order []string
	conn := newFakeConn()
	conn.onClose = func() {
		mu.Lock()
		order = append(order, "close")
		mu.Unlock()
	}
	cfg := fastConfig()
	cfg.Backup = recordingBackup{order: &order, mu: &mu}
	s := New(&fakeDialer{steps: []func(context.Context) (connection.Connection, error){returns(conn)}}, cfg)

	require.NoError(t, s.Connect())
	conn.push(connection.Event{Type: connection.EventOpen})
	waitFor(t, s, EventConnected)

	require.NoError(t, s.Shutdown(context.Background()))
	mu.Lock()
	assert.Equal(t, []string{"close", "backup"}, order)
	mu.Unlock()
	assert.Equal(t, Closed, s.Status().State)

	ev := waitFor(t, s, EventDisconnected)
	assert.NoError(t, ev.Err)
	_, ok := <-s.Events()
	assert.False(t, ok)

	assert.ErrorIs(t, s.Connect(), ErrShutdown)
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestShutdownCancelsBackoffAndReportsBackupError(t *testing.T) {
	dialer := &fakeDialer{steps: []func(context.Context) (connection.Connection, error){fails(errors.New("refused"))}}
	var mu sync.Mutex
	var order []string
	cfg := fastConfig()
	cfg.Policy = retry.NewPolicy(10*time.Second, time.Minute, 2)
	cfg.Backup = recordingBackup{order: &order, mu: &mu, err: errors.New("disk full")}
	s := New(dialer, cfg)

	require.NoError(t, s.Connect())
	require.Eventually(t, func() bool { return s.Status().State == Reconnecting }, 2*time.Second, time.Millisecond)

	err := s.Shutdown(context.Background())
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, []string{"backup"}, order)
}

func TestStateMapping(t *testing.T) {
	tests := []struct {
		state  State
		name   string
		coarse string
	}{
		{Idle, "idle", "disconnected"},
		{Connecting, "connecting", "connecting"},
		{Open, "open", "open"},
		{Reconnecting, "reconnecting", "connecting"},
		{Closing, "closing", "closing"},
		{Closed, "closed", "disconnected"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.state.String())
		assert.Equal(t, tt.coarse, tt.state.ConnectionState())
	}
	assert.Equal(t, 0.0, Status{}.SuccessRate())
	assert.Equal(t, "circuitOpen(1s)", Event{Type: EventCircuitOpen, Wait: time.Second}.String())
}
