package supervisor

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go_tradernet/relay/internal/cache"
	"go_tradernet/relay/internal/clock"
	"go_tradernet/relay/internal/config"
	"go_tradernet/relay/internal/metrics"
	"go_tradernet/relay/internal/pricestore"
	"go_tradernet/relay/pkg/types"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeScheduler records timers and fires them on demand.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	sched   *fakeScheduler
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{sched: s, d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (t *fakeTimer) isActive() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	return !t.stopped && !t.fired
}

// fire runs the callback unless the timer was stopped.
func (t *fakeTimer) fire() {
	t.sched.mu.Lock()
	if t.stopped || t.fired {
		t.sched.mu.Unlock()
		return
	}
	t.fired = true
	t.sched.mu.Unlock()
	t.f()
}

// active returns the newest live timer armed with d, or nil.
func (s *fakeScheduler) active(d time.Duration) *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.timers) - 1; i >= 0; i-- {
		t := s.timers[i]
		if t.d == d && !t.stopped && !t.fired {
			return t
		}
	}
	return nil
}

func (s *fakeScheduler) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fakeConn is an in-memory stream socket.
type fakeConn struct {
	in       chan []byte
	dropped  chan struct{}
	closedCh chan struct{}
	dropOnce sync.Once
	once     sync.Once

	mu       sync.Mutex
	writes   []string
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:       make(chan []byte, 16),
		dropped:  make(chan struct{}),
		closedCh: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.dropped:
		return nil, io.EOF
	case <-c.closedCh:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closedCh) })
	return nil
}

// drop simulates the server going away.
func (c *fakeConn) drop() {
	c.dropOnce.Do(func() { close(c.dropped) })
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	copy(out, c.writes)
	return out
}

// fakeDialer hands out fakeConns.
type fakeDialer struct {
	mu      sync.Mutex
	sids    []string
	conns   []*fakeConn
	fail    error
	hang    bool
	release chan struct{}
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{release: make(chan struct{})}
}

func (d *fakeDialer) Dial(ctx context.Context, sid string) (Conn, error) {
	d.mu.Lock()
	d.sids = append(d.sids, sid)
	fail, hang := d.fail, d.hang
	d.mu.Unlock()

	if hang {
		// Complete only when released, even if ctx was cancelled.
		<-d.release
	}
	if fail != nil {
		return nil, fail
	}

	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sids)
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeAuth struct {
	sid   string
	err   error
	calls atomic.Int32
}

func (a *fakeAuth) Login(_ context.Context, _, _ string) (string, error) {
	a.calls.Add(1)
	return a.sid, a.err
}

type fixedPhase struct {
	p atomic.Int32
}

func (f *fixedPhase) Phase() clock.Phase {
	return clock.Phase(f.p.Load())
}

func (f *fixedPhase) set(p clock.Phase) {
	f.p.Store(int32(p))
}

// recordingSink keeps every published event.
type recordingSink struct {
	mu         sync.Mutex
	prices     []types.Quote
	portfolios [][]string
	conns      []bool
}

func (r *recordingSink) PublishPrice(q types.Quote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices = append(r.prices, q)
}

func (r *recordingSink) PublishPortfolio(symbols []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.portfolios = append(r.portfolios, symbols)
}

func (r *recordingSink) PublishConnection(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, connected)
}

func (r *recordingSink) connections() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.conns))
	copy(out, r.conns)
	return out
}

func (r *recordingSink) priceEvents() []types.Quote {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Quote, len(r.prices))
	copy(out, r.prices)
	return out
}

// Durations used by the harness; all distinct so timers can be told apart.
const (
	testBase     = 100 * time.Millisecond
	testWatchdog = 3 * time.Second
	testResub    = 7 * time.Second
	testConnect  = 10 * time.Second
)

type harness struct {
	t       *testing.T
	sup     *Supervisor
	sched   *fakeScheduler
	dialer  *fakeDialer
	auth    *fakeAuth
	phase   *fixedPhase
	store   pricestore.Store
	cache   *cache.Layer
	sink    *recordingSink
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, mutate ...func(*config.SupervisorConfig)) *harness {
	t.Helper()
	return newHarnessWithStore(t, pricestore.NewMemoryStore(), mutate...)
}

func newHarnessWithStore(t *testing.T, store pricestore.Store, mutate ...func(*config.SupervisorConfig)) *harness {
	t.Helper()

	cfg := &config.SupervisorConfig{
		ConnectTimeout:       testConnect,
		ReconnectBaseDelay:   testBase,
		MaxReconnectAttempts: 5,
		WatchdogTimeout:      testWatchdog,
		ResubscribeInterval:  testResub,
		StoreTimeout:         time.Second,
		OptionMarker:         "+",
		OptionMultiplier:     100,
	}
	for _, m := range mutate {
		m(cfg)
	}

	h := &harness{
		t:       t,
		sched:   &fakeScheduler{},
		dialer:  newFakeDialer(),
		auth:    &fakeAuth{sid: "sid-1"},
		phase:   &fixedPhase{},
		store:   store,
		cache:   cache.NewLayer(),
		sink:    &recordingSink{},
		metrics: metrics.NewMetrics(),
	}
	h.phase.set(clock.Open)

	sup, err := New(cfg, Deps{
		Dialer:    h.dialer,
		Auth:      h.auth,
		Phase:     h.phase,
		Scheduler: h.sched,
		Recorder:  pricestore.NewRecorder(h.store),
		Cache:     h.cache,
		Sink:      h.sink,
		Logger:    zaptest.NewLogger(t),
		Metrics:   h.metrics,
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start())
	t.Cleanup(sup.Close)

	h.sup = sup
	return h
}

// sync waits until the reactor processed everything queued so far.
func (h *harness) sync() {
	h.sup.do(func() {})
}

// connect opens a socket and returns it, awaiting session confirmation.
func (h *harness) connect() *fakeConn {
	h.t.Helper()
	require.True(h.t, h.sup.Connect(context.Background(), "sid-1"))
	require.Equal(h.t, types.StateAwaitingAuth, h.sup.State())
	return h.dialer.last()
}

// push delivers a frame and waits until the reactor handled it.
func (h *harness) push(conn *fakeConn, frame string) {
	h.t.Helper()
	before := h.sup.Stats().FramesReceived
	conn.in <- []byte(frame)
	require.Eventually(h.t, func() bool {
		return h.sup.Stats().FramesReceived > before
	}, 2*time.Second, time.Millisecond)
}

// authenticate opens a socket and confirms the session.
func (h *harness) authenticate() *fakeConn {
	h.t.Helper()
	conn := h.connect()
	h.push(conn, `["userData",{"mode":"prod"}]`)
	require.True(h.t, h.sup.IsConnected())
	return conn
}

// waitState waits for the reactor to reach st.
func (h *harness) waitState(st types.ConnectionState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.sup.State() == st
	}, 2*time.Second, time.Millisecond)
}

// fire fires the active timer with duration d and waits for the reactor.
func (h *harness) fire(d time.Duration) {
	h.t.Helper()
	timer := h.sched.active(d)
	require.NotNil(h.t, timer, "no active timer for %s", d)
	timer.fire()
	h.sync()
}
