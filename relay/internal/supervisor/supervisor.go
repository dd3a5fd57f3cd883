// Package supervisor owns the broker stream connection: authentication,
// reconnection with backoff, the liveness watchdog and the desired
// subscription set.
//
// All connection state lives on a single reactor goroutine. Public methods,
// socket reads, dial results and timers hand work to the reactor through a
// command channel, so no lock guards the state.
package supervisor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go_tradernet/relay/internal/clock"
	"go_tradernet/relay/internal/codec"
	"go_tradernet/relay/internal/config"
	"go_tradernet/relay/internal/metrics"
	"go_tradernet/relay/internal/pricestore"
	"go_tradernet/relay/pkg/types"

	"github.com/cenkalti/backoff/v5"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Error definitions
var (
	ErrClosed         = errors.New("supervisor closed")
	ErrNoSession      = errors.New("no session id")
	ErrConnectTimeout = errors.New("connect timed out")
	ErrSilent         = errors.New("no quotes after subscribe")
)

const (
	writeTimeout = 5 * time.Second
	commandQueue = 256
)

// Authenticator exchanges credentials for a session id.
type Authenticator interface {
	Login(ctx context.Context, login, password string) (string, error)
}

// PhaseSource reports the current trading session phase.
type PhaseSource interface {
	Phase() clock.Phase
}

// StateCache holds the last known quotes and portfolio for readers.
type StateCache interface {
	UpdateQuote(q types.Quote)
	UpdatePortfolio(snapshot types.PortfolioSnapshot)
	MarkStale()
}

// Sink receives events for observers.
type Sink interface {
	PublishPrice(q types.Quote)
	PublishPortfolio(symbols []string)
	PublishConnection(connected bool)
}

// Deps are the collaborators of a Supervisor. Dialer and Phase are required.
type Deps struct {
	Dialer    Dialer
	Auth      Authenticator
	Phase     PhaseSource
	Scheduler Scheduler            // defaults to wall-clock timers
	Recorder  *pricestore.Recorder // defaults to an in-memory store
	Cache     StateCache
	Sink      Sink
	Pool      *ants.Pool // runs dials; a private pool is created when nil
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Supervisor manages the broker stream connection.
type Supervisor struct {
	cfg   config.SupervisorConfig
	price codec.PriceOptions

	dialer   Dialer
	auth     Authenticator
	phase    PhaseSource
	sched    Scheduler
	recorder *pricestore.Recorder
	cache    StateCache
	sink     Sink
	pool     *ants.Pool
	ownPool  bool
	logger   *zap.Logger
	metrics  *metrics.Metrics

	cmds      chan func()
	done      chan struct{}
	stopped   chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	state     atomic.Int32

	// Reactor-owned state below.
	st          types.ConnectionState
	sid         string
	conn        Conn
	gen         uint64
	intentional bool
	desired     []string
	attempts    int
	backoff     *backoff.ExponentialBackOff
	fast        *rate.Limiter
	waiters     []chan bool
	dialCancel  context.CancelFunc
	readCancel  context.CancelFunc

	connectTimer   slot
	reconnectTimer slot
	watchdogTimer  slot
	resubTimer     slot

	stats Stats
}

// Stats is a snapshot of supervisor counters.
type Stats struct {
	State             string    `json:"state"`
	HasSession        bool      `json:"has_session"`
	DesiredSymbols    int       `json:"desired_symbols"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	ReconnectPending  bool      `json:"reconnect_pending"`
	WatchdogArmed     bool      `json:"watchdog_armed"`
	Connects          int64     `json:"connects"`
	Authentications   int64     `json:"authentications"`
	WatchdogFires     int64     `json:"watchdog_fires"`
	FastCycles        int64     `json:"fast_cycles"`
	GiveUps           int64     `json:"give_ups"`
	FramesReceived    int64     `json:"frames_received"`
	QuotesReceived    int64     `json:"quotes_received"`
	SubscriptionsSent int64     `json:"subscriptions_sent"`
	LastFrameAt       time.Time `json:"last_frame_at"`
}

// New creates a supervisor. Call Start before using it.
func New(cfg *config.SupervisorConfig, deps Deps) (*Supervisor, error) {
	if deps.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if deps.Phase == nil {
		return nil, errors.New("phase source is required")
	}

	s := &Supervisor{
		cfg:      *cfg,
		dialer:   deps.Dialer,
		auth:     deps.Auth,
		phase:    deps.Phase,
		sched:    deps.Scheduler,
		recorder: deps.Recorder,
		cache:    deps.Cache,
		sink:     deps.Sink,
		pool:     deps.Pool,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		cmds:     make(chan func(), commandQueue),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	s.price = codec.DefaultPriceOptions()
	if cfg.OptionMarker != "" {
		s.price.OptionMarker = cfg.OptionMarker
	}
	if cfg.OptionMultiplier > 0 {
		s.price.DefaultMultiplier = cfg.OptionMultiplier
	}
	if s.cfg.ConnectTimeout <= 0 {
		s.cfg.ConnectTimeout = 10 * time.Second
	}
	if s.cfg.ReconnectBaseDelay <= 0 {
		s.cfg.ReconnectBaseDelay = time.Second
	}
	if s.cfg.WatchdogTimeout <= 0 {
		s.cfg.WatchdogTimeout = 2 * time.Second
	}
	if s.cfg.ResubscribeInterval <= 0 {
		s.cfg.ResubscribeInterval = 7 * time.Second
	}
	// Quotes are recorded on the reactor; a slow store must not stall it.
	if s.cfg.StoreTimeout <= 0 {
		s.cfg.StoreTimeout = 250 * time.Millisecond
	}

	if s.sched == nil {
		s.sched = realScheduler{}
	}
	if s.recorder == nil {
		s.recorder = pricestore.NewRecorder(pricestore.NewMemoryStore())
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("supervisor")
	if s.metrics == nil {
		s.metrics = metrics.NewMetrics()
	}
	if s.pool == nil {
		pool, err := ants.NewPool(4, ants.WithNonblocking(true))
		if err != nil {
			return nil, errors.Wrap(err, "failed to create worker pool")
		}
		s.pool = pool
		s.ownPool = true
	}

	s.backoff = newBackoff(s.cfg.ReconnectBaseDelay, s.cfg.MaxReconnectAttempts)

	// Zero leaves watchdog cycles unbudgeted.
	perMinute := s.cfg.FastCyclesPerMinute
	if perMinute <= 0 {
		s.fast = rate.NewLimiter(rate.Inf, 0)
	} else {
		s.fast = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}

	s.connectTimer.name = "connect"
	s.reconnectTimer.name = "reconnect"
	s.watchdogTimer.name = "watchdog"
	s.resubTimer.name = "resubscribe"

	s.metrics.RecordState(types.StateDisconnected)

	return s, nil
}

// newBackoff yields base, 2*base, 4*base, ... without jitter.
func newBackoff(base time.Duration, maxAttempts int) *backoff.ExponentialBackOff {
	shift := maxAttempts
	if shift > 30 {
		shift = 30
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         base << uint(shift),
	}
	b.Reset()
	return b
}

// Start launches the reactor.
func (s *Supervisor) Start() error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.startOnce.Do(func() {
		go s.run()
	})
	return nil
}

// Close disconnects and stops the reactor.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		s.startOnce.Do(func() { go s.run() })
		s.Disconnect()
		close(s.done)
		<-s.stopped
		if s.ownPool {
			s.pool.Release()
		}
	})
}

func (s *Supervisor) run() {
	defer close(s.stopped)

	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.done:
			return
		}
	}
}

// post hands fn to the reactor. It reports false once the supervisor is closed.
func (s *Supervisor) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.cmds <- fn:
		return true
	case <-s.done:
		return false
	}
}

// do runs fn on the reactor and waits for it.
func (s *Supervisor) do(fn func()) bool {
	finished := make(chan struct{})
	if !s.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-s.stopped:
		return false
	}
}

// AuthenticateAndConnect exchanges credentials for a session id and connects
// with it. Credential failures are not retried.
func (s *Supervisor) AuthenticateAndConnect(ctx context.Context, login, password string) bool {
	if s.auth == nil {
		s.logger.Error("No authenticator configured")
		return false
	}

	sid, err := s.auth.Login(ctx, login, password)
	if err != nil {
		s.logger.Warn("Credential exchange failed", zap.Error(err))
		return false
	}
	return s.Connect(ctx, sid)
}

// Connect opens the stream with a pre-obtained session id. It returns once the
// socket is open (true) or the attempt failed (false). The server confirms the
// session later; see IsConnected.
func (s *Supervisor) Connect(ctx context.Context, sid string) bool {
	if sid == "" {
		s.logger.Warn("Connect without session id", zap.Error(ErrNoSession))
		return false
	}

	result := make(chan bool, 1)
	if !s.post(func() {
		s.intentional = false
		s.attempts = 0
		s.backoff.Reset()
		s.beginConnect(sid, result)
	}) {
		return false
	}

	select {
	case ok := <-result:
		return ok
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

// Disconnect ends the session. Pending timers are cancelled, the socket is
// closed and the session id and desired set are cleared. No reconnect follows.
func (s *Supervisor) Disconnect() {
	s.do(func() {
		s.intentional = true
		s.disarm(&s.connectTimer)
		s.disarm(&s.reconnectTimer)
		s.disarm(&s.watchdogTimer)
		s.disarm(&s.resubTimer)

		wasAuthenticated := s.st == types.StateAuthenticated
		s.dropConn()
		s.sid = ""
		s.desired = nil
		s.metrics.SetDesiredSymbols(0)
		s.setState(types.StateDisconnected)
		if wasAuthenticated {
			s.notifyConnection(false)
		}
		s.resolve(false)
		s.logger.Info("Disconnected")
	})
}

// IsConnected reports whether the socket is open and the server confirmed the
// session.
func (s *Supervisor) IsConnected() bool {
	return s.State() == types.StateAuthenticated
}

// State returns the current connection state.
func (s *Supervisor) State() types.ConnectionState {
	return types.ConnectionState(s.state.Load())
}

// SetDesiredSubscriptions replaces the desired symbol set. While authenticated
// the full set is sent at once; otherwise it is sent after the next
// authentication.
func (s *Supervisor) SetDesiredSubscriptions(symbols []string) {
	desired := normalizeSymbols(symbols)
	s.do(func() {
		s.desired = desired
		s.metrics.SetDesiredSymbols(len(desired))
		if s.st == types.StateAuthenticated {
			s.sendSubscriptions()
		}
	})
}

// DesiredSubscriptions returns a copy of the desired symbol set.
func (s *Supervisor) DesiredSubscriptions() []string {
	var out []string
	s.do(func() {
		out = make([]string, len(s.desired))
		copy(out, s.desired)
	})
	return out
}

// Stats returns a snapshot of supervisor counters.
func (s *Supervisor) Stats() Stats {
	var st Stats
	if !s.do(func() {
		st = s.stats
		st.State = s.st.String()
		st.HasSession = s.sid != ""
		st.DesiredSymbols = len(s.desired)
		st.ReconnectAttempts = s.attempts
		st.ReconnectPending = s.reconnectTimer.armed()
		st.WatchdogArmed = s.watchdogTimer.armed()
	}) {
		st.State = s.State().String()
	}
	return st
}

// normalizeSymbols trims, drops empties and de-duplicates, keeping order.
func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		sym = strings.TrimSpace(sym)
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}
