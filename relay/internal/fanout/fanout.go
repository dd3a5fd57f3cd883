// Package fanout delivers price, portfolio and connection events to local
// observers.
package fanout

import (
	"sync"
	"sync/atomic"

	"go_tradernet/relay/internal/metrics"
	"go_tradernet/relay/pkg/types"

	"github.com/google/uuid"
	"github.com/olebedev/emitter"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Emitter topics.
const (
	TopicPricePrefix = "price:"
	TopicPortfolio   = "portfolio"
	TopicConnection  = "connection"
)

// Event kinds, also used as metric labels.
const (
	KindPrice      = "price"
	KindPortfolio  = "portfolio"
	KindConnection = "connection"
)

// ErrClosed is returned when registering on a closed hub.
var ErrClosed = errors.New("fanout hub closed")

// Handle identifies one observer registration.
type Handle string

// Observer callbacks.
type (
	PriceFunc      func(q types.Quote)
	PortfolioFunc  func(symbols []string)
	ConnectionFunc func(connected bool)
)

type observer struct {
	handle     Handle
	kind       string
	price      PriceFunc
	portfolio  PortfolioFunc
	connection ConnectionFunc
}

type event struct {
	kind      string
	quote     types.Quote
	symbols   []string
	connected bool
}

// Hub keeps the observer list and delivers events serially on its own
// goroutine, in registration order.
type Hub struct {
	emitter   *emitter.Emitter
	observers []*observer
	mu        sync.RWMutex

	queue     chan event
	ctrlMu    sync.Mutex
	ctrl      []event
	ctrlReady chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	logger  *zap.Logger
	metrics *metrics.Metrics

	delivered atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// NewHub creates a hub and starts its dispatch goroutine. m may be nil.
func NewHub(queueSize, emitterSize int, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if queueSize <= 0 {
		queueSize = 1024
	}
	e := emitter.New(uint(emitterSize))
	// Slow pattern listeners miss events instead of piling up goroutines.
	e.Use("*", emitter.Skip)

	h := &Hub{
		emitter:   e,
		queue:     make(chan event, queueSize),
		ctrlReady: make(chan struct{}, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		logger:    logger.Named("fanout"),
		metrics:   m,
	}

	go h.run()

	return h
}

// OnPrice registers a price observer.
func (h *Hub) OnPrice(fn PriceFunc) (Handle, error) {
	return h.register(&observer{kind: KindPrice, price: fn})
}

// OnPortfolio registers a portfolio observer.
func (h *Hub) OnPortfolio(fn PortfolioFunc) (Handle, error) {
	return h.register(&observer{kind: KindPortfolio, portfolio: fn})
}

// OnConnection registers a connection-state observer.
func (h *Hub) OnConnection(fn ConnectionFunc) (Handle, error) {
	return h.register(&observer{kind: KindConnection, connection: fn})
}

func (h *Hub) register(o *observer) (Handle, error) {
	if h.closed.Load() {
		return "", ErrClosed
	}
	o.handle = Handle(uuid.NewString())

	h.mu.Lock()
	h.observers = append(h.observers, o)
	h.mu.Unlock()

	return o.handle, nil
}

// Unregister removes an observer. It reports whether the handle was known.
func (h *Hub) Unregister(handle Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, o := range h.observers {
		if o.handle == handle {
			h.observers = append(h.observers[:i:i], h.observers[i+1:]...)
			return true
		}
	}
	return false
}

// Observers returns the number of registered observers.
func (h *Hub) Observers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// PublishPrice queues a price event. Price events are dropped when the queue
// is full; a newer quote for the symbol follows soon enough.
func (h *Hub) PublishPrice(q types.Quote) {
	if h.closed.Load() {
		return
	}
	select {
	case h.queue <- event{kind: KindPrice, quote: q}:
	default:
		h.dropped.Add(1)
		h.logger.Warn("Fanout queue full, dropping price", zap.String("symbol", q.Symbol))
	}
}

// PublishPortfolio queues a portfolio event. It never blocks.
func (h *Hub) PublishPortfolio(symbols []string) {
	cp := make([]string, len(symbols))
	copy(cp, symbols)
	h.enqueueControl(event{kind: KindPortfolio, symbols: cp})
}

// PublishConnection queues a connection-state event. It never blocks.
func (h *Hub) PublishConnection(connected bool) {
	h.enqueueControl(event{kind: KindConnection, connected: connected})
}

// enqueueControl appends to the unbounded control list. Publishers run on
// the supervisor goroutine, and observers may call back into it.
func (h *Hub) enqueueControl(ev event) {
	if h.closed.Load() {
		return
	}
	h.ctrlMu.Lock()
	h.ctrl = append(h.ctrl, ev)
	h.ctrlMu.Unlock()

	select {
	case h.ctrlReady <- struct{}{}:
	default:
	}
}

func (h *Hub) drainControl() {
	h.ctrlMu.Lock()
	pending := h.ctrl
	h.ctrl = nil
	h.ctrlMu.Unlock()

	for _, ev := range pending {
		h.dispatch(ev)
	}
}

func (h *Hub) run() {
	defer close(h.stopped)

	for {
		select {
		case <-h.ctrlReady:
			h.drainControl()
		case ev := <-h.queue:
			h.drainControl()
			h.dispatch(ev)
		case <-h.done:
			// Drain what is already queued.
			h.drainControl()
			for {
				select {
				case ev := <-h.queue:
					h.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) dispatch(ev event) {
	h.mu.RLock()
	targets := make([]*observer, 0, len(h.observers))
	for _, o := range h.observers {
		if o.kind == ev.kind {
			targets = append(targets, o)
		}
	}
	h.mu.RUnlock()

	for _, o := range targets {
		h.deliver(o, ev)
	}

	switch ev.kind {
	case KindPrice:
		h.emitter.Emit(TopicPricePrefix+ev.quote.Symbol, ev.quote)
	case KindPortfolio:
		h.emitter.Emit(TopicPortfolio, ev.symbols)
	case KindConnection:
		h.emitter.Emit(TopicConnection, ev.connected)
	}
}

// deliver calls one observer and recovers from its panic.
func (h *Hub) deliver(o *observer, ev event) {
	defer func() {
		if r := recover(); r != nil {
			h.panics.Add(1)
			if h.metrics != nil {
				h.metrics.RecordObserverPanic(ev.kind)
			}
			h.logger.Error("Observer panicked",
				zap.String("event", ev.kind),
				zap.String("handle", string(o.handle)),
				zap.Any("panic", r))
		}
	}()

	switch ev.kind {
	case KindPrice:
		o.price(ev.quote)
	case KindPortfolio:
		symbols := make([]string, len(ev.symbols))
		copy(symbols, ev.symbols)
		o.portfolio(symbols)
	case KindConnection:
		o.connection(ev.connected)
	}
	h.delivered.Add(1)
}

// On registers a pattern listener on the emitter topics (supports wildcards,
// e.g. "price:*").
func (h *Hub) On(pattern string) <-chan emitter.Event {
	return h.emitter.On(pattern)
}

// Off removes a pattern listener.
func (h *Hub) Off(pattern string, ch <-chan emitter.Event) {
	h.emitter.Off(pattern, ch)
}

// Close delivers the queued events and stops the dispatch goroutine.
// Later publishes are ignored.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.done)
	})
	<-h.stopped
}

// Stats returns hub statistics.
type Stats struct {
	Observers int   `json:"observers"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Panics    int64 `json:"panics"`
}

// GetStats returns current hub statistics.
func (h *Hub) GetStats() Stats {
	return Stats{
		Observers: h.Observers(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
		Panics:    h.panics.Load(),
	}
}
