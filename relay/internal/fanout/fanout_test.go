package fanout

import (
	"sync"
	"testing"
	"time"

	"go_tradernet/relay/internal/metrics"
	"go_tradernet/relay/pkg/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newHub(t *testing.T) (*Hub, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics()
	h := NewHub(16, 16, zaptest.NewLogger(t), m)
	t.Cleanup(h.Close)
	return h, m
}

func TestPanickingObserverDoesNotBlockOthers(t *testing.T) {
	h, m := newHub(t)

	var mu sync.Mutex
	var got []string

	_, err := h.OnPrice(func(q types.Quote) { panic("bad observer") })
	require.NoError(t, err)
	_, err = h.OnPrice(func(q types.Quote) {
		mu.Lock()
		got = append(got, q.Symbol)
		mu.Unlock()
	})
	require.NoError(t, err)

	h.PublishPrice(types.Quote{Symbol: "AAPL.US", Price: 1})
	h.PublishPrice(types.Quote{Symbol: "MSFT.US", Price: 2})
	h.Close()

	require.Equal(t, []string{"AAPL.US", "MSFT.US"}, got)
	require.Equal(t, int64(2), h.GetStats().Panics)
	require.Equal(t, 2.0, testutil.ToFloat64(m.ObserverPanics.WithLabelValues(KindPrice)))
}

func TestEventsRouteByKind(t *testing.T) {
	h, _ := newHub(t)

	var portfolio []string
	var states []bool
	prices := 0

	_, _ = h.OnPrice(func(types.Quote) { prices++ })
	_, _ = h.OnPortfolio(func(symbols []string) { portfolio = symbols })
	_, _ = h.OnConnection(func(c bool) { states = append(states, c) })

	h.PublishConnection(true)
	h.PublishPortfolio([]string{"AAPL.US", "MSFT.US"})
	h.PublishConnection(false)
	h.Close()

	require.Equal(t, 0, prices)
	require.Equal(t, []string{"AAPL.US", "MSFT.US"}, portfolio)
	require.Equal(t, []bool{true, false}, states)
}

func TestUnregister(t *testing.T) {
	h, _ := newHub(t)

	calls := 0
	handle, err := h.OnConnection(func(bool) { calls++ })
	require.NoError(t, err)
	other, err := h.OnConnection(func(bool) {})
	require.NoError(t, err)
	require.NotEqual(t, handle, other)
	require.Equal(t, 2, h.Observers())

	require.True(t, h.Unregister(handle))
	require.False(t, h.Unregister(handle))

	h.PublishConnection(true)
	h.Close()
	require.Equal(t, 0, calls)
	require.Equal(t, 1, h.Observers())
}

func TestRegisterAfterClose(t *testing.T) {
	h, _ := newHub(t)
	h.Close()

	_, err := h.OnPrice(func(types.Quote) {})
	require.ErrorIs(t, err, ErrClosed)

	// Publishing on a closed hub is a no-op.
	h.PublishPrice(types.Quote{Symbol: "X"})
	h.PublishConnection(true)
}

func TestEmitterPatternListener(t *testing.T) {
	h, _ := newHub(t)

	ch := h.On(TopicPricePrefix + "*")
	defer h.Off(TopicPricePrefix+"*", ch)

	h.PublishPrice(types.Quote{Symbol: "AAPL.US", Price: 190})

	select {
	case ev := <-ch:
		require.Equal(t, "price:AAPL.US", ev.OriginalTopic)
		q, ok := ev.Args[0].(types.Quote)
		require.True(t, ok)
		require.Equal(t, 190.0, q.Price)
	case <-time.After(2 * time.Second):
		t.Fatal("no emitter event")
	}
}

func TestPortfolioObserversGetCopies(t *testing.T) {
	h, _ := newHub(t)

	var second []string
	_, _ = h.OnPortfolio(func(symbols []string) { symbols[0] = "MUTATED" })
	_, _ = h.OnPortfolio(func(symbols []string) { second = symbols })

	h.PublishPortfolio([]string{"AAPL.US"})
	h.Close()

	require.Equal(t, []string{"AAPL.US"}, second)
}

func TestControlEventsNeverBlockPublisher(t *testing.T) {
	h, _ := newHub(t)

	release := make(chan struct{})
	var mu sync.Mutex
	var states []bool
	_, err := h.OnConnection(func(c bool) {
		<-release
		mu.Lock()
		states = append(states, c)
		mu.Unlock()
	})
	require.NoError(t, err)

	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < 100; i++ {
			h.PublishConnection(i%2 == 0)
			h.PublishPortfolio([]string{"AAPL.US"})
		}
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked behind a slow observer")
	}

	close(release)
	h.Close()

	require.Len(t, states, 100)
	require.True(t, states[0])
	require.False(t, states[99])
}
