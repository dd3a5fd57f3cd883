package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"go_tradernet/relay/pkg/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordState(t *testing.T) {
	m := NewMetrics()

	m.RecordState(types.StateAuthenticated)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Connected))
	require.Equal(t, 3.0, testutil.ToFloat64(m.ConnectionState))

	m.RecordState(types.StateConnecting)
	require.Equal(t, 0.0, testutil.ToFloat64(m.Connected))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionState))
}

func TestCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordConnectAttempt("ok")
	m.RecordConnectAttempt("ok")
	m.RecordConnectAttempt("timeout")
	m.RecordWatchdogFire()
	m.RecordQuote(true)
	m.RecordQuote(false)
	m.RecordSubscriptionSent(4)
	m.RecordObserverPanic("price")

	require.Equal(t, 2.0, testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("timeout")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.WatchdogFires))
	require.Equal(t, 1.0, testutil.ToFloat64(m.QuotesAccepted))
	require.Equal(t, 1.0, testutil.ToFloat64(m.QuotesIgnored))
	require.Equal(t, 4.0, testutil.ToFloat64(m.DesiredSymbols))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ObserverPanics.WithLabelValues("price")))
}

func TestIndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.RecordWatchdogFire()
	require.Equal(t, 0.0, testutil.ToFloat64(b.WatchdogFires))
}

func TestHandlerExposesSeries(t *testing.T) {
	m := NewMetrics()
	m.RecordReconnectScheduled()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "tradernet_relay_reconnects_scheduled_total 1"))
}
