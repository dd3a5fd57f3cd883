package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go_tradernet/relay/internal/cache"
	"go_tradernet/relay/internal/fanout"
	"go_tradernet/relay/pkg/types"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func dialFeed(t *testing.T, srv *httptest.Server, query string) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

// next reads events until one of type typ arrives.
func next(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string) StreamEvent {
	t.Helper()
	for {
		var ev StreamEvent
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		if ev.Type == typ {
			return ev
		}
	}
}

// ready waits until the handler registered its observers.
func ready(t *testing.T, ctx context.Context, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, wsjson.Write(ctx, conn, StreamMessage{Op: "ping"}))
	next(t, ctx, conn, "pong")
}

func TestStreamDeliversSelectedPrices(t *testing.T) {
	layer := cache.NewLayer()
	layer.UpdateQuote(types.Quote{Symbol: "SBER", Price: 250})
	hub := fanout.NewHub(16, 0, zaptest.NewLogger(t), nil)
	defer hub.Close()

	srv := httptest.NewServer(NewStreamHandler(layer, hub, zaptest.NewLogger(t)))
	defer srv.Close()

	conn, ctx := dialFeed(t, srv, "symbols=SBER")

	snap := next(t, ctx, conn, fanout.KindPrice)
	require.Equal(t, 250.0, snap.Quote.Price)
	ready(t, ctx, conn)

	hub.PublishPrice(types.Quote{Symbol: "GAZP", Price: 160})
	hub.PublishPrice(types.Quote{Symbol: "SBER", Price: 251, Trend: types.TrendUp, IsLive: true})

	ev := next(t, ctx, conn, fanout.KindPrice)
	require.Equal(t, "SBER", ev.Quote.Symbol)
	require.Equal(t, types.TrendUp, ev.Quote.Trend)

	hub.PublishConnection(false)
	ev = next(t, ctx, conn, fanout.KindConnection)
	require.NotNil(t, ev.Connected)
	require.False(t, *ev.Connected)

	hub.PublishPortfolio([]string{"SBER", "+SBER.C300"})
	ev = next(t, ctx, conn, fanout.KindPortfolio)
	require.Equal(t, []string{"SBER", "+SBER.C300"}, ev.Symbols)
}

func TestStreamSubscribeAndUnsubscribe(t *testing.T) {
	hub := fanout.NewHub(16, 0, zaptest.NewLogger(t), nil)
	defer hub.Close()

	srv := httptest.NewServer(NewStreamHandler(cache.NewLayer(), hub, zaptest.NewLogger(t)))
	defer srv.Close()

	conn, ctx := dialFeed(t, srv, "")
	ready(t, ctx, conn)
	require.Equal(t, 3, hub.Observers())

	require.NoError(t, wsjson.Write(ctx, conn, StreamMessage{Op: "subscribe", Symbols: []string{"GAZP"}}))
	next(t, ctx, conn, "subscribed")

	hub.PublishPrice(types.Quote{Symbol: "GAZP", Price: 160})
	ev := next(t, ctx, conn, fanout.KindPrice)
	require.Equal(t, "GAZP", ev.Quote.Symbol)

	require.NoError(t, wsjson.Write(ctx, conn, StreamMessage{Op: "unsubscribe", Symbols: []string{"GAZP"}}))
	next(t, ctx, conn, "unsubscribed")

	require.NoError(t, wsjson.Write(ctx, conn, StreamMessage{Op: "bogus"}))
	ev = next(t, ctx, conn, "error")
	require.Equal(t, "unknown op", ev.Error)

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return hub.Observers() == 0 }, 5*time.Second, 10*time.Millisecond)
}
