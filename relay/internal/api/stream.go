package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go_tradernet/relay/internal/cache"
	"go_tradernet/relay/internal/fanout"
	"go_tradernet/relay/pkg/types"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// StreamMessage is a client request on the feed socket.
type StreamMessage struct {
	Op      string   `json:"op"` // subscribe, unsubscribe, ping
	Symbols []string `json:"symbols,omitempty"`
}

// StreamEvent is pushed to feed clients.
type StreamEvent struct {
	Type      string       `json:"type"` // price, portfolio, connection, subscribed, unsubscribed, pong, error
	Quote     *types.Quote `json:"quote,omitempty"`
	Symbols   []string     `json:"symbols,omitempty"`
	Connected *bool        `json:"connected,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// StreamHandler serves the local price feed over WebSocket. Clients pick
// symbols with ?symbols=a,b or subscribe messages; portfolio and
// connection events go to every client.
type StreamHandler struct {
	cache     *cache.Layer
	fanout    *fanout.Hub
	logger    *zap.Logger
	sendQueue int
}

// NewStreamHandler creates a feed handler.
func NewStreamHandler(cacheLyr *cache.Layer, hub *fanout.Hub, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		cache:     cacheLyr,
		fanout:    hub,
		logger:    logger.Named("stream"),
		sendQueue: 256,
	}
}

// streamClient is one connected feed socket.
type streamClient struct {
	send    chan StreamEvent
	mu      sync.RWMutex
	symbols map[string]struct{}
}

func (c *streamClient) wants(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.symbols[symbol]
	return ok
}

func (c *streamClient) set(symbols []string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range symbols {
		if on {
			c.symbols[s] = struct{}{}
		} else {
			delete(c.symbols, s)
		}
	}
}

// push never blocks the hub; slow clients lose events.
func (c *streamClient) push(ev StreamEvent) {
	select {
	case c.send <- ev:
	default:
	}
}

// ServeHTTP upgrades the request and runs the feed until either side closes.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("Accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	err = h.Handle(r.Context(), conn, splitSymbols(r.URL.Query().Get("symbols")))
	h.logger.Debug("Feed client gone", zap.Error(err))
}

// Handle runs one feed client until the socket or ctx ends. It always
// returns a non-nil error.
func (h *StreamHandler) Handle(ctx context.Context, conn *websocket.Conn, symbols []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := &streamClient{
		send:    make(chan StreamEvent, h.sendQueue),
		symbols: make(map[string]struct{}),
	}
	client.set(symbols, true)

	handles := make([]fanout.Handle, 0, 3)
	defer func() {
		for _, handle := range handles {
			h.fanout.Unregister(handle)
		}
	}()

	register := func(handle fanout.Handle, err error) error {
		if err != nil {
			return errors.Wrap(err, "failed to register feed observer")
		}
		handles = append(handles, handle)
		return nil
	}
	if err := register(h.fanout.OnPrice(func(q types.Quote) {
		if client.wants(q.Symbol) {
			client.push(StreamEvent{Type: fanout.KindPrice, Quote: &q})
		}
	})); err != nil {
		return err
	}
	if err := register(h.fanout.OnPortfolio(func(symbols []string) {
		client.push(StreamEvent{Type: fanout.KindPortfolio, Symbols: symbols})
	})); err != nil {
		return err
	}
	if err := register(h.fanout.OnConnection(func(connected bool) {
		client.push(StreamEvent{Type: fanout.KindConnection, Connected: &connected})
	})); err != nil {
		return err
	}

	h.sendSnapshot(client, symbols)

	go h.readLoop(ctx, cancel, conn, client)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-client.send:
			writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			writeCancel()
			if err != nil {
				return err
			}
		}
	}
}

// sendSnapshot queues the cached quotes for symbols.
func (h *StreamHandler) sendSnapshot(client *streamClient, symbols []string) {
	for _, sym := range symbols {
		if q, ok := h.cache.GetQuote(sym); ok {
			client.push(StreamEvent{Type: fanout.KindPrice, Quote: &q})
		}
	}
}

// readLoop handles client requests. It cancels the feed when the socket closes.
func (h *StreamHandler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, client *streamClient) {
	defer cancel()

	for {
		var msg StreamMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}

		switch msg.Op {
		case "subscribe":
			client.set(msg.Symbols, true)
			client.push(StreamEvent{Type: "subscribed", Symbols: msg.Symbols})
			h.sendSnapshot(client, msg.Symbols)
		case "unsubscribe":
			client.set(msg.Symbols, false)
			client.push(StreamEvent{Type: "unsubscribed", Symbols: msg.Symbols})
		case "ping":
			client.push(StreamEvent{Type: "pong"})
		default:
			client.push(StreamEvent{Type: "error", Error: "unknown op"})
		}
	}
}

func splitSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
