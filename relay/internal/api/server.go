// Package api provides the local HTTP API using Fiber.
package api

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"go_tradernet/relay/internal/cache"
	"go_tradernet/relay/internal/config"
	"go_tradernet/relay/internal/fanout"
	"go_tradernet/relay/internal/metrics"
	"go_tradernet/relay/internal/pricestore"
	"go_tradernet/relay/internal/ratelimit"
	"go_tradernet/relay/internal/supervisor"
	"go_tradernet/relay/pkg/types"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Relay is the connection supervisor as seen by the API.
type Relay interface {
	AuthenticateAndConnect(ctx context.Context, login, password string) bool
	Connect(ctx context.Context, sid string) bool
	Disconnect()
	IsConnected() bool
	State() types.ConnectionState
	SetDesiredSubscriptions(symbols []string)
	DesiredSubscriptions() []string
	Stats() supervisor.Stats
}

// Deps are the services behind the API. Batcher and Limiter may be nil.
type Deps struct {
	Relay   Relay
	Cache   *cache.Layer
	Fanout  *fanout.Hub
	Batcher *pricestore.Batcher
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Server is the HTTP API server.
type Server struct {
	app     *fiber.App
	cfg     *config.ServerConfig
	relay   Relay
	cache   *cache.Layer
	fanout  *fanout.Hub
	batcher *pricestore.Batcher
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewServer creates a new API server.
func NewServer(cfg *config.ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewMetrics()
	}

	app := fiber.New(fiber.Config{
		AppName:               "Tradernet Relay",
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           120 * time.Second,
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler:          errorHandler,
	})

	s := &Server{
		app:     app,
		cfg:     cfg,
		relay:   deps.Relay,
		cache:   deps.Cache,
		fanout:  deps.Fanout,
		batcher: deps.Batcher,
		limiter: deps.Limiter,
		metrics: m,
		logger:  logger.Named("api"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// App exposes the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// setupMiddleware sets up middleware.
func (s *Server) setupMiddleware() {
	s.app.Use(recover.New())
	s.app.Use(cors.New())
	s.app.Use(s.requestMiddleware)
}

// setupRoutes sets up routes.
func (s *Server) setupRoutes() {
	// Health check
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))

	v1 := s.app.Group("/v1", s.rateLimitMiddleware)

	// Market data
	v1.Get("/status", s.handleStatus)
	v1.Get("/quotes", s.handleGetQuotes)
	v1.Get("/quotes/:symbol", s.handleGetQuote)
	v1.Get("/portfolio", s.handleGetPortfolio)
	v1.Post("/prices", s.handlePostPrices)

	// Subscriptions and session
	v1.Get("/subscriptions", s.handleGetSubscriptions)
	v1.Put("/subscriptions", s.handlePutSubscriptions)
	v1.Post("/session/connect", s.handleConnect)
	v1.Post("/session/disconnect", s.handleDisconnect)
}

// requestMiddleware logs and counts every request.
func (s *Server) requestMiddleware(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	status := c.Response().StatusCode()
	if err != nil {
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		} else {
			status = fiber.StatusInternalServerError
		}
	}
	s.metrics.RecordRequest(c.Method(), c.Route().Path, status)
	s.logger.Debug("Request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Duration("took", time.Since(start)))
	return err
}

// rateLimitMiddleware limits requests per client address.
func (s *Server) rateLimitMiddleware(c *fiber.Ctx) error {
	if s.limiter == nil || s.limiter.Allow(c.IP()) {
		return c.Next()
	}
	s.metrics.RecordRateLimitHit()
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error": "Rate limit exceeded",
		"code":  "RATE_LIMITED",
	})
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if fe, ok := err.(*fiber.Error); ok {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// handleHealth returns health status.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"connected": s.relay.IsConnected(),
		"time":      time.Now().UTC(),
	})
}

// handleStatus returns service statistics.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	out := fiber.Map{
		"state":      s.relay.State().String(),
		"connected":  s.relay.IsConnected(),
		"supervisor": s.relay.Stats(),
		"cache":      s.cache.GetStats(),
	}
	if s.fanout != nil {
		out["fanout"] = s.fanout.GetStats()
	}
	if s.limiter != nil {
		out["ratelimit"] = s.limiter.GetStats()
	}
	if s.batcher != nil {
		out["pending_prices"] = s.batcher.Pending()
	}
	return c.JSON(out)
}

// handleGetQuotes returns cached quotes, optionally filtered by ?symbols=a,b.
func (s *Server) handleGetQuotes(c *fiber.Ctx) error {
	quotes := s.cache.Quotes()

	if filter := c.Query("symbols"); filter != "" {
		want := make(map[string]struct{})
		for _, sym := range strings.Split(filter, ",") {
			if sym = strings.TrimSpace(sym); sym != "" {
				want[sym] = struct{}{}
			}
		}
		filtered := quotes[:0]
		for _, q := range quotes {
			if _, ok := want[q.Symbol]; ok {
				filtered = append(filtered, q)
			}
		}
		quotes = filtered
	}

	return c.JSON(fiber.Map{"quotes": quotes})
}

// handleGetQuote returns one cached quote.
func (s *Server) handleGetQuote(c *fiber.Ctx) error {
	symbol := c.Params("symbol")
	q, ok := s.cache.GetQuote(symbol)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No price for symbol",
		})
	}
	return c.JSON(q)
}

// handleGetPortfolio returns the last portfolio snapshot.
func (s *Server) handleGetPortfolio(c *fiber.Ctx) error {
	snapshot, ok := s.cache.GetPortfolio()
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Portfolio not received yet",
		})
	}
	return c.JSON(snapshot)
}

// handlePostPrices queues non-live prices for batched persistence.
func (s *Server) handlePostPrices(c *fiber.Ctx) error {
	if s.batcher == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Price persistence disabled",
		})
	}

	var req types.PriceBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}

	now := time.Now()
	recs := make([]pricestore.Record, 0, len(req.Prices))
	for _, p := range req.Prices {
		sym := strings.TrimSpace(p.Symbol)
		if sym == "" || p.Price <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "each price needs a symbol and a positive price")
		}
		prev := p.Price
		if q, ok := s.cache.GetQuote(sym); ok {
			prev = q.Price
		}
		recs = append(recs, pricestore.Record{
			Symbol:    sym,
			Price:     p.Price,
			PrevPrice: prev,
			Timestamp: now.Unix(),
			Trend:     types.TrendOf(prev, p.Price),
		})
	}
	s.batcher.Add(recs...)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"queued":  len(recs),
		"pending": s.batcher.Pending(),
	})
}

// handleGetSubscriptions returns the desired symbol set.
func (s *Server) handleGetSubscriptions(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"symbols": s.relay.DesiredSubscriptions()})
}

// handlePutSubscriptions replaces the desired symbol set.
func (s *Server) handlePutSubscriptions(c *fiber.Ctx) error {
	var req types.SubscriptionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}

	s.relay.SetDesiredSubscriptions(req.Symbols)
	return c.JSON(fiber.Map{"symbols": s.relay.DesiredSubscriptions()})
}

// handleConnect starts a session from a SID or from credentials.
func (s *Server) handleConnect(c *fiber.Ctx) error {
	var req types.SessionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}

	var ok bool
	switch {
	case req.SID != "":
		ok = s.relay.Connect(c.UserContext(), req.SID)
	case req.Login != "" && req.Password != "":
		ok = s.relay.AuthenticateAndConnect(c.UserContext(), req.Login, req.Password)
	default:
		return fiber.NewError(fiber.StatusBadRequest, "sid or login and password are required")
	}

	status := fiber.StatusOK
	if !ok {
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(fiber.Map{
		"ok":    ok,
		"state": s.relay.State().String(),
	})
}

// handleDisconnect ends the session.
func (s *Server) handleDisconnect(c *fiber.Ctx) error {
	s.relay.Disconnect()
	return c.JSON(fiber.Map{"state": s.relay.State().String()})
}

// Start starts the server. It blocks until Shutdown.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.HTTPPort))
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
