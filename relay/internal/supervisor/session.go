package supervisor

import (
	"context"
	"time"

	"go_tradernet/relay/internal/codec"
	"go_tradernet/relay/internal/logger"
	"go_tradernet/relay/pkg/types"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Everything in this file runs on the reactor goroutine.

func (s *Supervisor) setState(st types.ConnectionState) {
	if s.st == st {
		return
	}
	s.logger.Debug("State change", zap.Stringer("from", s.st), logger.State(st))
	s.st = st
	s.state.Store(int32(st))
	s.metrics.RecordState(st)
}

func (s *Supervisor) notifyConnection(connected bool) {
	if !connected && s.cache != nil {
		s.cache.MarkStale()
	}
	if s.sink != nil {
		s.sink.PublishConnection(connected)
	}
}

// resolve answers every caller waiting on the current connect attempt.
func (s *Supervisor) resolve(ok bool) {
	for _, w := range s.waiters {
		w <- ok
	}
	s.waiters = nil
}

// beginConnect starts a dial for sid. Any previous socket or attempt is
// abandoned, along with a pending reconnect.
func (s *Supervisor) beginConnect(sid string, waiter chan bool) {
	s.disarm(&s.reconnectTimer)
	s.disarm(&s.watchdogTimer)
	s.disarm(&s.resubTimer)

	wasAuthenticated := s.st == types.StateAuthenticated
	s.dropConn()
	s.resolve(false)
	if wasAuthenticated {
		s.notifyConnection(false)
	}

	s.sid = sid
	gen := s.gen
	if waiter != nil {
		s.waiters = append(s.waiters, waiter)
	}
	s.setState(types.StateConnecting)
	s.stats.Connects++

	ctx, cancel := context.WithCancel(context.Background())
	s.dialCancel = cancel
	s.arm(&s.connectTimer, s.cfg.ConnectTimeout, func() { s.onConnectTimeout(gen) })

	s.logger.Info("Connecting", logger.Attempt(s.attempts))

	dialer := s.dialer
	if err := s.pool.Submit(func() {
		conn, err := dialer.Dial(ctx, sid)
		if !s.post(func() { s.onDialed(gen, conn, err) }) && conn != nil {
			conn.Close()
		}
	}); err != nil {
		s.onDialed(gen, nil, errors.Wrap(err, "failed to submit dial"))
	}
}

func (s *Supervisor) onDialed(gen uint64, conn Conn, err error) {
	if gen != s.gen {
		// Timed out, superseded or disconnected meanwhile.
		if conn != nil {
			conn.Close()
		}
		s.metrics.RecordConnectAttempt("superseded")
		return
	}

	s.disarm(&s.connectTimer)
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}

	if err != nil {
		s.logger.Warn("Connect failed", zap.Error(err), logger.Attempt(s.attempts))
		s.metrics.RecordConnectAttempt("error")
		s.gen++
		s.setState(types.StateDisconnected)
		s.resolve(false)
		s.scheduleReconnect()
		return
	}

	s.metrics.RecordConnectAttempt("ok")
	s.conn = conn
	s.setState(types.StateAwaitingAuth)

	readCtx, cancel := context.WithCancel(context.Background())
	s.readCancel = cancel
	go s.readLoop(readCtx, gen, conn)

	s.logger.Info("Socket open, awaiting session confirmation")
	s.resolve(true)
}

func (s *Supervisor) onConnectTimeout(gen uint64) {
	if gen != s.gen || s.st != types.StateConnecting {
		return
	}

	s.logger.Warn("Connect timed out",
		zap.Duration("timeout", s.cfg.ConnectTimeout),
		zap.Error(ErrConnectTimeout))
	s.metrics.RecordConnectAttempt("timeout")

	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.gen++
	s.setState(types.StateDisconnected)
	s.resolve(false)
	s.scheduleReconnect()
}

// readLoop forwards frames until the socket fails or ctx is cancelled.
func (s *Supervisor) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			s.post(func() { s.onClosed(gen, err) })
			return
		}
		if !s.post(func() { s.onFrame(gen, data) }) {
			return
		}
	}
}

// dropConn abandons the current socket and any dial in flight. Events still
// queued for the old generation are ignored.
func (s *Supervisor) dropConn() {
	s.gen++
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if s.readCancel != nil {
		s.readCancel()
		s.readCancel = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("Close failed", zap.Error(err))
		}
		s.conn = nil
	}
	s.disarm(&s.connectTimer)
}

func (s *Supervisor) onClosed(gen uint64, err error) {
	if gen != s.gen {
		return
	}

	wasAuthenticated := s.st == types.StateAuthenticated
	s.dropConn()
	s.disarm(&s.watchdogTimer)
	s.disarm(&s.resubTimer)
	s.setState(types.StateDisconnected)
	if wasAuthenticated {
		s.notifyConnection(false)
	}

	s.logger.Warn("Stream closed", zap.Error(err))

	if !s.intentional && s.sid != "" {
		s.scheduleReconnect()
	}
}

// scheduleReconnect arms the single reconnect slot with the next backoff
// delay, or gives up once the attempt cap is reached.
func (s *Supervisor) scheduleReconnect() {
	if s.intentional || s.sid == "" {
		return
	}
	if s.attempts >= s.cfg.MaxReconnectAttempts {
		s.stats.GiveUps++
		s.metrics.RecordReconnectGiveUp()
		s.logger.Error("Giving up reconnecting", logger.Attempt(s.attempts))
		return
	}

	delay := s.backoff.NextBackOff()
	s.attempts++
	s.metrics.RecordReconnectScheduled()
	s.logger.Info("Reconnect scheduled", logger.Attempt(s.attempts), zap.Duration("delay", delay))

	s.arm(&s.reconnectTimer, delay, func() {
		if s.intentional || s.sid == "" {
			return
		}
		s.beginConnect(s.sid, nil)
	})
}

func (s *Supervisor) onFrame(gen uint64, data []byte) {
	if gen != s.gen {
		return
	}
	s.stats.FramesReceived++
	s.stats.LastFrameAt = time.Now()

	msg, err := codec.Decode(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, codec.ErrUnknownType) {
			reason = "unknown_type"
		}
		s.metrics.RecordDroppedFrame(reason)
		s.logger.Debug("Dropping frame", zap.Error(err), zap.ByteString("frame", truncate(data, 256)))
		return
	}
	s.metrics.RecordFrame(msg.Type)

	switch msg.Type {
	case codec.TypeUserData:
		if msg.UserData.Authenticated() {
			s.onAuthenticated()
		} else {
			s.logger.Warn("Session not confirmed", zap.String("mode", msg.UserData.Mode))
		}
	case codec.TypeQuote:
		s.onQuote(msg.Quote)
	case codec.TypePortfolio:
		s.onPortfolio(msg.Portfolio)
	}
}

func (s *Supervisor) onAuthenticated() {
	wasAuthenticated := s.st == types.StateAuthenticated

	s.attempts = 0
	s.backoff.Reset()
	s.stats.Authentications++
	s.setState(types.StateAuthenticated)
	if !wasAuthenticated {
		s.logger.Info("Session authenticated")
		s.notifyConnection(true)
	}

	s.sendSubscriptions()
	if s.st != types.StateAuthenticated {
		return
	}
	if frame, err := codec.EncodePortfolioRequest(); err == nil {
		s.send(frame)
	}
	s.armResubscribe()
}

func (s *Supervisor) armResubscribe() {
	if s.st != types.StateAuthenticated {
		return
	}
	s.arm(&s.resubTimer, s.cfg.ResubscribeInterval, func() {
		if s.st != types.StateAuthenticated {
			return
		}
		s.sendSubscriptions()
		s.armResubscribe()
	})
}

// sendSubscriptions sends the full desired set and arms the watchdog. An
// empty set sends nothing.
func (s *Supervisor) sendSubscriptions() {
	if s.st != types.StateAuthenticated || s.conn == nil {
		return
	}
	if len(s.desired) == 0 {
		s.logger.Debug("Desired set empty, skipping subscribe")
		return
	}

	frame, err := codec.EncodeQuotes(s.desired)
	if err != nil {
		s.logger.Error("Failed to encode subscribe", zap.Error(err))
		return
	}
	if !s.send(frame) {
		return
	}

	s.stats.SubscriptionsSent++
	s.metrics.RecordSubscriptionSent(len(s.desired))
	s.arm(&s.watchdogTimer, s.cfg.WatchdogTimeout, s.onWatchdog)
}

// send writes one frame. A failed write closes the stream.
func (s *Supervisor) send(frame []byte) bool {
	if s.conn == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.conn.Write(ctx, frame); err != nil {
		s.onClosed(s.gen, errors.Wrap(err, "write failed"))
		return false
	}
	return true
}

// onWatchdog handles a subscribe that produced no quote in time.
func (s *Supervisor) onWatchdog() {
	if s.conn == nil || s.sid == "" {
		return
	}

	s.stats.WatchdogFires++
	s.metrics.RecordWatchdogFire()

	if !s.fast.Allow() {
		s.logger.Warn("Stream silent, fast reconnect budget spent", zap.Error(ErrSilent))
		s.onClosed(s.gen, ErrSilent)
		return
	}

	s.logger.Warn("Stream silent, cycling connection", zap.Error(ErrSilent))
	s.stats.FastCycles++
	s.beginConnect(s.sid, nil)
}

func (s *Supervisor) onQuote(q *codec.QuoteFrame) {
	s.stats.QuotesReceived++

	if s.st != types.StateAuthenticated {
		s.onAuthenticated()
		if s.st != types.StateAuthenticated {
			return
		}
	}
	s.disarm(&s.watchdogTimer)

	if q.Symbol == "" {
		s.metrics.RecordDroppedFrame("missing_symbol")
		return
	}

	price, ok := codec.SelectPrice(*q, s.phase.Phase(), s.price)
	s.metrics.RecordQuote(ok)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	rec, err := s.recorder.Record(ctx, q.Symbol, price, true)
	cancel()
	if err != nil {
		s.metrics.RecordStoreError("put")
		s.logger.Warn("Failed to persist price", logger.Symbol(q.Symbol), zap.Error(err))
	}

	quote := types.Quote{
		Symbol:    q.Symbol,
		Price:     price,
		IsLive:    true,
		Trend:     rec.Trend,
		UpdatedAt: time.Now(),
	}
	if s.cache != nil {
		s.cache.UpdateQuote(quote)
	}
	if s.sink != nil {
		s.sink.PublishPrice(quote)
	}
}

func (s *Supervisor) onPortfolio(p *codec.PortfolioFrame) {
	positions := p.ToPositions()
	snapshot := types.PortfolioSnapshot{
		Positions: positions,
		Symbols:   codec.PortfolioSymbols(positions),
		UpdatedAt: time.Now(),
	}

	s.logger.Debug("Portfolio updated", zap.Int("positions", len(positions)))

	if s.cache != nil {
		s.cache.UpdatePortfolio(snapshot)
	}
	if s.sink != nil {
		s.sink.PublishPortfolio(snapshot.Symbols)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
