package pricestore

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// BatcherConfig holds write-behind settings.
type BatcherConfig struct {
	FlushInterval time.Duration
	Timeout       time.Duration
}

// Batcher buffers records per symbol and writes them through PutBatch on an
// interval. Only the latest record per symbol is kept between flushes.
type Batcher struct {
	store   Store
	pool    *ants.Pool
	logger  *zap.Logger
	timeout time.Duration

	pending map[string]Record
	mu      sync.Mutex
	flushMu sync.Mutex

	flushInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	done          chan struct{}
}

// NewBatcher creates a batcher and starts its flush loop. Flushes run on pool.
func NewBatcher(store Store, pool *ants.Pool, cfg *BatcherConfig, logger *zap.Logger) *Batcher {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Batcher{
		store:         store,
		pool:          pool,
		logger:        logger.Named("batcher"),
		timeout:       cfg.Timeout,
		pending:       make(map[string]Record),
		flushInterval: cfg.FlushInterval,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	go b.flushLoop()

	return b
}

// Add queues records. A later record for the same symbol replaces an earlier one.
func (b *Batcher) Add(recs ...Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range recs {
		b.pending[rec.Symbol] = rec
	}
}

// Pending returns the number of queued symbols.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if err := b.pool.Submit(func() {
				if err := b.Flush(); err != nil {
					b.logger.Warn("Failed to flush prices", zap.Error(err))
				}
			}); err != nil {
				b.logger.Warn("Failed to submit flush", zap.Error(err))
			}
		}
	}
}

// Flush writes the queued records now. On failure the records are requeued
// unless a newer record for the same symbol arrived meanwhile.
func (b *Batcher) Flush() error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[string]Record)
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	recs := make([]Record, 0, len(batch))
	for _, rec := range batch {
		recs = append(recs, rec)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	if err := b.store.PutBatch(ctx, recs); err != nil {
		b.mu.Lock()
		for symbol, rec := range batch {
			if _, ok := b.pending[symbol]; !ok {
				b.pending[symbol] = rec
			}
		}
		b.mu.Unlock()
		return errors.Wrap(err, "failed to write price batch")
	}

	b.logger.Debug("Flushed prices", zap.Int("count", len(recs)))
	return nil
}

// Stop ends the flush loop and writes whatever is still queued.
func (b *Batcher) Stop() error {
	b.cancel()
	<-b.done
	return b.Flush()
}
