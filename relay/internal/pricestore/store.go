// Package pricestore persists the last known price of every symbol together
// with its trend, and computes that trend at write time.
package pricestore

import (
	"context"
	"time"

	"go_tradernet/relay/pkg/types"

	"github.com/pkg/errors"
)

// Error definitions
var (
	ErrClosed        = errors.New("price store closed")
	ErrUnknownDriver = errors.New("unknown price store driver")
)

// Record is the persisted state of one symbol.
type Record struct {
	Symbol    string      `json:"symbol" msgpack:"s"`
	Price     float64     `json:"price" msgpack:"p"`
	PrevPrice float64     `json:"prev_price" msgpack:"pp"`
	Timestamp int64       `json:"timestamp" msgpack:"t"` // unix seconds
	IsLive    bool        `json:"is_live" msgpack:"l"`
	Trend     types.Trend `json:"trend" msgpack:"tr"`
}

// Quote converts the record into a quote.
func (r Record) Quote() types.Quote {
	trend := r.Trend
	if trend == "" {
		trend = types.TrendSame
	}
	return types.Quote{
		Symbol:    r.Symbol,
		Price:     r.Price,
		IsLive:    r.IsLive,
		Trend:     trend,
		UpdatedAt: time.Unix(r.Timestamp, 0),
	}
}

// Store is the read/write contract of the price cache. Writes are keyed by
// symbol and last-write-wins.
type Store interface {
	Get(ctx context.Context, symbol string) (Record, bool, error)
	Put(ctx context.Context, rec Record) error
	PutBatch(ctx context.Context, recs []Record) error
	All(ctx context.Context) ([]Record, error)
	Close() error
}

// Recorder computes trends against a Store and writes the result.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder creates a recorder over store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Record reads the previous price of symbol, derives the trend and writes the
// new record. A symbol seen for the first time has trend same. The returned
// record is valid even when err reports a failed read or write.
func (r *Recorder) Record(ctx context.Context, symbol string, price float64, live bool) (Record, error) {
	prev := price
	prevRec, ok, getErr := r.store.Get(ctx, symbol)
	if getErr == nil && ok {
		prev = prevRec.Price
	}

	rec := Record{
		Symbol:    symbol,
		Price:     price,
		PrevPrice: prev,
		Timestamp: r.now().Unix(),
		IsLive:    live,
		Trend:     types.TrendOf(prev, price),
	}

	if err := r.store.Put(ctx, rec); err != nil {
		return rec, errors.Wrapf(err, "failed to store price for %s", symbol)
	}
	if getErr != nil {
		return rec, errors.Wrapf(getErr, "failed to read previous price for %s", symbol)
	}
	return rec, nil
}

// Store returns the underlying store.
func (r *Recorder) Store() Store {
	return r.store
}
