// Package cache provides the in-memory last-known state read by consumers.
package cache

import (
	"sort"
	"sync"

	"go_tradernet/relay/pkg/types"
)

// Layer provides thread-safe caching of the latest quote per symbol and the
// latest portfolio snapshot. Readers always receive copies.
type Layer struct {
	quotes    map[string]types.Quote
	portfolio types.PortfolioSnapshot
	hasPortf  bool
	mu        sync.RWMutex
}

// NewLayer creates a new cache layer.
func NewLayer() *Layer {
	return &Layer{
		quotes: make(map[string]types.Quote),
	}
}

// Seed loads cached quotes on cold start. Seeded quotes are never live and
// never replace a quote that is already present.
func (l *Layer) Seed(quotes []types.Quote) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, q := range quotes {
		if _, ok := l.quotes[q.Symbol]; ok {
			continue
		}
		q.IsLive = false
		l.quotes[q.Symbol] = q
		n++
	}
	return n
}

// UpdateQuote stores the latest quote for its symbol.
func (l *Layer) UpdateQuote(q types.Quote) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.quotes[q.Symbol] = q
}

// GetQuote retrieves the latest quote for a symbol.
func (l *Layer) GetQuote(symbol string) (types.Quote, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	q, ok := l.quotes[symbol]
	return q, ok
}

// Quotes returns all quotes ordered by symbol.
func (l *Layer) Quotes() []types.Quote {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.Quote, 0, len(l.quotes))
	for _, q := range l.quotes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// UpdatePortfolio replaces the portfolio snapshot wholesale.
func (l *Layer) UpdatePortfolio(snapshot types.PortfolioSnapshot) {
	snapshot = snapshot.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.portfolio = snapshot
	l.hasPortf = true
}

// GetPortfolio returns a copy of the latest portfolio snapshot.
func (l *Layer) GetPortfolio() (types.PortfolioSnapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.hasPortf {
		return types.PortfolioSnapshot{}, false
	}
	return l.portfolio.Clone(), true
}

// MarkStale flips every quote to not live, e.g. after the stream dropped.
func (l *Layer) MarkStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for symbol, q := range l.quotes {
		q.IsLive = false
		l.quotes[symbol] = q
	}
}

// Stats returns cache statistics.
type Stats struct {
	QuoteCount    int `json:"quote_count"`
	LiveCount     int `json:"live_count"`
	PositionCount int `json:"position_count"`
}

// GetStats returns current cache statistics.
func (l *Layer) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	live := 0
	for _, q := range l.quotes {
		if q.IsLive {
			live++
		}
	}
	return Stats{
		QuoteCount:    len(l.quotes),
		LiveCount:     live,
		PositionCount: len(l.portfolio.Positions),
	}
}
