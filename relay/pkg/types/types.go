// Package types defines the core types for the Tradernet relay.
package types

import (
	"time"
)

// ConnectionState represents the state of the broker stream connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAwaitingAuth
	StateAuthenticated
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAwaitingAuth:
		return "AWAITING_AUTH"
	case StateAuthenticated:
		return "AUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}

// Trend is the direction of a price relative to the previously cached one.
type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
	TrendSame Trend = "same"
)

// TrendOf compares next against prev.
func TrendOf(prev, next float64) Trend {
	switch {
	case next > prev:
		return TrendUp
	case next < prev:
		return TrendDown
	default:
		return TrendSame
	}
}

// Quote is the latest known price of a symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	IsLive    bool      `json:"is_live"` // false when seeded from the price cache
	Trend     Trend     `json:"trend"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Position represents a single portfolio position.
type Position struct {
	Instrument         string   `json:"instrument"`
	BaseInstrument     string   `json:"base_instrument,omitempty"`
	EntryPrice         float64  `json:"entry_price"`
	FaceValue          float64  `json:"face_value"`
	Quantity           float64  `json:"quantity"`
	Maturity           string   `json:"maturity,omitempty"`
	MarketPrice        *float64 `json:"market_price,omitempty"`
	ClosePrice         *float64 `json:"close_price,omitempty"`
	ContractMultiplier *float64 `json:"contract_multiplier,omitempty"`
}

// PortfolioSnapshot is the full portfolio as of the last portfolio frame.
type PortfolioSnapshot struct {
	Positions []Position `json:"positions"`
	Symbols   []string   `json:"symbols"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the snapshot.
func (p PortfolioSnapshot) Clone() PortfolioSnapshot {
	dst := PortfolioSnapshot{
		Positions: make([]Position, len(p.Positions)),
		Symbols:   make([]string, len(p.Symbols)),
		UpdatedAt: p.UpdatedAt,
	}
	copy(dst.Positions, p.Positions)
	copy(dst.Symbols, p.Symbols)
	for i := range dst.Positions {
		dst.Positions[i].MarketPrice = cloneFloat(dst.Positions[i].MarketPrice)
		dst.Positions[i].ClosePrice = cloneFloat(dst.Positions[i].ClosePrice)
		dst.Positions[i].ContractMultiplier = cloneFloat(dst.Positions[i].ContractMultiplier)
	}
	return dst
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// SubscriptionRequest replaces the desired symbol set.
type SubscriptionRequest struct {
	Symbols []string `json:"symbols"`
}

// SessionRequest starts a session either from a SID or from credentials.
type SessionRequest struct {
	SID      string `json:"sid,omitempty"`
	Login    string `json:"login,omitempty"`
	Password string `json:"password,omitempty"`
}

// PriceUpdate is a consumer-supplied price for the price cache.
type PriceUpdate struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// PriceBatchRequest queues prices for batched persistence.
type PriceBatchRequest struct {
	Prices []PriceUpdate `json:"prices"`
}
