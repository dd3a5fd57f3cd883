package codec

import (
	"strings"

	"go_tradernet/relay/internal/clock"

	"github.com/shopspring/decimal"
)

// Defaults for option contracts.
const (
	DefaultOptionMarker     = "+"
	DefaultOptionMultiplier = 100
)

// PriceOptions configures price selection.
type PriceOptions struct {
	OptionMarker      string  // symbols starting with this are option contracts
	DefaultMultiplier float64 // used for options when contract_multiplier is absent
}

// DefaultPriceOptions returns the broker defaults.
func DefaultPriceOptions() PriceOptions {
	return PriceOptions{
		OptionMarker:      DefaultOptionMarker,
		DefaultMultiplier: DefaultOptionMultiplier,
	}
}

// IsOption reports whether symbol is an option contract.
func (o PriceOptions) IsOption(symbol string) bool {
	return o.OptionMarker != "" && strings.HasPrefix(symbol, o.OptionMarker)
}

// Multiplier returns the contract multiplier applied to the raw price of q.
func (o PriceOptions) Multiplier(q QuoteFrame) decimal.Decimal {
	if !o.IsOption(q.Symbol) {
		return decimal.NewFromInt(1)
	}
	if q.ContractMultiplier != nil && *q.ContractMultiplier > 0 && finite(*q.ContractMultiplier) {
		return decimal.NewFromFloat(*q.ContractMultiplier)
	}
	if o.DefaultMultiplier > 0 {
		return decimal.NewFromFloat(o.DefaultMultiplier)
	}
	return decimal.NewFromInt(DefaultOptionMultiplier)
}

// SelectPrice picks the price of a quote frame.
//
// Best bid wins when positive. Last traded price is only trusted during the
// regular session. The result is scaled by the contract multiplier and
// discarded when not positive.
func SelectPrice(q QuoteFrame, phase clock.Phase, opts PriceOptions) (float64, bool) {
	var raw float64
	switch {
	case q.BestBid != nil && *q.BestBid > 0 && finite(*q.BestBid):
		raw = *q.BestBid
	case q.LastTraded != nil && phase == clock.Open:
		raw = *q.LastTraded
	default:
		return 0, false
	}
	if !finite(raw) {
		return 0, false
	}

	price := decimal.NewFromFloat(raw).Mul(opts.Multiplier(q))
	if !price.IsPositive() {
		return 0, false
	}
	out := price.InexactFloat64()
	if !finite(out) {
		return 0, false
	}
	return out, true
}
