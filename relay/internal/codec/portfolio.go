package codec

import (
	"strings"

	"go_tradernet/relay/pkg/types"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// PortfolioFrame is the payload of a portfolio frame.
type PortfolioFrame struct {
	Positions []RawPosition
}

// RawPosition is one position entry as sent by the server.
type RawPosition struct {
	Instrument         string              `json:"i"`
	BaseInstrument     string              `json:"base_contract_code"`
	EntryPrice         jsoniter.RawMessage `json:"bal_price_a"`
	FaceValue          jsoniter.RawMessage `json:"face_val_a"`
	Quantity           jsoniter.RawMessage `json:"q"`
	Maturity           string              `json:"mat_d"`
	MarketPrice        jsoniter.RawMessage `json:"mkt_price"`
	ClosePrice         jsoniter.RawMessage `json:"close_price"`
	ContractMultiplier jsoniter.RawMessage `json:"contract_multiplier"`
}

type rawPortfolio struct {
	PS *struct {
		Pos []RawPosition `json:"pos"`
	} `json:"ps"`
	Pos []RawPosition `json:"pos"`
}

func decodePortfolio(payload jsoniter.RawMessage) (*PortfolioFrame, error) {
	var raw rawPortfolio
	if err := unmarshalPayload(payload, &raw); err != nil {
		return nil, err
	}

	switch {
	case raw.PS != nil:
		return &PortfolioFrame{Positions: raw.PS.Pos}, nil
	case raw.Pos != nil:
		return &PortfolioFrame{Positions: raw.Pos}, nil
	default:
		return nil, errors.Wrap(ErrMalformedFrame, "portfolio payload has no positions")
	}
}

// ToPositions maps the frame into positions, dropping entries without an instrument.
func (p PortfolioFrame) ToPositions() []types.Position {
	positions := make([]types.Position, 0, len(p.Positions))
	for _, raw := range p.Positions {
		instrument := strings.TrimSpace(raw.Instrument)
		if instrument == "" {
			continue
		}
		positions = append(positions, types.Position{
			Instrument:         instrument,
			BaseInstrument:     strings.TrimSpace(raw.BaseInstrument),
			EntryPrice:         floatOrZero(raw.EntryPrice),
			FaceValue:          floatOrZero(raw.FaceValue),
			Quantity:           floatOrZero(raw.Quantity),
			Maturity:           strings.TrimSpace(raw.Maturity),
			MarketPrice:        optionalFloat(raw.MarketPrice),
			ClosePrice:         optionalFloat(raw.ClosePrice),
			ContractMultiplier: optionalFloat(raw.ContractMultiplier),
		})
	}
	return positions
}

// PortfolioSymbols returns instrument and base instrument symbols, deduplicated in first-seen order.
func PortfolioSymbols(positions []types.Position) []string {
	seen := make(map[string]struct{}, len(positions)*2)
	symbols := make([]string, 0, len(positions)*2)
	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	for _, p := range positions {
		add(p.Instrument)
		add(p.BaseInstrument)
	}
	return symbols
}

func floatOrZero(raw jsoniter.RawMessage) float64 {
	if v := optionalFloat(raw); v != nil {
		return *v
	}
	return 0
}
