// Package codec parses and serializes the Tradernet streaming wire protocol.
//
// Every frame is a JSON array whose first element is the message type and whose
// optional second element is the payload.
package codec

import (
	"math"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Inbound message types.
const (
	TypeUserData  = "userData"
	TypeQuote     = "q"
	TypePortfolio = "portfolio"
)

// Outbound message types.
const (
	TypeSubscribeQuotes  = "quotes"
	TypeRequestPortfolio = "portfolio"
)

// ProdMode is the userData mode that marks a session as authenticated.
const ProdMode = "prod"

// Message is a decoded inbound frame. Exactly one payload pointer is set.
type Message struct {
	Type      string
	UserData  *UserData
	Quote     *QuoteFrame
	Portfolio *PortfolioFrame
}

// UserData is the payload of a userData frame.
type UserData struct {
	Mode string `json:"mode"`
}

// Authenticated reports whether the session is a production session.
func (u UserData) Authenticated() bool {
	return u.Mode == ProdMode
}

// QuoteFrame is the payload of a q frame. Absent numeric fields are nil.
type QuoteFrame struct {
	Symbol             string
	BestBid            *float64
	LastTraded         *float64
	ContractMultiplier *float64
}

type rawQuote struct {
	Symbol             string              `json:"c"`
	BestBid            jsoniter.RawMessage `json:"bbp"`
	LastTraded         jsoniter.RawMessage `json:"ltp"`
	ContractMultiplier jsoniter.RawMessage `json:"contract_multiplier"`
}

// Decode parses one inbound frame.
func Decode(data []byte) (Message, error) {
	var parts []jsoniter.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return Message{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	if len(parts) == 0 || len(parts) > 2 {
		return Message{}, errors.Wrapf(ErrMalformedFrame, "expected 1 or 2 elements, got %d", len(parts))
	}

	var msgType string
	if err := json.Unmarshal(parts[0], &msgType); err != nil {
		return Message{}, errors.Wrap(ErrMalformedFrame, "message type is not a string")
	}

	var payload jsoniter.RawMessage
	if len(parts) == 2 {
		payload = parts[1]
	}

	msg := Message{Type: msgType}
	switch msgType {
	case TypeUserData:
		var ud UserData
		if err := unmarshalPayload(payload, &ud); err != nil {
			return msg, err
		}
		msg.UserData = &ud

	case TypeQuote:
		q, err := decodeQuote(payload)
		if err != nil {
			return msg, err
		}
		msg.Quote = q

	case TypePortfolio:
		p, err := decodePortfolio(payload)
		if err != nil {
			return msg, err
		}
		msg.Portfolio = p

	default:
		return msg, errors.Wrap(ErrUnknownType, msgType)
	}

	return msg, nil
}

func unmarshalPayload(payload jsoniter.RawMessage, v interface{}) error {
	if isNull(payload) {
		return errors.Wrap(ErrMalformedFrame, "missing payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.Wrap(ErrMalformedFrame, err.Error())
	}
	return nil
}

func decodeQuote(payload jsoniter.RawMessage) (*QuoteFrame, error) {
	var raw rawQuote
	if err := unmarshalPayload(payload, &raw); err != nil {
		return nil, err
	}
	q := &QuoteFrame{Symbol: strings.TrimSpace(raw.Symbol)}
	q.BestBid = optionalFloat(raw.BestBid)
	q.LastTraded = optionalFloat(raw.LastTraded)
	q.ContractMultiplier = optionalFloat(raw.ContractMultiplier)
	return q, nil
}

// optionalFloat accepts a JSON number or a numeric string. Anything else,
// including NaN and infinities, is absent.
func optionalFloat(raw jsoniter.RawMessage) *float64 {
	if isNull(raw) {
		return nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if !finite(f) {
			return nil
		}
		return &f
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !finite(f) {
		return nil
	}
	return &f
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func isNull(raw jsoniter.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

// Error definitions
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown message type")
)
