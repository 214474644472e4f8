package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zono819/papertrade-engine/internal/domain/entity"
	"github.com/zono819/papertrade-engine/internal/infrastructure/logger"
)

// symbolSuffixes are stripped from instrument names
var symbolSuffixes = []string{"-PERPETUAL", "-PERP", "-USD", "/USD", "USDT"}

// Parser turns a free-form decision document into a proposed trade. It never
// fails: anything it cannot understand degrades to HOLD.
type Parser struct {
	defaultSymbol string
	log           *logger.Logger
}

// NewParser creates a parser that fills a missing symbol with defaultSymbol
func NewParser(defaultSymbol string, log *logger.Logger) *Parser {
	if log == nil {
		log = logger.Default()
	}
	return &Parser{
		defaultSymbol: NormalizeSymbol(defaultSymbol),
		log:           log.WithField("component", "decision"),
	}
}

// Parse reads a JSON object, or the first {...} block embedded in text.
// Keys are case-insensitive. An invalid or missing action is HOLD and a
// non-positive size means the default size.
func (p *Parser) Parse(data []byte) entity.ProposedTrade {
	hold := entity.ProposedTrade{Symbol: p.defaultSymbol, Action: entity.ActionHold}

	fields, err := decodeObject(data)
	if err != nil {
		p.log.Warn("Failed to decode decision, defaulting to HOLD: %v", err)
		return hold
	}

	trade := entity.ProposedTrade{
		Symbol:          p.defaultSymbol,
		Action:          entity.ActionHold,
		PositionSizePct: decimal.Zero,
	}

	if s, ok := fields["symbol"].(string); ok && strings.TrimSpace(s) != "" {
		trade.Symbol = NormalizeSymbol(s)
	}

	action := strings.ToUpper(strings.TrimSpace(fmt.Sprint(valueOr(fields["action"], "HOLD"))))
	switch entity.Action(action) {
	case entity.ActionBuy, entity.ActionSell, entity.ActionHold:
		trade.Action = entity.Action(action)
	default:
		p.log.Warn("Invalid action %q, defaulting to HOLD", action)
	}

	if v, ok := toDecimal(fields["position_size_pct"]); ok && v.IsPositive() {
		trade.PositionSizePct = v
	}
	if v, ok := toDecimal(fields["leverage"]); ok && v.IsPositive() {
		trade.Leverage = int(v.IntPart())
	}
	trade.StopLoss = positive(fields["stop_loss"])
	trade.TakeProfit = positive(fields["take_profit"])

	entryType := strings.ToUpper(fmt.Sprint(valueOr(fields["entry_type"], "MARKET")))
	if entryType == "LIMIT" {
		trade.EntryPrice = positive(fields["entry_price"])
	}

	if v, ok := toDecimal(fields["confidence"]); ok {
		trade.Confidence = v.InexactFloat64()
	}
	if s, ok := fields["reasoning"].(string); ok {
		trade.Reasoning = s
	}

	return trade
}

// NormalizeSymbol upper-cases symbol and strips quote or contract suffixes
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, suffix := range symbolSuffixes {
		if trimmed := strings.TrimSuffix(s, suffix); trimmed != s && trimmed != "" {
			return trimmed
		}
	}
	return s
}

func decodeObject(data []byte) (map[string]interface{}, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	if data[0] != '{' {
		start := bytes.IndexByte(data, '{')
		end := bytes.LastIndexByte(data, '}')
		if start < 0 || end <= start {
			return nil, fmt.Errorf("no JSON object found")
		}
		data = data[start : end+1]
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	fields := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		fields[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return fields, nil
}

func valueOr(v interface{}, fallback interface{}) interface{} {
	if v == nil {
		return fallback
	}
	return v
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(x), "%")))
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(x), true
	default:
		return decimal.Zero, false
	}
}

func positive(v interface{}) *decimal.Decimal {
	d, ok := toDecimal(v)
	if !ok || !d.IsPositive() {
		return nil
	}
	return &d
}
