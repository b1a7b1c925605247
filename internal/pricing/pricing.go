package pricing

import (
	"unicode/utf8"

	"github.com/vnmchuo/dream-interpreter/config"
)

// Price is USD per one million tokens.
type Price struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

var defaultPrices = map[string]Price{
	"gpt-4o":                     {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"gpt-4o-mini":                {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4.1-mini":               {InputPerMillion: 0.40, OutputPerMillion: 1.60},
	"claude-3-5-sonnet-20241022": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-haiku-20241022":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	"claude-3-haiku-20240307":    {InputPerMillion: 0.25, OutputPerMillion: 1.25},
	"gemini-1.5-pro":             {InputPerMillion: 1.25, OutputPerMillion: 5.00},
	"gemini-1.5-flash":           {InputPerMillion: 0.075, OutputPerMillion: 0.30},
	"gemini-2.0-flash":           {InputPerMillion: 0.10, OutputPerMillion: 0.40},
}

// Table maps model names to prices. The zero value prices everything at zero.
type Table struct {
	prices map[string]Price
}

// NewTable returns the built-in price list with overrides applied on top.
func NewTable(overrides []config.PriceConfig) *Table {
	prices := make(map[string]Price, len(defaultPrices)+len(overrides))
	for model, p := range defaultPrices {
		prices[model] = p
	}
	for _, o := range overrides {
		prices[o.Model] = Price{InputPerMillion: o.Input, OutputPerMillion: o.Output}
	}
	return &Table{prices: prices}
}

// Lookup reports the price of a model.
func (t *Table) Lookup(model string) (Price, bool) {
	if t == nil {
		return Price{}, false
	}
	p, ok := t.prices[model]
	return p, ok
}

// Cost prices a call. Unknown models cost zero.
func (t *Table) Cost(model string, inputTokens, outputTokens int) float64 {
	p, ok := t.Lookup(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*p.InputPerMillion + float64(outputTokens)/1e6*p.OutputPerMillion
}

// CostOf prices a TokenCount regardless of where its numbers came from.
func (t *Table) CostOf(model string, tc TokenCount) float64 {
	in, out := tc.Tokens()
	return t.Cost(model, in, out)
}

// EstimateTokens approximates a token count from text at four characters
// per token, rounding up.
func EstimateTokens(text string) int {
	return EstimateFromChars(utf8.RuneCountInString(text))
}

func EstimateFromChars(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}
