package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vnmchuo/dream-interpreter/config"
)

func TestCost(t *testing.T) {
	table := NewTable(nil)

	got := table.Cost("gpt-4o-mini", 1_000_000, 1_000_000)
	assert.InDelta(t, 0.75, got, 1e-9)

	assert.Zero(t, table.Cost("gpt-4o-mini", 0, 0))
	assert.Zero(t, table.Cost("no-such-model", 5000, 5000))
}

func TestCost_Monotonic(t *testing.T) {
	table := NewTable(nil)
	for model := range defaultPrices {
		prev := table.Cost(model, 0, 0)
		assert.Zero(t, prev, model)
		for _, n := range []int{1, 10, 999, 4000, 1_000_000} {
			in := table.Cost(model, n, 0)
			out := table.Cost(model, 0, n)
			both := table.Cost(model, n, n)
			assert.GreaterOrEqual(t, in, table.Cost(model, n-1, 0), model)
			assert.GreaterOrEqual(t, out, table.Cost(model, 0, n-1), model)
			assert.GreaterOrEqual(t, both, in, model)
			assert.GreaterOrEqual(t, both, out, model)
		}
	}
}

func TestNewTable_Overrides(t *testing.T) {
	table := NewTable([]config.PriceConfig{
		{Model: "gpt-4o-mini", Input: 1, Output: 2},
		{Model: "dream-tuned", Input: 3, Output: 4},
	})

	p, ok := table.Lookup("gpt-4o-mini")
	assert.True(t, ok)
	assert.Equal(t, Price{InputPerMillion: 1, OutputPerMillion: 2}, p)

	assert.InDelta(t, 7.0, table.Cost("dream-tuned", 1_000_000, 1_000_000), 1e-9)

	// Defaults are not mutated by overrides.
	assert.Equal(t, 0.15, defaultPrices["gpt-4o-mini"].InputPerMillion)
}

func TestNilTable(t *testing.T) {
	var table *Table
	assert.Zero(t, table.Cost("gpt-4o", 100, 100))
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"I dreamt of flying over water.", 8},
		{"梦见飞翔", 1},
		{"梦见在水上飞翔", 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateTokens(tt.text), tt.text)
		assert.Equal(t, EstimateTokens(tt.text), EstimateTokens(tt.text))
	}
}

func TestTokenCount(t *testing.T) {
	reported := Reported{Input: 10, Output: 20}
	estimated := EstimateCall("abcdefgh", "abc")

	assert.False(t, IsEstimated(reported))
	assert.True(t, IsEstimated(estimated))
	assert.Equal(t, Estimated{Input: 2, Output: 1}, estimated)

	table := NewTable(nil)
	assert.Equal(t, table.Cost("gpt-4o", 10, 20), table.CostOf("gpt-4o", reported))
}
