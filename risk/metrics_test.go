package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVolatilityNeedsEnoughPrices(t *testing.T) {
	assert.Zero(t, Volatility([]float64{1, 2, 3}, 5))
	assert.Zero(t, Volatility([]float64{100, 100, 100, 100}, 3))

	// 收益率 +10%、-10%，样本标准差 = 0.1414...
	v := Volatility([]float64{100, 110, 99}, 2)
	assert.InDelta(t, 0.14142135623730953, v, 1e-9)
}

func TestSharpeRatio(t *testing.T) {
	assert.Zero(t, SharpeRatio([]float64{0.01}, 0.02))
	assert.Zero(t, SharpeRatio([]float64{0.01, 0.01, 0.01}, 0.02))

	s := SharpeRatio([]float64{0.01, -0.005, 0.02, 0.0}, 0.02)
	assert.Greater(t, s, 0.0)
}

func TestMaxDrawdown(t *testing.T) {
	assert.Zero(t, MaxDrawdown([]float64{100}))
	assert.InDelta(t, 0.25, MaxDrawdown([]float64{100, 120, 90, 110, 95}), 1e-12)
	assert.Zero(t, MaxDrawdown([]float64{1, 2, 3}))
}

func TestReturns(t *testing.T) {
	assert.Nil(t, Returns([]float64{1}))
	r := Returns([]float64{100, 110, 99})
	assert.InDeltaSlice(t, []float64{0.1, -0.1}, r, 1e-12)
}
