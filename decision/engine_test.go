package decision

import (
	"context"
	"errors"
	"testing"
	"time"

	"autotrader/exchange"
	"autotrader/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exitFunc func(symbol string, price float64) (bool, string)

func (f exitFunc) ShouldExit(symbol string, price float64) (bool, string) { return f(symbol, price) }

func newTestEngine(t *testing.T, balances map[string]float64, pcfg *PortfolioConfig) (*DecisionEngine, *time.Time) {
	t.Helper()
	gw := exchange.NewDemoGateway(&exchange.DemoConfig{
		Balances: balances,
		Prices:   map[string]float64{"BTC-USD": 50000, "ETH-USD": 3000, "SOL-USD": 45},
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewDecisionEngine(NewPortfolioManager(gw, pcfg), nil, nil)
	e.SetClock(func() time.Time { return now })
	return e, &now
}

func buyOpp(symbol string, conf float64) market.Opportunity {
	return market.Opportunity{
		Symbol:          symbol,
		Signal:          market.SignalBuy,
		Confidence:      conf,
		Timeframe:       "1h",
		PotentialReturn: conf,
	}
}

func TestMakeTradingDecisionSizesByConfidence(t *testing.T) {
	e, _ := newTestEngine(t, map[string]float64{exchange.QuoteCurrency: 10000}, nil)

	decisions, err := e.MakeTradingDecision(context.Background(), []market.Opportunity{buyOpp("BTC-USD", 0.9)})
	require.NoError(t, err)
	require.Len(t, decisions, 1)

	d := decisions[0]
	assert.Equal(t, ActionBuy, d.Action)
	assert.Equal(t, "BTC-USD", d.Symbol)
	assert.InDelta(t, 900, d.PositionSizeUSD, 1e-9)
	assert.InDelta(t, 0.9, d.Confidence, 1e-12)
	require.NotNil(t, d.Opportunity)
	assert.Equal(t, "1h", d.Opportunity.Timeframe)
}

func TestMakeTradingDecisionRespectsCooldown(t *testing.T) {
	e, now := newTestEngine(t, map[string]float64{exchange.QuoteCurrency: 10000}, nil)
	ctx := context.Background()
	opps := []market.Opportunity{buyOpp("ETH-USD", 0.8)}

	first, err := e.MakeTradingDecision(ctx, opps)
	require.NoError(t, err)
	require.Len(t, first, 1)

	*now = now.Add(200 * time.Second)
	ok, reason := e.ShouldBuy(opps[0])
	assert.False(t, ok)
	assert.Contains(t, reason, "cooldown")

	second, err := e.MakeTradingDecision(ctx, opps)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, 1, e.GetDecisionStats().SymbolsInCooldown)

	*now = now.Add(101 * time.Second)
	third, err := e.MakeTradingDecision(ctx, opps)
	require.NoError(t, err)
	assert.Len(t, third, 1)
}

func TestShouldBuyFiltersSignalAndConfidence(t *testing.T) {
	e, _ := newTestEngine(t, map[string]float64{exchange.QuoteCurrency: 10000}, nil)

	ok, _ := e.ShouldBuy(market.Opportunity{Symbol: "BTC-USD", Signal: market.SignalSell, Confidence: 0.95})
	assert.False(t, ok)

	ok, reason := e.ShouldBuy(buyOpp("BTC-USD", 0.74))
	assert.False(t, ok)
	assert.Contains(t, reason, "0.74")

	strong := buyOpp("BTC-USD", 0.75)
	strong.Signal = market.SignalStrongBuy
	ok, _ = e.ShouldBuy(strong)
	assert.True(t, ok)
}

func TestMakeTradingDecisionReservesCashWithinCycle(t *testing.T) {
	cfg := PortfolioConfig{MaxPositionPct: 0.1, MaxTotalInvested: 0.15, MinTradeAmount: 10}
	e, _ := newTestEngine(t, map[string]float64{exchange.QuoteCurrency: 10000}, &cfg)

	opps := []market.Opportunity{
		buyOpp("ETH-USD", 0.8),
		buyOpp("BTC-USD", 0.9),
		buyOpp("SOL-USD", 0.85),
	}
	decisions, err := e.MakeTradingDecision(context.Background(), opps)
	require.NoError(t, err)

	// 按潜在收益排序后只有第一笔能通过总仓位上限
	require.Len(t, decisions, 1)
	assert.Equal(t, "BTC-USD", decisions[0].Symbol)
}

func TestMakeTradingDecisionEmitsExitSells(t *testing.T) {
	e, _ := newTestEngine(t, map[string]float64{exchange.QuoteCurrency: 5000, "BTC": 0.02}, nil)
	e.SetExitPolicy(exitFunc(func(symbol string, price float64) (bool, string) {
		return symbol == "BTC-USD" && price >= 50000, "止盈"
	}))

	decisions, err := e.MakeTradingDecision(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, decisions, 1)

	d := decisions[0]
	assert.Equal(t, ActionSell, d.Action)
	assert.InDelta(t, 0.02, d.Quantity, 1e-12)
	assert.InDelta(t, 50000, d.Price, 1e-9)
	assert.Equal(t, 1.0, d.Confidence)
	assert.Equal(t, "止盈", d.Reason)

	stats := e.GetDecisionStats()
	assert.Equal(t, 1, stats.SellDecisions)
	assert.Equal(t, 0, stats.BuyDecisions)
}

type failingAccount struct{}

func (failingAccount) GetAccountBalances(context.Context) ([]exchange.Balance, error) {
	return nil, errors.New("connection reset")
}

func (failingAccount) GetTicker(context.Context, string) (float64, error) { return 0, nil }

func TestMakeTradingDecisionAbortsWithoutPortfolio(t *testing.T) {
	e := NewDecisionEngine(NewPortfolioManager(failingAccount{}, nil), nil, nil)

	decisions, err := e.MakeTradingDecision(context.Background(), []market.Opportunity{buyOpp("BTC-USD", 0.9)})
	assert.ErrorIs(t, err, ErrPortfolioUnavailable)
	assert.Empty(t, decisions)
	assert.Zero(t, e.GetDecisionStats().TotalDecisions)
}

func TestGetDecisionStatsAveragesConfidence(t *testing.T) {
	e, _ := newTestEngine(t, map[string]float64{exchange.QuoteCurrency: 10000}, nil)
	_, err := e.MakeTradingDecision(context.Background(), []market.Opportunity{
		buyOpp("BTC-USD", 0.9),
		buyOpp("ETH-USD", 0.8),
	})
	require.NoError(t, err)

	stats := e.GetDecisionStats()
	assert.Equal(t, 2, stats.TotalDecisions)
	assert.Equal(t, 2, stats.BuyDecisions)
	assert.InDelta(t, 0.85, stats.AvgConfidence, 1e-9)
	assert.Equal(t, 2, stats.SymbolsInCooldown)
	assert.Len(t, e.RecentDecisions(1), 1)
}
