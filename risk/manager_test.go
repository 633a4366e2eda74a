package risk

import (
	"testing"
	"time"

	"autotrader/decision"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cashPortfolio(total float64) decision.PortfolioSnapshot {
	return decision.PortfolioSnapshot{
		TotalValueUSD: total,
		CashBalance:   total,
		Positions:     map[string]decision.Position{},
	}
}

func TestAssessTradeRiskCapsOversizedPosition(t *testing.T) {
	rm := NewRiskManager(nil)
	d := &decision.Decision{Action: decision.ActionBuy, Symbol: "BTC-USD", PositionSizeUSD: 1500, Confidence: 0.9}

	a := rm.AssessTradeRisk(d, cashPortfolio(10000))
	assert.True(t, a.Approved)
	require.Contains(t, a.Adjustments, AdjustPositionSize)
	assert.InDelta(t, 1000, a.Adjustments[AdjustPositionSize], 1e-9)
	assert.NotEmpty(t, a.Warnings)

	a.Apply(d)
	assert.InDelta(t, 1000, d.PositionSizeUSD, 1e-9)
	assert.LessOrEqual(t, d.PositionSizeUSD/10000, rm.Limits().MaxPositionRisk)
}

func TestAssessTradeRiskLowConfidenceRaisesScore(t *testing.T) {
	rm := NewRiskManager(nil)
	a := rm.AssessTradeRisk(&decision.Decision{Action: decision.ActionBuy, Symbol: "ETH-USD", PositionSizeUSD: 500, Confidence: 0.6}, cashPortfolio(10000))
	assert.True(t, a.Approved)
	assert.InDelta(t, 0.3, a.RiskScore, 1e-12)
	assert.Empty(t, a.Adjustments)
}

func TestAssessTradeRiskStopRiskWarning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPositionRisk = 0.5
	rm := NewRiskManager(&cfg)

	// 4000 × 10% / 10000 = 4% > 2%
	a := rm.AssessTradeRisk(&decision.Decision{Action: decision.ActionBuy, Symbol: "ETH-USD", PositionSizeUSD: 4000, Confidence: 0.6}, cashPortfolio(10000))
	assert.True(t, a.Approved)
	assert.InDelta(t, 0.5, a.RiskScore, 1e-12)
	assert.Len(t, a.Warnings, 2)
}

func TestAssessTradeRiskRejectsAfterDailyLoss(t *testing.T) {
	rm := NewRiskManager(nil)
	rm.UpdateDailyPnL(-600)

	a := rm.AssessTradeRisk(&decision.Decision{Action: decision.ActionBuy, Symbol: "BTC-USD", PositionSizeUSD: 500, Confidence: 0.9}, cashPortfolio(10000))
	assert.False(t, a.Approved)

	// 卖出不受熔断影响
	sell := rm.AssessTradeRisk(&decision.Decision{Action: decision.ActionSell, Symbol: "BTC-USD", Quantity: 1, Confidence: 1}, cashPortfolio(10000))
	assert.True(t, sell.Approved)

	alerts := rm.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertTradeRisk, alerts[0].Type)
}

func TestMonitorPortfolioRiskCriticalOnDailyLoss(t *testing.T) {
	rm := NewRiskManager(nil)
	rm.UpdateDailyPnL(-600)

	alerts := rm.MonitorPortfolioRisk(cashPortfolio(10000))
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDailyLoss, alerts[0].Type)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.True(t, HasCritical(alerts))

	rm.UpdateDailyPnL(200)
	assert.Empty(t, rm.MonitorPortfolioRisk(cashPortfolio(10000)))
}

func TestMonitorPortfolioRiskConcentration(t *testing.T) {
	rm := NewRiskManager(nil)
	p := decision.PortfolioSnapshot{
		TotalValueUSD: 10000,
		CashBalance:   8500,
		Positions: map[string]decision.Position{
			"BTC": {ValueUSD: 1500, Percentage: 0.15},
		},
	}
	alerts := rm.MonitorPortfolioRisk(p)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertConcentration, alerts[0].Type)
	assert.Equal(t, SeverityHigh, alerts[0].Severity)
	assert.False(t, HasCritical(alerts))
	assert.Contains(t, alerts[0].Message, "BTC")
}

func TestDailyCountersResetOnNewDay(t *testing.T) {
	now := time.Date(2026, 6, 1, 23, 59, 0, 0, time.Local)
	rm := NewRiskManager(nil)
	rm.SetClock(func() time.Time { return now })

	rm.UpdateDailyPnL(-100)
	rm.UpdateDailyPnL(50)
	assert.InDelta(t, -50, rm.DailyPnL(), 1e-9)
	assert.Equal(t, 2, rm.DailyTrades())

	now = now.Add(2 * time.Minute)
	assert.Zero(t, rm.DailyPnL())
	assert.Zero(t, rm.DailyTrades())

	rm.UpdateDailyPnL(-10)
	rm.ResetDaily()
	assert.Zero(t, rm.DailyPnL())
}

func TestDailyResetCronLifecycle(t *testing.T) {
	rm := NewRiskManager(nil)
	require.NoError(t, rm.StartDailyReset())
	require.NoError(t, rm.StartDailyReset())
	rm.StopDailyReset()
	rm.StopDailyReset()
}

func TestShouldExitTakeProfit(t *testing.T) {
	rm := NewRiskManager(nil)

	ok, _ := rm.ShouldExit("BTC-USD", 70000)
	assert.False(t, ok, "没有止损记录时不止盈")

	rm.SetStopLoss("BTC-USD", 50000)
	ok, _ = rm.ShouldExit("BTC-USD", 59000)
	assert.False(t, ok)

	ok, reason := rm.ShouldExit("BTC-USD", 60000)
	assert.True(t, ok)
	assert.Contains(t, reason, "止盈")
}

func TestRiskSummaryKeepsLastFiveAlerts(t *testing.T) {
	rm := NewRiskManager(nil)
	rm.UpdateDailyPnL(-600)
	for i := 0; i < 7; i++ {
		rm.MonitorPortfolioRisk(cashPortfolio(10000 - float64(i)*100))
	}
	rm.SetStopLoss("ETH-USD", 3000)

	s := rm.GetRiskSummary()
	assert.Equal(t, 7, s.RiskAlertsCount)
	assert.Len(t, s.RecentAlerts, 5)
	assert.Equal(t, 1, s.ActiveStops)
	assert.Equal(t, 1, s.DailyTrades)
	assert.InDelta(t, -600, s.DailyPnL, 1e-9)
	assert.Equal(t, 7, s.Metrics.Samples)
	assert.InDelta(t, 600.0/10000, s.Metrics.MaxDrawdown, 1e-12)
	assert.Equal(t, rm.Limits(), s.RiskLimits)
}

func TestAlertHistoryIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AlertHistory = 3
	rm := NewRiskManager(&cfg)
	rm.UpdateDailyPnL(-1000)
	for i := 0; i < 5; i++ {
		rm.MonitorPortfolioRisk(cashPortfolio(10000))
	}
	assert.Len(t, rm.Alerts(), 3)
}

func TestStopDelegation(t *testing.T) {
	rm := NewRiskManager(nil)
	stop := rm.SetStopLoss("BTC-USD", 50000)
	assert.InDelta(t, 45000, stop.StopPrice, 1e-6)

	triggered := rm.CheckStopTriggers(map[string]float64{"BTC-USD": 44000})
	require.Len(t, triggered, 1)

	ok, _ := rm.ShouldExit("BTC-USD", 90000)
	assert.False(t, ok, "已触发的止损不再参与止盈")

	assert.True(t, rm.RemoveStopLoss("BTC-USD"))
	assert.Empty(t, rm.StopLosses())
}
