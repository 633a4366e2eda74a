// Package risk 负责交易前风险评估、组合风险告警、每日盈亏熔断以及止损托管
package risk

import (
	"time"

	"autotrader/decision"
	"autotrader/trader/trailingstop"
)

// AlertType 告警类型
type AlertType string

const (
	AlertConcentration AlertType = "concentration_risk"
	AlertDailyLoss     AlertType = "daily_loss_limit"
	AlertTradeRisk     AlertType = "trade_risk"
)

// Severity 告警级别
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert 组合风险告警
type Alert struct {
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// IsCritical 是否需要触发熔断
func (a Alert) IsCritical() bool {
	return a.Severity == SeverityCritical
}

// HasCritical 告警列表中是否存在 critical 级别
func HasCritical(alerts []Alert) bool {
	for _, a := range alerts {
		if a.IsCritical() {
			return true
		}
	}
	return false
}

// AdjustPositionSize 调整项：买入金额上限
const AdjustPositionSize = "position_size_usd"

// Assessment 单笔决策的风险评估结果。Approved 为 true 时调用方仍需 Apply 调整项
type Assessment struct {
	Symbol      string             `json:"symbol"`
	Approved    bool               `json:"approved"`
	RiskScore   float64            `json:"risk_score"`
	Warnings    []string           `json:"warnings,omitempty"`
	Adjustments map[string]float64 `json:"adjustments,omitempty"`
}

// Apply 将调整项写回决策，仓位只会被下调
func (a Assessment) Apply(d *decision.Decision) {
	if d == nil {
		return
	}
	if size, ok := a.Adjustments[AdjustPositionSize]; ok && size < d.PositionSizeUSD {
		d.PositionSizeUSD = size
	}
}

// Limits 风控阈值
type Limits struct {
	MaxPortfolioRisk float64 `json:"max_portfolio_risk"`
	MaxPositionRisk  float64 `json:"max_position_risk"`
	MaxDailyLoss     float64 `json:"max_daily_loss"`
}

// Metrics 基于组合价值序列计算的风险指标
type Metrics struct {
	Samples     int     `json:"samples"`
	Volatility  float64 `json:"volatility"`
	SharpeRatio float64 `json:"sharpe_ratio"`
	MaxDrawdown float64 `json:"max_drawdown"`
}

// Summary 风控概览
type Summary struct {
	DailyPnL        float64                 `json:"daily_pnl"`
	DailyTrades     int                     `json:"daily_trades"`
	ActiveStops     int                     `json:"active_stops"`
	StopLosses      []trailingstop.StopLoss `json:"stop_losses"`
	RiskAlertsCount int                     `json:"risk_alerts_count"`
	RecentAlerts    []Alert                 `json:"recent_alerts"`
	RiskLimits      Limits                  `json:"risk_limits"`
	Metrics         Metrics                 `json:"metrics"`
}
