package risk

import (
	"fmt"
	"sync"
	"time"

	"autotrader/decision"
	"autotrader/trader/trailingstop"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// dailyResetSpec 每天 00:00:00 重置日内计数（秒级 cron 表达式）
const dailyResetSpec = "0 0 0 * * *"

// Config 风控参数
type Config struct {
	MaxPortfolioRisk float64 // 单笔止损风险占组合比例上限
	MaxPositionRisk  float64 // 单币种仓位占比上限
	MaxDailyLoss     float64 // 日内亏损占组合比例上限，超出即熔断
	LowConfidence    float64 // 低于该置信度时提高风险分
	TakeProfitPct    float64 // 相对入场价的止盈比例，0 表示关闭
	AlertHistory     int
	ValueHistory     int
	VolatilityPeriod int
	RiskFreeRate     float64
	StopLoss         *trailingstop.Config
}

var defaultConfig = Config{
	MaxPortfolioRisk: 0.02,
	MaxPositionRisk:  0.1,
	MaxDailyLoss:     0.05,
	LowConfidence:    0.7,
	TakeProfitPct:    0.20,
	AlertHistory:     100,
	ValueHistory:     500,
	VolatilityPeriod: 20,
	RiskFreeRate:     0.02,
}

// DefaultConfig 返回默认风控参数
func DefaultConfig() Config {
	return defaultConfig
}

// RiskManager 独占止损表、日内盈亏计数和告警历史
type RiskManager struct {
	cfg   Config
	stops *trailingstop.StopLossManager

	mu          sync.Mutex
	dailyPnL    float64
	dailyTrades int
	day         string
	alerts      []Alert
	values      []float64
	cron        *cron.Cron
	now         func() time.Time
}

// NewRiskManager 创建风控管理器，cfg 为 nil 时使用默认参数
func NewRiskManager(cfg *Config) *RiskManager {
	c := defaultConfig
	if cfg != nil {
		c = *cfg
		if c.MaxPortfolioRisk <= 0 {
			c.MaxPortfolioRisk = defaultConfig.MaxPortfolioRisk
		}
		if c.MaxPositionRisk <= 0 {
			c.MaxPositionRisk = defaultConfig.MaxPositionRisk
		}
		if c.MaxDailyLoss <= 0 {
			c.MaxDailyLoss = defaultConfig.MaxDailyLoss
		}
		if c.LowConfidence <= 0 {
			c.LowConfidence = defaultConfig.LowConfidence
		}
		if c.AlertHistory <= 0 {
			c.AlertHistory = defaultConfig.AlertHistory
		}
		if c.ValueHistory <= 0 {
			c.ValueHistory = defaultConfig.ValueHistory
		}
		if c.VolatilityPeriod <= 1 {
			c.VolatilityPeriod = defaultConfig.VolatilityPeriod
		}
	}
	rm := &RiskManager{
		cfg:   c,
		stops: trailingstop.NewStopLossManager(c.StopLoss),
		now:   time.Now,
	}
	rm.day = dayKey(rm.now())
	return rm
}

// SetClock 替换时间源（测试用），同时作用于止损管理器
func (rm *RiskManager) SetClock(now func() time.Time) {
	rm.mu.Lock()
	rm.now = now
	rm.day = dayKey(now())
	rm.mu.Unlock()
	rm.stops.SetClock(now)
}

// Limits 当前风控阈值
func (rm *RiskManager) Limits() Limits {
	return Limits{
		MaxPortfolioRisk: rm.cfg.MaxPortfolioRisk,
		MaxPositionRisk:  rm.cfg.MaxPositionRisk,
		MaxDailyLoss:     rm.cfg.MaxDailyLoss,
	}
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// rollDayLocked 跨日时惰性重置，调用方需持有锁
func (rm *RiskManager) rollDayLocked() {
	today := dayKey(rm.now())
	if today == rm.day {
		return
	}
	log.Info().
		Str("from", rm.day).
		Str("to", today).
		Float64("daily_pnl", rm.dailyPnL).
		Int("daily_trades", rm.dailyTrades).
		Msg("🌅 [风控] 新的一天，重置日内统计")
	rm.dailyPnL = 0
	rm.dailyTrades = 0
	rm.day = today
}

// AssessTradeRisk 评估单笔决策。超出单币种上限只给出下调建议，日内亏损超限直接拒绝
func (rm *RiskManager) AssessTradeRisk(d *decision.Decision, p decision.PortfolioSnapshot) Assessment {
	if d == nil {
		return Assessment{Approved: false, Warnings: []string{"决策为空"}}
	}
	a := Assessment{
		Symbol:      d.Symbol,
		Approved:    true,
		Adjustments: make(map[string]float64),
	}

	// 卖出只会降低敞口，不受日内亏损熔断限制
	if d.Action == decision.ActionSell {
		return a
	}

	total := p.TotalValueUSD
	if total <= 0 {
		a.Approved = false
		a.RiskScore = 1
		a.Warnings = append(a.Warnings, "组合总价值为0，无法评估风险")
		rm.recordRejection(a)
		return a
	}

	rm.mu.Lock()
	rm.rollDayLocked()
	pnl := rm.dailyPnL
	rm.mu.Unlock()

	size := d.PositionSizeUSD
	if frac := size / total; frac > rm.cfg.MaxPositionRisk+1e-9 {
		capped := total * rm.cfg.MaxPositionRisk
		a.Warnings = append(a.Warnings, fmt.Sprintf("仓位 %.1f%% 超过上限 %.1f%%，下调至 $%.2f",
			frac*100, rm.cfg.MaxPositionRisk*100, capped))
		a.Adjustments[AdjustPositionSize] = capped
		size = capped
	}

	if limit := rm.cfg.MaxDailyLoss * total; pnl < -limit {
		a.Approved = false
		a.Warnings = append(a.Warnings, fmt.Sprintf("日内亏损 $%.2f 超过上限 $%.2f", -pnl, limit))
	}

	if d.Confidence < rm.cfg.LowConfidence {
		a.Warnings = append(a.Warnings, fmt.Sprintf("低置信度信号: %.2f", d.Confidence))
		a.RiskScore += 0.3
	}

	stopPct := rm.stops.StopPct(d.Symbol)
	if stopRisk := size * stopPct / total; stopRisk > rm.cfg.MaxPortfolioRisk {
		a.Warnings = append(a.Warnings, fmt.Sprintf("止损风险 %.2f%% 超过组合风险上限 %.2f%%",
			stopRisk*100, rm.cfg.MaxPortfolioRisk*100))
		a.RiskScore += 0.2
	}

	if a.RiskScore > 1 {
		a.RiskScore = 1
	}
	if !a.Approved {
		rm.recordRejection(a)
	}
	return a
}

func (rm *RiskManager) recordRejection(a Assessment) {
	msg := fmt.Sprintf("%s 决策被拒绝", a.Symbol)
	if len(a.Warnings) > 0 {
		msg += ": " + a.Warnings[len(a.Warnings)-1]
	}
	rm.mu.Lock()
	rm.appendAlertsLocked([]Alert{{
		Type:      AlertTradeRisk,
		Severity:  SeverityMedium,
		Message:   msg,
		Timestamp: rm.now(),
	}})
	rm.mu.Unlock()
}

// MonitorPortfolioRisk 检查集中度和日内亏损，返回本次产生的告警。
// 同时记录组合价值序列用于风险指标计算
func (rm *RiskManager) MonitorPortfolioRisk(p decision.PortfolioSnapshot) []Alert {
	if !p.OK() {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollDayLocked()
	now := rm.now()

	var alerts []Alert

	maxPct := 0.0
	maxCur := ""
	for cur, pos := range p.Positions {
		if pos.Percentage > maxPct {
			maxPct = pos.Percentage
			maxCur = cur
		}
	}
	if maxPct > rm.cfg.MaxPositionRisk+1e-9 {
		alerts = append(alerts, Alert{
			Type:      AlertConcentration,
			Severity:  SeverityHigh,
			Message:   fmt.Sprintf("%s 仓位集中度 %.1f%% 超过上限 %.1f%%", maxCur, maxPct*100, rm.cfg.MaxPositionRisk*100),
			Timestamp: now,
		})
	}

	if limit := rm.cfg.MaxDailyLoss * p.TotalValueUSD; rm.dailyPnL < -limit {
		alerts = append(alerts, Alert{
			Type:      AlertDailyLoss,
			Severity:  SeverityCritical,
			Message:   fmt.Sprintf("日内亏损 $%.2f 超过上限 $%.2f", -rm.dailyPnL, limit),
			Timestamp: now,
		})
	}

	if p.TotalValueUSD > 0 {
		rm.values = append(rm.values, p.TotalValueUSD)
		if over := len(rm.values) - rm.cfg.ValueHistory; over > 0 {
			rm.values = append([]float64(nil), rm.values[over:]...)
		}
	}
	rm.appendAlertsLocked(alerts)

	for _, a := range alerts {
		ev := log.Warn()
		if a.IsCritical() {
			ev = log.Error()
		}
		ev.Str("type", string(a.Type)).Str("severity", string(a.Severity)).Msg("🚨 [风控] " + a.Message)
	}
	return alerts
}

func (rm *RiskManager) appendAlertsLocked(alerts []Alert) {
	if len(alerts) == 0 {
		return
	}
	rm.alerts = append(rm.alerts, alerts...)
	if over := len(rm.alerts) - rm.cfg.AlertHistory; over > 0 {
		rm.alerts = append([]Alert(nil), rm.alerts[over:]...)
	}
}

// UpdateDailyPnL 累加日内盈亏并计一笔交易
func (rm *RiskManager) UpdateDailyPnL(change float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollDayLocked()
	rm.dailyPnL += change
	rm.dailyTrades++
	log.Debug().Float64("change", change).Float64("daily_pnl", rm.dailyPnL).Int("daily_trades", rm.dailyTrades).Msg("💵 [风控] 日内盈亏更新")
}

// DailyPnL 当日累计盈亏
func (rm *RiskManager) DailyPnL() float64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollDayLocked()
	return rm.dailyPnL
}

// DailyTrades 当日交易笔数
func (rm *RiskManager) DailyTrades() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.rollDayLocked()
	return rm.dailyTrades
}

// ResetDaily 清零日内统计
func (rm *RiskManager) ResetDaily() {
	rm.mu.Lock()
	rm.dailyPnL = 0
	rm.dailyTrades = 0
	rm.day = dayKey(rm.now())
	rm.mu.Unlock()
	log.Info().Msg("🌅 [风控] 日内统计已重置")
}

// StartDailyReset 注册每日零点重置任务
func (rm *RiskManager) StartDailyReset() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.cron != nil {
		return nil
	}
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(dailyResetSpec, rm.ResetDaily); err != nil {
		return fmt.Errorf("register daily reset: %w", err)
	}
	c.Start()
	rm.cron = c
	log.Info().Str("spec", dailyResetSpec).Msg("⏰ [风控] 每日重置任务已启动")
	return nil
}

// StopDailyReset 停止每日重置任务
func (rm *RiskManager) StopDailyReset() {
	rm.mu.Lock()
	c := rm.cron
	rm.cron = nil
	rm.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	log.Info().Msg("⏹  [风控] 每日重置任务已停止")
}

// ShouldExit 止盈规则：存在未触发的止损且价格达到入场价的 (1+TakeProfitPct)
func (rm *RiskManager) ShouldExit(symbol string, currentPrice float64) (bool, string) {
	if rm.cfg.TakeProfitPct <= 0 || currentPrice <= 0 {
		return false, ""
	}
	stop, ok := rm.stops.Get(symbol)
	if !ok || stop.Triggered || stop.EntryPrice <= 0 {
		return false, ""
	}
	target := stop.EntryPrice * (1 + rm.cfg.TakeProfitPct)
	if currentPrice < target {
		return false, ""
	}
	return true, fmt.Sprintf("止盈: 价格 %.4f 达到入场价 %.4f 的 +%.0f%%",
		currentPrice, stop.EntryPrice, rm.cfg.TakeProfitPct*100)
}

// SetStopLoss 以默认比例登记止损
func (rm *RiskManager) SetStopLoss(symbol string, entryPrice float64) trailingstop.StopLoss {
	return rm.stops.SetStopLoss(symbol, entryPrice, 0)
}

// CheckStopTriggers 见 StopLossManager.CheckStopTriggers
func (rm *RiskManager) CheckStopTriggers(prices map[string]float64) []trailingstop.TriggeredStop {
	return rm.stops.CheckStopTriggers(prices)
}

// RemoveStopLoss 删除止损
func (rm *RiskManager) RemoveStopLoss(symbol string) bool {
	return rm.stops.RemoveStopLoss(symbol)
}

// StopLoss 单个止损
func (rm *RiskManager) StopLoss(symbol string) (trailingstop.StopLoss, bool) {
	return rm.stops.Get(symbol)
}

// StopLosses 所有止损副本
func (rm *RiskManager) StopLosses() []trailingstop.StopLoss {
	return rm.stops.Active()
}

// CleanupStops 删除已无持仓的止损
func (rm *RiskManager) CleanupStops(held []string) []string {
	return rm.stops.Cleanup(held)
}

// SetStopEventSink 转发止损事件
func (rm *RiskManager) SetStopEventSink(sink trailingstop.EventSink) {
	rm.stops.SetEventSink(sink)
}

// Alerts 告警历史副本
func (rm *RiskManager) Alerts() []Alert {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return append([]Alert(nil), rm.alerts...)
}

// Metrics 基于已记录的组合价值计算风险指标
func (rm *RiskManager) Metrics() Metrics {
	rm.mu.Lock()
	values := append([]float64(nil), rm.values...)
	rm.mu.Unlock()
	return Metrics{
		Samples:     len(values),
		Volatility:  Volatility(values, rm.cfg.VolatilityPeriod),
		SharpeRatio: SharpeRatio(Returns(values), rm.cfg.RiskFreeRate),
		MaxDrawdown: MaxDrawdown(values),
	}
}

// GetRiskSummary 风控概览，包含最近 5 条告警
func (rm *RiskManager) GetRiskSummary() Summary {
	rm.mu.Lock()
	rm.rollDayLocked()
	s := Summary{
		DailyPnL:        rm.dailyPnL,
		DailyTrades:     rm.dailyTrades,
		RiskAlertsCount: len(rm.alerts),
		RiskLimits:      rm.Limits(),
	}
	recent := rm.alerts
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	s.RecentAlerts = append([]Alert{}, recent...)
	rm.mu.Unlock()

	s.StopLosses = rm.stops.Active()
	s.ActiveStops = len(s.StopLosses)
	s.Metrics = rm.Metrics()
	return s
}
