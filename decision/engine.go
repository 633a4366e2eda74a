package decision

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"autotrader/exchange"
	"autotrader/market"

	"github.com/rs/zerolog/log"
)

// EngineConfig 决策参数
type EngineConfig struct {
	MinConfidence float64
	Cooldown      time.Duration
	HistoryLimit  int
}

var defaultEngineConfig = EngineConfig{
	MinConfidence: 0.75,
	Cooldown:      300 * time.Second,
	HistoryLimit:  500,
}

// DefaultEngineConfig 返回默认决策参数
func DefaultEngineConfig() EngineConfig {
	return defaultEngineConfig
}

// DecisionEngine 机会过滤、冷却期管理与买卖决策生成
type DecisionEngine struct {
	portfolio *PortfolioManager
	exit      ExitPolicy
	cfg       EngineConfig
	now       func() time.Time

	mu           sync.RWMutex
	lastDecision map[string]time.Time
	history      []Decision
}

// NewDecisionEngine 创建决策引擎。exit 可为 nil，此时不生成止盈类卖出
func NewDecisionEngine(portfolio *PortfolioManager, exit ExitPolicy, cfg *EngineConfig) *DecisionEngine {
	c := defaultEngineConfig
	if cfg != nil {
		if cfg.MinConfidence > 0 {
			c.MinConfidence = cfg.MinConfidence
		}
		if cfg.Cooldown > 0 {
			c.Cooldown = cfg.Cooldown
		}
		if cfg.HistoryLimit > 0 {
			c.HistoryLimit = cfg.HistoryLimit
		}
	}
	return &DecisionEngine{
		portfolio:    portfolio,
		exit:         exit,
		cfg:          c,
		now:          time.Now,
		lastDecision: make(map[string]time.Time),
	}
}

// SetClock 替换时间源（测试用）
func (e *DecisionEngine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// SetExitPolicy 设置卖出规则
func (e *DecisionEngine) SetExitPolicy(p ExitPolicy) {
	e.mu.Lock()
	e.exit = p
	e.mu.Unlock()
}

// Portfolio 返回组合管理器
func (e *DecisionEngine) Portfolio() *PortfolioManager {
	return e.portfolio
}

func (e *DecisionEngine) clock() time.Time {
	e.mu.RLock()
	now := e.now
	e.mu.RUnlock()
	return now()
}

// inCooldown 返回剩余冷却时间，调用方需持有读锁
func (e *DecisionEngine) cooldownRemainingLocked(symbol string, now time.Time) time.Duration {
	last, ok := e.lastDecision[symbol]
	if !ok {
		return 0
	}
	if elapsed := now.Sub(last); elapsed < e.cfg.Cooldown {
		return e.cfg.Cooldown - elapsed
	}
	return 0
}

// ShouldBuy 信号为 BUY/STRONG_BUY、置信度达标且不在冷却期
func (e *DecisionEngine) ShouldBuy(opp market.Opportunity) (bool, string) {
	if !opp.Signal.IsBuy() {
		return false, fmt.Sprintf("信号 %s 不是买入信号", opp.Signal)
	}
	if opp.Confidence < e.cfg.MinConfidence {
		return false, fmt.Sprintf("置信度 %.2f 低于阈值 %.2f", opp.Confidence, e.cfg.MinConfidence)
	}
	now := e.clock()
	e.mu.RLock()
	remaining := e.cooldownRemainingLocked(opp.Symbol, now)
	e.mu.RUnlock()
	if remaining > 0 {
		return false, fmt.Sprintf("%s 处于冷却期(cooldown)，剩余 %.0fs", opp.Symbol, remaining.Seconds())
	}
	return true, ""
}

// MakeTradingDecision 生成本轮决策：按潜在收益排序的买入 + 持仓的卖出检查。
// 组合不可用时返回 ErrPortfolioUnavailable，调用方应放弃本轮
func (e *DecisionEngine) MakeTradingDecision(ctx context.Context, opps []market.Opportunity) ([]Decision, error) {
	snapshot := e.portfolio.GetPortfolioValue(ctx)
	if !snapshot.OK() {
		return nil, snapshot.Err
	}

	sorted := append([]market.Opportunity(nil), opps...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PotentialReturn > sorted[j].PotentialReturn
	})

	working := snapshot.Clone()
	var decisions []Decision

	for i := range sorted {
		opp := sorted[i]
		ok, reason := e.ShouldBuy(opp)
		if !ok {
			log.Debug().Str("symbol", opp.Symbol).Str("reason", reason).Msg("⏭  [决策] 跳过机会")
			continue
		}

		size := e.portfolio.CalculatePositionSize(opp.Symbol, working.TotalValueUSD, opp.Confidence)
		if size <= 0 {
			log.Debug().Str("symbol", opp.Symbol).Msg("⏭  [决策] 仓位低于最小下单金额")
			continue
		}
		if ok, reason := e.portfolio.CheckAllocation(working, opp.Symbol, size); !ok {
			log.Info().Str("symbol", opp.Symbol).Str("reason", reason).Msg("🚫 [决策] 仓位检查未通过")
			continue
		}

		d := Decision{
			Action:          ActionBuy,
			Symbol:          opp.Symbol,
			PositionSizeUSD: size,
			Confidence:      opp.Confidence,
			Reason:          fmt.Sprintf("%s 信号(%s)，置信度 %.2f", opp.Signal, opp.Timeframe, opp.Confidence),
			Timestamp:       e.clock(),
			Opportunity:     &opp,
		}
		if price, ok := opp.Analysis["price"].(float64); ok {
			d.Price = price
		}
		reserve(&working, opp.Symbol, size)
		e.record(d)
		decisions = append(decisions, d)
	}

	decisions = append(decisions, e.sellDecisions(snapshot)...)

	if len(decisions) > 0 {
		log.Info().Int("count", len(decisions)).Msg("🎯 [决策] 本轮生成决策")
	}
	return decisions, nil
}

func (e *DecisionEngine) sellDecisions(snapshot PortfolioSnapshot) []Decision {
	e.mu.RLock()
	exit := e.exit
	e.mu.RUnlock()
	if exit == nil {
		return nil
	}

	var out []Decision
	for _, symbol := range heldSymbols(snapshot) {
		pos := snapshot.Positions[exchange.BaseCurrency(symbol)]
		if pos.Balance <= 0 {
			continue
		}
		now := e.clock()
		e.mu.RLock()
		cooling := e.cooldownRemainingLocked(symbol, now) > 0
		e.mu.RUnlock()
		if cooling {
			continue
		}
		shouldExit, reason := exit.ShouldExit(symbol, pos.Price)
		if !shouldExit {
			continue
		}
		d := Decision{
			Action:          ActionSell,
			Symbol:          symbol,
			PositionSizeUSD: pos.ValueUSD,
			Quantity:        pos.Balance,
			Price:           pos.Price,
			Confidence:      1,
			Reason:          reason,
			Timestamp:       now,
		}
		e.record(d)
		out = append(out, d)
	}
	return out
}

func (e *DecisionEngine) record(d Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastDecision[d.Symbol] = d.Timestamp
	e.history = append(e.history, d)
	if over := len(e.history) - e.cfg.HistoryLimit; over > 0 {
		e.history = append([]Decision(nil), e.history[over:]...)
	}
}

// GetDecisionStats 决策统计
func (e *DecisionEngine) GetDecisionStats() Stats {
	now := e.clock()
	e.mu.RLock()
	defer e.mu.RUnlock()

	var s Stats
	sum := 0.0
	for _, d := range e.history {
		s.TotalDecisions++
		sum += d.Confidence
		switch d.Action {
		case ActionBuy:
			s.BuyDecisions++
		case ActionSell:
			s.SellDecisions++
		}
	}
	if s.TotalDecisions > 0 {
		s.AvgConfidence = sum / float64(s.TotalDecisions)
	}
	for symbol := range e.lastDecision {
		if e.cooldownRemainingLocked(symbol, now) > 0 {
			s.SymbolsInCooldown++
		}
	}
	return s
}

// RecentDecisions 最近 limit 条决策
func (e *DecisionEngine) RecentDecisions(limit int) []Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h := e.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]Decision(nil), h...)
}
