package trailingstop

import (
	"time"

	"github.com/rs/zerolog/log"
)

// 低于该差值的止损上移视为浮点噪声
const minStopStep = 1e-6

// StopLossManager 止损管理器。所有状态都在 registry 内部加锁保护
type StopLossManager struct {
	cfg      *Config
	registry *stopRegistry
	sink     EventSink
	now      func() time.Time
}

// NewStopLossManager 创建止损管理器，cfg 为 nil 时使用默认配置
func NewStopLossManager(cfg *Config) *StopLossManager {
	return &StopLossManager{
		cfg:      resolveConfig(cfg),
		registry: newStopRegistry(),
		now:      time.Now,
	}
}

// SetEventSink 设置事件接收方，传 nil 关闭事件
func (m *StopLossManager) SetEventSink(sink EventSink) {
	m.sink = sink
}

// SetClock 替换时间源（测试用）
func (m *StopLossManager) SetClock(now func() time.Time) {
	m.now = now
}

// Config 返回生效中的配置副本
func (m *StopLossManager) Config() *Config {
	return m.cfg.clone()
}

// StopPct 新建止损时该交易对使用的比例
func (m *StopLossManager) StopPct(symbol string) float64 {
	return m.cfg.stopPctFor(symbol, 0)
}

// SetStopLoss 按入场价设置止损。pct<=0 时使用配置的默认比例。
// 已有未触发的止损时更新入场价，但止损价不会低于原止损价
func (m *StopLossManager) SetStopLoss(symbol string, entryPrice, pct float64) StopLoss {
	pct = m.cfg.stopPctFor(symbol, pct)
	now := m.now()
	stop := StopLoss{
		Symbol:       symbol,
		EntryPrice:   entryPrice,
		StopPct:      pct,
		StopPrice:    entryPrice * (1 - pct),
		HighestPrice: entryPrice,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	stop, kept := m.registry.set(stop)
	if kept {
		log.Info().
			Str("symbol", symbol).
			Float64("entry", entryPrice).
			Float64("stop", stop.StopPrice).
			Msg("📌 [追踪止损] 加仓后保留原有较高止损")
	}

	log.Info().
		Str("symbol", symbol).
		Float64("entry", entryPrice).
		Float64("stop", stop.StopPrice).
		Float64("pct", pct).
		Msg("🆕 [追踪止损] 设置初始止损")
	if m.sink != nil {
		m.sink.OnStopSet(stop)
	}
	return stop
}

// UpdateTrailingStop 价格创新高时上移止损，返回最新状态以及止损是否上移
func (m *StopLossManager) UpdateTrailingStop(symbol string, currentPrice float64) (StopLoss, bool) {
	if currentPrice <= 0 {
		return m.registry.snapshot(symbol)
	}

	var previous float64
	raised := false
	stop, ok := m.registry.update(symbol, func(s *StopLoss) {
		if s.Triggered || !m.cfg.TrailingEnabled {
			return
		}
		if currentPrice <= s.HighestPrice {
			return
		}
		s.HighestPrice = currentPrice
		candidate := currentPrice * (1 - s.StopPct)
		if candidate-s.StopPrice > minStopStep {
			previous = s.StopPrice
			s.StopPrice = candidate
			s.UpdatedAt = m.now()
			raised = true
		}
	})
	if !ok {
		return StopLoss{}, false
	}

	if raised {
		log.Info().
			Str("symbol", symbol).
			Float64("from", previous).
			Float64("to", stop.StopPrice).
			Float64("highest", stop.HighestPrice).
			Msg("📈 [追踪止损] 止损上移")
		if m.sink != nil {
			m.sink.OnStopRaised(stop, previous)
		}
	}
	return stop, raised
}

// CheckStopTriggers 对每个未触发的止损先执行追踪更新，再判断是否触发。
// 返回本次新触发的止损；已触发的止损保留在表中，直到 RemoveStopLoss
func (m *StopLossManager) CheckStopTriggers(prices map[string]float64) []TriggeredStop {
	var triggered []TriggeredStop

	for _, symbol := range m.registry.symbols() {
		price, ok := prices[symbol]
		if !ok || price <= 0 {
			continue
		}
		current, ok := m.registry.snapshot(symbol)
		if !ok || current.Triggered {
			continue
		}

		m.UpdateTrailingStop(symbol, price)

		fired := false
		stop, ok := m.registry.update(symbol, func(s *StopLoss) {
			if s.Triggered || price > s.StopPrice {
				return
			}
			now := m.now()
			s.Triggered = true
			s.TriggerPrice = price
			s.TriggeredAt = now
			s.UpdatedAt = now
			fired = true
		})
		if !ok || !fired {
			continue
		}

		t := TriggeredStop{StopLoss: stop}
		if stop.EntryPrice > 0 {
			t.LossPct = (stop.EntryPrice - price) / stop.EntryPrice * 100
		}
		triggered = append(triggered, t)

		log.Warn().
			Str("symbol", symbol).
			Float64("price", price).
			Float64("stop", stop.StopPrice).
			Float64("loss_pct", t.LossPct).
			Msg("🛑 [追踪止损] 止损触发")
		if m.sink != nil {
			m.sink.OnStopTriggered(t)
		}
	}
	return triggered
}

// RemoveStopLoss 卖出完成后删除止损记录
func (m *StopLossManager) RemoveStopLoss(symbol string) bool {
	removed := m.registry.clear(symbol)
	if removed {
		log.Info().Str("symbol", symbol).Msg("🧹 [追踪止损] 删除止损")
		if m.sink != nil {
			m.sink.OnStopRemoved(symbol)
		}
	}
	return removed
}

// Get 返回单个止损副本
func (m *StopLossManager) Get(symbol string) (StopLoss, bool) {
	return m.registry.snapshot(symbol)
}

// Active 返回所有止损副本，按交易对排序
func (m *StopLossManager) Active() []StopLoss {
	return m.registry.all()
}

// Count 当前止损数量
func (m *StopLossManager) Count() int {
	return m.registry.count()
}

// Cleanup 删除已经没有持仓的交易对的止损
func (m *StopLossManager) Cleanup(held []string) []string {
	set := make(map[string]struct{}, len(held))
	for _, s := range held {
		set[s] = struct{}{}
	}
	removed := m.registry.cleanup(set)
	for _, symbol := range removed {
		log.Info().Str("symbol", symbol).Msg("🧹 [追踪止损] 持仓已不存在，清理止损")
	}
	return removed
}
