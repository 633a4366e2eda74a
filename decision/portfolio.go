package decision

import (
	"context"
	"fmt"
	"sort"
	"time"

	"autotrader/exchange"

	"github.com/rs/zerolog/log"
)

// AccountSource 组合估值所需的交易所能力
type AccountSource interface {
	GetAccountBalances(ctx context.Context) ([]exchange.Balance, error)
	GetTicker(ctx context.Context, symbol string) (float64, error)
}

// PortfolioConfig 仓位约束
type PortfolioConfig struct {
	MaxPositionPct   float64 // 单币种最大占比
	MaxTotalInvested float64 // 非现金资产最大占比
	MinTradeAmount   float64 // 最小下单金额（USD）
}

var defaultPortfolioConfig = PortfolioConfig{
	MaxPositionPct:   0.1,
	MaxTotalInvested: 0.8,
	MinTradeAmount:   10,
}

// DefaultPortfolioConfig 返回默认仓位约束
func DefaultPortfolioConfig() PortfolioConfig {
	return defaultPortfolioConfig
}

// PortfolioManager 组合估值与仓位计算
type PortfolioManager struct {
	account AccountSource
	cfg     PortfolioConfig
	now     func() time.Time
}

// NewPortfolioManager 创建组合管理器，cfg 为 nil 时使用默认约束
func NewPortfolioManager(account AccountSource, cfg *PortfolioConfig) *PortfolioManager {
	c := defaultPortfolioConfig
	if cfg != nil {
		c = *cfg
	}
	return &PortfolioManager{account: account, cfg: c, now: time.Now}
}

// Config 返回当前约束
func (pm *PortfolioManager) Config() PortfolioConfig {
	return pm.cfg
}

// GetPortfolioValue 从交易所重新计算组合快照。失败通过 Err 字段返回，不会 panic
func (pm *PortfolioManager) GetPortfolioValue(ctx context.Context) PortfolioSnapshot {
	snapshot := PortfolioSnapshot{
		Positions: make(map[string]Position),
		Timestamp: pm.now(),
	}

	balances, err := pm.account.GetAccountBalances(ctx)
	if err != nil {
		snapshot.Err = fmt.Errorf("%w: %v", ErrPortfolioUnavailable, err)
		return snapshot
	}

	for _, b := range balances {
		if b.Balance <= 0 {
			continue
		}
		if b.Currency == exchange.QuoteCurrency {
			snapshot.CashBalance += b.Balance
			continue
		}

		symbol := exchange.PairSymbol(b.Currency)
		price, err := pm.account.GetTicker(ctx, symbol)
		if err != nil || price <= 0 {
			// 单个币种估值失败只跳过估值，持仓本身仍然记录
			log.Warn().Err(err).Str("currency", b.Currency).Msg("⚠️  [组合] 无法获取价格，本轮不计入估值")
			if snapshot.Unpriced == nil {
				snapshot.Unpriced = make(map[string]float64)
			}
			snapshot.Unpriced[b.Currency] += b.Balance
			continue
		}
		snapshot.Positions[b.Currency] = Position{
			Balance:  b.Balance,
			Price:    price,
			ValueUSD: b.Balance * price,
		}
	}

	invested := 0.0
	for _, p := range snapshot.Positions {
		invested += p.ValueUSD
	}
	snapshot.TotalValueUSD = snapshot.CashBalance + invested
	if snapshot.TotalValueUSD > 0 {
		for cur, p := range snapshot.Positions {
			p.Percentage = p.ValueUSD / snapshot.TotalValueUSD
			snapshot.Positions[cur] = p
		}
		snapshot.InvestedPercentage = invested / snapshot.TotalValueUSD
	}
	return snapshot
}

// CalculatePositionSize size = 组合价值 × 单币种占比 × 信号强度。
// 低于最小下单金额时归零，但若未缩放的基准仓位本身满足最小金额，则提升到最小金额
func (pm *PortfolioManager) CalculatePositionSize(symbol string, portfolioValue, signalStrength float64) float64 {
	if portfolioValue <= 0 || signalStrength <= 0 {
		return 0
	}
	base := portfolioValue * pm.cfg.MaxPositionPct
	size := base * signalStrength
	if size < pm.cfg.MinTradeAmount {
		if base >= pm.cfg.MinTradeAmount {
			return pm.cfg.MinTradeAmount
		}
		return 0
	}
	return size
}

// CanOpenPosition 基于最新组合快照检查能否开仓
func (pm *PortfolioManager) CanOpenPosition(ctx context.Context, symbol string, size float64) (bool, string) {
	snapshot := pm.GetPortfolioValue(ctx)
	if !snapshot.OK() {
		return false, snapshot.Err.Error()
	}
	return pm.CheckAllocation(snapshot, symbol, size)
}

// CheckAllocation 纯函数版本的开仓检查：现金、总仓位、单币种占比
func (pm *PortfolioManager) CheckAllocation(snapshot PortfolioSnapshot, symbol string, size float64) (bool, string) {
	if size <= 0 {
		return false, "仓位金额为0"
	}
	if snapshot.TotalValueUSD <= 0 {
		return false, "组合总价值为0"
	}
	if size > snapshot.CashBalance {
		return false, fmt.Sprintf("现金不足: 需要 $%.2f, 可用 $%.2f", size, snapshot.CashBalance)
	}

	investedAfter := snapshot.TotalValueUSD*snapshot.InvestedPercentage + size
	if frac := investedAfter / snapshot.TotalValueUSD; frac > pm.cfg.MaxTotalInvested+1e-9 {
		return false, fmt.Sprintf("总仓位将达 %.1f%%，超过上限 %.1f%%", frac*100, pm.cfg.MaxTotalInvested*100)
	}

	current := snapshot.Positions[exchange.BaseCurrency(symbol)].ValueUSD
	if frac := (current + size) / snapshot.TotalValueUSD; frac > pm.cfg.MaxPositionPct+1e-9 {
		return false, fmt.Sprintf("%s 仓位将达 %.1f%%，超过单币种上限 %.1f%%", symbol, frac*100, pm.cfg.MaxPositionPct*100)
	}
	return true, ""
}

// reserve 在快照副本上预占资金，用于同一轮内多个买入决策的连续检查
func reserve(snapshot *PortfolioSnapshot, symbol string, size float64) {
	if snapshot.TotalValueUSD <= 0 {
		return
	}
	cur := exchange.BaseCurrency(symbol)
	p := snapshot.Positions[cur]
	p.ValueUSD += size
	p.Percentage = p.ValueUSD / snapshot.TotalValueUSD
	snapshot.Positions[cur] = p
	snapshot.CashBalance -= size
	snapshot.InvestedPercentage += size / snapshot.TotalValueUSD
}

// heldSymbols 按价值降序返回持仓交易对
func heldSymbols(snapshot PortfolioSnapshot) []string {
	type kv struct {
		symbol string
		value  float64
	}
	list := make([]kv, 0, len(snapshot.Positions))
	for cur, p := range snapshot.Positions {
		list = append(list, kv{exchange.PairSymbol(cur), p.ValueUSD})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].value != list[j].value {
			return list[i].value > list[j].value
		}
		return list[i].symbol < list[j].symbol
	})
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.symbol
	}
	return out
}
