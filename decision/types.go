// Package decision 负责组合估值、仓位计算以及买卖决策生成
package decision

import (
	"errors"
	"sort"
	"time"

	"autotrader/exchange"
	"autotrader/market"
)

// ErrPortfolioUnavailable 无法获取组合状态，本轮决策应整体放弃
var ErrPortfolioUnavailable = errors.New("组合状态不可用")

// Action 决策动作
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Decision 一条具体的买卖提案。风控可以在执行前下调 PositionSizeUSD
type Decision struct {
	Action          Action              `json:"action"`
	Symbol          string              `json:"symbol"`
	PositionSizeUSD float64             `json:"position_size_usd,omitempty"`
	Quantity        float64             `json:"quantity,omitempty"` // 卖出时的基础币数量
	Price           float64             `json:"price,omitempty"`    // 做出决策时观察到的价格
	Confidence      float64             `json:"confidence"`
	Reason          string              `json:"reason"`
	Timestamp       time.Time           `json:"timestamp"`
	Opportunity     *market.Opportunity `json:"opportunity,omitempty"`
}

// Position 单个持仓
type Position struct {
	Balance    float64 `json:"balance"`
	Price      float64 `json:"price"`
	ValueUSD   float64 `json:"value_usd"`
	Percentage float64 `json:"percentage"`
}

// PortfolioSnapshot 组合快照，每次从交易所重新计算。获取失败时 Err 非空
type PortfolioSnapshot struct {
	TotalValueUSD      float64             `json:"total_value_usd"`
	CashBalance        float64             `json:"cash_balance"`
	Positions          map[string]Position `json:"positions"`
	InvestedPercentage float64             `json:"invested_percentage"`
	// Unpriced 有余额但本次无法获取价格的币种（币种 → 余额），不计入估值
	Unpriced  map[string]float64 `json:"unpriced,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Err       error              `json:"-"`
}

// OK 快照是否可用
func (p PortfolioSnapshot) OK() bool {
	return p.Err == nil
}

// Clone 深拷贝
func (p PortfolioSnapshot) Clone() PortfolioSnapshot {
	out := p
	out.Positions = make(map[string]Position, len(p.Positions))
	for k, v := range p.Positions {
		out.Positions[k] = v
	}
	if p.Unpriced != nil {
		out.Unpriced = make(map[string]float64, len(p.Unpriced))
		for k, v := range p.Unpriced {
			out.Unpriced[k] = v
		}
	}
	return out
}

// Holds 该币种是否有余额，包括本次未能估值的持仓
func (p PortfolioSnapshot) Holds(currency string) bool {
	if pos, ok := p.Positions[currency]; ok && pos.Balance > 0 {
		return true
	}
	return p.Unpriced[currency] > 0
}

// HeldSymbols 所有有余额的交易对，已排序
func (p PortfolioSnapshot) HeldSymbols() []string {
	out := make([]string, 0, len(p.Positions)+len(p.Unpriced))
	for cur, pos := range p.Positions {
		if pos.Balance > 0 {
			out = append(out, exchange.PairSymbol(cur))
		}
	}
	for cur, bal := range p.Unpriced {
		if _, priced := p.Positions[cur]; !priced && bal > 0 {
			out = append(out, exchange.PairSymbol(cur))
		}
	}
	sort.Strings(out)
	return out
}

// ExitPolicy decides whether a held currency should be sold outside the stop-loss path.
type ExitPolicy interface {
	ShouldExit(symbol string, currentPrice float64) (bool, string)
}

// Stats 决策统计
type Stats struct {
	TotalDecisions    int     `json:"total_decisions"`
	BuyDecisions      int     `json:"buy_decisions"`
	SellDecisions     int     `json:"sell_decisions"`
	AvgConfidence     float64 `json:"avg_confidence"`
	SymbolsInCooldown int     `json:"symbols_in_cooldown"`
}
