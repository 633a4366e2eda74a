package decision

import (
	"math"
	"sort"

	"autotrader/exchange"
	"autotrader/market"
)

// RebalanceAction 再平衡建议
type RebalanceAction struct {
	Asset      string  `json:"asset"`
	Action     Action  `json:"action"`
	CurrentPct float64 `json:"current_percentage"`
	TargetPct  float64 `json:"target_percentage"`
	Difference float64 `json:"difference"`
}

// PortfolioOptimizer 目标配置与再平衡
type PortfolioOptimizer struct {
	targets   map[string]float64
	threshold float64
}

// NewPortfolioOptimizer threshold<=0 时使用 5%
func NewPortfolioOptimizer(targets map[string]float64, threshold float64) *PortfolioOptimizer {
	if threshold <= 0 {
		threshold = 0.05
	}
	t := make(map[string]float64, len(targets))
	for k, v := range targets {
		t[k] = v
	}
	return &PortfolioOptimizer{targets: t, threshold: threshold}
}

// CurrentAllocation 当前各资产占比，现金记在 USD 下
func (o *PortfolioOptimizer) CurrentAllocation(snapshot PortfolioSnapshot) map[string]float64 {
	out := make(map[string]float64, len(snapshot.Positions)+1)
	if snapshot.TotalValueUSD <= 0 {
		return out
	}
	out[exchange.QuoteCurrency] = snapshot.CashBalance / snapshot.TotalValueUSD
	for cur, p := range snapshot.Positions {
		out[cur] = p.Percentage
	}
	return out
}

// RebalancingNeeds 偏离目标超过阈值的资产，按偏离程度降序
func (o *PortfolioOptimizer) RebalancingNeeds(current map[string]float64) []RebalanceAction {
	var actions []RebalanceAction
	for asset, target := range o.targets {
		cur := current[asset]
		diff := math.Abs(cur - target)
		if diff <= o.threshold {
			continue
		}
		action := ActionSell
		if cur < target {
			action = ActionBuy
		}
		actions = append(actions, RebalanceAction{
			Asset:      asset,
			Action:     action,
			CurrentPct: cur,
			TargetPct:  target,
			Difference: diff,
		})
	}
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].Difference != actions[j].Difference {
			return actions[i].Difference > actions[j].Difference
		}
		return actions[i].Asset < actions[j].Asset
	})
	return actions
}

// OptimalPositionSizes 按置信度加权分配可用资金
func (o *PortfolioOptimizer) OptimalPositionSizes(opps []market.Opportunity, available float64) map[string]float64 {
	out := make(map[string]float64)
	if available <= 0 {
		return out
	}
	total := 0.0
	for _, opp := range opps {
		total += opp.Confidence
	}
	if total <= 0 {
		return out
	}
	for _, opp := range opps {
		out[opp.Symbol] += available * opp.Confidence / total
	}
	return out
}
