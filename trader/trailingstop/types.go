// Package trailingstop 维护每个持仓的保护性止损，并在价格创新高时上移止损
package trailingstop

import "time"

// StopLoss 单个交易对的止损状态。未触发时 StopPrice 只升不降
type StopLoss struct {
	Symbol       string    `json:"symbol"`
	EntryPrice   float64   `json:"entry_price"`
	StopPct      float64   `json:"stop_percentage"`
	StopPrice    float64   `json:"stop_price"`
	HighestPrice float64   `json:"highest_price"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Triggered    bool      `json:"triggered"`
	TriggerPrice float64   `json:"trigger_price,omitempty"`
	TriggeredAt  time.Time `json:"triggered_at,omitempty"`
}

// TriggeredStop 本次检查中新触发的止损
type TriggeredStop struct {
	StopLoss
	// LossPct 相对入场价的亏损百分比，价格高于入场价时为负数（锁定了利润）
	LossPct float64 `json:"loss_percentage"`
}
