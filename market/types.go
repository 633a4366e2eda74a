package market

import (
	"errors"
	"time"
)

// ErrEmptyUniverse 交易所没有可交易的 USD 交易对
var ErrEmptyUniverse = errors.New("没有可交易的 USD 交易对")

// Signal 分析信号分类
type Signal string

const (
	SignalStrongBuy  Signal = "STRONG_BUY"
	SignalBuy        Signal = "BUY"
	SignalNeutral    Signal = "NEUTRAL"
	SignalSell       Signal = "SELL"
	SignalStrongSell Signal = "STRONG_SELL"
)

// IsBuy 是否为买入类信号
func (s Signal) IsBuy() bool {
	return s == SignalBuy || s == SignalStrongBuy
}

// IsSell 是否为卖出类信号
func (s Signal) IsSell() bool {
	return s == SignalSell || s == SignalStrongSell
}

// Analysis 分析提供方返回的结果
type Analysis struct {
	Signal     Signal         `json:"signal"`
	Confidence float64        `json:"confidence"`
	Data       map[string]any `json:"data,omitempty"`
}

// Opportunity 单个交易对在某个时间周期上的交易机会。创建后不可修改，由下一轮快照替换
type Opportunity struct {
	Symbol          string         `json:"symbol"`
	Signal          Signal         `json:"signal"`
	Confidence      float64        `json:"confidence"`
	Timeframe       string         `json:"timeframe"`
	PotentialReturn float64        `json:"potential_return"`
	Timestamp       time.Time      `json:"timestamp"`
	Analysis        map[string]any `json:"analysis,omitempty"`
}

// Snapshot 监控器每轮发布的结果快照
type Snapshot struct {
	Timestamp     time.Time                         `json:"timestamp"`
	Results       map[string]map[string]Opportunity `json:"results"`
	Opportunities []Opportunity                     `json:"opportunities"`
}

// MonitorStatus 监控器运行状态
type MonitorStatus struct {
	IsRunning        bool      `json:"is_running"`
	LastAnalysisTime time.Time `json:"last_analysis_time"`
	UniverseSize     int       `json:"universe_size"`
	OpportunityCount int       `json:"opportunity_count"`
	Cycles           int       `json:"cycles"`
	Timeframes       []string  `json:"timeframes"`
}

// Kline K线
type Kline struct {
	OpenTime  int64   `json:"openTime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"closeTime"`
	Trades    int     `json:"trades"`
}

// KlineResponse Binance K线原始响应
type KlineResponse []interface{}

// PriceTicker Binance 最新价响应
type PriceTicker struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func potentialReturn(signal Signal, confidence float64) float64 {
	if signal == SignalStrongBuy {
		return confidence * 2
	}
	return confidence
}
