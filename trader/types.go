// Package trader 负责订单执行与生命周期跟踪，以及串联监控、决策、风控、执行的自动交易主循环
package trader

import (
	"errors"
	"time"

	"autotrader/decision"
	"autotrader/exchange"
	"autotrader/market"
	"autotrader/risk"
)

var (
	// ErrCircuitBreaker 组合出现 critical 告警，本轮停止执行
	ErrCircuitBreaker = errors.New("风控熔断，本轮跳过执行")
	ErrNotRunning     = errors.New("自动交易未运行")
	ErrAlreadyRunning = errors.New("自动交易已在运行")

	ErrBelowMinimum  = errors.New("下单金额低于最小值")
	ErrOvertrading   = errors.New("短时间内该交易对执行次数过多")
	ErrUnknownAction = errors.New("未知决策动作")
	ErrNoPrice       = errors.New("无法获取参考价格")
)

// ExecutionRecord 本地跟踪的一笔订单。只有交易所受理后才会创建
type ExecutionRecord struct {
	ID             string               `json:"id"`
	OrderID        string               `json:"order_id"`
	Symbol         string               `json:"symbol"`
	Side           exchange.Side        `json:"side"`
	Type           exchange.OrderType   `json:"type"`
	AmountUSD      float64              `json:"amount_usd"`
	Quantity       float64              `json:"quantity"`
	ReferencePrice float64              `json:"reference_price"`
	Confidence     float64              `json:"confidence"`
	Status         exchange.OrderStatus `json:"status"`
	CreatedAt      time.Time            `json:"created_at"`
	CompletedAt    time.Time            `json:"completed_at,omitempty"`
	Reason         string               `json:"reason,omitempty"`
}

// ExecutionResult 单条决策的执行结果。失败时 Record 为空
type ExecutionResult struct {
	Success bool             `json:"success"`
	OrderID string           `json:"order_id,omitempty"`
	Record  *ExecutionRecord `json:"execution_record,omitempty"`
	Error   string           `json:"error,omitempty"`
	Err     error            `json:"-"`
}

func failed(err error) ExecutionResult {
	return ExecutionResult{Success: false, Error: err.Error(), Err: err}
}

// IndexedResult 批量执行时带原始下标的结果
type IndexedResult struct {
	Index  int             `json:"decision_index"`
	Action decision.Action `json:"action"`
	Symbol string          `json:"symbol"`
	ExecutionResult
}

// CancelResult 单个订单的撤单结果
type CancelResult struct {
	OrderID string `json:"order_id"`
	Symbol  string `json:"symbol"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// MonitorReport 一次订单轮询的结果
type MonitorReport struct {
	Monitored   int               `json:"monitored_orders"`
	Completed   []string          `json:"completed_orders"`
	Failed      []string          `json:"failed_orders"`
	TimedOut    []string          `json:"timed_out_orders"`
	StillActive int               `json:"still_active"`
	Updated     []ExecutionRecord `json:"-"`
}

// DailyStats 当日执行统计，跨日自动清零
type DailyStats struct {
	Date             string  `json:"date"`
	TradesExecuted   int     `json:"trades_executed"`
	TotalVolume      float64 `json:"total_volume"`
	SuccessfulTrades int     `json:"successful_trades"`
	FailedTrades     int     `json:"failed_trades"`
}

// OrderSummary 订单概览
type OrderSummary struct {
	ActiveOrders    int      `json:"active_orders"`
	CompletedOrders int      `json:"completed_orders"`
	FailedOrders    int      `json:"failed_orders"`
	ActiveOrderIDs  []string `json:"active_order_ids"`
	TotalOrders     int      `json:"total_orders"`
}

// ExecutionStats 执行器统计
type ExecutionStats struct {
	DailyStats            DailyStats   `json:"daily_stats"`
	OrderSummary          OrderSummary `json:"order_summary"`
	ExecutionHistoryCount int          `json:"execution_history_count"`
	MaxSlippage           float64      `json:"max_slippage"`
	OrderTimeoutSeconds   float64      `json:"order_timeout"`
}

// TradingStats 主循环累计统计，只由主循环写入
type TradingStats struct {
	CyclesCompleted  int       `json:"cycles_completed"`
	TotalTrades      int       `json:"total_trades"`
	SuccessfulTrades int       `json:"successful_trades"`
	FailedTrades     int       `json:"failed_trades"`
	TotalVolume      float64   `json:"total_volume"`
	SkippedCycles    int       `json:"skipped_cycles"`
	StartTime        time.Time `json:"start_time"`
	LastCycleTime    time.Time `json:"last_cycle_time"`
}

// Status 运行状态快照
type Status struct {
	State           State                `json:"state"`
	IsRunning       bool                 `json:"is_running"`
	TradingEnabled  bool                 `json:"trading_enabled"`
	UpdateInterval  float64              `json:"update_interval"`
	Stats           TradingStats         `json:"trading_stats"`
	Monitor         market.MonitorStatus `json:"monitor_status"`
	Execution       ExecutionStats       `json:"execution_stats"`
	Risk            risk.Summary         `json:"risk_summary"`
	Decisions       decision.Stats       `json:"decision_stats"`
	LastCycleError  string               `json:"last_cycle_error,omitempty"`
	LastCycleResult string               `json:"last_cycle_result,omitempty"`
}

// PerformanceSummary 运行表现
type PerformanceSummary struct {
	UptimeHours      float64 `json:"uptime_hours"`
	CyclesCompleted  int     `json:"cycles_completed"`
	TotalTrades      int     `json:"total_trades"`
	SuccessfulTrades int     `json:"successful_trades"`
	FailedTrades     int     `json:"failed_trades"`
	SuccessRate      float64 `json:"success_rate"`
	TotalVolume      float64 `json:"total_volume"`
	AverageTradeSize float64 `json:"average_trade_size"`
	TradesPerHour    float64 `json:"trades_per_hour"`
	DailyPnL         float64 `json:"daily_pnl"`
	ActiveStopLosses int     `json:"active_stop_losses"`
}

// EmergencyReport 紧急停止结果，逐单列出撤单是否成功
type EmergencyReport struct {
	Timestamp      time.Time      `json:"timestamp"`
	CancelAttempts int            `json:"cancel_attempts"`
	Cancelled      int            `json:"cancelled"`
	Results        []CancelResult `json:"results"`
	StopError      string         `json:"stop_error,omitempty"`
}
