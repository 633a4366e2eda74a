package logger

import "time"

// AccountState 决策时的组合状态
type AccountState struct {
	TotalValue    float64 `json:"total_value"`
	CashBalance   float64 `json:"cash_balance"`
	InvestedPct   float64 `json:"invested_pct"`
	PositionCount int     `json:"position_count"`
	DailyPnL      float64 `json:"daily_pnl"`
}

// DecisionAction 单条决策及其风控结果
type DecisionAction struct {
	Action          string   `json:"action"`
	Symbol          string   `json:"symbol"`
	PositionSizeUSD float64  `json:"position_size_usd,omitempty"`
	Quantity        float64  `json:"quantity,omitempty"`
	Price           float64  `json:"price,omitempty"`
	Confidence      float64  `json:"confidence"`
	Reason          string   `json:"reason,omitempty"`
	Approved        bool     `json:"approved"`
	RiskScore       float64  `json:"risk_score"`
	Warnings        []string `json:"warnings,omitempty"`
	Executed        bool     `json:"executed"`
	Error           string   `json:"error,omitempty"`
}

// DecisionRecord 一个交易周期的决策日志
type DecisionRecord struct {
	Timestamp      time.Time        `json:"timestamp"`
	CycleNumber    int              `json:"cycle_number"`
	AccountState   AccountState     `json:"account_state"`
	CandidateCoins []string         `json:"candidate_coins"`
	Decisions      []DecisionAction `json:"decisions"`
	ExecutionLog   []string         `json:"execution_log"`
	Success        bool             `json:"success"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	DurationMs     int64            `json:"duration_ms"`
}

// ExecutionEntry 一次下单或订单状态变更
type ExecutionEntry struct {
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	AmountUSD float64   `json:"amount_usd"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Status    string    `json:"status"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// AlertEntry 风控告警
type AlertEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
}

// Recorder persists trading journal entries.
type Recorder interface {
	LogDecision(record *DecisionRecord) error
	LogExecution(entry *ExecutionEntry) error
	LogAlert(entry *AlertEntry) error
	Close() error
}

// NoopRecorder is used when no journal database is configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) LogDecision(_ *DecisionRecord) error { return nil }
func (n *NoopRecorder) LogExecution(_ *ExecutionEntry) error { return nil }
func (n *NoopRecorder) LogAlert(_ *AlertEntry) error         { return nil }
func (n *NoopRecorder) Close() error                         { return nil }
