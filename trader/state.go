package trader

// State 自动交易状态机：Stopped → Running ⇄ RunningTradingDisabled → Stopped
type State int

const (
	StateStopped State = iota
	StateRunning
	StateRunningTradingDisabled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateRunningTradingDisabled:
		return "running_trading_disabled"
	default:
		return "stopped"
	}
}

// MarshalText 以字符串形式序列化
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsRunning 主循环是否在运行
func (s State) IsRunning() bool {
	return s != StateStopped
}

// TradingEnabled 是否真正下单
func (s State) TradingEnabled() bool {
	return s == StateRunning
}
