package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autotrader/decision"
	"autotrader/exchange"
	"autotrader/logger"
	"autotrader/market"
	"autotrader/notify"
	"autotrader/risk"

	"github.com/rs/zerolog/log"
)

// OpportunitySource 市场监控器，Monitor 实现了该接口
type OpportunitySource interface {
	Start()
	Stop() bool
	LatestOpportunities(limit int) []market.Opportunity
	Status() market.MonitorStatus
}

// Config 主循环参数
type Config struct {
	UpdateInterval   time.Duration // 两次交易周期之间的间隔
	OpportunityLimit int           // 每轮最多读取的机会数
	ErrorBackoff     time.Duration // panic 或意外错误后的冷却时间
	StopTimeout      time.Duration // Stop 等待主循环退出的上限
	StatusInterval   time.Duration // 运行状态打印间隔，0 表示不打印
	NotifyTimeout    time.Duration
	DryRun           bool // 启动后只观察不下单
}

// DefaultConfig 默认主循环参数
func DefaultConfig() Config {
	return Config{
		UpdateInterval:   time.Hour,
		OpportunityLimit: 20,
		ErrorBackoff:     60 * time.Second,
		StopTimeout:      30 * time.Second,
		StatusInterval:   30 * time.Second,
		NotifyTimeout:    10 * time.Second,
	}
}

func (c *Config) withDefaults() Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.UpdateInterval <= 0 {
		out.UpdateInterval = def.UpdateInterval
	}
	if out.OpportunityLimit <= 0 {
		out.OpportunityLimit = def.OpportunityLimit
	}
	if out.ErrorBackoff <= 0 {
		out.ErrorBackoff = def.ErrorBackoff
	}
	if out.StopTimeout <= 0 {
		out.StopTimeout = def.StopTimeout
	}
	if out.StatusInterval < 0 {
		out.StatusInterval = 0
	}
	if out.NotifyTimeout <= 0 {
		out.NotifyTimeout = def.NotifyTimeout
	}
	return out
}

// Deps 主循环依赖的组件。Journal 与 Notifier 可为空
type Deps struct {
	Monitor  OpportunitySource
	Engine   *decision.DecisionEngine
	Risk     *risk.RiskManager
	Executor *TradeExecutor
	Gateway  exchange.Gateway
	Journal  logger.Recorder
	Notifier notify.Notifier
}

// AutomatedTrader 串联监控、决策、风控和执行的主循环
type AutomatedTrader struct {
	monitor  OpportunitySource
	engine   *decision.DecisionEngine
	risk     *risk.RiskManager
	executor *TradeExecutor
	gateway  exchange.Gateway
	journal  logger.Recorder
	notifier notify.Notifier
	cfg      Config
	now      func() time.Time

	mu         sync.RWMutex
	state      State
	stats      TradingStats
	lastError  string
	lastResult string

	// 同一时间只跑一个交易周期
	cycleMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAutomatedTrader 组装主循环，并把风控管理器注册为决策引擎的离场策略
func NewAutomatedTrader(deps Deps, cfg *Config) (*AutomatedTrader, error) {
	switch {
	case deps.Monitor == nil:
		return nil, errors.New("缺少市场监控器")
	case deps.Engine == nil:
		return nil, errors.New("缺少决策引擎")
	case deps.Risk == nil:
		return nil, errors.New("缺少风控管理器")
	case deps.Executor == nil:
		return nil, errors.New("缺少交易执行器")
	case deps.Gateway == nil:
		return nil, errors.New("缺少交易所网关")
	}
	if deps.Journal == nil {
		deps.Journal = logger.NewNoopRecorder()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NoopNotifier{}
	}

	t := &AutomatedTrader{
		monitor:  deps.Monitor,
		engine:   deps.Engine,
		risk:     deps.Risk,
		executor: deps.Executor,
		gateway:  deps.Gateway,
		journal:  deps.Journal,
		notifier: deps.Notifier,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
	deps.Engine.SetExitPolicy(deps.Risk)
	deps.Risk.SetStopEventSink(stopNotifier{t: t})
	return t, nil
}

// SetClock 测试用
func (t *AutomatedTrader) SetClock(now func() time.Time) {
	if now != nil {
		t.now = now
	}
}

// State 当前状态
func (t *AutomatedTrader) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// IsRunning 主循环是否在运行
func (t *AutomatedTrader) IsRunning() bool { return t.State().IsRunning() }

// TradingEnabled 是否真正下单
func (t *AutomatedTrader) TradingEnabled() bool { return t.State().TradingEnabled() }

// Start 启动监控器、交易主循环和状态打印
func (t *AutomatedTrader) Start() error {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	t.mu.Lock()
	if t.state.IsRunning() {
		t.mu.Unlock()
		log.Warn().Msg("⚠️  [交易] 自动交易已在运行，跳过启动")
		return ErrAlreadyRunning
	}
	if t.cfg.DryRun {
		t.state = StateRunningTradingDisabled
	} else {
		t.state = StateRunning
	}
	t.stats.StartTime = t.now()
	t.stats.LastCycleTime = time.Time{}
	state := t.state
	t.mu.Unlock()

	t.monitor.Start()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.cancel, t.done = cancel, done

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.loop(ctx)
	}()
	if t.cfg.StatusInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.statusLoop(ctx)
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	log.Info().
		Str("state", state.String()).
		Dur("interval", t.cfg.UpdateInterval).
		Msg("🚀 [交易] 自动交易已启动")
	return nil
}

// Stop 停止监控器和主循环。主循环在 StopTimeout 内未退出时返回错误，但状态仍置为 Stopped
func (t *AutomatedTrader) Stop() error {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	t.mu.Lock()
	if !t.state.IsRunning() {
		t.mu.Unlock()
		return ErrNotRunning
	}
	t.state = StateStopped
	t.mu.Unlock()

	if !t.monitor.Stop() {
		log.Warn().Msg("⚠️  [交易] 监控器未能按时停止")
	}

	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		log.Info().Msg("⏹  [交易] 自动交易已停止")
		return nil
	case <-time.After(t.cfg.StopTimeout):
		log.Warn().Dur("timeout", t.cfg.StopTimeout).Msg("⚠️  [交易] 主循环停止超时，继续关闭流程")
		return fmt.Errorf("主循环 %s 内未退出", t.cfg.StopTimeout)
	}
}

// EnableTrading 恢复下单
func (t *AutomatedTrader) EnableTrading() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.IsRunning() {
		return ErrNotRunning
	}
	t.state = StateRunning
	log.Info().Msg("▶️  [交易] 已开启下单")
	return nil
}

// DisableTrading 暂停下单，监控和决策照常进行
func (t *AutomatedTrader) DisableTrading() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.IsRunning() {
		return ErrNotRunning
	}
	t.state = StateRunningTradingDisabled
	log.Info().Msg("⏸  [交易] 已暂停下单（仅观察）")
	return nil
}

// EmergencyStop 关闭下单、停止主循环并等待当前周期退出，然后撤销所有挂单。单笔撤单失败不会中断
func (t *AutomatedTrader) EmergencyStop(ctx context.Context) EmergencyReport {
	log.Warn().Msg("🚨 [交易] 紧急停止")

	t.mu.Lock()
	if t.state.IsRunning() {
		t.state = StateRunningTradingDisabled
	}
	t.mu.Unlock()

	// 先让主循环退出，撤单期间不会再有新订单提交
	var stopErr string
	if err := t.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		stopErr = err.Error()
	}
	unlock, idle := t.lockCycle(ctx)
	defer unlock()
	if !idle {
		log.Warn().Msg("⚠️  [交易] 等待交易周期结束超时，直接撤单")
	}

	results := t.executor.CancelAllOrders(ctx)
	report := EmergencyReport{
		Timestamp:      t.now(),
		CancelAttempts: len(results),
		Results:        results,
		StopError:      stopErr,
	}
	for _, r := range results {
		entry := logger.ExecutionEntry{
			Timestamp: report.Timestamp,
			OrderID:   r.OrderID,
			Symbol:    r.Symbol,
			Success:   r.Success,
			Error:     r.Error,
		}
		if r.Success {
			report.Cancelled++
			entry.Status = string(exchange.OrderStatusCancelled)
		}
		t.journalExecution(entry)
	}

	t.mu.Lock()
	t.state = StateStopped
	t.mu.Unlock()

	t.notify(fmt.Sprintf("🚨 紧急停止: 撤单 %d/%d", report.Cancelled, report.CancelAttempts))
	log.Warn().Int("attempts", report.CancelAttempts).Int("cancelled", report.Cancelled).Msg("🚨 [交易] 紧急停止完成")
	return report
}

// lockCycle 获取周期锁，ctx 结束前拿不到时返回 false
func (t *AutomatedTrader) lockCycle(ctx context.Context) (unlock func(), ok bool) {
	if t.cycleMu.TryLock() {
		return t.cycleMu.Unlock, true
	}
	acquired := make(chan struct{})
	abandon := make(chan struct{})
	go func() {
		t.cycleMu.Lock()
		select {
		case acquired <- struct{}{}:
		case <-abandon:
			t.cycleMu.Unlock()
		}
	}()
	select {
	case <-acquired:
		return t.cycleMu.Unlock, true
	case <-ctx.Done():
		close(abandon)
		return func() {}, false
	}
}

func (t *AutomatedTrader) loop(ctx context.Context) {
	log.Info().Msg("🔄 [交易] 交易主循环启动")
	for {
		start := t.now()
		wait := t.safeCycle(ctx, start)
		if ctx.Err() != nil {
			log.Info().Msg("⏹  [交易] 交易主循环退出")
			return
		}
		log.Info().Dur("elapsed", t.now().Sub(start)).Dur("sleep", wait).Msg("💤 [交易] 本轮结束")
		if err := sleepCtx(ctx, wait); err != nil {
			log.Info().Msg("⏹  [交易] 交易主循环退出")
			return
		}
	}
}

// safeCycle 执行一轮并返回到下一轮之前的等待时间
func (t *AutomatedTrader) safeCycle(ctx context.Context, start time.Time) (wait time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Dur("backoff", t.cfg.ErrorBackoff).Msg("❌ [交易] 交易周期 panic，冷却后重试")
			t.setLastError(fmt.Sprintf("panic: %v", r))
			wait = t.cfg.ErrorBackoff
		}
	}()

	err := t.RunCycle(ctx)
	switch {
	case err == nil,
		errors.Is(err, decision.ErrPortfolioUnavailable),
		errors.Is(err, ErrCircuitBreaker),
		ctx.Err() != nil:
		return nextWait(t.cfg.UpdateInterval, t.now().Sub(start))
	default:
		log.Error().Err(err).Dur("backoff", t.cfg.ErrorBackoff).Msg("❌ [交易] 交易周期异常，冷却后重试")
		return t.cfg.ErrorBackoff
	}
}

func nextWait(interval, elapsed time.Duration) time.Duration {
	if wait := interval - elapsed; wait > 0 {
		return wait
	}
	return 0
}

func (t *AutomatedTrader) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.logStatus()
		}
	}
}

func (t *AutomatedTrader) logStatus() {
	perf := t.GetPerformanceSummary()
	orders := t.executor.GetOrderSummary()
	log.Info().
		Str("state", t.State().String()).
		Int("cycles", perf.CyclesCompleted).
		Int("trades", perf.TotalTrades).
		Float64("success_rate", perf.SuccessRate).
		Float64("volume", perf.TotalVolume).
		Float64("daily_pnl", perf.DailyPnL).
		Int("active_orders", orders.ActiveOrders).
		Int("stop_losses", perf.ActiveStopLosses).
		Msg("📊 [交易] 运行状态")
}

func (t *AutomatedTrader) setLastError(msg string) {
	t.mu.Lock()
	t.lastError = msg
	t.mu.Unlock()
}

// GetStatus 汇总各组件状态。只读，不改变任何计数
func (t *AutomatedTrader) GetStatus() Status {
	t.mu.RLock()
	st := Status{
		State:           t.state,
		IsRunning:       t.state.IsRunning(),
		TradingEnabled:  t.state.TradingEnabled(),
		UpdateInterval:  t.cfg.UpdateInterval.Seconds(),
		Stats:           t.stats,
		LastCycleError:  t.lastError,
		LastCycleResult: t.lastResult,
	}
	t.mu.RUnlock()

	st.Monitor = t.monitor.Status()
	st.Execution = t.executor.GetExecutionStats()
	st.Risk = t.risk.GetRiskSummary()
	st.Decisions = t.engine.GetDecisionStats()
	return st
}

// GetPerformanceSummary 运行表现。运行时长计到最近一次完成的交易周期，重复调用结果一致
func (t *AutomatedTrader) GetPerformanceSummary() PerformanceSummary {
	t.mu.RLock()
	stats := t.stats
	t.mu.RUnlock()

	p := PerformanceSummary{
		CyclesCompleted:  stats.CyclesCompleted,
		TotalTrades:      stats.TotalTrades,
		SuccessfulTrades: stats.SuccessfulTrades,
		FailedTrades:     stats.FailedTrades,
		TotalVolume:      stats.TotalVolume,
		DailyPnL:         t.risk.DailyPnL(),
		ActiveStopLosses: len(t.risk.StopLosses()),
	}
	if !stats.StartTime.IsZero() && stats.LastCycleTime.After(stats.StartTime) {
		p.UptimeHours = stats.LastCycleTime.Sub(stats.StartTime).Hours()
	}
	if stats.TotalTrades > 0 {
		p.SuccessRate = float64(stats.SuccessfulTrades) / float64(stats.TotalTrades) * 100
		p.AverageTradeSize = stats.TotalVolume / float64(stats.TotalTrades)
	}
	if p.UptimeHours > 0 {
		p.TradesPerHour = float64(stats.TotalTrades) / p.UptimeHours
	}
	return p
}

func (t *AutomatedTrader) notify(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.NotifyTimeout)
	defer cancel()
	if err := t.notifier.Notify(ctx, text); err != nil {
		log.Warn().Err(err).Msg("⚠️  [通知] 发送失败")
	}
}

func (t *AutomatedTrader) journalExecution(entry logger.ExecutionEntry) {
	if err := t.journal.LogExecution(&entry); err != nil {
		log.Warn().Err(err).Msg("⚠️  [日志] 写入执行记录失败")
	}
}

func (t *AutomatedTrader) journalAlert(a risk.Alert) {
	if err := t.journal.LogAlert(&logger.AlertEntry{
		Timestamp: a.Timestamp,
		Type:      string(a.Type),
		Severity:  string(a.Severity),
		Message:   a.Message,
	}); err != nil {
		log.Warn().Err(err).Msg("⚠️  [日志] 写入告警失败")
	}
}
