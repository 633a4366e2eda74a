package trader

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"autotrader/decision"
	"autotrader/exchange"
	"autotrader/logger"
	"autotrader/market"
	"autotrader/risk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMonitor struct {
	mu      sync.Mutex
	opps    []market.Opportunity
	panics  bool
	running bool
	starts  int
}

func (m *stubMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	m.starts++
}

func (m *stubMonitor) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return true
}

func (m *stubMonitor) LatestOpportunities(limit int) []market.Opportunity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panics {
		panic("分析结果损坏")
	}
	out := append([]market.Opportunity(nil), m.opps...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *stubMonitor) Status() market.MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return market.MonitorStatus{IsRunning: m.running, OpportunityCount: len(m.opps)}
}

func (m *stubMonitor) set(opps ...market.Opportunity) {
	m.mu.Lock()
	m.opps = opps
	m.mu.Unlock()
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	n.messages = append(n.messages, text)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) contains(sub string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.messages {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

type harness struct {
	trader   *AutomatedTrader
	demo     *exchange.DemoGateway
	monitor  *stubMonitor
	risk     *risk.RiskManager
	executor *TradeExecutor
	engine   *decision.DecisionEngine
	notifier *recordingNotifier
	journal  *logger.SQLiteRecorder
}

func newHarness(t *testing.T, gw exchange.Gateway, demo *exchange.DemoGateway, cfg *Config) *harness {
	t.Helper()
	if cfg == nil {
		cfg = &Config{UpdateInterval: time.Hour}
	}
	journal, err := logger.NewSQLiteRecorder(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	h := &harness{
		demo:     demo,
		monitor:  &stubMonitor{},
		risk:     risk.NewRiskManager(nil),
		executor: NewTradeExecutor(gw, &ExecutorConfig{}),
		engine:   decision.NewDecisionEngine(decision.NewPortfolioManager(gw, nil), nil, nil),
		notifier: &recordingNotifier{},
		journal:  journal,
	}
	h.trader, err = NewAutomatedTrader(Deps{
		Monitor:  h.monitor,
		Engine:   h.engine,
		Risk:     h.risk,
		Executor: h.executor,
		Gateway:  gw,
		Journal:  journal,
		Notifier: h.notifier,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.trader.Stop() })
	return h
}

func strongBuy(symbol string, conf float64) market.Opportunity {
	return market.Opportunity{
		Symbol:          symbol,
		Signal:          market.SignalStrongBuy,
		Confidence:      conf,
		Timeframe:       "1h",
		PotentialReturn: conf,
	}
}

// 手动驱动周期前把状态切到 Running，不启动后台循环
func (h *harness) enableWithoutLoop() {
	h.trader.mu.Lock()
	h.trader.state = StateRunning
	h.trader.mu.Unlock()
}

func TestRunCycleBuysAndRegistersStop(t *testing.T) {
	demo := newDemo(0, nil)
	h := newHarness(t, demo, demo, nil)
	h.enableWithoutLoop()
	h.monitor.set(strongBuy("BTC-USD", 0.9))

	require.NoError(t, h.trader.RunCycle(context.Background()))

	stop, ok := h.risk.StopLoss("BTC-USD")
	require.True(t, ok)
	assert.InDelta(t, 50000, stop.EntryPrice, 1e-9)
	assert.InDelta(t, 45000, stop.StopPrice, 1e-6)
	assert.Len(t, h.risk.StopLosses(), 1)
	assert.Equal(t, 1, h.risk.DailyTrades())

	perf := h.trader.GetPerformanceSummary()
	assert.Equal(t, 1, perf.CyclesCompleted)
	assert.Equal(t, 1, perf.TotalTrades)
	assert.Equal(t, 1, perf.SuccessfulTrades)
	assert.InDelta(t, 900, perf.TotalVolume, 1e-9)
	assert.InDelta(t, 100, perf.SuccessRate, 1e-9)

	records, err := h.journal.RecentDecisions(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Len(t, records[0].Decisions, 1)
	assert.True(t, records[0].Decisions[0].Approved)
	assert.True(t, records[0].Decisions[0].Executed)
	assert.InDelta(t, 900, records[0].Decisions[0].PositionSizeUSD, 1e-9)
	assert.Equal(t, []string{"BTC-USD"}, records[0].CandidateCoins)

	execs, err := h.journal.RecentExecutions("BTC-USD", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, execs)
}

func TestRunCycleCircuitBreakerSkipsExecution(t *testing.T) {
	demo := newDemo(0, nil)
	h := newHarness(t, demo, demo, nil)
	h.enableWithoutLoop()
	h.monitor.set(strongBuy("BTC-USD", 0.9), strongBuy("ETH-USD", 0.95))
	h.risk.UpdateDailyPnL(-600)

	err := h.trader.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCircuitBreaker)

	assert.Empty(t, h.executor.ActiveOrders())
	assert.Equal(t, 0, h.executor.GetOrderSummary().TotalOrders)
	assert.Empty(t, h.risk.StopLosses())

	st := h.trader.GetStatus()
	assert.Equal(t, 0, st.Stats.TotalTrades)
	assert.Equal(t, 1, st.Stats.SkippedCycles)
	assert.Contains(t, st.LastCycleError, "熔断")
	assert.True(t, h.notifier.contains(string(risk.AlertDailyLoss)))

	alerts, err := h.journal.RecentAlerts(5)
	require.NoError(t, err)
	require.NotEmpty(t, alerts)
	assert.Equal(t, string(risk.SeverityCritical), alerts[0].Severity)
}

func TestRunCycleSellsTriggeredStop(t *testing.T) {
	demo := newDemo(0, nil)
	h := newHarness(t, demo, demo, nil)
	h.enableWithoutLoop()
	ctx := context.Background()

	h.monitor.set(strongBuy("BTC-USD", 0.9))
	require.NoError(t, h.trader.RunCycle(ctx))
	require.Len(t, h.risk.StopLosses(), 1)

	h.monitor.set()
	demo.SetPrice("BTC-USD", 44000)
	require.NoError(t, h.trader.RunCycle(ctx))

	assert.Empty(t, h.risk.StopLosses())
	// (44000 - 50000) × 0.018
	assert.InDelta(t, -108, h.risk.DailyPnL(), 1e-6)
	assert.Equal(t, 2, h.risk.DailyTrades())

	perf := h.trader.GetPerformanceSummary()
	assert.Equal(t, 2, perf.TotalTrades)
	assert.Equal(t, 2, perf.SuccessfulTrades)

	balances, err := demo.GetAccountBalances(ctx)
	require.NoError(t, err)
	for _, b := range balances {
		if b.Currency == "BTC" {
			assert.InDelta(t, 0, b.Balance, 1e-12)
		}
	}
	assert.Eventually(t, func() bool { return h.notifier.contains("止损触发") }, time.Second, 10*time.Millisecond)
}

func TestRunCycleRetriesFailedStopSell(t *testing.T) {
	demo := newDemo(0, nil)
	gw := &flakyGateway{DemoGateway: demo}
	h := newHarness(t, gw, demo, nil)
	h.enableWithoutLoop()
	ctx := context.Background()

	h.monitor.set(strongBuy("BTC-USD", 0.9))
	require.NoError(t, h.trader.RunCycle(ctx))
	require.Len(t, h.risk.StopLosses(), 1)

	h.monitor.set()
	demo.SetPrice("BTC-USD", 44000)
	gw.mu.Lock()
	gw.failSells = 1
	gw.mu.Unlock()
	require.NoError(t, h.trader.RunCycle(ctx))

	stop, ok := h.risk.StopLoss("BTC-USD")
	require.True(t, ok, "卖出失败时止损记录必须保留")
	assert.True(t, stop.Triggered)
	assert.InDelta(t, 44000, stop.TriggerPrice, 1e-9)
	assert.Zero(t, h.risk.DailyPnL())
	assert.Equal(t, 1, h.trader.GetPerformanceSummary().FailedTrades)

	require.NoError(t, h.trader.RunCycle(ctx))
	assert.Empty(t, h.risk.StopLosses())
	assert.InDelta(t, -108, h.risk.DailyPnL(), 1e-6)

	balances, err := demo.GetAccountBalances(ctx)
	require.NoError(t, err)
	for _, b := range balances {
		if b.Currency == "BTC" {
			assert.InDelta(t, 0, b.Balance, 1e-12)
		}
	}
}

func TestRunCycleKeepsStopWhenTickerFails(t *testing.T) {
	demo := newDemo(0, nil)
	gw := &flakyGateway{DemoGateway: demo}
	h := newHarness(t, gw, demo, nil)
	h.enableWithoutLoop()
	ctx := context.Background()

	h.monitor.set(strongBuy("BTC-USD", 0.9))
	require.NoError(t, h.trader.RunCycle(ctx))
	require.Len(t, h.risk.StopLosses(), 1)

	// 单个交易对行情限流只跳过本轮，不能丢掉持仓的止损
	h.monitor.set()
	gw.setTickerErr("BTC-USD", errors.New("429 too many requests"))
	require.NoError(t, h.trader.RunCycle(ctx))
	stop, ok := h.risk.StopLoss("BTC-USD")
	require.True(t, ok)
	assert.False(t, stop.Triggered)

	gw.setTickerErr("BTC-USD", nil)
	demo.SetPrice("BTC-USD", 30000)
	require.NoError(t, h.trader.RunCycle(ctx))
	assert.Empty(t, h.risk.StopLosses())
	// (30000 - 50000) × 0.018
	assert.InDelta(t, -360, h.risk.DailyPnL(), 1e-6)
}

func TestRunCycleWithTradingDisabledOnlyRecords(t *testing.T) {
	demo := newDemo(0, nil)
	h := newHarness(t, demo, demo, nil)
	h.monitor.set(strongBuy("BTC-USD", 0.9))

	// 未启动时状态为 Stopped，TradingEnabled 为 false
	require.NoError(t, h.trader.RunCycle(context.Background()))

	assert.Empty(t, h.executor.ActiveOrders())
	assert.Equal(t, 0, h.executor.GetOrderSummary().TotalOrders)
	assert.Empty(t, h.risk.StopLosses())
	assert.Equal(t, 1, h.engine.GetDecisionStats().TotalDecisions)

	records, err := h.journal.RecentDecisions(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Len(t, records[0].Decisions, 1)
	assert.True(t, records[0].Decisions[0].Approved)
	assert.False(t, records[0].Decisions[0].Executed)
}

func TestRunCycleAbortsWhenPortfolioUnavailable(t *testing.T) {
	demo := newDemo(0, nil)
	gw := &flakyGateway{DemoGateway: demo, balancesErr: errors.New("503")}
	h := newHarness(t, gw, demo, nil)
	h.enableWithoutLoop()
	h.monitor.set(strongBuy("BTC-USD", 0.9))

	err := h.trader.RunCycle(context.Background())
	assert.ErrorIs(t, err, decision.ErrPortfolioUnavailable)
	assert.Equal(t, 0, h.executor.GetOrderSummary().TotalOrders)

	// 组合不可用按正常间隔等待，而不是错误冷却
	wait := h.trader.safeCycle(context.Background(), time.Now())
	assert.Greater(t, wait, h.trader.cfg.ErrorBackoff)
}

func TestSafeCycleRecoversFromPanic(t *testing.T) {
	demo := newDemo(0, nil)
	h := newHarness(t, demo, demo, nil)
	h.monitor.panics = true

	wait := h.trader.safeCycle(context.Background(), time.Now())
	assert.Equal(t, 60*time.Second, wait)

	st := h.trader.GetStatus()
	assert.Equal(t, 1, st.Stats.SkippedCycles)
	assert.Contains(t, st.LastCycleError, "panic")
}

func TestStateMachine(t *testing.T) {
	demo := newDemo(0, nil)
	h := newHarness(t, demo, demo, &Config{UpdateInterval: time.Hour, DryRun: true})

	assert.Equal(t, StateStopped, h.trader.State())
	assert.ErrorIs(t, h.trader.EnableTrading(), ErrNotRunning)
	assert.ErrorIs(t, h.trader.DisableTrading(), ErrNotRunning)
	assert.ErrorIs(t, h.trader.Stop(), ErrNotRunning)

	require.NoError(t, h.trader.Start())
	assert.Equal(t, StateRunningTradingDisabled, h.trader.State())
	assert.True(t, h.trader.IsRunning())
	assert.False(t, h.trader.TradingEnabled())
	assert.ErrorIs(t, h.trader.Start(), ErrAlreadyRunning)
	assert.True(t, h.monitor.Status().IsRunning)

	require.NoError(t, h.trader.EnableTrading())
	assert.Equal(t, StateRunning, h.trader.State())
	assert.True(t, h.trader.TradingEnabled())

	require.NoError(t, h.trader.DisableTrading())
	assert.True(t, h.trader.IsRunning())
	assert.False(t, h.trader.TradingEnabled())

	require.NoError(t, h.trader.Stop())
	assert.Equal(t, StateStopped, h.trader.State())
	assert.False(t, h.trader.IsRunning())
	assert.False(t, h.monitor.Status().IsRunning)
}

func TestEmergencyStopCancelsEveryActiveOrder(t *testing.T) {
	demo := newDemo(time.Hour, nil)
	gw := &flakyGateway{DemoGateway: demo, failCancel: map[int]bool{1: true}}
	h := newHarness(t, gw, demo, nil)
	ctx := context.Background()

	for _, s := range []string{"BTC-USD", "ETH-USD", "SOL-USD"} {
		require.True(t, h.executor.ExecuteBuyDecision(ctx, buy(s, 100)).Success)
	}
	require.NoError(t, h.trader.Start())

	report := h.trader.EmergencyStop(ctx)
	assert.Equal(t, 3, report.CancelAttempts)
	assert.Equal(t, 3, gw.cancels())
	assert.Equal(t, 2, report.Cancelled)
	assert.Len(t, report.Results, 3)
	assert.False(t, h.trader.TradingEnabled())
	assert.False(t, h.trader.IsRunning())
	assert.True(t, h.notifier.contains("紧急停止"))
}

func TestEmergencyStopWhenNotRunning(t *testing.T) {
	demo := newDemo(time.Hour, nil)
	h := newHarness(t, demo, demo, nil)
	require.True(t, h.executor.ExecuteBuyDecision(context.Background(), buy("BTC-USD", 100)).Success)

	report := h.trader.EmergencyStop(context.Background())
	assert.Equal(t, 1, report.CancelAttempts)
	assert.Equal(t, 1, report.Cancelled)
	assert.Empty(t, report.StopError)
	assert.Equal(t, StateStopped, h.trader.State())
}

func TestStatusAndPerformanceAreIdempotent(t *testing.T) {
	demo := newDemo(0, nil)
	h := newHarness(t, demo, demo, nil)
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.Local)
	h.trader.SetClock(func() time.Time { return now })

	h.trader.mu.Lock()
	h.trader.state = StateRunning
	h.trader.stats.StartTime = now
	h.trader.mu.Unlock()

	h.monitor.set(strongBuy("BTC-USD", 0.9))
	now = now.Add(30 * time.Minute)
	require.NoError(t, h.trader.RunCycle(context.Background()))

	first := h.trader.GetPerformanceSummary()
	now = now.Add(5 * time.Hour)
	second := h.trader.GetPerformanceSummary()
	assert.Equal(t, first, second)
	assert.InDelta(t, 0.5, first.UptimeHours, 1e-9)
	assert.InDelta(t, 2, first.TradesPerHour, 1e-9)
	assert.InDelta(t, 900, first.AverageTradeSize, 1e-9)

	s1 := h.trader.GetStatus()
	s2 := h.trader.GetStatus()
	assert.Equal(t, s1.Stats, s2.Stats)
	assert.Equal(t, s1.Execution, s2.Execution)
	assert.Equal(t, s1.Risk.DailyTrades, s2.Risk.DailyTrades)
	assert.Equal(t, s1.Decisions, s2.Decisions)
	assert.Equal(t, 1, s1.Stats.CyclesCompleted)
}

func TestNextWait(t *testing.T) {
	assert.Equal(t, 40*time.Second, nextWait(time.Minute, 20*time.Second))
	assert.Zero(t, nextWait(time.Minute, 2*time.Minute))
}

func TestNewAutomatedTraderRequiresComponents(t *testing.T) {
	_, err := NewAutomatedTrader(Deps{}, nil)
	assert.Error(t, err)
}

// slowCancelGateway 撤单较慢，并记录所有提交成功的订单
type slowCancelGateway struct {
	*exchange.DemoGateway
	cancelDelay time.Duration
	firstSubmit chan struct{}

	once      sync.Once
	mu        sync.Mutex
	submitted []string
}

func (g *slowCancelGateway) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	id, err := g.DemoGateway.SubmitOrder(ctx, req)
	if err != nil {
		return "", err
	}
	g.mu.Lock()
	g.submitted = append(g.submitted, id)
	g.mu.Unlock()
	g.once.Do(func() { close(g.firstSubmit) })
	return id, nil
}

func (g *slowCancelGateway) CancelOrder(ctx context.Context, orderID string) error {
	time.Sleep(g.cancelDelay)
	return g.DemoGateway.CancelOrder(ctx, orderID)
}

func (g *slowCancelGateway) orderIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.submitted...)
}

func TestEmergencyStopDuringExecutionLeavesNoLiveOrder(t *testing.T) {
	demo := newDemo(time.Hour, nil)
	gw := &slowCancelGateway{DemoGateway: demo, cancelDelay: 300 * time.Millisecond, firstSubmit: make(chan struct{})}
	h := newHarness(t, gw, demo, nil)
	h.executor.cfg.SubmitDelay = 200 * time.Millisecond
	h.monitor.set(strongBuy("BTC-USD", 0.9), strongBuy("ETH-USD", 0.9), strongBuy("SOL-USD", 0.9))
	ctx := context.Background()

	require.NoError(t, h.trader.Start())
	select {
	case <-gw.firstSubmit:
	case <-time.After(5 * time.Second):
		t.Fatal("首笔订单未提交")
	}

	report := h.trader.EmergencyStop(ctx)
	submitted := gw.orderIDs()
	require.NotEmpty(t, submitted)
	assert.Less(t, len(submitted), 3)
	assert.Equal(t, len(submitted), report.CancelAttempts)
	assert.Equal(t, len(submitted), report.Cancelled)
	assert.Empty(t, h.executor.ActiveOrders())
	assert.Equal(t, StateStopped, h.trader.State())

	for _, id := range submitted {
		status, err := demo.GetOrderStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, exchange.OrderStatusCancelled, status)
	}

	// 周期已退出，之后不会再有新订单
	time.Sleep(500 * time.Millisecond)
	assert.Len(t, gw.orderIDs(), len(submitted))
}
