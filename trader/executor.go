package trader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"autotrader/decision"
	"autotrader/exchange"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ExecutorConfig 执行器参数
type ExecutorConfig struct {
	MinOrderUSD     float64       // 单笔最小金额
	MaxPerSymbol    int           // 窗口内单个交易对最多提交次数
	OvertradeWindow time.Duration // 防过度交易窗口
	SubmitDelay     time.Duration // 批量执行时相邻两笔之间的间隔，0 表示不等待
	OrderTimeout    time.Duration // 挂单超过该时长尝试撤单
	MaxSlippage     float64       // 参考价偏离决策价超过该比例时告警
	HistoryLimit    int           // 已结束订单保留条数
}

// DefaultExecutorConfig 默认执行参数
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MinOrderUSD:     1,
		MaxPerSymbol:    3,
		OvertradeWindow: 5 * time.Minute,
		SubmitDelay:     time.Second,
		OrderTimeout:    300 * time.Second,
		MaxSlippage:     0.02,
		HistoryLimit:    defaultHistoryLimit,
	}
}

func (c *ExecutorConfig) withDefaults() ExecutorConfig {
	def := DefaultExecutorConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.MinOrderUSD <= 0 {
		out.MinOrderUSD = def.MinOrderUSD
	}
	if out.MaxPerSymbol <= 0 {
		out.MaxPerSymbol = def.MaxPerSymbol
	}
	if out.OvertradeWindow <= 0 {
		out.OvertradeWindow = def.OvertradeWindow
	}
	if out.SubmitDelay < 0 {
		out.SubmitDelay = 0
	}
	if out.OrderTimeout <= 0 {
		out.OrderTimeout = def.OrderTimeout
	}
	if out.MaxSlippage <= 0 {
		out.MaxSlippage = def.MaxSlippage
	}
	if out.HistoryLimit <= 0 {
		out.HistoryLimit = def.HistoryLimit
	}
	return out
}

// TradeExecutor 把决策转成交易所订单，并跟踪订单直到终态
type TradeExecutor struct {
	gateway exchange.Gateway
	cfg     ExecutorConfig
	orders  *OrderManager
	now     func() time.Time

	statsMu sync.Mutex
	daily   DailyStats
}

// NewTradeExecutor cfg 为 nil 时使用默认参数
func NewTradeExecutor(gateway exchange.Gateway, cfg *ExecutorConfig) *TradeExecutor {
	c := cfg.withDefaults()
	e := &TradeExecutor{
		gateway: gateway,
		cfg:     c,
		orders:  NewOrderManager(c.HistoryLimit),
		now:     time.Now,
	}
	e.daily.Date = e.now().Format("2006-01-02")
	return e
}

// SetClock 测试用
func (e *TradeExecutor) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	e.now = now
	e.statsMu.Lock()
	e.daily = DailyStats{Date: now().Format("2006-01-02")}
	e.statsMu.Unlock()
}

// Config 当前执行参数
func (e *TradeExecutor) Config() ExecutorConfig {
	return e.cfg
}

func (e *TradeExecutor) updateDaily(fn func(d *DailyStats)) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	if day := e.now().Format("2006-01-02"); day != e.daily.Date {
		log.Info().Str("date", day).Msg("📅 [执行] 新的交易日，重置执行统计")
		e.daily = DailyStats{Date: day}
	}
	if fn != nil {
		fn(&e.daily)
	}
}

func (e *TradeExecutor) preCheck(symbol string, amountUSD float64) error {
	if amountUSD < e.cfg.MinOrderUSD {
		return fmt.Errorf("%w: $%.2f < $%.2f", ErrBelowMinimum, amountUSD, e.cfg.MinOrderUSD)
	}
	return e.overtradeCheck(symbol)
}

func (e *TradeExecutor) overtradeCheck(symbol string) error {
	since := e.now().Add(-e.cfg.OvertradeWindow)
	if n := e.orders.RecentSubmissions(symbol, since); n >= e.cfg.MaxPerSymbol {
		return fmt.Errorf("%w: %s 最近 %s 内已执行 %d 次", ErrOvertrading, symbol, e.cfg.OvertradeWindow, n)
	}
	return nil
}

func (e *TradeExecutor) referencePrice(ctx context.Context, d decision.Decision) (float64, error) {
	price, err := e.gateway.GetTicker(ctx, d.Symbol)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrNoPrice, d.Symbol, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, d.Symbol)
	}
	if d.Price > 0 {
		if drift := math.Abs(price-d.Price) / d.Price; drift > e.cfg.MaxSlippage {
			log.Warn().
				Str("symbol", d.Symbol).
				Float64("decision_price", d.Price).
				Float64("reference_price", price).
				Float64("drift", drift).
				Msg("⚠️  [执行] 参考价偏离决策价超过滑点上限")
		}
	}
	return price, nil
}

func (e *TradeExecutor) submitFailed(d decision.Decision, err error) ExecutionResult {
	e.updateDaily(func(s *DailyStats) { s.FailedTrades++ })
	log.Error().Err(err).Str("symbol", d.Symbol).Str("action", string(d.Action)).Msg("❌ [执行] 下单失败")
	return failed(err)
}

// ExecuteBuyDecision 按金额市价买入
func (e *TradeExecutor) ExecuteBuyDecision(ctx context.Context, d decision.Decision) ExecutionResult {
	if err := e.preCheck(d.Symbol, d.PositionSizeUSD); err != nil {
		log.Warn().Err(err).Str("symbol", d.Symbol).Msg("⚠️  [执行] 买入预检查未通过")
		return failed(err)
	}
	price, err := e.referencePrice(ctx, d)
	if err != nil {
		return e.submitFailed(d, err)
	}

	rec := ExecutionRecord{
		ID:             uuid.NewString(),
		Symbol:         d.Symbol,
		Side:           exchange.SideBuy,
		Type:           exchange.OrderTypeMarket,
		AmountUSD:      d.PositionSizeUSD,
		Quantity:       d.PositionSizeUSD / price,
		ReferencePrice: price,
		Confidence:     d.Confidence,
		Reason:         d.Reason,
	}
	return e.submit(ctx, rec, exchange.OrderRequest{
		Symbol:        d.Symbol,
		Side:          exchange.SideBuy,
		Type:          exchange.OrderTypeMarket,
		Funds:         d.PositionSizeUSD,
		ClientOrderID: rec.ID,
	})
}

// ExecuteSellDecision 按数量市价卖出
func (e *TradeExecutor) ExecuteSellDecision(ctx context.Context, d decision.Decision) ExecutionResult {
	if d.Quantity <= 0 {
		err := fmt.Errorf("%w: 卖出数量无效 %.8f", ErrBelowMinimum, d.Quantity)
		log.Warn().Err(err).Str("symbol", d.Symbol).Msg("⚠️  [执行] 卖出预检查未通过")
		return failed(err)
	}
	if err := e.overtradeCheck(d.Symbol); err != nil {
		log.Warn().Err(err).Str("symbol", d.Symbol).Msg("⚠️  [执行] 卖出预检查未通过")
		return failed(err)
	}
	price, err := e.referencePrice(ctx, d)
	if err != nil {
		return e.submitFailed(d, err)
	}
	value := d.Quantity * price
	if value < e.cfg.MinOrderUSD {
		err := fmt.Errorf("%w: $%.2f < $%.2f", ErrBelowMinimum, value, e.cfg.MinOrderUSD)
		log.Warn().Err(err).Str("symbol", d.Symbol).Msg("⚠️  [执行] 卖出预检查未通过")
		return failed(err)
	}

	rec := ExecutionRecord{
		ID:             uuid.NewString(),
		Symbol:         d.Symbol,
		Side:           exchange.SideSell,
		Type:           exchange.OrderTypeMarket,
		AmountUSD:      value,
		Quantity:       d.Quantity,
		ReferencePrice: price,
		Confidence:     d.Confidence,
		Reason:         d.Reason,
	}
	return e.submit(ctx, rec, exchange.OrderRequest{
		Symbol:        d.Symbol,
		Side:          exchange.SideSell,
		Type:          exchange.OrderTypeMarket,
		Size:          d.Quantity,
		ClientOrderID: rec.ID,
	})
}

func (e *TradeExecutor) submit(ctx context.Context, rec ExecutionRecord, req exchange.OrderRequest) ExecutionResult {
	if err := ctx.Err(); err != nil {
		log.Warn().Str("symbol", rec.Symbol).Msg("⏹  [执行] 上下文已取消，不再提交订单")
		return failed(fmt.Errorf("提交订单: %w", err))
	}
	orderID, err := e.gateway.SubmitOrder(ctx, req)
	if err != nil {
		return e.submitFailed(decision.Decision{Symbol: rec.Symbol, Action: actionFor(rec.Side)}, fmt.Errorf("提交订单: %w", err))
	}

	rec.OrderID = orderID
	rec.Status = exchange.OrderStatusPending
	rec.CreatedAt = e.now()
	e.orders.Track(rec)
	e.updateDaily(func(s *DailyStats) {
		s.TradesExecuted++
		s.TotalVolume += rec.AmountUSD
	})

	log.Info().
		Str("symbol", rec.Symbol).
		Str("side", string(rec.Side)).
		Str("order_id", orderID).
		Float64("amount_usd", rec.AmountUSD).
		Float64("price", rec.ReferencePrice).
		Msg("✅ [执行] 订单已提交")

	out := rec
	return ExecutionResult{Success: true, OrderID: orderID, Record: &out}
}

func actionFor(side exchange.Side) decision.Action {
	if side == exchange.SideSell {
		return decision.ActionSell
	}
	return decision.ActionBuy
}

// ExecuteDecision 按动作分发
func (e *TradeExecutor) ExecuteDecision(ctx context.Context, d decision.Decision) ExecutionResult {
	switch d.Action {
	case decision.ActionBuy:
		return e.ExecuteBuyDecision(ctx, d)
	case decision.ActionSell:
		return e.ExecuteSellDecision(ctx, d)
	default:
		return failed(fmt.Errorf("%w: %q", ErrUnknownAction, d.Action))
	}
}

// ExecuteDecisions 顺序执行，相邻两笔之间等待 SubmitDelay；ctx 取消时提前返回已完成的结果
func (e *TradeExecutor) ExecuteDecisions(ctx context.Context, decisions []decision.Decision) []IndexedResult {
	results := make([]IndexedResult, 0, len(decisions))
	for i, d := range decisions {
		if ctx.Err() != nil {
			log.Warn().Int("remaining", len(decisions)-i).Msg("⏹  [执行] 上下文已取消，停止批量执行")
			break
		}
		if i > 0 && e.cfg.SubmitDelay > 0 {
			if err := sleepCtx(ctx, e.cfg.SubmitDelay); err != nil {
				break
			}
		}
		results = append(results, IndexedResult{
			Index:           i,
			Action:          d.Action,
			Symbol:          d.Symbol,
			ExecutionResult: e.ExecuteDecision(ctx, d),
		})
	}
	return results
}

// MonitorActiveOrders 轮询所有挂单。查询失败的订单保持活跃，超时挂单尝试撤销
func (e *TradeExecutor) MonitorActiveOrders(ctx context.Context) MonitorReport {
	active := e.orders.Active()
	report := MonitorReport{Monitored: len(active)}

	for _, rec := range active {
		if ctx.Err() != nil {
			break
		}
		status, err := e.gateway.GetOrderStatus(ctx, rec.OrderID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", rec.OrderID).Msg("⚠️  [执行] 查询订单状态失败，下轮重试")
			continue
		}

		if status.IsTerminal() {
			if done, ok := e.finish(rec.OrderID, status); ok {
				report.Updated = append(report.Updated, done)
				if status == exchange.OrderStatusDone {
					report.Completed = append(report.Completed, rec.OrderID)
				} else {
					report.Failed = append(report.Failed, rec.OrderID)
				}
			}
			continue
		}

		if age := e.now().Sub(rec.CreatedAt); age > e.cfg.OrderTimeout {
			log.Warn().Str("order_id", rec.OrderID).Dur("age", age).Msg("⏰ [执行] 挂单超时，尝试撤单")
			done, err := e.cancel(ctx, rec.OrderID)
			if err != nil {
				log.Warn().Err(err).Str("order_id", rec.OrderID).Msg("⚠️  [执行] 超时撤单失败")
				continue
			}
			report.TimedOut = append(report.TimedOut, rec.OrderID)
			report.Updated = append(report.Updated, done)
		}
	}

	report.StillActive = len(e.orders.Active())
	return report
}

func (e *TradeExecutor) finish(orderID string, status exchange.OrderStatus) (ExecutionRecord, bool) {
	rec, ok := e.orders.Finish(orderID, status, e.now())
	if !ok {
		return rec, false
	}
	e.updateDaily(func(s *DailyStats) {
		if status == exchange.OrderStatusDone {
			s.SuccessfulTrades++
		} else {
			s.FailedTrades++
		}
	})
	log.Info().Str("order_id", orderID).Str("symbol", rec.Symbol).Str("status", string(status)).Msg("📦 [执行] 订单结束")
	return rec, true
}

// CancelOrder 撤销一笔本地跟踪的挂单
func (e *TradeExecutor) CancelOrder(ctx context.Context, orderID string) error {
	_, err := e.cancel(ctx, orderID)
	return err
}

func (e *TradeExecutor) cancel(ctx context.Context, orderID string) (ExecutionRecord, error) {
	if _, ok := e.orders.Get(orderID); !ok {
		return ExecutionRecord{}, fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, orderID)
	}
	if err := e.gateway.CancelOrder(ctx, orderID); err != nil {
		return ExecutionRecord{}, fmt.Errorf("撤单 %s: %w", orderID, err)
	}
	rec, _ := e.finish(orderID, exchange.OrderStatusCancelled)
	return rec, nil
}

// CancelAllOrders 逐一撤销所有挂单，单笔失败不影响其余订单
func (e *TradeExecutor) CancelAllOrders(ctx context.Context) []CancelResult {
	active := e.orders.Active()
	results := make([]CancelResult, 0, len(active))
	for _, rec := range active {
		res := CancelResult{OrderID: rec.OrderID, Symbol: rec.Symbol, Success: true}
		if err := e.CancelOrder(ctx, rec.OrderID); err != nil {
			res.Success = false
			res.Error = err.Error()
			if !errors.Is(err, exchange.ErrOrderNotCancellable) {
				log.Error().Err(err).Str("order_id", rec.OrderID).Msg("❌ [执行] 撤单失败")
			}
		}
		results = append(results, res)
	}
	return results
}

// ActiveOrders 活跃订单副本
func (e *TradeExecutor) ActiveOrders() []ExecutionRecord {
	return e.orders.Active()
}

// CompletedOrders 最近成交的订单
func (e *TradeExecutor) CompletedOrders() []ExecutionRecord {
	return e.orders.Completed()
}

// GetOrderSummary 订单概览
func (e *TradeExecutor) GetOrderSummary() OrderSummary {
	return e.orders.Summary()
}

// GetExecutionStats 执行统计，跨日时先清零当日计数
func (e *TradeExecutor) GetExecutionStats() ExecutionStats {
	e.updateDaily(nil)
	e.statsMu.Lock()
	daily := e.daily
	e.statsMu.Unlock()
	return ExecutionStats{
		DailyStats:            daily,
		OrderSummary:          e.orders.Summary(),
		ExecutionHistoryCount: e.orders.HistoryCount(),
		MaxSlippage:           e.cfg.MaxSlippage,
		OrderTimeoutSeconds:   e.cfg.OrderTimeout.Seconds(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
