package trader

import (
	"context"
	"fmt"
	"sort"

	"autotrader/decision"
	"autotrader/exchange"
	"autotrader/logger"
	"autotrader/market"
	"autotrader/risk"
	"autotrader/trader/trailingstop"

	"github.com/rs/zerolog/log"
)

// cycleOutcome 单轮执行情况，周期结束时并入 TradingStats
type cycleOutcome struct {
	attempts  int
	successes int
	failures  int
	volume    float64
}

func (o *cycleOutcome) add(res ExecutionResult) {
	o.attempts++
	if res.Success {
		o.successes++
		if res.Record != nil {
			o.volume += res.Record.AmountUSD
		}
		return
	}
	o.failures++
}

// RunCycle 执行一个完整的交易周期：
// 读取机会 → 组合快照 → 组合风险 → 生成决策 → 逐笔风控 → 执行 → 轮询订单 → 止损检查。
// 组合不可用返回 ErrPortfolioUnavailable，出现 critical 告警返回 ErrCircuitBreaker，两种情况都不下单
func (t *AutomatedTrader) RunCycle(ctx context.Context) (err error) {
	t.cycleMu.Lock()
	defer t.cycleMu.Unlock()

	start := t.now()
	t.mu.RLock()
	number := t.stats.CyclesCompleted + t.stats.SkippedCycles + 1
	t.mu.RUnlock()

	rec := &logger.DecisionRecord{Timestamp: start, CycleNumber: number}
	var outcome cycleOutcome
	result := ""

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("交易周期 panic: %v", r)
		}
		end := t.now()
		rec.DurationMs = end.Sub(start).Milliseconds()
		rec.Success = err == nil
		if err != nil {
			rec.ErrorMessage = err.Error()
		}
		if jerr := t.journal.LogDecision(rec); jerr != nil {
			log.Warn().Err(jerr).Msg("⚠️  [日志] 写入决策日志失败")
		}

		t.mu.Lock()
		if err == nil {
			t.stats.CyclesCompleted++
			t.lastError = ""
		} else {
			t.stats.SkippedCycles++
			t.lastError = err.Error()
		}
		t.stats.TotalTrades += outcome.attempts
		t.stats.SuccessfulTrades += outcome.successes
		t.stats.FailedTrades += outcome.failures
		t.stats.TotalVolume += outcome.volume
		t.stats.LastCycleTime = end
		t.lastResult = result
		t.mu.Unlock()
	}()

	log.Info().Int("cycle", number).Str("state", t.State().String()).Msg("🔁 [交易] 开始交易周期")

	// 1. 最新机会
	opps := t.monitor.LatestOpportunities(t.cfg.OpportunityLimit)
	for _, o := range opps {
		rec.CandidateCoins = append(rec.CandidateCoins, o.Symbol)
	}
	if len(opps) == 0 {
		log.Info().Msg("📭 [交易] 暂无交易机会")
	}

	// 2. 组合快照
	snapshot := t.engine.Portfolio().GetPortfolioValue(ctx)
	if !snapshot.OK() {
		t.pollOrders(ctx, rec)
		result = "组合不可用"
		return fmt.Errorf("获取组合: %w", snapshotErr(snapshot))
	}
	rec.AccountState = logger.AccountState{
		TotalValue:    snapshot.TotalValueUSD,
		CashBalance:   snapshot.CashBalance,
		InvestedPct:   snapshot.InvestedPercentage,
		PositionCount: len(snapshot.Positions),
		DailyPnL:      t.risk.DailyPnL(),
	}

	// 3. 组合风险
	alerts := t.risk.MonitorPortfolioRisk(snapshot)
	for _, a := range alerts {
		t.journalAlert(a)
		if a.IsCritical() {
			t.notify(fmt.Sprintf("🚨 风控告警(%s): %s", a.Type, a.Message))
		}
	}
	if risk.HasCritical(alerts) {
		log.Warn().Int("alerts", len(alerts)).Msg("🛑 [交易] 存在 critical 告警，本轮跳过执行")
		t.pollOrders(ctx, rec)
		result = "风控熔断"
		return ErrCircuitBreaker
	}

	t.cleanupStops(snapshot)

	// 4. 生成决策
	decisions, err := t.engine.MakeTradingDecision(ctx, opps)
	if err != nil {
		t.pollOrders(ctx, rec)
		result = "决策失败"
		return fmt.Errorf("生成决策: %w", err)
	}
	decisions = decision.FilterValidDecisions(decisions)

	// 5. 逐笔风控
	approved := t.assess(decisions, snapshot, rec)
	if len(decisions) > 0 {
		log.Info().
			Int("decisions", len(decisions)).
			Int("approved", len(approved)).
			Msg("🧮 [交易] 风控评估完成\n" + decision.GetDecisionSummary(approved))
	}

	// 6. 执行
	trading := t.TradingEnabled()
	if len(approved) > 0 {
		if trading {
			results := t.executor.ExecuteDecisions(ctx, approved)
			for _, r := range results {
				outcome.add(r.ExecutionResult)
				t.afterExecution(r.Action, r.Symbol, r.ExecutionResult, rec)
			}
		} else {
			log.Info().Int("count", len(approved)).Msg("👀 [交易] 下单已暂停，决策仅记录不执行")
			rec.ExecutionLog = append(rec.ExecutionLog, "下单已暂停，未执行")
		}
	}

	// 7. 轮询订单
	t.pollOrders(ctx, rec)

	// 8. 止损检查
	t.checkStops(ctx, opps, trading, rec, &outcome)

	result = fmt.Sprintf("决策 %d 条，通过 %d 条，执行 %d 笔（成功 %d）",
		len(decisions), len(approved), outcome.attempts, outcome.successes)
	log.Info().Int("cycle", number).Str("result", result).Msg("✅ [交易] 交易周期完成")
	return nil
}

func snapshotErr(s decision.PortfolioSnapshot) error {
	if s.Err != nil {
		return s.Err
	}
	return decision.ErrPortfolioUnavailable
}

// assess 逐笔风控，应用调整项并返回通过的决策
func (t *AutomatedTrader) assess(decisions []decision.Decision, snapshot decision.PortfolioSnapshot, rec *logger.DecisionRecord) []decision.Decision {
	approved := make([]decision.Decision, 0, len(decisions))
	for i := range decisions {
		d := decisions[i]
		a := t.risk.AssessTradeRisk(&d, snapshot)
		entry := logger.DecisionAction{
			Action:     string(d.Action),
			Symbol:     d.Symbol,
			Quantity:   d.Quantity,
			Price:      d.Price,
			Confidence: d.Confidence,
			Reason:     d.Reason,
			Approved:   a.Approved,
			RiskScore:  a.RiskScore,
			Warnings:   a.Warnings,
		}
		if !a.Approved {
			log.Warn().Str("symbol", d.Symbol).Strs("warnings", a.Warnings).Msg("🚫 [风控] 决策被拒绝")
			t.journalAlert(risk.Alert{
				Type:      risk.AlertTradeRisk,
				Severity:  risk.SeverityMedium,
				Message:   fmt.Sprintf("%s %s 被拒绝", d.Action, d.Symbol),
				Timestamp: t.now(),
			})
			entry.PositionSizeUSD = d.PositionSizeUSD
			rec.Decisions = append(rec.Decisions, entry)
			continue
		}
		a.Apply(&d)
		entry.PositionSizeUSD = d.PositionSizeUSD
		rec.Decisions = append(rec.Decisions, entry)
		approved = append(approved, d)
	}
	return approved
}

// afterExecution 买入成功登记止损；卖出成功结算已实现盈亏并删除止损
func (t *AutomatedTrader) afterExecution(action decision.Action, symbol string, res ExecutionResult, rec *logger.DecisionRecord) {
	for i := range rec.Decisions {
		if rec.Decisions[i].Symbol == symbol && rec.Decisions[i].Action == string(action) && rec.Decisions[i].Approved && !rec.Decisions[i].Executed {
			rec.Decisions[i].Executed = res.Success
			rec.Decisions[i].Error = res.Error
			break
		}
	}

	entry := logger.ExecutionEntry{
		Timestamp: t.now(),
		OrderID:   res.OrderID,
		Symbol:    symbol,
		Side:      string(sideFor(action)),
		Success:   res.Success,
		Error:     res.Error,
	}
	if res.Record != nil {
		entry.ID = res.Record.ID
		entry.AmountUSD = res.Record.AmountUSD
		entry.Quantity = res.Record.Quantity
		entry.Price = res.Record.ReferencePrice
		entry.Status = string(res.Record.Status)
	}
	t.journalExecution(entry)

	if !res.Success || res.Record == nil {
		rec.ExecutionLog = append(rec.ExecutionLog, fmt.Sprintf("❌ %s %s 失败: %s", action, symbol, res.Error))
		return
	}
	rec.ExecutionLog = append(rec.ExecutionLog, fmt.Sprintf("✅ %s %s 订单 %s", action, symbol, res.OrderID))

	switch action {
	case decision.ActionBuy:
		t.risk.SetStopLoss(symbol, res.Record.ReferencePrice)
		t.risk.UpdateDailyPnL(0)
	case decision.ActionSell:
		stop, ok := t.risk.StopLoss(symbol)
		if !ok {
			return
		}
		pnl := (res.Record.ReferencePrice - stop.EntryPrice) * res.Record.Quantity
		t.risk.UpdateDailyPnL(pnl)
		t.risk.RemoveStopLoss(symbol)
		log.Info().Str("symbol", symbol).Float64("pnl", pnl).Msg("💰 [交易] 平仓完成，已实现盈亏")
	}
}

func sideFor(action decision.Action) exchange.Side {
	if action == decision.ActionSell {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func (t *AutomatedTrader) pollOrders(ctx context.Context, rec *logger.DecisionRecord) MonitorReport {
	report := t.executor.MonitorActiveOrders(ctx)
	for _, r := range report.Updated {
		t.journalExecution(logger.ExecutionEntry{
			Timestamp: r.CompletedAt,
			ID:        r.ID,
			OrderID:   r.OrderID,
			Symbol:    r.Symbol,
			Side:      string(r.Side),
			AmountUSD: r.AmountUSD,
			Quantity:  r.Quantity,
			Price:     r.ReferencePrice,
			Status:    string(r.Status),
			Success:   r.Status == exchange.OrderStatusDone,
		})
	}
	if report.Monitored > 0 {
		rec.ExecutionLog = append(rec.ExecutionLog, fmt.Sprintf("订单轮询: 完成 %d，失败 %d，超时 %d，仍活跃 %d",
			len(report.Completed), len(report.Failed), len(report.TimedOut), report.StillActive))
	}
	return report
}

// cleanupStops 删除既没有持仓也没有挂单的止损。未能估值的持仓同样视为持有
func (t *AutomatedTrader) cleanupStops(snapshot decision.PortfolioSnapshot) {
	held := snapshot.HeldSymbols()
	for _, o := range t.executor.ActiveOrders() {
		held = append(held, o.Symbol)
	}
	t.risk.CleanupStops(held)
}

// checkStops 刷新价格并检查止损，下单开启时以全部持仓卖出已触发的交易对
func (t *AutomatedTrader) checkStops(ctx context.Context, opps []market.Opportunity, trading bool, rec *logger.DecisionRecord, outcome *cycleOutcome) {
	stops := t.risk.StopLosses()
	if len(stops) == 0 {
		return
	}

	seen := make(map[string]struct{}, len(opps)+len(stops))
	for _, o := range opps {
		seen[o.Symbol] = struct{}{}
	}
	for _, s := range stops {
		seen[s.Symbol] = struct{}{}
	}
	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	prices := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if ctx.Err() != nil {
			return
		}
		price, err := t.gateway.GetTicker(ctx, s)
		if err != nil {
			log.Warn().Err(err).Str("symbol", s).Msg("⚠️  [交易] 获取价格失败，跳过止损检查")
			continue
		}
		prices[s] = price
	}

	triggered := t.risk.CheckStopTriggers(prices)
	if !trading {
		if len(triggered) > 0 {
			log.Warn().Int("count", len(triggered)).Msg("👀 [交易] 止损已触发但下单已暂停，恢复下单后卖出")
		}
		return
	}

	// 包含之前已触发但尚未卖出的止损
	pending := make([]trailingstop.StopLoss, 0)
	for _, s := range t.risk.StopLosses() {
		if s.Triggered {
			pending = append(pending, s)
		}
	}
	if len(pending) == 0 {
		return
	}

	snapshot := t.engine.Portfolio().GetPortfolioValue(ctx)
	if !snapshot.OK() {
		log.Error().Err(snapshot.Err).Msg("❌ [交易] 获取组合失败，止损卖出推迟到下一轮")
		return
	}

	for _, s := range pending {
		// 紧急停止或暂停下单后不再提交
		if ctx.Err() != nil || !t.TradingEnabled() {
			log.Warn().Str("symbol", s.Symbol).Msg("⏸  [交易] 下单已关闭，止损卖出推迟")
			return
		}
		currency := exchange.BaseCurrency(s.Symbol)
		pos, ok := snapshot.Positions[currency]
		if !ok || pos.Balance <= 0 {
			if snapshot.Holds(currency) {
				log.Warn().Str("symbol", s.Symbol).Msg("⚠️  [交易] 持仓暂无法估值，止损卖出下一轮重试")
				continue
			}
			if t.hasActiveOrder(s.Symbol) {
				continue
			}
			t.risk.RemoveStopLoss(s.Symbol)
			continue
		}
		d := decision.Decision{
			Action:          decision.ActionSell,
			Symbol:          s.Symbol,
			PositionSizeUSD: pos.ValueUSD,
			Quantity:        pos.Balance,
			Price:           s.TriggerPrice,
			Confidence:      1,
			Reason:          fmt.Sprintf("止损触发: 价格 %.4f ≤ 止损价 %.4f", s.TriggerPrice, s.StopPrice),
			Timestamp:       t.now(),
		}
		rec.Decisions = append(rec.Decisions, logger.DecisionAction{
			Action:          string(d.Action),
			Symbol:          d.Symbol,
			PositionSizeUSD: d.PositionSizeUSD,
			Quantity:        d.Quantity,
			Price:           d.Price,
			Confidence:      d.Confidence,
			Reason:          d.Reason,
			Approved:        true,
		})
		res := t.executor.ExecuteSellDecision(ctx, d)
		outcome.add(res)
		t.afterExecution(decision.ActionSell, s.Symbol, res, rec)
		if !res.Success {
			log.Error().Str("symbol", s.Symbol).Str("error", res.Error).Msg("❌ [交易] 止损卖出失败，下一轮重试")
			continue
		}
		log.Info().Str("symbol", s.Symbol).Msg("🛑 [交易] 止损卖出已提交")
	}
}

func (t *AutomatedTrader) hasActiveOrder(symbol string) bool {
	for _, o := range t.executor.ActiveOrders() {
		if o.Symbol == symbol {
			return true
		}
	}
	return false
}

// stopNotifier 止损触发时异步推送通知，其余事件已由止损管理器记录日志
type stopNotifier struct {
	t *AutomatedTrader
}

func (n stopNotifier) OnStopSet(trailingstop.StopLoss) {}

func (n stopNotifier) OnStopRaised(trailingstop.StopLoss, float64) {}

func (n stopNotifier) OnStopTriggered(s trailingstop.TriggeredStop) {
	text := fmt.Sprintf("🛑 止损触发 %s: 价格 %.4f，止损价 %.4f，入场价 %.4f (%.2f%%)",
		s.Symbol, s.TriggerPrice, s.StopPrice, s.EntryPrice, -s.LossPct)
	go n.t.notify(text)
}

func (n stopNotifier) OnStopRemoved(string) {}

var _ trailingstop.EventSink = stopNotifier{}
