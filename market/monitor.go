// Package market 提供交易机会扫描：交易对列表刷新、并发分析、排序与快照发布
package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// UniverseSource 提供可交易的 USD 交易对列表，exchange.Gateway 满足该接口
type UniverseSource interface {
	ListActiveUSDPairs(ctx context.Context) ([]string, error)
}

// MonitorConfig 监控器参数
type MonitorConfig struct {
	Timeframes           []string
	Workers              int
	SymbolTimeout        time.Duration
	Interval             time.Duration
	EmptyUniverseBackoff time.Duration
	ErrorBackoff         time.Duration
	StopTimeout          time.Duration
	// 排序时只保留置信度严格大于该值的买入信号
	RankMinConfidence float64
	MaxOpportunities  int
}

var defaultMonitorConfig = MonitorConfig{
	Timeframes:           []string{"1h", "1d", "7d"},
	Workers:              5,
	SymbolTimeout:        60 * time.Second,
	Interval:             time.Hour,
	EmptyUniverseBackoff: 5 * time.Minute,
	ErrorBackoff:         60 * time.Second,
	StopTimeout:          10 * time.Second,
	RankMinConfidence:    0.7,
	MaxOpportunities:     20,
}

// DefaultMonitorConfig 返回默认监控参数
func DefaultMonitorConfig() MonitorConfig {
	cfg := defaultMonitorConfig
	cfg.Timeframes = append([]string(nil), defaultMonitorConfig.Timeframes...)
	return cfg
}

func (c *MonitorConfig) withDefaults() MonitorConfig {
	out := DefaultMonitorConfig()
	if c == nil {
		return out
	}
	if len(c.Timeframes) > 0 {
		out.Timeframes = append([]string(nil), c.Timeframes...)
	}
	if c.Workers > 0 {
		out.Workers = c.Workers
	}
	if c.SymbolTimeout > 0 {
		out.SymbolTimeout = c.SymbolTimeout
	}
	if c.Interval > 0 {
		out.Interval = c.Interval
	}
	if c.EmptyUniverseBackoff > 0 {
		out.EmptyUniverseBackoff = c.EmptyUniverseBackoff
	}
	if c.ErrorBackoff > 0 {
		out.ErrorBackoff = c.ErrorBackoff
	}
	if c.StopTimeout > 0 {
		out.StopTimeout = c.StopTimeout
	}
	if c.RankMinConfidence > 0 {
		out.RankMinConfidence = c.RankMinConfidence
	}
	if c.MaxOpportunities > 0 {
		out.MaxOpportunities = c.MaxOpportunities
	}
	return out
}

// Monitor 周期性扫描交易对并发布机会快照
type Monitor struct {
	universe UniverseSource
	provider AnalysisProvider
	cfg      MonitorConfig
	now      func() time.Time

	mu           sync.RWMutex
	snapshot     Snapshot
	universeSize int
	cycles       int

	runMu     sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewMonitor 创建监控器，cfg 为 nil 时使用默认参数
func NewMonitor(universe UniverseSource, provider AnalysisProvider, cfg *MonitorConfig) *Monitor {
	return &Monitor{
		universe: universe,
		provider: provider,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// RefreshUniverse 获取可交易的 USD 交易对
func (m *Monitor) RefreshUniverse(ctx context.Context) ([]string, error) {
	symbols, err := m.universe.ListActiveUSDPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("刷新交易对失败: %w", err)
	}
	m.mu.Lock()
	m.universeSize = len(symbols)
	m.mu.Unlock()
	return symbols, nil
}

// Analyze 分析单个交易对，失败时记录日志并返回 nil，不影响同批其他交易对
func (m *Monitor) Analyze(ctx context.Context, symbol, timeframe string) *Opportunity {
	analysis, err := m.provider.Analyze(ctx, symbol, timeframe)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Str("timeframe", timeframe).Msg("⚠️  [监控] 分析失败，跳过")
		return nil
	}
	if analysis == nil {
		return nil
	}
	return &Opportunity{
		Symbol:          symbol,
		Signal:          analysis.Signal,
		Confidence:      analysis.Confidence,
		Timeframe:       timeframe,
		PotentialReturn: potentialReturn(analysis.Signal, analysis.Confidence),
		Timestamp:       m.now(),
		Analysis:        analysis.Data,
	}
}

// analyzeWithTimeout 单个交易对的硬超时。超时后结果被丢弃，工作槽立即释放
func (m *Monitor) analyzeWithTimeout(ctx context.Context, symbol, timeframe string) *Opportunity {
	tctx, cancel := context.WithTimeout(ctx, m.cfg.SymbolTimeout)
	defer cancel()

	resultCh := make(chan *Opportunity, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("symbol", symbol).Msg("❌ [监控] 分析 panic")
				resultCh <- nil
			}
		}()
		resultCh <- m.Analyze(tctx, symbol, timeframe)
	}()

	select {
	case opp := <-resultCh:
		return opp
	case <-tctx.Done():
		log.Warn().Str("symbol", symbol).Str("timeframe", timeframe).Dur("timeout", m.cfg.SymbolTimeout).Msg("⏱  [监控] 分析超时，本轮丢弃")
		return nil
	}
}

// AnalyzeAll 以固定大小的工作池并发分析所有交易对
func (m *Monitor) AnalyzeAll(ctx context.Context, symbols []string, timeframe string) map[string]Opportunity {
	results := make(map[string]Opportunity, len(symbols))
	var (
		wg        sync.WaitGroup
		resultsMu sync.Mutex
	)
	semaphore := make(chan struct{}, m.cfg.Workers)

	for _, symbol := range symbols {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		semaphore <- struct{}{}

		go func(s string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			opp := m.analyzeWithTimeout(ctx, s, timeframe)
			if opp == nil {
				return
			}
			resultsMu.Lock()
			results[s] = *opp
			resultsMu.Unlock()
		}(symbol)
	}

	wg.Wait()
	return results
}

// Rank 只保留置信度大于 minConfidence 的买入信号，按潜在收益降序
func Rank(results map[string]Opportunity, minConfidence float64) []Opportunity {
	ranked := make([]Opportunity, 0, len(results))
	for _, opp := range results {
		if !opp.Signal.IsBuy() || opp.Confidence <= minConfidence {
			continue
		}
		ranked = append(ranked, opp)
	}
	sortOpportunities(ranked)
	return ranked
}

func sortOpportunities(opps []Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		if opps[i].PotentialReturn != opps[j].PotentialReturn {
			return opps[i].PotentialReturn > opps[j].PotentialReturn
		}
		return opps[i].Symbol < opps[j].Symbol
	})
}

// mergeRanked 合并多个周期的排序结果，同一交易对只保留潜在收益最高的一条
func mergeRanked(lists ...[]Opportunity) []Opportunity {
	best := make(map[string]Opportunity)
	for _, list := range lists {
		for _, opp := range list {
			if cur, ok := best[opp.Symbol]; !ok || opp.PotentialReturn > cur.PotentialReturn {
				best[opp.Symbol] = opp
			}
		}
	}
	merged := make([]Opportunity, 0, len(best))
	for _, opp := range best {
		merged = append(merged, opp)
	}
	sortOpportunities(merged)
	return merged
}

// RunCycle 执行一轮完整扫描：刷新交易对 → 各周期依次分析 → 合并排序 → 发布快照
func (m *Monitor) RunCycle(ctx context.Context) (int, error) {
	symbols, err := m.RefreshUniverse(ctx)
	if err != nil {
		return 0, err
	}
	if len(symbols) == 0 {
		return 0, ErrEmptyUniverse
	}

	start := m.now()
	results := make(map[string]map[string]Opportunity, len(m.cfg.Timeframes))
	ranked := make([][]Opportunity, 0, len(m.cfg.Timeframes))
	for _, tf := range m.cfg.Timeframes {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		tfResults := m.AnalyzeAll(ctx, symbols, tf)
		results[tf] = tfResults
		ranked = append(ranked, Rank(tfResults, m.cfg.RankMinConfidence))
		log.Info().Str("timeframe", tf).Int("analyzed", len(tfResults)).Int("symbols", len(symbols)).Msg("📊 [监控] 周期分析完成")
	}

	merged := mergeRanked(ranked...)
	if len(merged) > m.cfg.MaxOpportunities {
		merged = merged[:m.cfg.MaxOpportunities]
	}

	m.mu.Lock()
	m.snapshot = Snapshot{
		Timestamp:     m.now(),
		Results:       results,
		Opportunities: merged,
	}
	m.cycles++
	m.mu.Unlock()

	log.Info().
		Int("opportunities", len(merged)).
		Dur("elapsed", m.now().Sub(start)).
		Msg("✅ [监控] 本轮扫描完成，快照已发布")
	return len(symbols), nil
}

// Snapshot 返回最新快照的副本
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := Snapshot{
		Timestamp:     m.snapshot.Timestamp,
		Results:       make(map[string]map[string]Opportunity, len(m.snapshot.Results)),
		Opportunities: append([]Opportunity(nil), m.snapshot.Opportunities...),
	}
	for tf, bySymbol := range m.snapshot.Results {
		cp := make(map[string]Opportunity, len(bySymbol))
		for s, opp := range bySymbol {
			cp[s] = opp
		}
		out.Results[tf] = cp
	}
	return out
}

// LatestOpportunities 返回最新的前 limit 个机会，limit<=0 时使用默认上限
func (m *Monitor) LatestOpportunities(limit int) []Opportunity {
	if limit <= 0 {
		limit = m.cfg.MaxOpportunities
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	opps := m.snapshot.Opportunities
	if len(opps) > limit {
		opps = opps[:limit]
	}
	return append([]Opportunity(nil), opps...)
}

// Status 返回监控器状态
func (m *Monitor) Status() MonitorStatus {
	m.runMu.Lock()
	running := m.isRunning
	m.runMu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return MonitorStatus{
		IsRunning:        running,
		LastAnalysisTime: m.snapshot.Timestamp,
		UniverseSize:     m.universeSize,
		OpportunityCount: len(m.snapshot.Opportunities),
		Cycles:           m.cycles,
		Timeframes:       append([]string(nil), m.cfg.Timeframes...),
	}
}

// Start 启动后台扫描循环
func (m *Monitor) Start() {
	m.runMu.Lock()
	if m.isRunning {
		m.runMu.Unlock()
		log.Warn().Msg("⚠️  [监控] 监控器已在运行，跳过启动")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.isRunning = true
	done := m.done
	m.runMu.Unlock()

	go func() {
		defer close(done)
		log.Info().Dur("interval", m.cfg.Interval).Strs("timeframes", m.cfg.Timeframes).Msg("🚀 [监控] 扫描循环启动")
		for {
			wait := m.safeCycle(ctx)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				log.Info().Msg("⏹  [监控] 扫描循环退出")
				return
			case <-timer.C:
			}
		}
	}()
}

// safeCycle 执行一轮并返回下一轮之前的等待时间
func (m *Monitor) safeCycle(ctx context.Context) (wait time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("❌ [监控] 扫描 panic，稍后重试")
			wait = m.cfg.ErrorBackoff
		}
	}()

	_, err := m.RunCycle(ctx)
	switch {
	case err == nil:
		return m.cfg.Interval
	case ctx.Err() != nil:
		return 0
	case errors.Is(err, ErrEmptyUniverse):
		log.Warn().Dur("backoff", m.cfg.EmptyUniverseBackoff).Msg("⚠️  [监控] 交易对列表为空，稍后重试")
		return m.cfg.EmptyUniverseBackoff
	default:
		log.Error().Err(err).Dur("backoff", m.cfg.ErrorBackoff).Msg("❌ [监控] 扫描失败，稍后重试")
		return m.cfg.ErrorBackoff
	}
}

// Stop 停止扫描循环，最多等待 StopTimeout。返回 false 表示超时未退出
func (m *Monitor) Stop() bool {
	m.runMu.Lock()
	if !m.isRunning {
		m.runMu.Unlock()
		return true
	}
	m.isRunning = false
	cancel, done := m.cancel, m.done
	m.runMu.Unlock()

	cancel()
	select {
	case <-done:
		log.Info().Msg("✅ [监控] 监控器已停止")
		return true
	case <-time.After(m.cfg.StopTimeout):
		log.Warn().Dur("timeout", m.cfg.StopTimeout).Msg("⚠️  [监控] 停止超时，继续关闭流程")
		return false
	}
}
