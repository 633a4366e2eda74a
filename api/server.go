// Package api 通过 HTTP 暴露交易主循环的控制面：状态查询、启停、交易开关与紧急停止
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"autotrader/decision"
	"autotrader/market"
	"autotrader/risk"
	"autotrader/trader"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	defaultOpportunityLimit = 10
	maxOpportunityLimit     = 100
	shutdownTimeout         = 5 * time.Second
	emergencyTimeout        = 30 * time.Second
)

// Controller 交易主循环控制面，*trader.AutomatedTrader 满足该接口
type Controller interface {
	Start() error
	Stop() error
	EnableTrading() error
	DisableTrading() error
	EmergencyStop(ctx context.Context) trader.EmergencyReport
	GetStatus() trader.Status
	GetPerformanceSummary() trader.PerformanceSummary
}

// OrderBook 订单查询，*trader.TradeExecutor 满足该接口
type OrderBook interface {
	ActiveOrders() []trader.ExecutionRecord
	CompletedOrders() []trader.ExecutionRecord
	GetOrderSummary() trader.OrderSummary
}

// OpportunityReader 最新机会，*market.Monitor 满足该接口
type OpportunityReader interface {
	LatestOpportunities(limit int) []market.Opportunity
}

// RiskReader 风控摘要，*risk.RiskManager 满足该接口
type RiskReader interface {
	GetRiskSummary() risk.Summary
}

// PortfolioReader 组合快照，*decision.PortfolioManager 满足该接口
type PortfolioReader interface {
	GetPortfolioValue(ctx context.Context) decision.PortfolioSnapshot
}

// Deps 控制面依赖。Optimizer 为空时 /api/portfolio 只返回快照
type Deps struct {
	Trader        Controller
	Orders        OrderBook
	Opportunities OpportunityReader
	Risk          RiskReader
	Portfolio     PortfolioReader
	Optimizer     *decision.PortfolioOptimizer
}

// Config 服务参数
type Config struct {
	Listen     string
	StatusPush time.Duration
}

// Server gin 控制面
type Server struct {
	deps   Deps
	auth   *Authenticator
	cfg    Config
	engine *gin.Engine
}

// NewServer 注册全部路由
func NewServer(deps Deps, auth *Authenticator, cfg Config) (*Server, error) {
	switch {
	case deps.Trader == nil:
		return nil, errors.New("缺少交易主循环")
	case deps.Orders == nil:
		return nil, errors.New("缺少订单来源")
	case deps.Opportunities == nil:
		return nil, errors.New("缺少机会来源")
	case deps.Risk == nil:
		return nil, errors.New("缺少风控来源")
	case deps.Portfolio == nil:
		return nil, errors.New("缺少组合来源")
	case auth == nil:
		return nil, errors.New("缺少鉴权组件")
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.StatusPush <= 0 {
		cfg.StatusPush = 5 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{deps: deps, auth: auth, cfg: cfg, engine: gin.New()}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)

	authed := s.engine.Group("/", s.auth.RequireToken())
	authed.GET("/ws/status", s.handleStatusStream)

	g := authed.Group("/api")
	g.GET("/status", s.handleStatus)
	g.GET("/performance", s.handlePerformance)
	g.GET("/opportunities", s.handleOpportunities)
	g.GET("/orders", s.handleOrders)
	g.GET("/risk", s.handleRisk)
	g.GET("/portfolio", s.handlePortfolio)

	g.POST("/start", s.handleStart)
	g.POST("/stop", s.handleStop)
	g.POST("/trading/disable", s.handleDisable)
	g.POST("/trading/enable", s.auth.RequireOTP(), s.handleEnable)
	// 紧急停止只校验令牌，不要求动态口令
	g.POST("/emergency-stop", s.handleEmergencyStop)
}

// Handler 供 httptest 及自定义 http.Server 使用
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run 监听直到 ctx 结束，随后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", s.cfg.Listen).Msg("🌐 [API] 控制面已启动")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	log.Info().Msg("🛑 [API] 控制面已关闭")
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("[API] 请求")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"state":     s.deps.Trader.GetStatus().State,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Trader.GetStatus())
}

func (s *Server) handlePerformance(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Trader.GetPerformanceSummary())
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultOpportunityLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit 必须是正整数: %q", raw)
	}
	if n > maxOpportunityLimit {
		n = maxOpportunityLimit
	}
	return n, nil
}

func (s *Server) handleOpportunities(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opps := s.deps.Opportunities.LatestOpportunities(limit)
	if opps == nil {
		opps = []market.Opportunity{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(opps), "opportunities": opps})
}

func (s *Server) handleOrders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"summary":   s.deps.Orders.GetOrderSummary(),
		"active":    nonNil(s.deps.Orders.ActiveOrders()),
		"completed": nonNil(s.deps.Orders.CompletedOrders()),
	})
}

func nonNil(recs []trader.ExecutionRecord) []trader.ExecutionRecord {
	if recs == nil {
		return []trader.ExecutionRecord{}
	}
	return recs
}

func (s *Server) handleRisk(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Risk.GetRiskSummary())
}

func (s *Server) handlePortfolio(c *gin.Context) {
	snapshot := s.deps.Portfolio.GetPortfolioValue(c.Request.Context())
	if !snapshot.OK() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": snapshot.Err.Error()})
		return
	}
	resp := gin.H{"snapshot": snapshot}
	if opt := s.deps.Optimizer; opt != nil {
		allocation := opt.CurrentAllocation(snapshot)
		resp["allocation"] = allocation
		resp["rebalancing"] = opt.RebalancingNeeds(allocation)
		resp["suggested_sizes"] = opt.OptimalPositionSizes(
			s.deps.Opportunities.LatestOpportunities(defaultOpportunityLimit), snapshot.CashBalance)
	}
	c.JSON(http.StatusOK, resp)
}

// controlResponse 启停类操作的统一返回
func (s *Server) controlResponse(c *gin.Context, action string, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, trader.ErrAlreadyRunning) || errors.Is(err, trader.ErrNotRunning) {
			status = http.StatusConflict
		}
		log.Warn().Err(err).Str("action", action).Msg("⚠️ [API] 控制操作失败")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("action", action).Msg("🎛️ [API] 控制操作完成")
	c.JSON(http.StatusOK, gin.H{"action": action, "state": s.deps.Trader.GetStatus().State})
}

func (s *Server) handleStart(c *gin.Context) {
	s.controlResponse(c, "start", s.deps.Trader.Start())
}

func (s *Server) handleStop(c *gin.Context) {
	s.controlResponse(c, "stop", s.deps.Trader.Stop())
}

func (s *Server) handleEnable(c *gin.Context) {
	s.controlResponse(c, "enable_trading", s.deps.Trader.EnableTrading())
}

func (s *Server) handleDisable(c *gin.Context) {
	s.controlResponse(c, "disable_trading", s.deps.Trader.DisableTrading())
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	// 请求断开也要把撤单做完
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), emergencyTimeout)
	defer cancel()
	log.Warn().Str("client", c.ClientIP()).Msg("🚨 [API] 收到紧急停止请求")
	c.JSON(http.StatusOK, s.deps.Trader.EmergencyStop(ctx))
}
