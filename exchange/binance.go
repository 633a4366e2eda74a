package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// BinanceConfig 实盘（Binance 现货）参数
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	// 在 Binance 上代表 USD 现金的计价资产，默认 USDT
	QuoteAsset string
	// 每秒请求数上限与突发量
	RequestsPerSecond float64
	Burst             int
	// 交易规则缓存时长
	ExchangeInfoTTL time.Duration
}

type binanceSymbolRule struct {
	symbol    string
	base      string
	stepSize  decimal.Decimal
	tradeable bool
}

// BinanceGateway 基于 go-binance 的现货实盘网关
type BinanceGateway struct {
	client     *binance.Client
	quoteAsset string
	limiter    *rate.Limiter

	mu          sync.RWMutex
	rules       map[string]binanceSymbolRule // key: BASE-USD
	rulesLoaded time.Time
	rulesTTL    time.Duration
}

// NewBinanceGateway 创建实盘网关
func NewBinanceGateway(cfg BinanceConfig) (*BinanceGateway, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("binance API key/secret 未配置")
	}
	if cfg.Testnet {
		binance.UseTestnet = true
	}
	quote := strings.ToUpper(strings.TrimSpace(cfg.QuoteAsset))
	if quote == "" {
		quote = "USDT"
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	ttl := cfg.ExchangeInfoTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	log.Info().Bool("testnet", cfg.Testnet).Str("quote_asset", quote).Msg("🔌 [Binance] 实盘网关初始化")
	return &BinanceGateway{
		client:     binance.NewClient(cfg.APIKey, cfg.SecretKey),
		quoteAsset: quote,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		rules:      make(map[string]binanceSymbolRule),
		rulesTTL:   ttl,
	}, nil
}

func (g *BinanceGateway) wait(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("binance 限流等待失败: %w", err)
	}
	return nil
}

func (g *BinanceGateway) loadRules(ctx context.Context, force bool) error {
	g.mu.RLock()
	fresh := !g.rulesLoaded.IsZero() && time.Since(g.rulesLoaded) < g.rulesTTL
	g.mu.RUnlock()
	if fresh && !force {
		return nil
	}

	if err := g.wait(ctx); err != nil {
		return err
	}
	info, err := g.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("获取交易规则失败: %w", err)
	}

	rules := make(map[string]binanceSymbolRule)
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if !strings.EqualFold(s.QuoteAsset, g.quoteAsset) {
			continue
		}
		rule := binanceSymbolRule{
			symbol:    s.Symbol,
			base:      strings.ToUpper(s.BaseAsset),
			tradeable: s.Status == "TRADING" && s.IsSpotTradingAllowed,
		}
		if lot := s.LotSizeFilter(); lot != nil {
			if step, err := decimal.NewFromString(lot.StepSize); err == nil {
				rule.stepSize = step
			}
		}
		rules[PairSymbol(rule.base)] = rule
	}

	g.mu.Lock()
	g.rules = rules
	g.rulesLoaded = time.Now()
	g.mu.Unlock()
	log.Info().Int("symbols", len(rules)).Msg("📋 [Binance] 交易规则已刷新")
	return nil
}

func (g *BinanceGateway) rule(ctx context.Context, symbol string) (binanceSymbolRule, error) {
	if err := g.loadRules(ctx, false); err != nil {
		return binanceSymbolRule{}, err
	}
	g.mu.RLock()
	r, ok := g.rules[strings.ToUpper(symbol)]
	g.mu.RUnlock()
	if !ok {
		return binanceSymbolRule{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return r, nil
}

func (g *BinanceGateway) ListActiveUSDPairs(ctx context.Context) ([]string, error) {
	if err := g.loadRules(ctx, true); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]string, 0, len(g.rules))
	for symbol, r := range g.rules {
		if r.tradeable {
			out = append(out, symbol)
		}
	}
	return out, nil
}

func (g *BinanceGateway) GetTicker(ctx context.Context, symbol string) (float64, error) {
	venueSymbol := toVenueSymbol(symbol, g.quoteAsset)
	if err := g.wait(ctx); err != nil {
		return 0, err
	}
	prices, err := g.client.NewListPricesService().Symbol(venueSymbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取 %s 行情失败: %w", symbol, err)
	}
	for _, p := range prices {
		if p.Symbol == venueSymbol {
			return strconv.ParseFloat(p.Price, 64)
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
}

func (g *BinanceGateway) GetAccountBalances(ctx context.Context) ([]Balance, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	account, err := g.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取账户余额失败: %w", err)
	}

	out := make([]Balance, 0, len(account.Balances))
	for _, b := range account.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			continue
		}
		if free.IsZero() {
			continue
		}
		currency := strings.ToUpper(b.Asset)
		if currency == g.quoteAsset {
			currency = QuoteCurrency
		}
		out = append(out, Balance{Currency: currency, Balance: free.InexactFloat64()})
	}
	return out, nil
}

func (g *BinanceGateway) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	r, err := g.rule(ctx, req.Symbol)
	if err != nil {
		return "", err
	}
	if !r.tradeable {
		return "", fmt.Errorf("%s 当前不可交易", req.Symbol)
	}

	svc := g.client.NewCreateOrderService().
		Symbol(r.symbol).
		Type(binance.OrderTypeMarket)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	switch req.Side {
	case SideBuy:
		funds := decimal.NewFromFloat(req.Funds).Truncate(2)
		if !funds.IsPositive() {
			return "", fmt.Errorf("买单金额无效: %s", funds)
		}
		svc = svc.Side(binance.SideTypeBuy).QuoteOrderQty(funds.String())
	case SideSell:
		qty := floorToStep(decimal.NewFromFloat(req.Size), r.stepSize)
		if !qty.IsPositive() {
			return "", fmt.Errorf("卖单数量低于最小步长: %.8f", req.Size)
		}
		svc = svc.Side(binance.SideTypeSell).Quantity(qty.String())
	default:
		return "", fmt.Errorf("不支持的订单方向: %s", req.Side)
	}

	if err := g.wait(ctx); err != nil {
		return "", err
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return "", fmt.Errorf("binance 下单失败: %w", err)
	}
	log.Info().Str("symbol", r.symbol).Int64("order_id", resp.OrderID).Str("status", string(resp.Status)).Msg("📤 [Binance] 订单已提交")
	return composeOrderID(r.symbol, resp.OrderID), nil
}

func (g *BinanceGateway) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	symbol, id, err := parseOrderID(orderID)
	if err != nil {
		return "", err
	}
	if err := g.wait(ctx); err != nil {
		return "", err
	}
	order, err := g.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return "", fmt.Errorf("查询订单 %s 失败: %w", orderID, err)
	}
	return mapBinanceStatus(order.Status), nil
}

func (g *BinanceGateway) CancelOrder(ctx context.Context, orderID string) error {
	symbol, id, err := parseOrderID(orderID)
	if err != nil {
		return err
	}
	if err := g.wait(ctx); err != nil {
		return err
	}
	if _, err := g.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return fmt.Errorf("撤销订单 %s 失败: %w", orderID, err)
	}
	return nil
}

func mapBinanceStatus(status binance.OrderStatusType) OrderStatus {
	switch status {
	case binance.OrderStatusTypeFilled:
		return OrderStatusDone
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return OrderStatusCancelled
	case binance.OrderStatusTypeRejected:
		return OrderStatusRejected
	default:
		// NEW / PARTIALLY_FILLED / PENDING_CANCEL
		return OrderStatusPending
	}
}

func toVenueSymbol(symbol, quoteAsset string) string {
	return BaseCurrency(symbol) + quoteAsset
}

func composeOrderID(venueSymbol string, id int64) string {
	return venueSymbol + ":" + strconv.FormatInt(id, 10)
}

func parseOrderID(orderID string) (string, int64, error) {
	symbol, raw, ok := strings.Cut(orderID, ":")
	if !ok || symbol == "" {
		return "", 0, fmt.Errorf("%w: 无法解析订单号 %q", ErrOrderNotFound, orderID)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: 无法解析订单号 %q", ErrOrderNotFound, orderID)
	}
	return symbol, id, nil
}

func floorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty.Truncate(8)
	}
	return qty.Div(step).Floor().Mul(step)
}
