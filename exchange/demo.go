package exchange

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DemoConfig 模拟盘参数
type DemoConfig struct {
	// 初始余额，key 为币种
	Balances map[string]float64
	// 初始价格，key 为交易对
	Prices map[string]float64
	// 订单从提交到成交的延迟，0 表示提交即成交
	FillDelay time.Duration
	// 每次查询行情时价格随机游走的幅度（0.01 = ±1%），0 表示价格固定
	Jitter float64
}

var defaultDemoConfig = DemoConfig{
	Balances: map[string]float64{QuoteCurrency: 10000},
	Prices: map[string]float64{
		"BTC-USD": 50000,
		"ETH-USD": 3000,
		"SOL-USD": 45,
		"ADA-USD": 0.5,
		"XRP-USD": 0.6,
	},
	FillDelay: 5 * time.Second,
}

// DefaultDemoConfig 返回默认模拟盘参数的副本
func DefaultDemoConfig() DemoConfig {
	cfg := defaultDemoConfig
	cfg.Balances = copyFloatMap(defaultDemoConfig.Balances)
	cfg.Prices = copyFloatMap(defaultDemoConfig.Prices)
	return cfg
}

type demoOrder struct {
	id        string
	req       OrderRequest
	status    OrderStatus
	createdAt time.Time
}

// DemoGateway 内存模拟交易所，用于 demo 模式和测试
type DemoGateway struct {
	mu        sync.Mutex
	balances  map[string]float64
	prices    map[string]float64
	offline   map[string]bool
	orders    map[string]*demoOrder
	fillDelay time.Duration
	jitter    float64
	now       func() time.Time
}

// NewDemoGateway 创建模拟交易所，cfg 为 nil 时使用默认参数
func NewDemoGateway(cfg *DemoConfig) *DemoGateway {
	c := DefaultDemoConfig()
	if cfg != nil {
		if cfg.Balances != nil {
			c.Balances = copyFloatMap(cfg.Balances)
		}
		if cfg.Prices != nil {
			c.Prices = copyFloatMap(cfg.Prices)
		}
		c.FillDelay = cfg.FillDelay
		c.Jitter = cfg.Jitter
	}
	return &DemoGateway{
		balances:  c.Balances,
		prices:    c.Prices,
		offline:   make(map[string]bool),
		orders:    make(map[string]*demoOrder),
		fillDelay: c.FillDelay,
		jitter:    c.Jitter,
		now:       time.Now,
	}
}

// SetClock 替换时间源（测试用）
func (g *DemoGateway) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

// SetPrice 设置交易对价格
func (g *DemoGateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	g.prices[symbol] = price
	g.mu.Unlock()
}

// SetBalance 设置币种余额
func (g *DemoGateway) SetBalance(currency string, amount float64) {
	g.mu.Lock()
	g.balances[currency] = amount
	g.mu.Unlock()
}

// SetOnline 上线/下线某个交易对，下线后不再出现在交易对列表中
func (g *DemoGateway) SetOnline(symbol string, online bool) {
	g.mu.Lock()
	if online {
		delete(g.offline, symbol)
	} else {
		g.offline[symbol] = true
	}
	g.mu.Unlock()
}

func (g *DemoGateway) ListActiveUSDPairs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	symbols := make([]string, 0, len(g.prices))
	for symbol := range g.prices {
		if g.offline[symbol] || !IsUSDPair(symbol) {
			continue
		}
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (g *DemoGateway) GetTicker(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	price, ok := g.prices[symbol]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if g.jitter > 0 {
		price *= 1 + (rand.Float64()*2-1)*g.jitter
		g.prices[symbol] = price
	}
	return price, nil
}

func (g *DemoGateway) GetAccountBalances(ctx context.Context) ([]Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.settleLocked()

	out := make([]Balance, 0, len(g.balances))
	for currency, amount := range g.balances {
		out = append(out, Balance{Currency: currency, Balance: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (g *DemoGateway) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.prices[req.Symbol]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSymbol, req.Symbol)
	}

	switch req.Side {
	case SideBuy:
		if req.Funds <= 0 {
			return "", fmt.Errorf("买单金额无效: %.2f", req.Funds)
		}
		if req.Funds > g.balances[QuoteCurrency]+1e-9 {
			return "", fmt.Errorf("%w: 需要 $%.2f, 可用 $%.2f", ErrInsufficientFunds, req.Funds, g.balances[QuoteCurrency])
		}
		// 资金先冻结，成交时换成基础币，撤单时退回
		g.balances[QuoteCurrency] -= req.Funds
	case SideSell:
		base := BaseCurrency(req.Symbol)
		if req.Size <= 0 {
			return "", fmt.Errorf("卖单数量无效: %.8f", req.Size)
		}
		if req.Size > g.balances[base]+1e-12 {
			return "", fmt.Errorf("%w: 需要 %.8f %s, 可用 %.8f", ErrInsufficientFunds, req.Size, base, g.balances[base])
		}
		g.balances[base] -= req.Size
	default:
		return "", fmt.Errorf("不支持的订单方向: %s", req.Side)
	}

	id := "demo-" + uuid.NewString()
	g.orders[id] = &demoOrder{
		id:        id,
		req:       req,
		status:    OrderStatusPending,
		createdAt: g.now(),
	}
	log.Debug().Str("order_id", id).Str("symbol", req.Symbol).Str("side", string(req.Side)).Msg("🧪 [模拟盘] 订单已提交")

	if g.fillDelay <= 0 {
		g.fillLocked(g.orders[id])
	}
	return id, nil
}

func (g *DemoGateway) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[orderID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.status == OrderStatusPending && g.now().Sub(order.createdAt) >= g.fillDelay {
		g.fillLocked(order)
	}
	return order.status, nil
}

func (g *DemoGateway) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.status != OrderStatusPending {
		return fmt.Errorf("%w: %s (%s)", ErrOrderNotCancellable, orderID, order.status)
	}

	switch order.req.Side {
	case SideBuy:
		g.balances[QuoteCurrency] += order.req.Funds
	case SideSell:
		g.balances[BaseCurrency(order.req.Symbol)] += order.req.Size
	}
	order.status = OrderStatusCancelled
	log.Debug().Str("order_id", orderID).Msg("🧪 [模拟盘] 订单已撤销")
	return nil
}

// settleLocked 让所有已到期的挂单成交，调用方需持有锁
func (g *DemoGateway) settleLocked() {
	now := g.now()
	for _, order := range g.orders {
		if order.status == OrderStatusPending && now.Sub(order.createdAt) >= g.fillDelay {
			g.fillLocked(order)
		}
	}
}

func (g *DemoGateway) fillLocked(order *demoOrder) {
	price := g.prices[order.req.Symbol]
	if price <= 0 {
		order.status = OrderStatusRejected
		return
	}
	base := BaseCurrency(order.req.Symbol)
	switch order.req.Side {
	case SideBuy:
		g.balances[base] += order.req.Funds / price
	case SideSell:
		g.balances[QuoteCurrency] += order.req.Size * price
	}
	order.status = OrderStatusDone
}

func copyFloatMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
