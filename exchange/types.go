// Package exchange 定义交易所网关接口以及模拟盘/实盘两种实现
package exchange

import (
	"context"
	"errors"
	"strings"
)

// QuoteCurrency 现金币种，所有交易对都以它计价
const QuoteCurrency = "USD"

var (
	ErrOrderNotFound       = errors.New("订单不存在")
	ErrInsufficientFunds   = errors.New("余额不足")
	ErrOrderNotCancellable = errors.New("订单已结束，无法撤销")
	ErrUnknownSymbol       = errors.New("未知交易对")
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
)

// OrderStatus 订单生命周期状态：pending → done | cancelled | rejected
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusDone      OrderStatus = "done"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// IsTerminal 是否为终态
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDone, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Balance 账户中单个币种的余额
type Balance struct {
	Currency string  `json:"currency"`
	Balance  float64 `json:"balance"`
}

// OrderRequest 下单请求。买单按金额(Funds, USD)，卖单按数量(Size, 基础币)
type OrderRequest struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Type          OrderType `json:"type"`
	Funds         float64   `json:"funds,omitempty"`
	Size          float64   `json:"size,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
}

// Gateway is the venue abstraction consumed by the trading core.
// Every call is fallible and may be slow; implementations return errors instead of panicking.
type Gateway interface {
	ListActiveUSDPairs(ctx context.Context) ([]string, error)
	GetTicker(ctx context.Context, symbol string) (float64, error)
	GetAccountBalances(ctx context.Context) ([]Balance, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// BaseCurrency 从交易对中提取基础币种，如 "BTC-USD" → "BTC"
func BaseCurrency(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if idx := strings.Index(symbol, "-"); idx > 0 {
		return symbol[:idx]
	}
	return symbol
}

// PairSymbol 由币种构造交易对，如 "BTC" → "BTC-USD"
func PairSymbol(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency)) + "-" + QuoteCurrency
}

// IsUSDPair 是否为以 USD 计价的交易对
func IsUSDPair(symbol string) bool {
	return strings.HasSuffix(strings.ToUpper(symbol), "-"+QuoteCurrency)
}
