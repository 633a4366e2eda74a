package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemoGatewayBuyFillsAfterDelay(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	g := NewDemoGateway(&DemoConfig{
		Balances:  map[string]float64{QuoteCurrency: 1000},
		Prices:    map[string]float64{"BTC-USD": 50000},
		FillDelay: 5 * time.Second,
	})
	g.SetClock(func() time.Time { return now })
	ctx := context.Background()

	id, err := g.SubmitOrder(ctx, OrderRequest{Symbol: "BTC-USD", Side: SideBuy, Type: OrderTypeMarket, Funds: 500})
	require.NoError(t, err)

	status, err := g.GetOrderStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusPending, status)

	now = now.Add(6 * time.Second)
	status, err = g.GetOrderStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusDone, status)

	balances, err := g.GetAccountBalances(ctx)
	require.NoError(t, err)
	got := map[string]float64{}
	for _, b := range balances {
		got[b.Currency] = b.Balance
	}
	assert.InDelta(t, 500, got[QuoteCurrency], 1e-9)
	assert.InDelta(t, 0.01, got["BTC"], 1e-12)
}

func TestDemoGatewayRejectsInsufficientFunds(t *testing.T) {
	g := NewDemoGateway(&DemoConfig{
		Balances: map[string]float64{QuoteCurrency: 100},
		Prices:   map[string]float64{"ETH-USD": 3000},
	})
	_, err := g.SubmitOrder(context.Background(), OrderRequest{Symbol: "ETH-USD", Side: SideBuy, Funds: 500})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = g.SubmitOrder(context.Background(), OrderRequest{Symbol: "ETH-USD", Side: SideSell, Size: 1})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestDemoGatewayCancelPendingRefunds(t *testing.T) {
	g := NewDemoGateway(&DemoConfig{
		Balances:  map[string]float64{QuoteCurrency: 1000},
		Prices:    map[string]float64{"SOL-USD": 45},
		FillDelay: time.Hour,
	})
	ctx := context.Background()

	id, err := g.SubmitOrder(ctx, OrderRequest{Symbol: "SOL-USD", Side: SideBuy, Funds: 450})
	require.NoError(t, err)
	require.NoError(t, g.CancelOrder(ctx, id))

	status, err := g.GetOrderStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusCancelled, status)

	err = g.CancelOrder(ctx, id)
	assert.ErrorIs(t, err, ErrOrderNotCancellable)

	balances, err := g.GetAccountBalances(ctx)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.InDelta(t, 1000, balances[0].Balance, 1e-9)
}

func TestDemoGatewayUniverseSkipsOffline(t *testing.T) {
	g := NewDemoGateway(nil)
	g.SetOnline("XRP-USD", false)

	symbols, err := g.ListActiveUSDPairs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ADA-USD", "BTC-USD", "ETH-USD", "SOL-USD"}, symbols)
}

func TestDemoGatewayUnknownOrder(t *testing.T) {
	g := NewDemoGateway(nil)
	_, err := g.GetOrderStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.ErrorIs(t, g.CancelOrder(context.Background(), "nope"), ErrOrderNotFound)
}

func TestSymbolHelpers(t *testing.T) {
	assert.Equal(t, "BTC", BaseCurrency("btc-usd"))
	assert.Equal(t, "ETH-USD", PairSymbol("eth"))
	assert.True(t, IsUSDPair("SOL-USD"))
	assert.False(t, IsUSDPair("SOL-EUR"))
	assert.True(t, OrderStatusRejected.IsTerminal())
	assert.False(t, OrderStatusPending.IsTerminal())
}
