package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"autotrader/decision"
	"autotrader/market"
	"autotrader/risk"
	"autotrader/trader"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Controller        = (*trader.AutomatedTrader)(nil)
	_ OrderBook         = (*trader.TradeExecutor)(nil)
	_ OpportunityReader = (*market.Monitor)(nil)
	_ RiskReader        = (*risk.RiskManager)(nil)
	_ PortfolioReader   = (*decision.PortfolioManager)(nil)
)

type fakeTrader struct {
	mu          sync.Mutex
	state       trader.State
	emergencies int
}

func (f *fakeTrader) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.IsRunning() {
		return trader.ErrAlreadyRunning
	}
	f.state = trader.StateRunning
	return nil
}

func (f *fakeTrader) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.IsRunning() {
		return trader.ErrNotRunning
	}
	f.state = trader.StateStopped
	return nil
}

func (f *fakeTrader) EnableTrading() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.IsRunning() {
		return trader.ErrNotRunning
	}
	f.state = trader.StateRunning
	return nil
}

func (f *fakeTrader) DisableTrading() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.IsRunning() {
		return trader.ErrNotRunning
	}
	f.state = trader.StateRunningTradingDisabled
	return nil
}

func (f *fakeTrader) EmergencyStop(context.Context) trader.EmergencyReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergencies++
	f.state = trader.StateStopped
	return trader.EmergencyReport{
		CancelAttempts: 2,
		Cancelled:      1,
		Results: []trader.CancelResult{
			{OrderID: "o-1", Symbol: "BTCUSD", Success: true},
			{OrderID: "o-2", Symbol: "ETHUSD", Error: "交易所拒绝"},
		},
	}
}

func (f *fakeTrader) GetStatus() trader.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return trader.Status{State: f.state, IsRunning: f.state.IsRunning(), TradingEnabled: f.state.TradingEnabled()}
}

func (f *fakeTrader) GetPerformanceSummary() trader.PerformanceSummary {
	return trader.PerformanceSummary{TotalTrades: 4, SuccessRate: 75}
}

type fakeOrders struct{}

func (fakeOrders) ActiveOrders() []trader.ExecutionRecord {
	return []trader.ExecutionRecord{{ID: "r-1", OrderID: "o-1", Symbol: "BTCUSD"}}
}
func (fakeOrders) CompletedOrders() []trader.ExecutionRecord { return nil }
func (fakeOrders) GetOrderSummary() trader.OrderSummary {
	return trader.OrderSummary{ActiveOrders: 1, TotalOrders: 1, ActiveOrderIDs: []string{"o-1"}}
}

type fakeOpportunities struct{ opps []market.Opportunity }

func (f fakeOpportunities) LatestOpportunities(limit int) []market.Opportunity {
	if len(f.opps) > limit {
		return f.opps[:limit]
	}
	return f.opps
}

type fakeRisk struct{}

func (fakeRisk) GetRiskSummary() risk.Summary { return risk.Summary{DailyPnL: -12.5, DailyTrades: 3} }

type fakePortfolio struct{ err error }

func (f fakePortfolio) GetPortfolioValue(context.Context) decision.PortfolioSnapshot {
	if f.err != nil {
		return decision.PortfolioSnapshot{Err: f.err}
	}
	return decision.PortfolioSnapshot{
		TotalValueUSD: 10000,
		CashBalance:   6000,
		Positions: map[string]decision.Position{
			"BTC": {Balance: 0.08, Price: 50000, ValueUSD: 4000, Percentage: 0.4},
		},
		InvestedPercentage: 0.4,
	}
}

type fixture struct {
	server    *Server
	trader    *fakeTrader
	auth      *Authenticator
	otpSecret string
	token     string
}

func newFixture(t *testing.T, portfolio PortfolioReader) *fixture {
	t.Helper()
	secret, _, err := GenerateOTPSecret("ops@autotrader")
	require.NoError(t, err)
	auth, err := NewAuthenticator("test-secret", secret, time.Hour)
	require.NoError(t, err)
	token, err := auth.IssueToken("ops")
	require.NoError(t, err)

	if portfolio == nil {
		portfolio = fakePortfolio{}
	}
	opps := fakeOpportunities{opps: []market.Opportunity{
		{Symbol: "BTCUSD", Signal: market.SignalStrongBuy, Confidence: 0.9},
		{Symbol: "ETHUSD", Signal: market.SignalBuy, Confidence: 0.8},
		{Symbol: "SOLUSD", Signal: market.SignalBuy, Confidence: 0.78},
	}}
	ft := &fakeTrader{}
	srv, err := NewServer(Deps{
		Trader:        ft,
		Orders:        fakeOrders{},
		Opportunities: opps,
		Risk:          fakeRisk{},
		Portfolio:     portfolio,
		Optimizer:     decision.NewPortfolioOptimizer(map[string]float64{"BTC": 0.2, "USD": 0.8}, 0),
	}, auth, Config{StatusPush: 50 * time.Millisecond})
	require.NoError(t, err)
	return &fixture{server: srv, trader: ft, auth: auth, otpSecret: secret, token: token}
}

func (f *fixture) do(t *testing.T, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t, nil)
	f.token = ""
	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stopped", decode(t, w)["state"])
}

func TestRequireToken(t *testing.T) {
	f := newFixture(t, nil)

	valid := f.token
	f.token = ""
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/status", nil).Code)

	f.token = "not-a-jwt"
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/status", nil).Code)

	other, err := NewAuthenticator("another-secret", "", time.Hour)
	require.NoError(t, err)
	f.token, err = other.IssueToken("ops")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/status", nil).Code)

	f.token = valid
	w := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stopped", decode(t, w)["state"])
}

func TestExpiredToken(t *testing.T) {
	auth, err := NewAuthenticator("test-secret", "", time.Minute)
	require.NoError(t, err)
	auth.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := auth.IssueToken("ops")
	require.NoError(t, err)

	auth.now = time.Now
	_, err = auth.ParseToken(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestControlTransitions(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", decode(t, w)["state"])

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/start", nil).Code)

	w = f.do(t, http.MethodPost, "/api/trading/disable", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running_trading_disabled", decode(t, w)["state"])

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/stop", nil).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/stop", nil).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/trading/disable", nil).Code)
}

func TestEnableTradingRequiresOTP(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/start", nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/trading/disable", nil).Code)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/api/trading/enable", nil).Code)
	assert.Equal(t, http.StatusForbidden,
		f.do(t, http.MethodPost, "/api/trading/enable", map[string]string{otpHeader: "000000x"}).Code)
	assert.Equal(t, trader.StateRunningTradingDisabled, f.trader.GetStatus().State)

	code, err := totp.GenerateCode(f.otpSecret, time.Now())
	require.NoError(t, err)
	w := f.do(t, http.MethodPost, "/api/trading/enable", map[string]string{otpHeader: code})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", decode(t, w)["state"])
}

func TestEmergencyStopNeedsOnlyToken(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/start", nil).Code)

	valid := f.token
	f.token = ""
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/api/emergency-stop", nil).Code)
	assert.Equal(t, 0, f.trader.emergencies)

	// 配置了 OTP 也无需 X-OTP
	f.token = valid
	w := f.do(t, http.MethodPost, "/api/emergency-stop", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report trader.EmergencyReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 2, report.CancelAttempts)
	assert.Equal(t, 1, report.Cancelled)
	assert.Equal(t, 1, f.trader.emergencies)
	assert.Equal(t, trader.StateStopped, f.trader.GetStatus().State)
}

func TestOTPDisabledWhenNoSecret(t *testing.T) {
	auth, err := NewAuthenticator("test-secret", "", time.Hour)
	require.NoError(t, err)
	assert.NoError(t, auth.VerifyOTP(""))
}

func TestOpportunities(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/api/opportunities?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 2, body["count"])

	w = f.do(t, http.MethodGet, "/api/opportunities", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, decode(t, w)["count"])

	for _, bad := range []string{"abc", "0", "-3"} {
		w = f.do(t, http.MethodGet, "/api/opportunities?limit="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}
}

func TestOrdersAndRisk(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/api/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["active"], 1)
	assert.NotNil(t, body["completed"])
	assert.Empty(t, body["completed"])

	w = f.do(t, http.MethodGet, "/api/risk", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, -12.5, decode(t, w)["daily_pnl"])

	w = f.do(t, http.MethodGet, "/api/performance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 75, decode(t, w)["success_rate"])
}

func TestPortfolio(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/api/portfolio", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	allocation := body["allocation"].(map[string]any)
	assert.InDelta(t, 0.6, allocation["USD"], 1e-9)
	assert.InDelta(t, 0.4, allocation["BTC"], 1e-9)

	// BTC 0.4 对目标 0.2、USD 0.6 对目标 0.8，偏离都超过 5%
	rebalancing := body["rebalancing"].([]any)
	assert.Len(t, rebalancing, 2)

	sizes := body["suggested_sizes"].(map[string]any)
	total := 0.0
	for _, v := range sizes {
		total += v.(float64)
	}
	assert.InDelta(t, 6000, total, 1e-6)
}

func TestPortfolioUnavailable(t *testing.T) {
	f := newFixture(t, fakePortfolio{err: decision.ErrPortfolioUnavailable})
	w := f.do(t, http.MethodGet, "/api/portfolio", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusStream(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/status"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+f.token, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for i := 0; i < 2; i++ {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "status", msg["type"])
		status := msg["status"].(map[string]any)
		assert.Equal(t, "stopped", status["state"])
	}
}

func TestNewServerValidation(t *testing.T) {
	auth, err := NewAuthenticator("s", "", 0)
	require.NoError(t, err)
	_, err = NewServer(Deps{}, auth, Config{})
	assert.Error(t, err)

	_, err = NewAuthenticator("", "", 0)
	assert.Error(t, err)
}
