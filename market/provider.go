package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// AnalysisProvider scores one symbol on one timeframe.
// A nil Analysis with a nil error means the provider has no opinion.
type AnalysisProvider interface {
	Analyze(ctx context.Context, symbol, timeframe string) (*Analysis, error)
}

// HTTPProvider 调用外部分析服务：GET {base}/analyze?symbol=&timeframe=
type HTTPProvider struct {
	client *resty.Client
}

type httpAnalysisResponse struct {
	Signal     string         `json:"signal"`
	Confidence float64        `json:"confidence"`
	Data       map[string]any `json:"data"`
}

// NewHTTPProvider 创建远程分析提供方
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &HTTPProvider{client: client}
}

func (p *HTTPProvider) Analyze(ctx context.Context, symbol, timeframe string) (*Analysis, error) {
	var out httpAnalysisResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"symbol": symbol, "timeframe": timeframe}).
		SetResult(&out).
		Get("/analyze")
	if err != nil {
		return nil, fmt.Errorf("分析服务请求失败: %w", err)
	}
	if resp.StatusCode() == 204 || resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("分析服务返回错误: %s", resp.Status())
	}

	signal, ok := parseSignal(out.Signal)
	if !ok {
		return nil, fmt.Errorf("无法识别的信号: %q", out.Signal)
	}
	conf := out.Confidence
	if conf < 0 {
		conf = 0
	} else if conf > 1 {
		conf = 1
	}
	return &Analysis{Signal: signal, Confidence: conf, Data: out.Data}, nil
}

func parseSignal(raw string) (Signal, bool) {
	s := Signal(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), " ", "_")))
	switch s {
	case SignalStrongBuy, SignalBuy, SignalNeutral, SignalSell, SignalStrongSell:
		return s, true
	case "HOLD":
		return SignalNeutral, true
	default:
		return "", false
	}
}
