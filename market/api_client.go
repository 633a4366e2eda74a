package market

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	baseURL = "https://api.binance.com"
)

// APIClient Binance 现货公开行情接口（无需鉴权）
type APIClient struct {
	client     *resty.Client
	quoteAsset string
}

// NewAPIClient 创建公开行情客户端，quoteAsset 为空时使用 USDT
func NewAPIClient(quoteAsset string) *APIClient {
	return NewAPIClientWithBaseURL(baseURL, quoteAsset)
}

// NewAPIClientWithBaseURL 指定接口地址（测试或镜像站使用）
func NewAPIClientWithBaseURL(url, quoteAsset string) *APIClient {
	if quoteAsset == "" {
		quoteAsset = "USDT"
	}
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &APIClient{
		client:     client,
		quoteAsset: strings.ToUpper(quoteAsset),
	}
}

func (c *APIClient) venueSymbol(symbol string) string {
	base := strings.ToUpper(symbol)
	if idx := strings.Index(base, "-"); idx > 0 {
		base = base[:idx]
	}
	return base + c.quoteAsset
}

// GetKlines 获取K线，symbol 使用 "BTC-USD" 格式
func (c *APIClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	var klineResponses []KlineResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   c.venueSymbol(symbol),
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&klineResponses).
		Get("/api/v3/klines")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		log.Warn().Str("symbol", symbol).Str("body", resp.String()).Msg("获取K线数据失败")
		return nil, fmt.Errorf("获取 %s K线失败: %s", symbol, resp.Status())
	}

	klines := make([]Kline, 0, len(klineResponses))
	for _, kr := range klineResponses {
		kline, err := parseKline(kr)
		if err != nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("解析K线数据失败")
			continue
		}
		klines = append(klines, kline)
	}
	return klines, nil
}

func parseKline(kr KlineResponse) (Kline, error) {
	var kline Kline
	if len(kr) < 9 {
		return kline, fmt.Errorf("invalid kline data")
	}

	openTime, ok1 := kr[0].(float64)
	closeTime, ok2 := kr[6].(float64)
	trades, ok3 := kr[8].(float64)
	if !ok1 || !ok2 || !ok3 {
		return kline, fmt.Errorf("invalid kline timestamps")
	}
	kline.OpenTime = int64(openTime)
	kline.CloseTime = int64(closeTime)
	kline.Trades = int(trades)

	fields := []*float64{&kline.Open, &kline.High, &kline.Low, &kline.Close, &kline.Volume}
	for i, dst := range fields {
		raw, ok := kr[i+1].(string)
		if !ok {
			return kline, fmt.Errorf("invalid kline field %d", i+1)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return kline, err
		}
		*dst = v
	}
	return kline, nil
}

// GetCurrentPrice 获取最新价
func (c *APIClient) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var ticker PriceTicker
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", c.venueSymbol(symbol)).
		SetResult(&ticker).
		Get("/api/v3/ticker/price")
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, fmt.Errorf("获取 %s 最新价失败: %s", symbol, resp.Status())
	}
	return strconv.ParseFloat(ticker.Price, 64)
}
