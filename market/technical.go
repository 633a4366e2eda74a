package market

import (
	"context"
	"fmt"
	"math"
)

// KlineSource 提供K线数据，APIClient 实现了该接口
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
}

// timeframeIntervals 分析周期 → K线周期
var timeframeIntervals = map[string]string{
	"1h": "1h",
	"4h": "4h",
	"1d": "1d",
	"7d": "1w",
}

const technicalKlineLimit = 120

// TechnicalProvider 基于 EMA/MACD/RSI 的内置技术面分析
type TechnicalProvider struct {
	source KlineSource
}

// NewTechnicalProvider 创建技术面分析器
func NewTechnicalProvider(source KlineSource) *TechnicalProvider {
	return &TechnicalProvider{source: source}
}

// Analyze 对 symbol 在 timeframe 上打分。数据不足时返回 nil, nil（无观点）
func (p *TechnicalProvider) Analyze(ctx context.Context, symbol, timeframe string) (*Analysis, error) {
	interval, ok := timeframeIntervals[timeframe]
	if !ok {
		return nil, fmt.Errorf("不支持的分析周期: %s", timeframe)
	}
	klines, err := p.source.GetKlines(ctx, symbol, interval, technicalKlineLimit)
	if err != nil {
		return nil, err
	}
	return scoreKlines(klines), nil
}

func scoreKlines(klines []Kline) *Analysis {
	// EMA50 需要至少 50 根，MACD 信号线需要 26+9
	if len(klines) < 50 {
		return nil
	}
	closes := closesOf(klines)
	price := last(closes)
	ema20 := last(emaSeries(closes, 20))
	ema50 := last(emaSeries(closes, 50))
	_, _, hist := macdSeries(closes)
	macd := last(hist)
	rsi := last(rsiSeries(closes, 14))

	// MACD 柱按价格归一化，避免高价币阈值失真
	macdNorm := 0.0
	if price > 0 {
		macdNorm = macd / price
	}

	strength := signalStrength(price, ema20, ema50, macdNorm, rsi)
	signal, confidence := classifyStrength(strength)

	return &Analysis{
		Signal:     signal,
		Confidence: confidence,
		Data: map[string]any{
			"price":    price,
			"ema20":    ema20,
			"ema50":    ema50,
			"macd":     macd,
			"rsi14":    rsi,
			"strength": strength,
			"trend":    trendDirection(price, ema20, ema50, macdNorm),
		},
	}
}

// trendDirection 判断趋势方向
func trendDirection(price, ema20, ema50, macd float64) string {
	score := 0
	switch {
	case ema20 > 0 && price > ema20:
		score++
	case ema20 > 0 && price < ema20:
		score--
	}
	switch {
	case ema50 > 0 && ema20 > ema50:
		score++
	case ema50 > 0 && ema20 < ema50:
		score--
	}
	switch {
	case macd > 0.0005:
		score++
	case macd < -0.0005:
		score--
	}

	if score >= 2 {
		return "bullish"
	}
	if score <= -2 {
		return "bearish"
	}
	return "neutral"
}

// signalStrength 综合信号强度 0-100，50 为中性
func signalStrength(price, ema20, ema50, macd, rsi float64) int {
	strength := 50

	if price > ema20 && ema20 > ema50 {
		strength += 20
	} else if price < ema20 && ema20 < ema50 {
		strength -= 20
	}

	if macd > 0.0005 {
		strength += 15
	} else if macd < -0.0005 {
		strength -= 15
	}

	// 超卖加分、超买减分
	if rsi > 0 && rsi < 30 {
		strength += 10
	} else if rsi > 70 {
		strength -= 10
	} else if rsi >= 50 && rsi <= 70 {
		strength += 5
	}

	return int(math.Max(0, math.Min(100, float64(strength))))
}

func classifyStrength(strength int) (Signal, float64) {
	switch {
	case strength >= 80:
		return SignalStrongBuy, float64(strength) / 100
	case strength >= 65:
		return SignalBuy, float64(strength) / 100
	case strength <= 20:
		return SignalStrongSell, float64(100-strength) / 100
	case strength <= 35:
		return SignalSell, float64(100-strength) / 100
	default:
		return SignalNeutral, 0.5
	}
}
