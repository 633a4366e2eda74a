package market

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	reportFetchLimit   = 120
	reportDisplayLimit = 20
)

// IndicatorRow 某个周期最新一根K线上的指标
type IndicatorRow struct {
	Interval   string  `json:"interval"`
	Price      float64 `json:"price"`
	EMA20      float64 `json:"ema20"`
	EMA50      float64 `json:"ema50"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	RSI14      float64 `json:"rsi14"`
	ATR14      float64 `json:"atr14"`
	ADX14      float64 `json:"adx14"`
	PlusDI     float64 `json:"plus_di"`
	MinusDI    float64 `json:"minus_di"`
	BollUpper  float64 `json:"boll_upper"`
	BollMiddle float64 `json:"boll_middle"`
	BollLower  float64 `json:"boll_lower"`
	Trend      string  `json:"trend"`
	Klines     []Kline `json:"klines"`
}

// IndicatorReport 单个交易对的多周期指标报告
type IndicatorReport struct {
	Symbol      string         `json:"symbol"`
	GeneratedAt time.Time      `json:"generated_at"`
	Rows        []IndicatorRow `json:"rows"`
}

// BuildIndicatorReport 拉取各周期K线并计算指标，intervals 使用交易所K线周期（1h/4h/1d/1w）
func BuildIndicatorReport(ctx context.Context, source KlineSource, symbol string, intervals []string) (*IndicatorReport, error) {
	report := &IndicatorReport{Symbol: symbol, GeneratedAt: time.Now()}
	for _, interval := range intervals {
		klines, err := source.GetKlines(ctx, symbol, interval, reportFetchLimit)
		if err != nil {
			return nil, fmt.Errorf("获取 %s %s K线失败: %w", symbol, interval, err)
		}
		if len(klines) == 0 {
			return nil, fmt.Errorf("%s %s 无K线数据", symbol, interval)
		}
		report.Rows = append(report.Rows, indicatorRow(interval, klines))
	}
	return report, nil
}

func indicatorRow(interval string, klines []Kline) IndicatorRow {
	closes := closesOf(klines)
	line, signal, _ := macdSeries(closes)
	adx, plusDI, minusDI := adxSeries(klines, 14)
	upper, middle, lower := bollingerSeries(closes, 20, 2)

	row := IndicatorRow{
		Interval:   interval,
		Price:      last(closes),
		EMA20:      last(emaSeries(closes, 20)),
		EMA50:      last(emaSeries(closes, 50)),
		MACD:       last(line),
		MACDSignal: last(signal),
		RSI14:      last(rsiSeries(closes, 14)),
		ATR14:      last(atrSeries(klines, 14)),
		ADX14:      last(adx),
		PlusDI:     last(plusDI),
		MinusDI:    last(minusDI),
		BollUpper:  last(upper),
		BollMiddle: last(middle),
		BollLower:  last(lower),
	}
	row.Trend = trendDirection(row.Price, row.EMA20, row.EMA50, row.MACD)

	if len(klines) > reportDisplayLimit {
		klines = klines[len(klines)-reportDisplayLimit:]
	}
	row.Klines = append([]Kline(nil), klines...)
	return row
}

// Format 纯文本报告，时间按 loc 显示（nil 为 UTC）
func (r *IndicatorReport) Format(loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Symbol: %s\n生成时间: %s\n\n", r.Symbol, r.GeneratedAt.In(loc).Format("2006-01-02 15:04:05"))

	for _, row := range r.Rows {
		fmt.Fprintf(&sb, "=== %s (趋势: %s) ===\n", row.Interval, row.Trend)
		fmt.Fprintf(&sb, "价格: %.4f  EMA20: %.4f  EMA50: %.4f\n", row.Price, row.EMA20, row.EMA50)
		fmt.Fprintf(&sb, "MACD: %.4f  Signal: %.4f  RSI14: %.2f  ATR14: %.4f\n", row.MACD, row.MACDSignal, row.RSI14, row.ATR14)
		fmt.Fprintf(&sb, "ADX14: %.2f  +DI: %.2f  -DI: %.2f\n", row.ADX14, row.PlusDI, row.MinusDI)
		fmt.Fprintf(&sb, "BOLL: %.4f / %.4f / %.4f\n", row.BollUpper, row.BollMiddle, row.BollLower)

		layout := "2006-01-02 15:04"
		if row.Interval == "1d" || row.Interval == "1w" || row.Interval == "1M" {
			layout = "2006-01-02"
		}
		fmt.Fprintf(&sb, "--- 最近 %d 根K线 ---\n", len(row.Klines))
		for i, k := range row.Klines {
			fmt.Fprintf(&sb, "[%02d] %s | O: %.4f H: %.4f L: %.4f C: %.4f V: %.4f\n",
				i+1, time.UnixMilli(k.OpenTime).In(loc).Format(layout), k.Open, k.High, k.Low, k.Close, k.Volume)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
