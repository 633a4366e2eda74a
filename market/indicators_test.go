package market

import (
	"math"
	"testing"
)

// risingCloses 生成缓慢上升的收盘价
func risingCloses(count int) []float64 {
	out := make([]float64, count)
	for i := range out {
		out[i] = 100.0 + float64(i)*0.5 + 0.3
	}
	return out
}

func TestIndicatorSeriesLengths(t *testing.T) {
	closes := risingCloses(250)

	if got := len(smaSeries(closes, 50)); got != len(closes) {
		t.Fatalf("SMA50 length = %d, want %d", got, len(closes))
	}
	ema := emaSeries(closes, 20)
	if len(ema) != len(closes) || ema[len(ema)-1] == 0 {
		t.Fatalf("EMA20 should match input length and have a latest value")
	}
	line, signal, hist := macdSeries(closes)
	if len(line) != 250 || len(signal) != 250 || len(hist) != 250 {
		t.Fatalf("MACD lengths line/signal/hist = %d/%d/%d, want 250", len(line), len(signal), len(hist))
	}
	if line[len(line)-1] <= 0 {
		t.Fatalf("MACD line should be positive on a rising series, got %f", line[len(line)-1])
	}
	rsi := rsiSeries(closes, 14)
	if rsi[len(rsi)-1] != 100 {
		t.Fatalf("RSI of a strictly rising series should be 100, got %f", rsi[len(rsi)-1])
	}
}

func TestIndicatorShortSeries(t *testing.T) {
	closes := risingCloses(10)

	if v := last(smaSeries(closes, 50)); v != 0 {
		t.Fatalf("SMA50 should be zero when period > data length, got %f", v)
	}
	if v := last(emaSeries(closes, 20)); v != 0 {
		t.Fatalf("EMA20 should be zero when period > data length, got %f", v)
	}
	if v := last(rsiSeries(closes, 14)); v != 0 {
		t.Fatalf("RSI14 should be zero when data不足, got %f", v)
	}
	_, signal, _ := macdSeries(closes)
	if v := last(signal); v != 0 {
		t.Fatalf("MACD signal should be zero when data不足, got %f", v)
	}
}

func TestSMAMatchesManualAverage(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5}
	sma := smaSeries(closes, 3)
	want := []float64{0, 0, 2, 3, 4}
	for i := range want {
		if sma[i] != want[i] {
			t.Fatalf("sma[%d] = %f, want %f", i, sma[i], want[i])
		}
	}
}

func flatRangeKlines(count int) []Kline {
	out := make([]Kline, count)
	for i := range out {
		out[i] = Kline{Open: 100, High: 101, Low: 99, Close: 100}
	}
	return out
}

func TestATRConstantRange(t *testing.T) {
	atr := atrSeries(flatRangeKlines(30), 14)
	if atr[13] != 0 {
		t.Fatalf("ATR before warm-up should be zero, got %f", atr[13])
	}
	if v := last(atr); math.Abs(v-2) > 1e-9 {
		t.Fatalf("ATR of a constant 2-point range = %f, want 2", v)
	}
}

func TestBollingerFlatSeries(t *testing.T) {
	closes := []float64{5, 5, 5, 5, 5, 5}
	upper, middle, lower := bollingerSeries(closes, 4, 2)
	if last(upper) != 5 || last(middle) != 5 || last(lower) != 5 {
		t.Fatalf("flat series bands = %f/%f/%f, want all 5", last(upper), last(middle), last(lower))
	}

	upper, middle, lower = bollingerSeries([]float64{1, 3}, 2, 2)
	// 均值 2，总体标准差 1
	if middle[1] != 2 || upper[1] != 4 || lower[1] != 0 {
		t.Fatalf("bands = %f/%f/%f, want 4/2/0", upper[1], middle[1], lower[1])
	}
}

func TestADXRisingTrend(t *testing.T) {
	klines := make([]Kline, 40)
	for i := range klines {
		base := 100 + float64(i)*0.5
		klines[i] = Kline{Open: base, High: base + 1, Low: base - 1, Close: base + 0.4}
	}
	adx, plusDI, minusDI := adxSeries(klines, 14)
	if last(minusDI) != 0 {
		t.Fatalf("-DI on a steady uptrend should be zero, got %f", last(minusDI))
	}
	if last(plusDI) <= 0 {
		t.Fatalf("+DI should be positive, got %f", last(plusDI))
	}
	if v := last(adx); math.Abs(v-100) > 1e-9 {
		t.Fatalf("ADX of a one-sided trend = %f, want 100", v)
	}
}
