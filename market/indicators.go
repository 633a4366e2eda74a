package market

import "math"

const macdSignalPeriod = 9

func closesOf(klines []Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

// smaSeries 计算 SMA 序列（长度与输入一致，数据不足时填 0）
func smaSeries(values []float64, period int) []float64 {
	res := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return res
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			res[i] = sum / float64(period)
		}
	}
	return res
}

// emaSeries 计算 EMA 序列，以首个 SMA 作为种子
func emaSeries(values []float64, period int) []float64 {
	res := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return res
	}
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	ema := seed / float64(period)
	res[period-1] = ema

	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		ema += (values[i] - ema) * k
		res[i] = ema
	}
	return res
}

// macdSeries 计算 MACD(12,26,9)，返回 line/signal/hist
func macdSeries(values []float64) (line, signal, hist []float64) {
	n := len(values)
	line = make([]float64, n)
	signal = make([]float64, n)
	hist = make([]float64, n)

	fast := emaSeries(values, 12)
	slow := emaSeries(values, 26)

	var (
		seen  []float64
		sig   float64
		ready bool
	)
	k := 2.0 / float64(macdSignalPeriod+1)
	for i := 0; i < n; i++ {
		if fast[i] == 0 || slow[i] == 0 {
			continue
		}
		line[i] = fast[i] - slow[i]
		if !ready {
			seen = append(seen, line[i])
			if len(seen) < macdSignalPeriod {
				continue
			}
			for _, v := range seen {
				sig += v
			}
			sig /= float64(macdSignalPeriod)
			ready = true
		} else {
			sig += (line[i] - sig) * k
		}
		signal[i] = sig
		hist[i] = line[i] - sig
	}
	return
}

// rsiSeries 计算 RSI 序列（Wilder 平滑）
func rsiSeries(values []float64, period int) []float64 {
	rsi := make([]float64, len(values))
	if period <= 0 || len(values) <= period {
		return rsi
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		if d := values[i] - values[i-1]; d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	rsi[period] = rsiFrom(avgGain, avgLoss)

	p := float64(period)
	for i := period + 1; i < len(values); i++ {
		gain, loss := 0.0, 0.0
		if d := values[i] - values[i-1]; d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
		rsi[i] = rsiFrom(avgGain, avgLoss)
	}
	return rsi
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

// trueRanges 真实波幅，首根为 0
func trueRanges(klines []Kline) []float64 {
	trs := make([]float64, len(klines))
	for i := 1; i < len(klines); i++ {
		high, low, prevClose := klines[i].High, klines[i].Low, klines[i-1].Close
		trs[i] = math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
	}
	return trs
}

// atrSeries Wilder 平滑的 ATR
func atrSeries(klines []Kline, period int) []float64 {
	atr := make([]float64, len(klines))
	if period <= 0 || len(klines) <= period {
		return atr
	}
	trs := trueRanges(klines)
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trs[i]
	}
	atr[period] = sum / float64(period)
	p := float64(period)
	for i := period + 1; i < len(klines); i++ {
		atr[i] = (atr[i-1]*(p-1) + trs[i]) / p
	}
	return atr
}

// adxSeries 返回 ADX 与 +DI/-DI
func adxSeries(klines []Kline, period int) (adx, plusDI, minusDI []float64) {
	n := len(klines)
	adx = make([]float64, n)
	plusDI = make([]float64, n)
	minusDI = make([]float64, n)
	if period <= 0 || n <= period {
		return
	}

	trs := trueRanges(klines)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := klines[i].High - klines[i-1].High
		down := klines[i-1].Low - klines[i].Low
		if up > 0 && up > down {
			plusDM[i] = up
		}
		if down > 0 && down > up {
			minusDM[i] = down
		}
	}

	var tr, pdm, mdm float64
	for i := 1; i <= period; i++ {
		tr += trs[i]
		pdm += plusDM[i]
		mdm += minusDM[i]
	}
	p := float64(period)
	for i := period; i < n; i++ {
		if i > period {
			tr = tr - tr/p + trs[i]
			pdm = pdm - pdm/p + plusDM[i]
			mdm = mdm - mdm/p + minusDM[i]
		}
		if tr == 0 {
			continue
		}
		plusDI[i] = 100 * pdm / tr
		minusDI[i] = 100 * mdm / tr
		sum := plusDI[i] + minusDI[i]
		if sum == 0 {
			continue
		}
		dx := 100 * math.Abs(plusDI[i]-minusDI[i]) / sum
		if i == period {
			adx[i] = dx
		} else {
			adx[i] = (adx[i-1]*(p-1) + dx) / p
		}
	}
	return
}

// bollingerSeries 布林带（总体标准差）
func bollingerSeries(values []float64, period int, multiplier float64) (upper, middle, lower []float64) {
	n := len(values)
	upper = make([]float64, n)
	lower = make([]float64, n)
	middle = smaSeries(values, period)
	if period <= 0 || n < period {
		return
	}
	for i := period - 1; i < n; i++ {
		sum := 0.0
		for _, v := range values[i-period+1 : i+1] {
			d := v - middle[i]
			sum += d * d
		}
		std := math.Sqrt(sum / float64(period))
		upper[i] = middle[i] + multiplier*std
		lower[i] = middle[i] - multiplier*std
	}
	return
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}
