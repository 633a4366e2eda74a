package risk

import "math"

// annualization 加密货币全年交易
const annualization = 365

// Volatility 最近 period 个收益率的样本标准差。价格数量不足 period+1 时返回 0
func Volatility(prices []float64, period int) float64 {
	if period < 2 || len(prices) < period+1 {
		return 0
	}
	window := prices[len(prices)-period-1:]
	returns := make([]float64, 0, period)
	for i := 1; i < len(window); i++ {
		if window[i-1] > 0 {
			returns = append(returns, (window[i]-window[i-1])/window[i-1])
		}
	}
	return stddev(returns)
}

// SharpeRatio 年化夏普比率，returns 视为日收益率，riskFree 为年化无风险利率
func SharpeRatio(returns []float64, riskFree float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	vol := stddev(returns) * math.Sqrt(annualization)
	if vol == 0 {
		return 0
	}
	return (mean(returns)*annualization - riskFree) / vol
}

// MaxDrawdown 从峰值回撤的最大比例（0.1 = 10%）
func MaxDrawdown(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	peak := values[0]
	maxDD := 0.0
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// Returns 相邻价值的简单收益率
func Returns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] > 0 {
			out = append(out, (values[i]-values[i-1])/values[i-1])
		}
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	v := 0.0
	for _, x := range xs {
		v += (x - m) * (x - m)
	}
	return math.Sqrt(v / float64(len(xs)-1))
}
