package trailingstop

import (
	"strings"
)

// Config 止损参数
type Config struct {
	// DefaultStopPct 默认止损比例（0.10 = 入场价下方 10%）
	DefaultStopPct float64
	// TrailingEnabled 价格创新高时是否上移止损
	TrailingEnabled bool
	// AssetStops 按基础币种覆盖默认比例，例如 {"SOL": 0.15}
	AssetStops map[string]float64
}

// DefaultConfig 返回默认配置的副本
func DefaultConfig() *Config {
	return &Config{
		DefaultStopPct:  0.10,
		TrailingEnabled: true,
		AssetStops:      map[string]float64{},
	}
}

func validPct(pct float64) bool {
	return pct > 0 && pct < 1
}

func resolveConfig(cfg *Config) *Config {
	base := DefaultConfig()
	if cfg == nil {
		return base
	}
	if validPct(cfg.DefaultStopPct) {
		base.DefaultStopPct = cfg.DefaultStopPct
	}
	base.TrailingEnabled = cfg.TrailingEnabled
	for asset, pct := range cfg.AssetStops {
		if validPct(pct) {
			base.AssetStops[strings.ToUpper(asset)] = pct
		}
	}
	return base
}

func (c *Config) clone() *Config {
	out := *c
	out.AssetStops = make(map[string]float64, len(c.AssetStops))
	for k, v := range c.AssetStops {
		out.AssetStops[k] = v
	}
	return &out
}

// stopPctFor 显式比例优先，其次是币种覆盖，最后是全局默认
func (c *Config) stopPctFor(symbol string, requested float64) float64 {
	if validPct(requested) {
		return requested
	}
	base, _, _ := strings.Cut(strings.ToUpper(strings.TrimSpace(symbol)), "-")
	if pct, ok := c.AssetStops[base]; ok {
		return pct
	}
	return c.DefaultStopPct
}
