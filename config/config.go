// Package config 读取 YAML 配置文件并叠加环境变量，输出各组件的构造参数
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"autotrader/decision"
	"autotrader/exchange"
	"autotrader/logger"
	"autotrader/market"
	"autotrader/risk"
	"autotrader/trader"
	"autotrader/trader/trailingstop"

	"gopkg.in/yaml.v3"
)

const (
	ModeDemo = "demo"
	ModeLive = "live"
)

// Config 应用配置
type Config struct {
	Mode string `yaml:"mode"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`

	Trading struct {
		UpdateInterval        time.Duration `yaml:"update_interval"`
		MaxPositionPercentage float64       `yaml:"max_position_percentage"`
		MaxTotalInvested      float64       `yaml:"max_total_invested"`
		MinConfidence         float64       `yaml:"min_confidence"`
		MinTradeAmount        float64       `yaml:"min_trade_amount"`
		Cooldown              time.Duration `yaml:"cooldown"`
		OpportunityLimit      int           `yaml:"opportunity_limit"`
		DryRun                bool          `yaml:"dry_run"`
	} `yaml:"trading"`

	// 目标配置，为空时不生成再平衡建议
	Portfolio struct {
		Targets            map[string]float64 `yaml:"targets"`
		RebalanceThreshold float64            `yaml:"rebalance_threshold"`
	} `yaml:"portfolio"`

	Risk struct {
		MaxPortfolioRisk    float64            `yaml:"max_portfolio_risk"`
		MaxPositionRisk     float64            `yaml:"max_position_risk"`
		MaxDailyLoss        float64            `yaml:"max_daily_loss"`
		DefaultStopLossPct  float64            `yaml:"default_stop_loss_pct"`
		AssetStopLoss       map[string]float64 `yaml:"asset_stop_loss"`
		TrailingStopEnabled *bool              `yaml:"trailing_stop_enabled"`
		TakeProfitPct       float64            `yaml:"take_profit_pct"`
	} `yaml:"risk"`

	Monitor struct {
		Interval       time.Duration `yaml:"interval"`
		Timeframes     []string      `yaml:"timeframes"`
		Workers        int           `yaml:"workers"`
		SymbolTimeout  time.Duration `yaml:"symbol_timeout"`
		AnalysisURL    string        `yaml:"analysis_url"`
		AnalysisAPIKey string        `yaml:"analysis_api_key"`
	} `yaml:"monitor"`

	Executor struct {
		MinOrderUSD  float64       `yaml:"min_order_usd"`
		SubmitDelay  time.Duration `yaml:"submit_delay"`
		OrderTimeout time.Duration `yaml:"order_timeout"`
		MaxSlippage  float64       `yaml:"max_slippage"`
	} `yaml:"executor"`

	Binance struct {
		APIKey     string `yaml:"api_key"`
		SecretKey  string `yaml:"secret_key"`
		Testnet    bool   `yaml:"testnet"`
		QuoteAsset string `yaml:"quote_asset"`
	} `yaml:"binance"`

	Demo struct {
		Balances  map[string]float64 `yaml:"balances"`
		Prices    map[string]float64 `yaml:"prices"`
		FillDelay time.Duration      `yaml:"fill_delay"`
		Jitter    float64            `yaml:"jitter"`
	} `yaml:"demo"`

	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   int64  `yaml:"chat_id"`
	} `yaml:"telegram"`

	API struct {
		Enabled    bool          `yaml:"enabled"`
		Listen     string        `yaml:"listen"`
		JWTSecret  string        `yaml:"jwt_secret"`
		OTPSecret  string        `yaml:"otp_secret"`
		TokenTTL   time.Duration `yaml:"token_ttl"`
		StatusPush time.Duration `yaml:"status_push"`
	} `yaml:"api"`

	Journal struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"journal"`
}

// Load 读取配置文件（不存在时全部使用默认值），叠加环境变量，补齐默认值并校验
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("AUTOTRADER_MODE", &c.Mode)
	envString("LOG_LEVEL", &c.Log.Level)
	envString("BINANCE_API_KEY", &c.Binance.APIKey)
	envString("BINANCE_SECRET_KEY", &c.Binance.SecretKey)
	if c.Binance.SecretKey == "" {
		envString("BINANCE_API_SECRET", &c.Binance.SecretKey)
	}
	envString("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	envString("API_JWT_SECRET", &c.API.JWTSecret)
	envString("API_OTP_SECRET", &c.API.OTPSecret)
	envString("ANALYSIS_API_KEY", &c.Monitor.AnalysisAPIKey)
	envString("SQLITE_PATH", &c.Journal.SQLitePath)

	if v := os.Getenv("BINANCE_TESTNET"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BINANCE_TESTNET: %w", err)
		}
		c.Binance.Testnet = b
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		c.Telegram.ChatID = id
	}
	if v := os.Getenv("UPDATE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("UPDATE_INTERVAL: %w", err)
		}
		c.Trading.UpdateInterval = d
	}
	return nil
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeDemo
	}
	c.Mode = strings.ToLower(c.Mode)
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	pcfg := decision.DefaultPortfolioConfig()
	ecfg := decision.DefaultEngineConfig()
	if c.Trading.UpdateInterval == 0 {
		c.Trading.UpdateInterval = trader.DefaultConfig().UpdateInterval
	}
	if c.Trading.MaxPositionPercentage == 0 {
		c.Trading.MaxPositionPercentage = pcfg.MaxPositionPct
	}
	if c.Trading.MaxTotalInvested == 0 {
		c.Trading.MaxTotalInvested = pcfg.MaxTotalInvested
	}
	if c.Trading.MinConfidence == 0 {
		c.Trading.MinConfidence = ecfg.MinConfidence
	}
	if c.Trading.MinTradeAmount == 0 {
		c.Trading.MinTradeAmount = pcfg.MinTradeAmount
	}
	if c.Trading.Cooldown == 0 {
		c.Trading.Cooldown = ecfg.Cooldown
	}
	if c.Trading.OpportunityLimit == 0 {
		c.Trading.OpportunityLimit = trader.DefaultConfig().OpportunityLimit
	}

	rcfg := risk.DefaultConfig()
	if c.Risk.MaxPortfolioRisk == 0 {
		c.Risk.MaxPortfolioRisk = rcfg.MaxPortfolioRisk
	}
	if c.Risk.MaxPositionRisk == 0 {
		// 单币种风险上限默认跟随仓位上限
		c.Risk.MaxPositionRisk = c.Trading.MaxPositionPercentage
	}
	if c.Risk.MaxDailyLoss == 0 {
		c.Risk.MaxDailyLoss = rcfg.MaxDailyLoss
	}
	if c.Risk.DefaultStopLossPct == 0 {
		c.Risk.DefaultStopLossPct = trailingstop.DefaultConfig().DefaultStopPct
	}
	if c.Risk.TrailingStopEnabled == nil {
		enabled := true
		c.Risk.TrailingStopEnabled = &enabled
	}
	if c.Risk.TakeProfitPct == 0 {
		c.Risk.TakeProfitPct = rcfg.TakeProfitPct
	}

	mcfg := market.DefaultMonitorConfig()
	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = c.Trading.UpdateInterval
	}
	if len(c.Monitor.Timeframes) == 0 {
		c.Monitor.Timeframes = mcfg.Timeframes
	}
	if c.Monitor.Workers == 0 {
		c.Monitor.Workers = mcfg.Workers
	}
	if c.Monitor.SymbolTimeout == 0 {
		c.Monitor.SymbolTimeout = mcfg.SymbolTimeout
	}

	xcfg := trader.DefaultExecutorConfig()
	if c.Executor.MinOrderUSD == 0 {
		c.Executor.MinOrderUSD = xcfg.MinOrderUSD
	}
	if c.Executor.SubmitDelay == 0 {
		c.Executor.SubmitDelay = xcfg.SubmitDelay
	}
	if c.Executor.OrderTimeout == 0 {
		c.Executor.OrderTimeout = xcfg.OrderTimeout
	}
	if c.Executor.MaxSlippage == 0 {
		c.Executor.MaxSlippage = xcfg.MaxSlippage
	}

	if c.Binance.QuoteAsset == "" {
		c.Binance.QuoteAsset = "USDT"
	}
	dcfg := exchange.DefaultDemoConfig()
	if len(c.Demo.Balances) == 0 {
		c.Demo.Balances = dcfg.Balances
	}
	if len(c.Demo.Prices) == 0 {
		c.Demo.Prices = dcfg.Prices
	}
	if c.Demo.FillDelay == 0 {
		c.Demo.FillDelay = dcfg.FillDelay
	}

	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
	if c.API.TokenTTL == 0 {
		c.API.TokenTTL = 24 * time.Hour
	}
	if c.API.StatusPush == 0 {
		c.API.StatusPush = 5 * time.Second
	}
	if c.Journal.SQLitePath == "" {
		c.Journal.SQLitePath = "data/autotrader.db"
	}
}

func checkFraction(name string, v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("%s 必须在 (0, 1] 之间，当前 %.4f", name, v)
	}
	return nil
}

// Validate 校验取值范围与模式所需的凭证
func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeDemo:
	case ModeLive:
		if c.Binance.APIKey == "" || c.Binance.SecretKey == "" {
			errs = append(errs, errors.New("live 模式需要 binance.api_key 与 binance.secret_key"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知模式 %q（demo/live）", c.Mode))
	}

	for _, f := range []struct {
		name string
		v    float64
	}{
		{"trading.max_position_percentage", c.Trading.MaxPositionPercentage},
		{"trading.max_total_invested", c.Trading.MaxTotalInvested},
		{"trading.min_confidence", c.Trading.MinConfidence},
		{"risk.max_portfolio_risk", c.Risk.MaxPortfolioRisk},
		{"risk.max_position_risk", c.Risk.MaxPositionRisk},
		{"risk.max_daily_loss", c.Risk.MaxDailyLoss},
		{"risk.default_stop_loss_pct", c.Risk.DefaultStopLossPct},
	} {
		if err := checkFraction(f.name, f.v); err != nil {
			errs = append(errs, err)
		}
	}
	for asset, pct := range c.Risk.AssetStopLoss {
		if pct <= 0 || pct >= 1 {
			errs = append(errs, fmt.Errorf("risk.asset_stop_loss.%s 必须在 (0,1) 之间: %v", asset, pct))
		}
	}
	if c.Trading.MaxPositionPercentage > c.Trading.MaxTotalInvested {
		errs = append(errs, errors.New("trading.max_position_percentage 不能大于 trading.max_total_invested"))
	}
	if c.Trading.UpdateInterval < time.Second {
		errs = append(errs, fmt.Errorf("trading.update_interval 过短: %s", c.Trading.UpdateInterval))
	}
	if c.Trading.MinTradeAmount < 0 || c.Executor.MinOrderUSD < 0 {
		errs = append(errs, errors.New("最小下单金额不能为负数"))
	}
	if c.Risk.TakeProfitPct < 0 {
		errs = append(errs, errors.New("risk.take_profit_pct 不能为负数"))
	}
	if len(c.Portfolio.Targets) > 0 {
		sum := 0.0
		for _, v := range c.Portfolio.Targets {
			sum += v
		}
		if sum > 1.0001 {
			errs = append(errs, fmt.Errorf("portfolio.targets 合计 %.4f 超过 1", sum))
		}
	}
	if c.API.Enabled && c.API.JWTSecret == "" {
		errs = append(errs, errors.New("api.enabled 需要 api.jwt_secret"))
	}
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("telegram.bot_token 与 telegram.chat_id 需要同时配置"))
	}
	return errors.Join(errs...)
}

// PortfolioConfig 仓位约束
func (c *Config) PortfolioConfig() decision.PortfolioConfig {
	return decision.PortfolioConfig{
		MaxPositionPct:   c.Trading.MaxPositionPercentage,
		MaxTotalInvested: c.Trading.MaxTotalInvested,
		MinTradeAmount:   c.Trading.MinTradeAmount,
	}
}

// Optimizer 未配置目标时返回 nil
func (c *Config) Optimizer() *decision.PortfolioOptimizer {
	if len(c.Portfolio.Targets) == 0 {
		return nil
	}
	return decision.NewPortfolioOptimizer(c.Portfolio.Targets, c.Portfolio.RebalanceThreshold)
}

// EngineConfig 决策引擎参数
func (c *Config) EngineConfig() decision.EngineConfig {
	e := decision.DefaultEngineConfig()
	e.MinConfidence = c.Trading.MinConfidence
	e.Cooldown = c.Trading.Cooldown
	return e
}

// RiskConfig 风控参数，包含止损配置
func (c *Config) RiskConfig() risk.Config {
	r := risk.DefaultConfig()
	r.MaxPortfolioRisk = c.Risk.MaxPortfolioRisk
	r.MaxPositionRisk = c.Risk.MaxPositionRisk
	r.MaxDailyLoss = c.Risk.MaxDailyLoss
	r.TakeProfitPct = c.Risk.TakeProfitPct

	stop := trailingstop.DefaultConfig()
	stop.DefaultStopPct = c.Risk.DefaultStopLossPct
	for asset, pct := range c.Risk.AssetStopLoss {
		stop.AssetStops[asset] = pct
	}
	stop.TrailingEnabled = c.Risk.TrailingStopEnabled == nil || *c.Risk.TrailingStopEnabled
	r.StopLoss = stop
	return r
}

// MonitorConfig 市场监控参数
func (c *Config) MonitorConfig() market.MonitorConfig {
	m := market.DefaultMonitorConfig()
	m.Interval = c.Monitor.Interval
	m.Timeframes = append([]string(nil), c.Monitor.Timeframes...)
	m.Workers = c.Monitor.Workers
	m.SymbolTimeout = c.Monitor.SymbolTimeout
	return m
}

// ExecutorConfig 执行器参数
func (c *Config) ExecutorConfig() trader.ExecutorConfig {
	x := trader.DefaultExecutorConfig()
	x.MinOrderUSD = c.Executor.MinOrderUSD
	x.SubmitDelay = c.Executor.SubmitDelay
	x.OrderTimeout = c.Executor.OrderTimeout
	x.MaxSlippage = c.Executor.MaxSlippage
	return x
}

// TraderConfig 主循环参数
func (c *Config) TraderConfig() trader.Config {
	t := trader.DefaultConfig()
	t.UpdateInterval = c.Trading.UpdateInterval
	t.OpportunityLimit = c.Trading.OpportunityLimit
	t.DryRun = c.Trading.DryRun
	return t
}

// DemoConfig 模拟盘参数
func (c *Config) DemoConfig() exchange.DemoConfig {
	return exchange.DemoConfig{
		Balances:  c.Demo.Balances,
		Prices:    c.Demo.Prices,
		FillDelay: c.Demo.FillDelay,
		Jitter:    c.Demo.Jitter,
	}
}

// BinanceConfig 实盘网关参数
func (c *Config) BinanceConfig() exchange.BinanceConfig {
	return exchange.BinanceConfig{
		APIKey:     c.Binance.APIKey,
		SecretKey:  c.Binance.SecretKey,
		Testnet:    c.Binance.Testnet,
		QuoteAsset: c.Binance.QuoteAsset,
	}
}

// LoggerConfig 日志参数
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{Level: c.Log.Level, Pretty: c.Log.Pretty}
}
