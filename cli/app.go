package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"autotrader/config"
	"autotrader/decision"
	"autotrader/exchange"
	"autotrader/logger"
	"autotrader/market"
	"autotrader/notify"
	"autotrader/risk"
	"autotrader/trader"

	"github.com/rs/zerolog/log"
)

// app 按配置组装好的全部组件
type app struct {
	cfg       *config.Config
	gateway   exchange.Gateway
	monitor   *market.Monitor
	portfolio *decision.PortfolioManager
	engine    *decision.DecisionEngine
	risk      *risk.RiskManager
	executor  *trader.TradeExecutor
	trader    *trader.AutomatedTrader
	journal   logger.Recorder
	notifier  notify.Notifier
}

func newGateway(cfg *config.Config) (exchange.Gateway, error) {
	switch cfg.Mode {
	case config.ModeLive:
		gw, err := exchange.NewBinanceGateway(cfg.BinanceConfig())
		if err != nil {
			return nil, fmt.Errorf("init binance gateway: %w", err)
		}
		log.Warn().Bool("testnet", cfg.Binance.Testnet).Msg("💰 [交易所] 实盘模式，将真实下单")
		return gw, nil
	default:
		dc := cfg.DemoConfig()
		log.Info().Int("symbols", len(dc.Prices)).Msg("🧪 [交易所] 模拟盘模式")
		return exchange.NewDemoGateway(&dc), nil
	}
}

func newProvider(cfg *config.Config) market.AnalysisProvider {
	if cfg.Monitor.AnalysisURL != "" {
		log.Info().Str("url", cfg.Monitor.AnalysisURL).Msg("🔭 [监控] 使用外部分析服务")
		return market.NewHTTPProvider(cfg.Monitor.AnalysisURL, cfg.Monitor.AnalysisAPIKey, cfg.Monitor.SymbolTimeout)
	}
	return market.NewTechnicalProvider(market.NewAPIClient(cfg.Binance.QuoteAsset))
}

func newJournal(path string) (logger.Recorder, error) {
	if path == "" {
		return logger.NewNoopRecorder(), nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	return logger.NewSQLiteRecorder(path)
}

func newNotifier(cfg *config.Config) notify.Notifier {
	if cfg.Telegram.BotToken == "" {
		return notify.NoopNotifier{}
	}
	n, err := notify.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	if err != nil {
		// 推送不可用不影响交易
		log.Warn().Err(err).Msg("⚠️ [通知] Telegram 初始化失败，已禁用推送")
		return notify.NoopNotifier{}
	}
	return n
}

// buildApp 组装全部组件，gateway/provider 为 nil 时按配置创建
func buildApp(cfg *config.Config, gateway exchange.Gateway, provider market.AnalysisProvider) (*app, error) {
	var err error
	if gateway == nil {
		if gateway, err = newGateway(cfg); err != nil {
			return nil, err
		}
	}
	if provider == nil {
		provider = newProvider(cfg)
	}

	journal, err := newJournal(cfg.Journal.SQLitePath)
	if err != nil {
		return nil, err
	}

	mc := cfg.MonitorConfig()
	pc := cfg.PortfolioConfig()
	ec := cfg.EngineConfig()
	rc := cfg.RiskConfig()
	xc := cfg.ExecutorConfig()
	tc := cfg.TraderConfig()

	a := &app{
		cfg:      cfg,
		gateway:  gateway,
		monitor:  market.NewMonitor(gateway, provider, &mc),
		risk:     risk.NewRiskManager(&rc),
		executor: trader.NewTradeExecutor(gateway, &xc),
		journal:  journal,
		notifier: newNotifier(cfg),
	}
	a.portfolio = decision.NewPortfolioManager(gateway, &pc)
	a.engine = decision.NewDecisionEngine(a.portfolio, nil, &ec)

	a.trader, err = trader.NewAutomatedTrader(trader.Deps{
		Monitor:  a.monitor,
		Engine:   a.engine,
		Risk:     a.risk,
		Executor: a.executor,
		Gateway:  gateway,
		Journal:  journal,
		Notifier: a.notifier,
	}, &tc)
	if err != nil {
		_ = journal.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	return a.journal.Close()
}
