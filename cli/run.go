package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autotrader/api"
	"autotrader/config"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const emergencyStopTimeout = 30 * time.Second

type runFlags struct {
	mode          string
	interval      time.Duration
	maxPosition   float64
	maxInvested   float64
	minConfidence float64
	dryRun        bool
	withAPI       bool
}

// apply 命令行参数覆盖配置文件
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("mode") {
		cfg.Mode = f.mode
	}
	if flags.Changed("interval") {
		cfg.Trading.UpdateInterval = f.interval
		cfg.Monitor.Interval = f.interval
	}
	if flags.Changed("max-position") {
		cfg.Trading.MaxPositionPercentage = f.maxPosition
	}
	if flags.Changed("max-invested") {
		cfg.Trading.MaxTotalInvested = f.maxInvested
	}
	if flags.Changed("min-confidence") {
		cfg.Trading.MinConfidence = f.minConfidence
	}
	if flags.Changed("dry-run") {
		cfg.Trading.DryRun = f.dryRun
	}
	if flags.Changed("api") {
		cfg.API.Enabled = f.withAPI
	}
	return cfg.Validate()
}

func (f *runFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.mode, "mode", config.ModeDemo, "交易模式 demo/live")
	cmd.Flags().DurationVar(&f.interval, "interval", time.Hour, "交易周期间隔")
	cmd.Flags().Float64Var(&f.maxPosition, "max-position", 0.2, "单币种最大仓位占比")
	cmd.Flags().Float64Var(&f.maxInvested, "max-invested", 0.8, "最大总投入占比")
	cmd.Flags().Float64Var(&f.minConfidence, "min-confidence", 0.75, "最低买入置信度")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "启动后只记录决策不下单")
	cmd.Flags().BoolVar(&f.withAPI, "api", false, "启动 HTTP 控制面")
}

func newRunCmd(opts *options) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the automated trading loop",
		Long: `Start the market monitor and the trading loop. SIGINT/SIGTERM triggers an
emergency stop: every active order is cancelled before the process exits.`,
		Example: "autotrader run --mode demo --interval 15m --dry-run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.apply(cmd, opts.cfg); err != nil {
				return err
			}
			a, err := buildApp(opts.cfg, nil, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			return runTrader(cmd.Context(), a)
		},
	}

	f.bind(cmd)
	return cmd
}

func newAPIServer(a *app) (*api.Server, error) {
	auth, err := api.NewAuthenticator(a.cfg.API.JWTSecret, a.cfg.API.OTPSecret, a.cfg.API.TokenTTL)
	if err != nil {
		return nil, err
	}
	return api.NewServer(api.Deps{
		Trader:        a.trader,
		Orders:        a.executor,
		Opportunities: a.monitor,
		Risk:          a.risk,
		Portfolio:     a.portfolio,
		Optimizer:     a.cfg.Optimizer(),
	}, auth, api.Config{Listen: a.cfg.API.Listen, StatusPush: a.cfg.API.StatusPush})
}

// runTrader 运行直到收到退出信号，退出前执行紧急停止
func runTrader(parent context.Context, a *app) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.risk.StartDailyReset(); err != nil {
		return fmt.Errorf("schedule daily reset: %w", err)
	}
	defer a.risk.StopDailyReset()

	if err := a.trader.Start(); err != nil {
		return err
	}
	log.Info().
		Str("mode", a.cfg.Mode).
		Dur("interval", a.cfg.Trading.UpdateInterval).
		Bool("dry_run", a.cfg.Trading.DryRun).
		Msg("🚀 [系统] 自动交易已启动，Ctrl+C 紧急停止")

	apiErr := make(chan error, 1)
	if a.cfg.API.Enabled {
		srv, err := newAPIServer(a)
		if err != nil {
			_ = a.trader.Stop()
			return err
		}
		go func() { apiErr <- srv.Run(ctx) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Warn().Msg("🛑 [系统] 收到退出信号，执行紧急停止")
	case err := <-apiErr:
		if err != nil {
			runErr = err
			log.Error().Err(err).Msg("❌ [系统] 控制面异常退出，执行紧急停止")
		}
	}

	emCtx, cancel := context.WithTimeout(context.Background(), emergencyStopTimeout)
	defer cancel()
	report := a.trader.EmergencyStop(emCtx)
	log.Info().
		Int("cancel_attempts", report.CancelAttempts).
		Int("cancelled", report.Cancelled).
		Msg("✅ [系统] 紧急停止完成")

	perf := a.trader.GetPerformanceSummary()
	log.Info().
		Float64("uptime_hours", perf.UptimeHours).
		Int("cycles", perf.CyclesCompleted).
		Int("trades", perf.TotalTrades).
		Float64("success_rate", perf.SuccessRate).
		Float64("daily_pnl", perf.DailyPnL).
		Msg("📊 [系统] 运行汇总")
	return runErr
}
