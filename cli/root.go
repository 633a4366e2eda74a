// Package cli 命令行入口：run 运行自动交易，scan 单次扫描，journal 查看交易日志，token/otp 生成控制面凭证
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"autotrader/config"
	"autotrader/logger"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	envFile    string
	logLevel   string
	pretty     bool

	cfg *config.Config
}

// NewRootCmd 创建根命令
func NewRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "autotrader",
		Short: "Automated crypto spot trading loop",
		Long: `autotrader periodically scans USD pairs, turns high-confidence signals into
bounded trades, validates them against portfolio and risk limits and manages
trailing stop-losses on open positions.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "YAML 配置文件路径")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "环境变量文件路径")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "日志级别 (debug/info/warn/error)")
	rootCmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "彩色控制台日志")

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newScanCmd(opts))
	rootCmd.AddCommand(newJournalCmd(opts))
	rootCmd.AddCommand(newTokenCmd(opts))
	rootCmd.AddCommand(newOTPCmd())

	return rootCmd
}

// load 读取 .env 与配置文件并初始化日志
func (o *options) load() error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Log.Level = strings.ToLower(o.logLevel)
	}
	if o.pretty {
		cfg.Log.Pretty = true
	}
	logger.Init(cfg.LoggerConfig())
	o.cfg = cfg

	log.Debug().Str("config", o.configPath).Str("mode", cfg.Mode).Msg("[配置] 已加载")
	return nil
}
