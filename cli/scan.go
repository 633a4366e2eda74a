package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"autotrader/market"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newScanCmd(opts *options) *cobra.Command {
	var (
		limit   int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one market scan and print the ranked opportunities",
		RunE: func(cmd *cobra.Command, args []string) error {
			gateway, err := newGateway(opts.cfg)
			if err != nil {
				return err
			}
			mc := opts.cfg.MonitorConfig()
			monitor := market.NewMonitor(gateway, newProvider(opts.cfg), &mc)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runScan(ctx, monitor, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "显示的机会数量")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "扫描超时")

	cmd.AddCommand(newReportCmd())
	return cmd
}

// scanner 单次扫描所需的监控器能力
type scanner interface {
	RunCycle(ctx context.Context) (int, error)
	LatestOpportunities(limit int) []market.Opportunity
}

func runScan(ctx context.Context, m scanner, limit int, out io.Writer) error {
	start := time.Now()
	n, err := m.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	log.Info().Int("opportunities", n).Dur("elapsed", time.Since(start)).Msg("🔍 [扫描] 完成")

	p := newPrinter(out, true)
	p.separator("=")
	p.header("🔍 交易机会扫描")
	p.separator("=")

	opps := m.LatestOpportunities(limit)
	if len(opps) == 0 {
		p.line("  暂无满足条件的交易机会")
		return nil
	}
	for i, opp := range opps {
		color := colorGreen
		if opp.Signal == market.SignalStrongBuy {
			color = colorBold + colorGreen
		}
		p.line("  %2d. %-10s %s  置信度 %s  周期 %s  潜在收益 %.2f",
			i+1,
			opp.Symbol,
			p.paint(color, fmt.Sprintf("%-11s", opp.Signal)),
			p.paint(colorYellow, fmt.Sprintf("%.2f", opp.Confidence)),
			p.paint(colorCyan, opp.Timeframe),
			opp.PotentialReturn)
	}
	p.separator("=")
	return nil
}

func newReportCmd() *cobra.Command {
	var (
		intervals string
		outPath   string
		quote     string
	)
	cmd := &cobra.Command{
		Use:   "report SYMBOL",
		Short: "Write a multi-timeframe indicator report for one symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := market.NewAPIClient(quote)
			report, err := market.BuildIndicatorReport(cmd.Context(), client, normalizeSymbol(args[0]), splitList(intervals))
			if err != nil {
				return err
			}
			text := report.Format(time.FixedZone("UTC+8", 8*3600))
			if outPath == "" {
				_, err = io.WriteString(cmd.OutOrStdout(), text)
				return err
			}
			if err := os.WriteFile(outPath, []byte(text), 0o644); err != nil {
				return fmt.Errorf("写入文件失败: %w", err)
			}
			log.Info().Str("path", outPath).Msg("✅ [扫描] 指标报告已写入")
			return nil
		},
	}
	cmd.Flags().StringVar(&intervals, "intervals", "1h,4h,1d,1w", "K线周期，逗号分隔")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "输出 txt 文件路径，为空时打印到终端")
	cmd.Flags().StringVar(&quote, "quote", "USDT", "Binance 计价资产")
	return cmd
}

// normalizeSymbol "btc" / "BTCUSD" / "btc-usd" → "BTC-USD"
func normalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if strings.Contains(s, "-") {
		return s
	}
	for _, suffix := range []string{"USDT", "USDC", "USD"} {
		if base, ok := strings.CutSuffix(s, suffix); ok && base != "" {
			return base + "-USD"
		}
	}
	return s + "-USD"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
