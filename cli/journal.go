package cli

import (
	"fmt"
	"os"
	"strings"

	"autotrader/logger"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// journalReader 交易日志查询，*logger.SQLiteRecorder 满足该接口
type journalReader interface {
	RecentDecisions(limit int) ([]logger.DecisionRecord, error)
	RecentExecutions(symbol string, limit int) ([]logger.ExecutionEntry, error)
	RecentAlerts(limit int) ([]logger.AlertEntry, error)
}

func newJournalCmd(opts *options) *cobra.Command {
	var (
		limit   int
		symbol  string
		outPath string
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent decisions, executions and risk alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.cfg.Journal.SQLitePath
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("交易日志不存在: %s", path)
			}
			rec, err := logger.NewSQLiteRecorder(path)
			if err != nil {
				return err
			}
			defer rec.Close()

			if err := printJournal(newPrinter(cmd.OutOrStdout(), true), rec, limit, symbol); err != nil {
				return err
			}
			if outPath == "" {
				return nil
			}

			f, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("create report: %w", err)
			}
			defer f.Close()
			if err := printJournal(newPrinter(f, false), rec, limit, symbol); err != nil {
				return err
			}
			log.Info().Str("path", outPath).Msg("📄 [日志] 已保存详细报告")
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "显示最近的交易周期数")
	cmd.Flags().StringVar(&symbol, "symbol", "", "只显示该交易对的执行记录")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "同时写入纯文本报告")
	return cmd
}

func printJournal(p *printer, r journalReader, limit int, symbol string) error {
	decisions, err := r.RecentDecisions(limit)
	if err != nil {
		return err
	}
	executions, err := r.RecentExecutions(strings.ToUpper(symbol), limit*4)
	if err != nil {
		return err
	}
	alerts, err := r.RecentAlerts(limit * 2)
	if err != nil {
		return err
	}

	p.separator("=")
	p.header("📊 交易日志")
	p.separator("=")
	p.blank()

	p.section("交易周期")
	if len(decisions) == 0 {
		p.line("  暂无记录")
	}
	for _, rec := range decisions {
		printDecisionRecord(p, rec)
	}
	p.blank()

	p.section("执行记录")
	if len(executions) == 0 {
		p.line("  暂无记录")
	}
	for _, e := range executions {
		color, icon := actionStyle(e.Side)
		line := fmt.Sprintf("  %s %s %s %-10s $%.2f qty=%.6f @ %.4f  [%s] %s",
			e.Timestamp.Format("2006-01-02 15:04:05"),
			icon,
			p.paint(color, fmt.Sprintf("%-4s", strings.ToUpper(e.Side))),
			e.Symbol, e.AmountUSD, e.Quantity, e.Price, e.Status, e.OrderID)
		if e.Error != "" {
			line += " " + p.paint(colorRed, e.Error)
		}
		p.line("%s", line)
	}
	p.blank()

	p.section("风控告警")
	if len(alerts) == 0 {
		p.line("  暂无告警")
	}
	for _, a := range alerts {
		color := colorYellow
		if a.Severity == "critical" || a.Severity == "high" {
			color = colorRed
		}
		p.line("  %s %s %s",
			a.Timestamp.Format("2006-01-02 15:04:05"),
			p.paint(color, fmt.Sprintf("[%s/%s]", a.Type, a.Severity)),
			a.Message)
	}
	p.blank()
	p.separator("=")
	return nil
}

func printDecisionRecord(p *printer, rec logger.DecisionRecord) {
	p.line("  %s  周期 %s  耗时 %d ms  %s",
		p.paint(colorCyan, rec.Timestamp.Format("2006-01-02 15:04:05")),
		p.paint(colorYellow, fmt.Sprintf("#%d", rec.CycleNumber)),
		rec.DurationMs,
		p.status(rec.Success))
	if rec.ErrorMessage != "" {
		p.line("    错误: %s", p.paint(colorRed, rec.ErrorMessage))
	}

	acct := rec.AccountState
	if acct.TotalValue > 0 {
		p.line("    组合: %s  现金 %.2f (%.1f%%)  持仓 %d  今日盈亏 %s",
			p.paint(colorGreen, fmt.Sprintf("%.2f USD", acct.TotalValue)),
			acct.CashBalance, acct.CashBalance/acct.TotalValue*100,
			acct.PositionCount,
			p.signed(acct.DailyPnL, " USD"))
	}
	if len(rec.CandidateCoins) > 0 {
		p.line("    候选: %s", p.paint(colorYellow, strings.Join(rec.CandidateCoins, ", ")))
	}

	for i, d := range rec.Decisions {
		color, icon := actionStyle(d.Action)
		size := ""
		switch {
		case d.PositionSizeUSD > 0:
			size = fmt.Sprintf("$%.2f", d.PositionSizeUSD)
		case d.Quantity > 0:
			size = fmt.Sprintf("qty %.6f", d.Quantity)
		}
		p.line("    [%d] %s %s %s %s 置信度 %.2f 风险 %.2f",
			i+1, icon, p.paint(color, d.Action), d.Symbol, size, d.Confidence, d.RiskScore)

		switch {
		case !d.Approved:
			p.line("        %s", p.paint(colorRed, "风控拒绝: "+strings.Join(d.Warnings, "; ")))
		case d.Executed:
			p.line("        执行: %s", p.paint(colorGreen, "✓"))
		case d.Error != "":
			p.line("        执行: %s %s", p.paint(colorRed, "✗"), d.Error)
		default:
			p.line("        执行: %s", p.paint(colorPurple, "未下单"))
		}
		if d.Reason != "" {
			p.line("        原因: %s", d.Reason)
		}
	}

	for _, l := range rec.ExecutionLog {
		switch {
		case strings.Contains(l, "✓") || strings.Contains(l, "成功"):
			p.line("    %s", p.paint(colorGreen, l))
		case strings.Contains(l, "✗") || strings.Contains(l, "失败"):
			p.line("    %s", p.paint(colorRed, l))
		default:
			p.line("    • %s", l)
		}
	}
	p.blank()
}
