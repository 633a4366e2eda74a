package decision

import (
	"fmt"
	"math"
	"strings"

	"autotrader/exchange"
)

// ==================== 决策验证函数 ====================

// ValidateDecision 执行前的基本合法性检查
func ValidateDecision(d *Decision) (bool, string) {
	if d == nil {
		return false, "决策为空"
	}
	if !exchange.IsUSDPair(d.Symbol) {
		return false, fmt.Sprintf("不支持的交易对: %q", d.Symbol)
	}
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return false, fmt.Sprintf("置信度超出范围: %.2f", d.Confidence)
	}

	switch d.Action {
	case ActionBuy:
		if d.PositionSizeUSD <= 0 || math.IsNaN(d.PositionSizeUSD) || math.IsInf(d.PositionSizeUSD, 0) {
			return false, fmt.Sprintf("买入金额无效: %.2f", d.PositionSizeUSD)
		}
	case ActionSell:
		if d.Quantity <= 0 || math.IsNaN(d.Quantity) || math.IsInf(d.Quantity, 0) {
			return false, fmt.Sprintf("卖出数量无效: %.8f", d.Quantity)
		}
	default:
		return false, fmt.Sprintf("未知动作: %q", d.Action)
	}
	return true, "决策有效"
}

// FilterValidDecisions 过滤有效的决策
func FilterValidDecisions(decisions []Decision) []Decision {
	valid := make([]Decision, 0, len(decisions))
	for i := range decisions {
		if ok, _ := ValidateDecision(&decisions[i]); ok {
			valid = append(valid, decisions[i])
		}
	}
	return valid
}

// ==================== 决策摘要函数 ====================

// GetDecisionSummary 获取决策摘要
func GetDecisionSummary(decisions []Decision) string {
	if len(decisions) == 0 {
		return "🤔 无交易决策"
	}

	var sb strings.Builder
	sb.WriteString("🎯 交易决策摘要:\n")

	for _, d := range decisions {
		sb.WriteString(fmt.Sprintf("%s %s: %s", getActionEmoji(d.Action), d.Symbol, d.Action))

		if d.PositionSizeUSD > 0 {
			sb.WriteString(fmt.Sprintf(" | 仓位: $%.2f", d.PositionSizeUSD))
		}
		if d.Quantity > 0 {
			sb.WriteString(fmt.Sprintf(" | 数量: %.6f", d.Quantity))
		}
		if d.Confidence > 0 {
			sb.WriteString(fmt.Sprintf(" | 信心: %.0f%%", d.Confidence*100))
		}
		sb.WriteString("\n")

		if d.Reason != "" {
			sb.WriteString(fmt.Sprintf("   📝 理由: %s\n", d.Reason))
		}
	}

	return sb.String()
}

// getActionEmoji 获取动作对应的emoji
func getActionEmoji(action Action) string {
	switch action {
	case ActionBuy:
		return "🟢"
	case ActionSell:
		return "🔴"
	default:
		return "⚪"
	}
}
