// Package notify 推送关键交易事件（熔断、止损触发、紧急停止）
package notify

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Notifier delivers operator-facing messages.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// NoopNotifier discards every message.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, string) error { return nil }

// TelegramNotifier sends messages to a single chat via the Telegram Bot API.
type TelegramNotifier struct {
	bot        *tgbotapi.BotAPI
	chatID     int64
	maxRetries int
}

// NewTelegramNotifier 创建 Telegram 推送，会调用 getMe 校验 token
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	return NewTelegramNotifierWithEndpoint(token, chatID, tgbotapi.APIEndpoint)
}

// NewTelegramNotifierWithEndpoint 使用自定义 API 地址（代理或测试）
func NewTelegramNotifierWithEndpoint(token string, chatID int64, endpoint string) (*TelegramNotifier, error) {
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram token 和 chat id 均不能为空")
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	log.Info().Str("bot", bot.Self.UserName).Int64("chat_id", chatID).Msg("📨 [通知] Telegram 推送已启用")
	return &TelegramNotifier{bot: bot, chatID: chatID, maxRetries: 2}, nil
}

// Notify 发送消息，失败时指数退避重试
func (t *TelegramNotifier) Notify(ctx context.Context, text string) error {
	var lastErr error
	for i := 0; i <= t.maxRetries; i++ {
		msg := tgbotapi.NewMessage(t.chatID, text)
		if _, err := t.bot.Send(msg); err != nil {
			lastErr = err
			backoff := time.Duration(1<<uint(i)) * time.Second
			log.Warn().Err(err).Int("attempt", i+1).Dur("backoff", backoff).Msg("⚠️  [通知] Telegram 发送失败，稍后重试")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				continue
			}
		}
		return nil
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", t.maxRetries+1, lastErr)
}
