// Package telegram posts operational pass summaries to an ops chat.
package telegram

import (
	"context"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/ykvlv/symptom-reminder/internal/reminder"
)

// Sender is the part of tgbotapi.BotAPI the reporter uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Reporter posts a summary of passes that sent reminders or hit errors.
// Quiet passes are not reported.
type Reporter struct {
	bot    Sender
	log    *zap.Logger
	chatID int64
}

// NewReporter creates a Reporter over an existing sender.
func NewReporter(bot Sender, log *zap.Logger, chatID int64) *Reporter {
	return &Reporter{bot: bot, log: log, chatID: chatID}
}

// NewBotReporter connects to the Bot API with token and returns a Reporter.
func NewBotReporter(token string, chatID int64, log *zap.Logger) (*Reporter, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, err
	}
	bot.Debug = false
	return NewReporter(bot, log, chatID), nil
}

// Report posts s if it is worth attention. Delivery errors are logged only.
func (r *Reporter) Report(_ context.Context, s reminder.Summary) {
	if s.Sent == 0 && s.Errors() == 0 {
		return
	}
	msg := tgbotapi.NewMessage(r.chatID, summaryText(s))
	msg.DisableNotification = s.Errors() == 0
	if _, err := r.bot.Send(msg); err != nil {
		r.log.Warn("ops summary not posted", zap.Error(err))
	}
}
