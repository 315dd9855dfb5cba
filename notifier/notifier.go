// Package notifier announces ingestion cycle outcomes.
package notifier

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/oseitutunelson/samantha/models"
)

// Notifier receives one call per finished cycle.
type Notifier interface {
	NotifyCycle(ctx context.Context, outcome models.CycleOutcome) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) NotifyCycle(context.Context, models.CycleOutcome) error { return nil }

// maxListed caps the matches included in one message.
const maxListed = 10

const (
	maxWarnings    = 5
	maxWarningLen  = 300
	maxMessageLen = 4096
)

// TelegramNotifier posts cycle summaries to one chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *zap.Logger
}

// NewTelegramNotifier connects the bot and checks the token with getMe.
func NewTelegramNotifier(token string, chatID int64, log *zap.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect bot: %w", err)
	}
	return newTelegramNotifier(bot, chatID, log), nil
}

func newTelegramNotifier(bot *tgbotapi.BotAPI, chatID int64, log *zap.Logger) *TelegramNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	bot.Debug = false
	n := &TelegramNotifier{bot: bot, chatID: chatID, log: log.Named("telegram")}
	n.log.Info("telegram notifier initialized", zap.String("bot", bot.Self.UserName), zap.Int64("chat_id", chatID))
	return n
}

// NotifyCycle sends the formatted outcome.
func (n *TelegramNotifier) NotifyCycle(ctx context.Context, outcome models.CycleOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(n.chatID, FormatCycleMessage(outcome))
	msg.DisableWebPagePreview = true
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	n.log.Debug("cycle notification sent", zap.String("state", string(outcome.State)))
	return nil
}

// FormatCycleMessage renders an outcome as plain text.
func FormatCycleMessage(o models.CycleOutcome) string {
	var b strings.Builder
	if o.Succeeded() {
		b.WriteString("Match feed updated\n")
	} else {
		b.WriteString("Match feed ingestion failed\n")
	}
	b.WriteString(o.Summary())
	b.WriteString("\n")

	for i, r := range o.Records {
		if i == maxListed {
			fmt.Fprintf(&b, "... and %d more\n", len(o.Records)-maxListed)
			break
		}
		fmt.Fprintf(&b, "\n%d: %s vs %s (%s / %s / %s)",
			r.ExternalID, r.HomeTeam, r.AwayTeam,
			models.FormatOdds(r.HomeOdds), models.FormatOdds(r.DrawOdds), models.FormatOdds(r.AwayOdds))
	}

	for i, w := range o.Warnings {
		if i == maxWarnings {
			fmt.Fprintf(&b, "\n... and %d more warnings", len(o.Warnings)-maxWarnings)
			break
		}
		fmt.Fprintf(&b, "\nwarning: %s", truncate(w, maxWarningLen))
	}
	return truncate(strings.TrimRight(b.String(), "\n"), maxMessageLen)
}

// truncate cuts s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
