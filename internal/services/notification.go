package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-telegram/bot"
	botmodels "github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tastydata/internal/config"
)

// NotificationService announces process lifecycle events over Telegram.
// Missing or invalid credentials disable it rather than failing the process;
// every send then becomes a logged no-op.
type NotificationService struct {
	bot    *bot.Bot
	chatID int64
	logger *logrus.Logger
}

// NewNotificationService creates the notifier from the Telegram config.
func NewNotificationService(cfg config.TelegramConfig, logger *logrus.Logger) *NotificationService {
	ns := &NotificationService{logger: logger}

	if cfg.BotToken == "" || cfg.ChatID == "" {
		logger.Info("Telegram credentials are not set, skipping notifications")
		return ns
	}

	chatID, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		logger.WithError(err).Warn("Invalid telegram.chat_id, skipping notifications")
		return ns
	}

	tg, err := bot.New(cfg.BotToken)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize Telegram bot, skipping notifications")
		return ns
	}

	ns.bot = tg
	ns.chatID = chatID
	return ns
}

// Enabled reports whether sends will actually reach Telegram.
func (ns *NotificationService) Enabled() bool {
	return ns.bot != nil
}

// NotifyStartup announces that the service came up.
func (ns *NotificationService) NotifyStartup(ctx context.Context) error {
	return ns.send(ctx, "🚀 The tastydata service has started successfully!")
}

// NotifyShutdown announces a clean shutdown.
func (ns *NotificationService) NotifyShutdown(ctx context.Context) error {
	return ns.send(ctx, "🛑 The tastydata service is shutting down.")
}

// NotifyGatherRun summarizes a completed bulk metrics run.
func (ns *NotificationService) NotifyGatherRun(ctx context.Context, result *GatherResult) error {
	if result == nil {
		return nil
	}
	return ns.send(ctx, gatherRunMessage(result))
}

func gatherRunMessage(result *GatherResult) string {
	message := "📊 *Nightly metrics run complete*\n\n"
	message += fmt.Sprintf("Run: `%s`\n", result.RunID)
	message += fmt.Sprintf("Stored: *%d* rows", result.Stored)
	if result.Fallbacks > 0 {
		message += fmt.Sprintf(" (%d symbol-only fallbacks)", result.Fallbacks)
	}
	message += "\n"
	if result.Failed > 0 {
		message += fmt.Sprintf("Failed: *%d* symbols\n", result.Failed)
	}
	message += fmt.Sprintf("Duration: %s", result.Duration.Round(time.Millisecond).String())
	return message
}

// NotifyGatherFailure announces a bulk metrics run that aborted.
func (ns *NotificationService) NotifyGatherFailure(ctx context.Context, err error) error {
	return ns.send(ctx, fmt.Sprintf("⚠️ Nightly metrics run failed: %v", err))
}

func (ns *NotificationService) send(ctx context.Context, message string) error {
	if ns.bot == nil {
		ns.logger.WithField("message", message).Debug("Notifications disabled, message dropped")
		return nil
	}

	_, err := ns.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    ns.chatID,
		Text:      message,
		ParseMode: botmodels.ParseModeMarkdown,
	})
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}

	ns.logger.Debug("Telegram notification sent")
	return nil
}
