package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-telegram/bot"
	"github.com/joho/godotenv"

	"tastydata/internal/config"
)

// Checks the Telegram notifier configuration end to end: credentials present,
// chat id numeric, and the bot token accepted by the API.
func main() {
	fmt.Println("Validating Telegram configuration...")

	if err := godotenv.Load(); err != nil {
		fmt.Printf("⚠️  No .env file loaded: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("❌ Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	problems := checkTelegramConfig(cfg.Telegram)
	if len(problems) > 0 {
		for _, problem := range problems {
			fmt.Printf("❌ %s\n", problem)
		}
		os.Exit(1)
	}
	fmt.Println("✅ Credentials configured")

	b, err := bot.New(cfg.Telegram.BotToken)
	if err != nil {
		fmt.Printf("❌ Failed to create Telegram bot: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	me, err := b.GetMe(ctx)
	if err != nil {
		fmt.Printf("❌ Bot API call failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✅ Token accepted for @%s (id %d)\n", me.Username, me.ID)
	fmt.Println("Telegram configuration is valid")
}

// checkTelegramConfig reports the problems detectable without a network call.
func checkTelegramConfig(cfg config.TelegramConfig) []string {
	var problems []string
	if cfg.BotToken == "" {
		problems = append(problems, "TELEGRAM_BOT_TOKEN is not set")
	}
	if cfg.ChatID == "" {
		problems = append(problems, "telegram.chat_id is not configured")
	} else if _, err := strconv.ParseInt(cfg.ChatID, 10, 64); err != nil {
		problems = append(problems, fmt.Sprintf("telegram.chat_id %q is not a numeric chat id", cfg.ChatID))
	}
	return problems
}
