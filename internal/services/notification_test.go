package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tastydata/internal/config"
)

func TestNotificationServiceDisabledWithoutCredentials(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.TelegramConfig
	}{
		{"no credentials", config.TelegramConfig{}},
		{"token only", config.TelegramConfig{BotToken: "123:abc"}},
		{"chat id only", config.TelegramConfig{ChatID: "42"}},
		{"malformed chat id", config.TelegramConfig{BotToken: "123:abc", ChatID: "not-a-number"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ns := NewNotificationService(tt.cfg, testLogger())
			assert.False(t, ns.Enabled())

			// Disabled sends are silent no-ops, never errors.
			assert.NoError(t, ns.NotifyStartup(context.Background()))
			assert.NoError(t, ns.NotifyShutdown(context.Background()))
			assert.NoError(t, ns.NotifyGatherFailure(context.Background(), errors.New("boom")))
		})
	}
}

func TestNotifyGatherRunNilResult(t *testing.T) {
	ns := NewNotificationService(config.TelegramConfig{}, testLogger())
	assert.NoError(t, ns.NotifyGatherRun(context.Background(), nil))
}

func TestGatherRunMessage(t *testing.T) {
	result := &GatherResult{
		RunID:    "0d9c6f7a",
		Stored:   812,
		Duration: 20*time.Minute + 1500*time.Millisecond,
	}

	message := gatherRunMessage(result)
	assert.Contains(t, message, "Run: `0d9c6f7a`")
	assert.Contains(t, message, "Stored: *812* rows")
	assert.NotContains(t, message, "fallbacks")
	assert.NotContains(t, message, "Failed")
	assert.Contains(t, message, "Duration: 20m1.5s")
}

func TestGatherRunMessageWithFailures(t *testing.T) {
	result := &GatherResult{
		RunID:     "0d9c6f7a",
		Stored:    810,
		Fallbacks: 3,
		Failed:    2,
		Duration:  time.Minute,
	}

	message := gatherRunMessage(result)
	assert.Contains(t, message, "Stored: *810* rows (3 symbol-only fallbacks)")
	assert.Contains(t, message, "Failed: *2* symbols")
}

func TestNotificationServiceEnabledRequiresBot(t *testing.T) {
	// A well-formed chat id alone is not enough; the bot must initialize.
	ns := &NotificationService{logger: testLogger(), chatID: 42}
	require.False(t, ns.Enabled())
	assert.NoError(t, ns.NotifyStartup(context.Background()))
}
