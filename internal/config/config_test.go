package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("USER_REF_SALT", "pepper")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 10*time.Minute, cfg.Reminder.Window)
	assert.Equal(t, time.Minute, cfg.Reminder.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Reminder.SchedulerInterval)
	assert.Equal(t, "20:00", cfg.Reminder.DefaultTimeOfDay)
	assert.False(t, cfg.Reminder.DefaultEnabled)
	assert.False(t, cfg.Webhook.AllowQueryToken)
	assert.False(t, cfg.VAPID.Configured())
	assert.False(t, cfg.Ops.Enabled())
}

func TestLoad_NestedKeys(t *testing.T) {
	t.Setenv("USER_REF_SALT", "pepper")
	t.Setenv("REMINDER_WINDOW", "15m")
	t.Setenv("REMINDER_POLL_INTERVAL", "30s")
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("VAPID_PUBLIC_KEY", "pub")
	t.Setenv("VAPID_PRIVATE_KEY", "priv")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.Reminder.Window)
	assert.Equal(t, 30*time.Second, cfg.Reminder.PollInterval)
	assert.Equal(t, "s3cret", cfg.Webhook.Secret)
	assert.True(t, cfg.VAPID.Configured())
}

func TestValidate_WindowShorterThanTrigger(t *testing.T) {
	t.Setenv("REMINDER_WINDOW", "2m")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REMINDER_SCHEDULER_INTERVAL")
}

func TestValidate_Pairs(t *testing.T) {
	t.Setenv("VAPID_PRIVATE_KEY", "priv")
	t.Setenv("OPS_TELEGRAM_TOKEN", "token")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VAPID_PUBLIC_KEY")
	assert.Contains(t, err.Error(), "OPS_TELEGRAM_CHAT_ID")
}

func TestValidate_BadDefaults(t *testing.T) {
	t.Setenv("REMINDER_DEFAULT_TIME", "25:00")
	t.Setenv("REMINDER_DEFAULT_TZ", "Mars/Olympus")
	t.Setenv("DB_DRIVER", "mysql")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REMINDER_DEFAULT_TIME")
	assert.Contains(t, err.Error(), "REMINDER_DEFAULT_TZ")
	assert.Contains(t, err.Error(), "DB_DRIVER")
}

func TestValidate_UserRefSalt(t *testing.T) {
	t.Setenv("USER_REF_SALT", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "USER_REF_SALT")

	t.Setenv("LOG_LEVEL", "debug")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.UserRefSalt)
}
