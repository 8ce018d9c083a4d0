package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.Turn.Debounce)
	assert.Equal(t, 1500*time.Millisecond, cfg.Turn.FollowUpPause)
	assert.InDelta(t, 0.5, cfg.Turn.Lambda, 1e-9)
	assert.Equal(t, 500*time.Millisecond, cfg.Typing.Min)
	assert.Equal(t, 5*time.Second, cfg.Typing.Max)
	assert.Equal(t, 10*time.Second, cfg.Stream.KeepaliveInterval)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins())
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TURN_DEBOUNCE", "750ms")
	t.Setenv("SSE_KEEPALIVE_INTERVAL", "15")
	t.Setenv("ARBITER_LAMBDA", "0.8")
	t.Setenv("ARBITER_SEED", "42")
	t.Setenv("CONVERSATION_LOG_ENABLED", "off")
	t.Setenv("FRONTEND_URL", "https://class.example, https://alt.example")
	t.Setenv("APP_ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.Turn.Debounce)
	assert.Equal(t, 15*time.Second, cfg.Stream.KeepaliveInterval)
	assert.InDelta(t, 0.8, cfg.Turn.Lambda, 1e-9)
	assert.Equal(t, uint64(42), cfg.Turn.JitterSeed)
	assert.False(t, cfg.ConversationLog.Enabled)
	assert.Equal(t, []string{"https://class.example", "https://alt.example"}, cfg.AllowedOrigins())
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string][2]string{
		"lambda":      {"ARBITER_LAMBDA", "1.5"},
		"empty port":  {"PORT", ""},
		"typing":      {"TYPING_MAX_DELAY", "1ms"},
		"llm rps":     {"LLM_RPS", "0"},
		"replay size": {"SSE_REPLAY_SIZE", "-1"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestGetEnvFallbacks(t *testing.T) {
	t.Setenv("X_BAD_INT", "many")
	t.Setenv("X_BAD_DURATION", "soon")
	t.Setenv("X_BAD_BOOL", "perhaps")
	assert.Equal(t, 3, getEnvInt("X_BAD_INT", 3))
	assert.Equal(t, time.Minute, getEnvDuration("X_BAD_DURATION", time.Minute))
	assert.True(t, getEnvBool("X_BAD_BOOL", true))
}
