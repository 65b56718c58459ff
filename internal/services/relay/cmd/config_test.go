package main

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "WS_PATH", "HISTORY_SIZE", "ALLOWED_ORIGINS", "PING_INTERVAL", "MQTT_ENABLED", "INFLUX_URL", "INFLUX_TOKEN"} {
		t.Setenv(k, "")
	}
	cfg := loadConfig()
	assert.Equal(t, "3000", cfg.Port)
	assert.Equal(t, "/", cfg.WSPath)
	assert.Equal(t, 100, cfg.HistorySize)
	assert.Equal(t, 64, cfg.PeerQueueSize)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Zero(t, cfg.PingInterval)
	assert.False(t, cfg.MQTTEnabled)
	assert.False(t, cfg.influxEnabled())
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("HISTORY_SIZE", "25")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, ,http://b.test")
	t.Setenv("PING_INTERVAL", "15s")
	t.Setenv("SHUTDOWN_GRACE", "1500")
	t.Setenv("MQTT_ENABLED", "true")
	t.Setenv("INFLUX_URL", "http://influx:8086")
	t.Setenv("INFLUX_TOKEN", "secret")

	cfg := loadConfig()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 25, cfg.HistorySize)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
	assert.Equal(t, 15*time.Second, cfg.PingInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.ShutdownGrace)
	assert.True(t, cfg.MQTTEnabled)
	assert.True(t, cfg.influxEnabled())
}

func TestEnvHelpers_BadValuesFallBack(t *testing.T) {
	t.Setenv("X_INT", "ten")
	t.Setenv("X_DUR", "soon")
	t.Setenv("X_BOOL", "maybe")
	assert.Equal(t, 7, envInt("X_INT", 7))
	assert.Equal(t, time.Second, envDuration("X_DUR", time.Second))
	assert.True(t, envBool("X_BOOL", true))
}

func TestNewLogger_Level(t *testing.T) {
	l := newLogger(Config{LogLevel: "DEBUG", LogFormat: "json"})
	assert.Equal(t, zerolog.DebugLevel, l.GetLevel())
	l = newLogger(Config{LogLevel: "nonsense"})
	assert.Equal(t, zerolog.InfoLevel, l.GetLevel())
}
