package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Port           string
	WSPath         string
	HistorySize    int
	PeerQueueSize  int
	BroadcastMode  string
	AllowedOrigins []string
	PolicyPath     string
	PingInterval   time.Duration
	ShutdownGrace  time.Duration

	LogLevel  string
	LogFormat string // json | console

	// Influx sink (optional, enabled when INFLUX_URL and INFLUX_TOKEN are set)
	InfluxURL         string
	InfluxToken       string
	InfluxOrg         string
	InfluxBucket      string
	InfluxMeasurement string
	PersistQueueSize  int

	// MQTT bridge (optional)
	MQTTEnabled        bool
	RabbitHost         string
	RabbitPort         int
	RabbitUser         string
	RabbitPassword     string
	MQTTClientID       string
	MQTTTelemetryTopic string
	MQTTCommandTopic   string
	MQTTIdleTimeout    time.Duration
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return d
}

// envDuration accepts Go durations ("30s") or plain milliseconds.
func envDuration(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return d
}

func envBool(k string, d bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadConfig() Config {
	return Config{
		Port:           env("PORT", "3000"),
		WSPath:         env("WS_PATH", "/"),
		HistorySize:    envInt("HISTORY_SIZE", 100),
		PeerQueueSize:  envInt("PEER_QUEUE_SIZE", 64),
		BroadcastMode:  env("BROADCAST_MODE", "canonical"),
		AllowedOrigins: splitList(env("ALLOWED_ORIGINS", "http://localhost:5173")),
		PolicyPath:     env("SCORE_POLICY_PATH", ""),
		PingInterval:   envDuration("PING_INTERVAL", 0),
		ShutdownGrace:  envDuration("SHUTDOWN_GRACE", 5*time.Second),

		LogLevel:  env("LOG_LEVEL", "info"),
		LogFormat: env("LOG_FORMAT", "console"),

		InfluxURL:         env("INFLUX_URL", ""),
		InfluxToken:       env("INFLUX_TOKEN", ""),
		InfluxOrg:         env("INFLUX_ORG", "irrigation"),
		InfluxBucket:      env("INFLUX_BUCKET", "telemetry"),
		InfluxMeasurement: env("INFLUX_MEASUREMENT", "irrigation_state"),
		PersistQueueSize:  envInt("PERSIST_QUEUE_SIZE", 256),

		MQTTEnabled:        envBool("MQTT_ENABLED", false),
		RabbitHost:         env("RABBITMQ_HOST", "localhost"),
		RabbitPort:         envInt("RABBITMQ_PORT", 1883),
		RabbitUser:         env("RABBITMQ_USER", "guest"),
		RabbitPassword:     env("RABBITMQ_PASSWORD", "guest"),
		MQTTClientID:       env("MQTT_CLIENT_ID", "irrigation-relay"),
		MQTTTelemetryTopic: env("MQTT_TELEMETRY_TOPIC", "irrigation/telemetry/#"),
		MQTTCommandTopic:   env("MQTT_COMMAND_TOPIC", "irrigation/command"),
		MQTTIdleTimeout:    envDuration("MQTT_IDLE_TIMEOUT", 0),
	}
}

func (c Config) influxEnabled() bool {
	return c.InfluxURL != "" && c.InfluxToken != ""
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(c Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if strings.EqualFold(c.LogFormat, "json") {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("service", "irrigation-relay").Logger()
}
