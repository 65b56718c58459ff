package main

import (
	"context"
	"flag"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	sensorSimulator "github.com/LeonardoBeccarini/irrigation_relay/internal/sensor-simulator"
)

func main() {
	url := flag.String("url", "ws://localhost:3000/", "relay WebSocket URL")
	deviceID := flag.String("device-id", "", "device identifier (random if empty)")
	origin := flag.String("origin", "", "Origin header to send")
	interval := flag.Duration("interval", 2*time.Second, "publish interval")
	retry := flag.Duration("retry", 3*time.Second, "reconnect interval")
	partial := flag.Bool("partial", true, "send random subsets of the fields")
	halfLife := flag.Duration("half-life", 2*time.Hour, "soil moisture half-life with the pump off")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	if *deviceID == "" {
		*deviceID = "esp-" + uuid.NewString()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// per-minute rate from the half-life
	decay := 0.0
	if *halfLife > 0 {
		decay = math.Ln2 / halfLife.Minutes()
	}
	gen := sensorSimulator.NewDataGenerator(decay, *seed)
	sim := sensorSimulator.NewSimulator(sensorSimulator.Config{
		URL:        *url,
		DeviceID:   *deviceID,
		Origin:     *origin,
		Interval:   *interval,
		RetryEvery: *retry,
		Partial:    *partial,
	}, gen, log.Logger)

	if err := sim.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("simulator stopped")
	}
	log.Info().Msg("simulator stopped")
}
