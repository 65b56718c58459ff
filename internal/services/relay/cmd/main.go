package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/LeonardoBeccarini/irrigation_relay/internal/services/bridge"
	"github.com/LeonardoBeccarini/irrigation_relay/internal/services/persistence"
	"github.com/LeonardoBeccarini/irrigation_relay/internal/services/relay"
	"github.com/LeonardoBeccarini/irrigation_relay/pkg/rabbitmq"
)

func main() {
	cfg := loadConfig()
	log := newLogger(cfg)
	zlog.Logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := relay.NewMetrics(reg)

	policy := relay.DefaultPolicy()
	if cfg.PolicyPath != "" {
		p, err := relay.LoadPolicy(cfg.PolicyPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.PolicyPath).Msg("load score policy")
		}
		policy = p
	}
	mode, err := relay.ParseBroadcastMode(cfg.BroadcastMode)
	if err != nil {
		log.Fatal().Err(err).Msg("broadcast mode")
	}
	codec, err := relay.NewCodec()
	if err != nil {
		log.Fatal().Err(err).Msg("compile frame schemas")
	}

	var wg sync.WaitGroup
	checks := map[string]relay.Check{}
	hubCfg := relay.HubConfig{Policy: policy, Mode: mode, Metrics: metrics, Logger: log}
	routerCfg := relay.RouterConfig{
		WSPath:         cfg.WSPath,
		AllowedOrigins: cfg.AllowedOrigins,
		Gatherer:       reg,
		Checks:         checks,
		Logger:         log,
	}

	if cfg.influxEnabled() {
		sink, err := persistence.NewSink(persistence.InfluxConfig{
			InfluxURL:    cfg.InfluxURL,
			InfluxToken:  cfg.InfluxToken,
			InfluxOrg:    cfg.InfluxOrg,
			InfluxBucket: cfg.InfluxBucket,
			Measurement:  cfg.InfluxMeasurement,
			QueueSize:    cfg.PersistQueueSize,
			Registerer:   reg,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("influx sink")
		}
		defer sink.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Run(ctx)
		}()
		hubCfg.Sink = sink
		routerCfg.History = sink
		checks["influx"] = sink.Ready
		log.Info().Str("url", cfg.InfluxURL).Str("bucket", cfg.InfluxBucket).Msg("influx sink enabled")
	}

	registry := relay.NewRegistry(cfg.PeerQueueSize, metrics, log)
	hub := relay.NewHub(codec, registry, relay.NewReconciler(cfg.HistorySize), hubCfg)

	if cfg.MQTTEnabled {
		client, err := rabbitmq.NewRabbitMQConn(&rabbitmq.RabbitMQConfig{
			Host:     cfg.RabbitHost,
			Port:     cfg.RabbitPort,
			User:     cfg.RabbitUser,
			Password: cfg.RabbitPassword,
			ClientID: cfg.MQTTClientID,
		}, ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("mqtt connect")
		}
		br := bridge.New(hub,
			rabbitmq.NewConsumer(client, cfg.MQTTTelemetryTopic, nil),
			rabbitmq.NewPublisher(client, cfg.MQTTCommandTopic),
			bridge.Config{TelemetryTopic: cfg.MQTTTelemetryTopic, IdleTimeout: cfg.MQTTIdleTimeout},
			log)
		checks["mqtt"] = func() error {
			if !client.IsConnectionOpen() {
				return errors.New("mqtt not connected")
			}
			return nil
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			br.Run(ctx)
		}()
	}

	ws := relay.NewWSServer(hub, relay.WSConfig{AllowedOrigins: cfg.AllowedOrigins, PingInterval: cfg.PingInterval}, log)
	router := relay.NewRouter(hub, ws, routerCfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("ws_path", cfg.WSPath).Str("mode", string(mode)).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	shutdown(srv, registry, ws, cfg.ShutdownGrace, log)
	wg.Wait()
	log.Info().Msg("relay stopped")
}

// shutdown stops accepting requests, then closes every peer so read loops exit.
func shutdown(srv *http.Server, registry *relay.Registry, ws *relay.WSServer, grace time.Duration, log zerolog.Logger) {
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	registry.Close()

	done := make(chan struct{})
	go func() {
		ws.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-sctx.Done():
		log.Warn().Msg("peers did not drain before the grace period")
	}
}
