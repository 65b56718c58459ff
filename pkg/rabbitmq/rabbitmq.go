package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// RabbitMQConfig points at the broker's MQTT plugin.
type RabbitMQConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	ClientID string

	ConnectTimeout time.Duration
	MaxElapsed     time.Duration // total retry budget, default 10s
	MaxRetries     int           // default 5
}

func (c *RabbitMQConfig) brokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// NewRabbitMQConn connects with exponential backoff and disconnects when ctx ends.
func NewRabbitMQConn(cfg *RabbitMQConfig, ctx context.Context) (mqtt.Client, error) {
	connAddr := cfg.brokerURL()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(connAddr)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", connAddr).Msg("mqtt connection lost")
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second
	if cfg.MaxElapsed > 0 {
		bo.MaxElapsedTime = cfg.MaxElapsed
	}
	maxRetries := 5
	if cfg.MaxRetries > 0 {
		maxRetries = cfg.MaxRetries
	}

	var client mqtt.Client
	op := func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Warn().Err(token.Error()).Str("broker", connAddr).Msg("failed to connect to mqtt broker")
			return token.Error()
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}

	log.Info().Str("broker", connAddr).Str("client_id", cfg.ClientID).Msg("connected to mqtt broker")

	go func() {
		<-ctx.Done()
		CloseRabbitMQConn(client)
	}()

	return client, nil
}

func CloseRabbitMQConn(client mqtt.Client) {
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		log.Info().Msg("mqtt connection closed")
	}
}
