package rabbitmq

import (
	"context"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// Handler processes one message. topic is the subscription filter, not the
// concrete topic; use message.Topic() for that.
type Handler func(topic string, message mqtt.Message) error

// IConsumer subscribes and dispatches to a handler until ctx ends.
type IConsumer interface {
	ConsumeMessage(ctx context.Context)
	SetHandler(handler Handler)
}

// Consumer holds the client and topic filter for one subscription
type Consumer struct {
	client  mqtt.Client
	handler Handler
	topic   string
}

func NewConsumer(client mqtt.Client, topic string, handler Handler) *Consumer {
	return &Consumer{
		client:  client,
		topic:   topic,
		handler: handler,
	}
}

func (c *Consumer) SetHandler(handler Handler) {
	c.handler = handler
}

// qosFor picks at-least-once for device telemetry, at-most-once otherwise.
func qosFor(topic string) byte {
	t := strings.TrimSpace(topic)
	if strings.HasPrefix(t, "irrigation/telemetry") ||
		strings.HasPrefix(t, "irrigation/command") {
		return 1
	}
	return 0
}

// ConsumeMessage subscribes to the topic and blocks until ctx is cancelled.
func (c *Consumer) ConsumeMessage(ctx context.Context) {
	token := c.client.Subscribe(
		c.topic,
		qosFor(c.topic),
		func(_ mqtt.Client, message mqtt.Message) {
			if c.handler == nil {
				log.Warn().Str("topic", c.topic).Msg("no handler set")
				return
			}
			if err := c.handler(c.topic, message); err != nil {
				log.Warn().Err(err).Str("topic", message.Topic()).Msg("error handling message")
			}
		},
	)

	if token.Wait() && token.Error() != nil {
		log.Error().Err(token.Error()).Str("topic", c.topic).Msg("subscribe failed")
		return
	}
	log.Info().Str("topic", c.topic).Msg("subscribed")

	<-ctx.Done()

	if c.client.IsConnected() {
		c.client.Unsubscribe(c.topic).Wait()
	}
}
