package rabbitmq

import (
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// IPublisher publishes to a fixed topic.
type IPublisher interface {
	PublishMessage(message interface{}) error
	Close()
}

// Publisher holds the client and topic for publishing messages
type Publisher struct {
	client mqtt.Client
	topic  string
	qos    byte
}

func NewPublisher(client mqtt.Client, topic string) *Publisher {
	return &Publisher{
		client: client,
		topic:  topic,
		qos:    qosFor(topic),
	}
}

// PublishMessage accepts a string or a byte slice.
func (p *Publisher) PublishMessage(message interface{}) error {
	switch message.(type) {
	case string, []byte:
	default:
		return fmt.Errorf("invalid message format %T, expected string or []byte", message)
	}

	token := p.client.Publish(p.topic, p.qos, false, message)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	log.Debug().Str("topic", p.topic).Msg("message published")
	return nil
}

func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		log.Info().Msg("mqtt publisher disconnected")
	}
}
