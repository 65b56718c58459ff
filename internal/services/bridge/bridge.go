// Package bridge exposes devices that publish over MQTT as producer peers of
// the relay hub. Commands the hub forwards to producers go back out on the
// broker's command topic.
package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/LeonardoBeccarini/irrigation_relay/internal/model"
	"github.com/LeonardoBeccarini/irrigation_relay/internal/model/messages"
	"github.com/LeonardoBeccarini/irrigation_relay/internal/services/relay"
	"github.com/LeonardoBeccarini/irrigation_relay/pkg/dedup"
	"github.com/LeonardoBeccarini/irrigation_relay/pkg/rabbitmq"
)

const (
	DefaultTelemetryTopic = "irrigation/telemetry/#"
	DefaultCommandTopic   = "irrigation/command"
)

// PeerHub is the part of relay.Hub the bridge drives.
type PeerHub interface {
	Connect(ctx context.Context, t relay.Transport, opts relay.PeerOptions) string
	HandleFrame(id string, frame []byte)
	Disconnect(id string)
}

type Config struct {
	TelemetryTopic string
	IdleTimeout    time.Duration // 0 keeps a silent device registered until shutdown
	DedupTTL       time.Duration
	DedupMax       int
}

type device struct {
	id       string
	peer     string
	lastSeen time.Time
}

type Bridge struct {
	hub       PeerHub
	consumer  rabbitmq.IConsumer
	publisher rabbitmq.IPublisher
	seen      *dedup.Deduper
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	devices map[string]*device
}

func New(hub PeerHub, consumer rabbitmq.IConsumer, publisher rabbitmq.IPublisher, cfg Config, log zerolog.Logger) *Bridge {
	if cfg.TelemetryTopic == "" {
		cfg.TelemetryTopic = DefaultTelemetryTopic
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 5 * time.Second
	}
	b := &Bridge{
		hub:       hub,
		consumer:  consumer,
		publisher: publisher,
		cfg:       cfg,
		log:       log.With().Str("component", "mqtt-bridge").Logger(),
		now:       time.Now,
		devices:   make(map[string]*device),
	}
	b.seen = dedup.New(cfg.DedupTTL, cfg.DedupMax, dedup.WithClock(func() time.Time { return b.now() }))
	consumer.SetHandler(b.handle)
	return b
}

// Run consumes telemetry until ctx ends, then disconnects every bridged peer.
func (b *Bridge) Run(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	if b.cfg.IdleTimeout > 0 {
		go b.sweep(ctx)
	}
	b.consumer.ConsumeMessage(ctx)

	b.mu.Lock()
	peers := make([]string, 0, len(b.devices))
	for _, d := range b.devices {
		peers = append(peers, d.peer)
	}
	b.devices = make(map[string]*device)
	b.mu.Unlock()

	for _, id := range peers {
		b.hub.Disconnect(id)
	}
	b.log.Info().Int("peers", len(peers)).Msg("bridge stopped")
}

func (b *Bridge) handle(_ string, msg mqtt.Message) error {
	payload := msg.Payload()
	sum := sha256.Sum256(append([]byte(msg.Topic()+"\x00"), payload...))
	if !b.seen.ShouldProcess(hex.EncodeToString(sum[:])) {
		b.log.Debug().Str("topic", msg.Topic()).Msg("duplicate delivery dropped")
		return nil
	}

	deviceID := deviceFromTopic(msg.Topic())
	peer, err := b.peerFor(deviceID, msg.Topic())
	if err != nil {
		return err
	}
	b.hub.HandleFrame(peer, payload)
	return nil
}

func (b *Bridge) peerFor(deviceID, topic string) (string, error) {
	b.mu.Lock()
	ctx := b.ctx
	if d, ok := b.devices[deviceID]; ok {
		d.lastSeen = b.now()
		b.mu.Unlock()
		return d.peer, nil
	}
	b.mu.Unlock()
	if ctx == nil {
		return "", fmt.Errorf("bridge not running: %w", relay.ErrConnection)
	}

	d := &device{id: deviceID, lastSeen: b.now()}
	t := &transport{bridge: b, device: d}
	d.peer = b.hub.Connect(ctx, t, relay.PeerOptions{
		Role:       model.RoleProducer,
		DeclaredID: deviceID,
		Remote:     "mqtt:" + topic,
	})

	b.mu.Lock()
	b.devices[deviceID] = d
	b.mu.Unlock()
	b.log.Info().Str("device", deviceID).Str("peer", d.peer).Msg("mqtt device bridged")
	return d.peer, nil
}

// forget drops d if it is still the current registration for its device.
func (b *Bridge) forget(d *device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.devices[d.id]; ok && cur == d {
		delete(b.devices, d.id)
	}
}

func (b *Bridge) sweep(ctx context.Context) {
	tick := time.NewTicker(b.cfg.IdleTimeout / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			b.expireIdle()
		}
	}
}

func (b *Bridge) expireIdle() {
	cutoff := b.now().Add(-b.cfg.IdleTimeout)
	var stale []string
	b.mu.Lock()
	for id, d := range b.devices {
		if d.lastSeen.Before(cutoff) {
			stale = append(stale, d.peer)
			delete(b.devices, id)
		}
	}
	b.mu.Unlock()
	for _, peer := range stale {
		b.log.Info().Str("peer", peer).Msg("mqtt device idle, disconnecting")
		b.hub.Disconnect(peer)
	}
}

// Devices returns the ids of the currently bridged devices.
func (b *Bridge) Devices() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.devices))
	for id := range b.devices {
		out = append(out, id)
	}
	return out
}

// deviceFromTopic takes the last path segment; a bare topic maps to "default".
func deviceFromTopic(topic string) string {
	topic = strings.TrimRight(topic, "/")
	if i := strings.LastIndexByte(topic, '/'); i >= 0 && i < len(topic)-1 {
		seg := topic[i+1:]
		if seg != "telemetry" {
			return seg
		}
	}
	return "default"
}

// transport is the relay side of one bridged device. Only command frames
// are published; state frames have no meaning to the device.
type transport struct {
	bridge *Bridge
	device *device
	once   sync.Once
}

func (t *transport) WriteFrame(_ context.Context, frame []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil || head.Type != messages.TypeControlCommand {
		return nil
	}
	if err := t.bridge.publisher.PublishMessage(frame); err != nil {
		return fmt.Errorf("%w: %v", relay.ErrConnection, err)
	}
	return nil
}

func (t *transport) Close() error {
	t.once.Do(func() { t.bridge.forget(t.device) })
	return nil
}
