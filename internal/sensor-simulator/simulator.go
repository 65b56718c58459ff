// Package sensor_simulator plays the field device: it connects to the relay
// over WebSocket, announces itself as the producer, streams readings and obeys
// pump and auto-mode commands.
package sensor_simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/LeonardoBeccarini/irrigation_relay/internal/model"
	"github.com/LeonardoBeccarini/irrigation_relay/internal/model/messages"
)

// auto mode hysteresis, soil moisture %
const (
	pumpOnBelow  = 30.0
	pumpOffAbove = 60.0
)

var errClosedByServer = errors.New("connection closed by relay")

type Config struct {
	URL        string
	DeviceID   string
	Origin     string
	Interval   time.Duration
	RetryEvery time.Duration
	Partial    bool // send random subsets instead of full readings
}

type Simulator struct {
	cfg    Config
	gen    *DataGenerator
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu   sync.Mutex
	pump bool
	auto bool
}

func NewSimulator(cfg Config, gen *DataGenerator, log zerolog.Logger) *Simulator {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.RetryEvery <= 0 {
		cfg.RetryEvery = 3 * time.Second
	}
	return &Simulator{
		cfg:    cfg,
		gen:    gen,
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		log:    log.With().Str("device", cfg.DeviceID).Logger(),
		auto:   true,
	}
}

// Run keeps a session open, reconnecting at a fixed pace, until ctx ends.
func (s *Simulator) Run(ctx context.Context) error {
	policy := backoff.WithContext(backoff.NewConstantBackOff(s.cfg.RetryEvery), ctx)
	err := backoff.RetryNotify(func() error {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, policy, func(err error, next time.Duration) {
		s.log.Warn().Err(err).Dur("retry_in", next).Msg("relay session ended")
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *Simulator) session(ctx context.Context) error {
	header := http.Header{}
	if s.cfg.Origin != "" {
		header.Set("Origin", s.cfg.Origin)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(messages.IdentityFrame{Type: "init-esp", ID: s.cfg.DeviceID}); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	s.log.Info().Str("url", s.cfg.URL).Msg("connected to relay")

	readErr := make(chan error, 1)
	refresh := make(chan struct{}, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if s.HandleFrame(data) {
				select {
				case refresh <- struct{}{}:
				default:
				}
			}
		}
	}()

	if err := s.send(conn, true); err != nil {
		return err
	}
	tick := time.NewTicker(s.cfg.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return ctx.Err()
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errClosedByServer
			}
			return fmt.Errorf("read: %w", err)
		case <-refresh:
			if err := s.send(conn, true); err != nil {
				return err
			}
		case <-tick.C:
			if err := s.send(conn, !s.cfg.Partial); err != nil {
				return err
			}
		}
	}
}

func (s *Simulator) send(conn *websocket.Conn, full bool) error {
	r := s.Reading()
	if !full {
		r = s.gen.Partial(r)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(r); err != nil {
		return fmt.Errorf("send reading: %w", err)
	}
	return nil
}

// Reading advances the generator, applying the auto-mode pump rule first.
func (s *Simulator) Reading() model.TelemetryReading {
	s.mu.Lock()
	if s.auto {
		switch m := s.gen.Moisture(); {
		case m < pumpOnBelow:
			s.pump = true
		case m > pumpOffAbove:
			s.pump = false
		}
	}
	pump, auto := s.pump, s.auto
	s.mu.Unlock()
	return s.gen.Next(pump, auto)
}

// HandleFrame applies a relayed command and reports whether a full reading
// should go out right away. Anything that is not a command is ignored.
func (s *Simulator) HandleFrame(data []byte) bool {
	var f messages.CommandFrame
	if err := json.Unmarshal(data, &f); err != nil || f.Type != messages.TypeControlCommand {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch strings.ToLower(f.Command) {
	case "pump-on":
		s.pump, s.auto = true, false
	case "pump-off":
		s.pump, s.auto = false, false
	case "auto-on":
		s.auto = true
	case "auto-off":
		s.auto = false
	case "status", "refresh", "frontend-connected":
	default:
		s.log.Debug().Str("command", f.Command).Msg("unknown command")
		return false
	}
	s.log.Info().Str("command", f.Command).Bool("pump", s.pump).Bool("auto", s.auto).Msg("command applied")
	return true
}

// State returns the pump and auto-mode flags.
func (s *Simulator) State() (pump, auto bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pump, s.auto
}
