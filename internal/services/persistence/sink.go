// Package persistence stores canonical state snapshots in InfluxDB.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/irrigation_relay/internal/model"
)

const (
	defaultQueueSize   = 256
	defaultMeasurement = "irrigation_state"
	writeTimeout       = 5 * time.Second
	// a write error younger than this makes the sink not ready
	errorQuietPeriod = 30 * time.Second
)

// InfluxConfig holds connection and behaviour settings for the sink.
type InfluxConfig struct {
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
	Measurement  string
	DeviceTag    string // value of the "device" tag on every point

	QueueSize         int
	BreakerFails      int
	BreakerOpenMs     int
	BreakerIntervalMs int

	Registerer prometheus.Registerer // nil disables metrics
}

// PointWriter is the subset of api.WriteAPIBlocking the sink needs.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type record struct {
	state    model.CanonicalState
	decision model.IrrigationDecision
}

// Sink writes one point per merge. Record never blocks: when the queue is
// full the record is dropped and counted.
type Sink struct {
	client      influxdb2.Client // nil when built around a bare writer
	writer      PointWriter
	query       api.QueryAPI
	cb          *gobreaker.CircuitBreaker
	queue       chan record
	measurement string
	bucket      string
	device      string
	log         zerolog.Logger
	metrics     *sinkMetrics

	mu      sync.RWMutex
	lastErr time.Time

	dropped atomic.Uint64
	written atomic.Uint64
}

// NewSink connects to InfluxDB with cfg.
func NewSink(cfg InfluxConfig, log zerolog.Logger) (*Sink, error) {
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("influx config incomplete")
	}
	client := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
	s := newSink(client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket), cfg, log)
	s.client = client
	s.query = client.QueryAPI(cfg.InfluxOrg)
	return s, nil
}

// NewSinkWithWriter builds a sink around w; durable history queries are unavailable.
func NewSinkWithWriter(w PointWriter, cfg InfluxConfig, log zerolog.Logger) *Sink {
	return newSink(w, cfg, log)
}

func newSink(w PointWriter, cfg InfluxConfig, log zerolog.Logger) *Sink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Measurement == "" {
		cfg.Measurement = defaultMeasurement
	}
	if cfg.BreakerFails <= 0 {
		cfg.BreakerFails = 5
	}
	if cfg.BreakerOpenMs <= 0 {
		cfg.BreakerOpenMs = 15000
	}
	if cfg.BreakerIntervalMs <= 0 {
		cfg.BreakerIntervalMs = 60000
	}
	logger := log.With().Str("component", "persistence").Logger()
	return &Sink{
		writer:      w,
		cb:          mkCB("influx-write", cfg.BreakerFails, cfg.BreakerOpenMs, cfg.BreakerIntervalMs, logger),
		queue:       make(chan record, cfg.QueueSize),
		measurement: sanitizeMeasurement(cfg.Measurement),
		bucket:      cfg.InfluxBucket,
		device:      cfg.DeviceTag,
		log:         logger,
		metrics:     newSinkMetrics(cfg.Registerer),
		lastErr:     time.Now().Add(-24 * time.Hour),
	}
}

func mkCB(name string, fails, openMs, intervalMs int, log zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: time.Duration(intervalMs) * time.Millisecond,
		Timeout:  time.Duration(openMs) * time.Millisecond,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(fails)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
}

// Record queues a snapshot for writing.
func (s *Sink) Record(state model.CanonicalState, decision model.IrrigationDecision) {
	select {
	case s.queue <- record{state: state, decision: decision}:
	default:
		s.dropped.Add(1)
		s.metrics.drop()
		s.log.Debug().Msg("queue full, record dropped")
	}
}

// Run drains the queue until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) {
	s.log.Info().Str("measurement", s.measurement).Msg("persistence sink started")
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-s.queue:
			_ = s.write(ctx, rec)
		}
	}
}

func (s *Sink) write(ctx context.Context, rec record) error {
	point := s.point(rec)
	_, err := s.cb.Execute(func() (any, error) {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return nil, s.writer.WritePoint(wctx, point)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.metrics.drop()
			s.dropped.Add(1)
			return err
		}
		s.mu.Lock()
		s.lastErr = time.Now()
		s.mu.Unlock()
		s.metrics.fail()
		s.log.Warn().Err(err).Msg("influx write error")
		return err
	}
	s.written.Add(1)
	s.metrics.write()
	return nil
}

func (s *Sink) point(rec record) *write.Point {
	st := rec.state
	ts := st.LastUpdated
	if ts.IsZero() {
		ts = time.Now()
	}
	p := influxdb2.NewPointWithMeasurement(s.measurement).
		AddField("temperature", st.Temperature).
		AddField("humidity", st.Humidity).
		AddField("soilMoisture", st.SoilMoisture).
		AddField("soilMoistureRaw", st.SoilMoistureRaw).
		AddField("lightLevel", st.LightLevel).
		AddField("lightLevelRaw", st.LightLevelRaw).
		AddField("rainIntensity", st.RainIntensity).
		AddField("rainIntensityRaw", st.RainIntensityRaw).
		AddField("pumpStatus", st.PumpStatus).
		AddField("autoMode", st.AutoMode).
		AddField("producerConnected", st.ProducerConnected).
		AddField("irrigationScore", rec.decision.Score).
		AddField("recommendation", rec.decision.Recommendation).
		SetTime(ts)
	if s.device != "" {
		p.AddTag("device", s.device)
	}
	return p
}

// LastErrorAge reports how long ago the last write failed.
func (s *Sink) LastErrorAge() time.Duration {
	if s == nil {
		return 99999 * time.Hour
	}
	s.mu.RLock()
	t := s.lastErr
	s.mu.RUnlock()
	return time.Since(t)
}

// Ready is nil while writes are flowing.
func (s *Sink) Ready() error {
	if st := s.cb.State(); st == gobreaker.StateOpen {
		return fmt.Errorf("influx breaker %s", st)
	}
	if age := s.LastErrorAge(); age < errorQuietPeriod {
		return fmt.Errorf("last write error %s ago", age.Round(time.Second))
	}
	return nil
}

// Stats returns counters for logging.
func (s *Sink) Stats() (written, dropped uint64) {
	return s.written.Load(), s.dropped.Load()
}

// Health pings the Influx server.
func (s *Sink) Health(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	h, err := s.client.Health(ctx)
	if err != nil {
		return err
	}
	if h.Status != "pass" {
		return fmt.Errorf("influx status %s", h.Status)
	}
	return nil
}

func (s *Sink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func sanitizeMeasurement(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '_', r == ':', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
