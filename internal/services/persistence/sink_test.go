package persistence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/irrigation_relay/internal/model"
)

type fakeWriter struct {
	mu     sync.Mutex
	points []*write.Point
	err    error
	calls  int
	block  chan struct{}
}

func (f *fakeWriter) WritePoint(ctx context.Context, p ...*write.Point) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, p...)
	return nil
}

func (f *fakeWriter) snapshot() ([]*write.Point, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*write.Point(nil), f.points...), f.calls
}

func fieldsOf(p *write.Point) map[string]any {
	out := map[string]any{}
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func sampleRecord() record {
	st := model.DefaultState()
	st.SoilMoisture = 20
	st.ProducerConnected = true
	st.LastUpdated = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	return record{state: st, decision: model.IrrigationDecision{Score: 5, Recommendation: "consider"}}
}

func TestSink_PointShape(t *testing.T) {
	w := &fakeWriter{}
	s := NewSinkWithWriter(w, InfluxConfig{Measurement: "irrigation state", DeviceTag: "esp-1"}, zerolog.Nop())

	require.NoError(t, s.write(context.Background(), sampleRecord()))

	points, _ := w.snapshot()
	require.Len(t, points, 1)
	p := points[0]
	assert.Equal(t, "irrigation_state", p.Name())
	assert.Equal(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC), p.Time())
	require.Len(t, p.TagList(), 1)
	assert.Equal(t, "device", p.TagList()[0].Key)
	assert.Equal(t, "esp-1", p.TagList()[0].Value)

	f := fieldsOf(p)
	assert.Equal(t, 20.0, f["soilMoisture"])
	assert.Equal(t, int64(3000), f["soilMoistureRaw"])
	assert.Equal(t, true, f["producerConnected"])
	assert.Equal(t, int64(5), f["irrigationScore"])
	assert.Equal(t, "consider", f["recommendation"])
	assert.Len(t, f, 13)
}

func TestSink_RunDrainsQueue(t *testing.T) {
	w := &fakeWriter{}
	s := NewSinkWithWriter(w, InfluxConfig{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	for i := 0; i < 3; i++ {
		rec := sampleRecord()
		s.Record(rec.state, rec.decision)
	}
	require.Eventually(t, func() bool {
		p, _ := w.snapshot()
		return len(p) == 3
	}, 2*time.Second, 5*time.Millisecond)

	written, dropped := s.Stats()
	assert.Equal(t, uint64(3), written)
	assert.Equal(t, uint64(0), dropped)
	assert.NoError(t, s.Ready())
}

func TestSink_RecordNeverBlocks(t *testing.T) {
	reg := prometheus.NewRegistry()
	w := &fakeWriter{block: make(chan struct{})}
	s := NewSinkWithWriter(w, InfluxConfig{QueueSize: 2, Registerer: reg}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		rec := sampleRecord()
		for i := 0; i < 10; i++ {
			s.Record(rec.state, rec.decision)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked with nobody draining")
	}

	_, dropped := s.Stats()
	assert.Equal(t, uint64(8), dropped)
	assert.Equal(t, 8.0, testutil.ToFloat64(s.metrics.dropped))
	close(w.block)
}

func TestSink_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	w := &fakeWriter{err: errors.New("influx: 503")}
	s := NewSinkWithWriter(w, InfluxConfig{BreakerFails: 3, BreakerOpenMs: 60000}, zerolog.Nop())

	for i := 0; i < 5; i++ {
		assert.Error(t, s.write(context.Background(), sampleRecord()))
	}

	_, calls := w.snapshot()
	assert.Equal(t, 3, calls, "writes stop once the breaker is open")
	err := s.Ready()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "breaker")
	assert.Less(t, s.LastErrorAge(), time.Second)
}

func TestSink_ReadyAfterRecentError(t *testing.T) {
	w := &fakeWriter{err: errors.New("timeout")}
	s := NewSinkWithWriter(w, InfluxConfig{BreakerFails: 10}, zerolog.Nop())
	require.NoError(t, s.Ready())

	_ = s.write(context.Background(), sampleRecord())
	err := s.Ready()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "last write error")
}

func TestSink_QueryWithoutClient(t *testing.T) {
	s := NewSinkWithWriter(&fakeWriter{}, InfluxConfig{}, zerolog.Nop())
	_, err := s.QueryRecent(context.Background(), 10)
	assert.Error(t, err)
	assert.NoError(t, s.Health(context.Background()))
}

func TestNewSink_RequiresConfig(t *testing.T) {
	_, err := NewSink(InfluxConfig{InfluxURL: "http://localhost:8086"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestRecentFlux(t *testing.T) {
	q := recentFlux("agri", "irrigation_state", 50)
	assert.True(t, strings.HasPrefix(q, `from(bucket: "agri")`))
	assert.Contains(t, q, `r._measurement == "irrigation_state"`)
	assert.Contains(t, q, `pivot(rowKey: ["_time"]`)
	assert.Contains(t, q, "limit(n: 50)")
}

func TestSanitizeMeasurement(t *testing.T) {
	assert.Equal(t, "soil_moisture_s-1", sanitizeMeasurement("soil moisture/s-1"))
	assert.Equal(t, "a:b_c", sanitizeMeasurement("a:b.c"))
}

func TestValueConversions(t *testing.T) {
	assert.Equal(t, 3.0, asFloat(int64(3)))
	assert.Equal(t, 0.0, asFloat("x"))
	assert.Equal(t, 4, asInt(3.6))
	assert.Equal(t, 7, asInt(int64(7)))
	assert.True(t, asBool(true))
	assert.False(t, asBool(nil))
}
