package sensor_simulator

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/irrigation_relay/internal/model"
	"github.com/LeonardoBeccarini/irrigation_relay/internal/services/relay"
)

func TestSimulator_HandleFrame(t *testing.T) {
	s := NewSimulator(Config{DeviceID: "esp-test"}, NewDataGenerator(0, 1), zerolog.Nop())

	pump, auto := s.State()
	assert.False(t, pump)
	assert.True(t, auto)

	assert.True(t, s.HandleFrame([]byte(`{"type":"control-command","command":"pump-on"}`)))
	pump, auto = s.State()
	assert.True(t, pump)
	assert.False(t, auto)

	assert.True(t, s.HandleFrame([]byte(`{"type":"control-command","command":"auto-on"}`)))
	_, auto = s.State()
	assert.True(t, auto)

	assert.True(t, s.HandleFrame([]byte(`{"type":"control-command","command":"status"}`)))
	assert.False(t, s.HandleFrame([]byte(`{"type":"control-command","command":"reboot"}`)))
	assert.False(t, s.HandleFrame([]byte(`{"type":"state","pumpStatus":true}`)))
	assert.False(t, s.HandleFrame([]byte(`not json`)))
}

func TestSimulator_AutoModeHysteresis(t *testing.T) {
	g := NewDataGenerator(0, 1)
	s := NewSimulator(Config{}, g, zerolog.Nop())

	g.moisture = 0.2
	r := s.Reading()
	assert.True(t, *r.PumpStatus)

	g.moisture = 0.45
	r = s.Reading()
	assert.True(t, *r.PumpStatus, "pump stays on inside the band")

	g.moisture = 0.7
	r = s.Reading()
	assert.False(t, *r.PumpStatus)

	s.HandleFrame([]byte(`{"type":"control-command","command":"pump-on"}`))
	g.moisture = 0.9
	r = s.Reading()
	assert.True(t, *r.PumpStatus, "manual pump ignores the auto rule")
	assert.False(t, *r.AutoMode)
}

func TestSimulator_RunAgainstRelay(t *testing.T) {
	codec, err := relay.NewCodec()
	require.NoError(t, err)
	hub := relay.NewHub(codec, relay.NewRegistry(16, nil, zerolog.Nop()), relay.NewReconciler(10), relay.HubConfig{Logger: zerolog.Nop()})
	srv := httptest.NewServer(relay.NewWSServer(hub, relay.WSConfig{}, zerolog.Nop()))
	defer srv.Close()

	sim := NewSimulator(Config{
		URL:        "ws" + srv.URL[4:] + "/",
		DeviceID:   "esp-test",
		Interval:   20 * time.Millisecond,
		RetryEvery: 20 * time.Millisecond,
	}, NewDataGenerator(0, 1), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()

	require.Eventually(t, func() bool {
		s, _ := hub.Snapshot()
		return s.ProducerConnected
	}, 2*time.Second, 10*time.Millisecond)

	var producer relay.PeerInfo
	for _, p := range hub.Peers() {
		if p.Role == model.RoleProducer {
			producer = p
		}
	}
	assert.Equal(t, "esp-test", producer.DeclaredID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("simulator did not stop")
	}
}
