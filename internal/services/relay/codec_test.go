package relay

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/irrigation_relay/internal/model"
	"github.com/LeonardoBeccarini/irrigation_relay/internal/model/messages"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec()
	require.NoError(t, err)
	return c
}

func TestDecode_BareReadingIsTelemetry(t *testing.T) {
	c := newTestCodec(t)

	env, err := c.Decode([]byte(`{"soilMoisture": 20, "rainIntensity": 0}`))
	require.NoError(t, err)
	require.Equal(t, messages.KindTelemetry, env.Kind)
	require.NotNil(t, env.Telemetry)

	r := env.Telemetry
	require.NotNil(t, r.SoilMoisture)
	assert.Equal(t, 20.0, *r.SoilMoisture)
	require.NotNil(t, r.RainIntensity)
	assert.Equal(t, 0.0, *r.RainIntensity)
	assert.Nil(t, r.Temperature, "absent field must stay nil, not zero")
	assert.Nil(t, r.PumpStatus)
	assert.Equal(t, `{"soilMoisture": 20, "rainIntensity": 0}`, string(env.Raw))
}

func TestDecode_TypedTelemetry(t *testing.T) {
	c := newTestCodec(t)

	for _, typ := range []string{"telemetry", "sensor-data"} {
		env, err := c.Decode([]byte(`{"type":"` + typ + `","temperature":31.5}`))
		require.NoError(t, err, typ)
		assert.Equal(t, messages.KindTelemetry, env.Kind)
		require.NotNil(t, env.Telemetry.Temperature)
		assert.Equal(t, 31.5, *env.Telemetry.Temperature)
	}
}

func TestDecode_RainAliases(t *testing.T) {
	c := newTestCodec(t)

	env, err := c.Decode([]byte(`{"rainDrop": 42, "rainDropRaw": 1200}`))
	require.NoError(t, err)
	require.NotNil(t, env.Telemetry.RainIntensity)
	assert.Equal(t, 42.0, *env.Telemetry.RainIntensity)
	require.NotNil(t, env.Telemetry.RainIntensityRaw)
	assert.Equal(t, 1200, *env.Telemetry.RainIntensityRaw)

	env, err = c.Decode([]byte(`{"rainDrop": 42, "rainIntensity": 10}`))
	require.NoError(t, err)
	assert.Equal(t, 10.0, *env.Telemetry.RainIntensity, "canonical name wins")
}

func TestDecode_LenientValues(t *testing.T) {
	c := newTestCodec(t)

	env, err := c.Decode([]byte(`{
		"temperature": "27.25",
		"soilMoistureRaw": "2890",
		"lightLevelRaw": 301.6,
		"pumpStatus": 1,
		"autoMode": 0,
		"humidity": "wet"
	}`))
	require.NoError(t, err)
	r := env.Telemetry
	assert.Equal(t, 27.25, *r.Temperature)
	assert.Equal(t, 2890, *r.SoilMoistureRaw)
	assert.Equal(t, 302, *r.LightLevelRaw)
	assert.True(t, *r.PumpStatus)
	assert.False(t, *r.AutoMode)
	assert.Nil(t, r.Humidity, "unparseable value is treated as absent")
}

func TestDecode_RawValuesOutsideADCRangeAreAbsent(t *testing.T) {
	c := newTestCodec(t)

	env, err := c.Decode([]byte(`{
		"soilMoistureRaw": 1e300,
		"lightLevelRaw": -3,
		"rainIntensityRaw": 4096,
		"rainDropRaw": 4095,
		"temperature": 20
	}`))
	require.NoError(t, err)
	r := env.Telemetry
	assert.Nil(t, r.SoilMoistureRaw)
	assert.Nil(t, r.LightLevelRaw)
	require.NotNil(t, r.RainIntensityRaw, "out-of-range canonical field falls back to the alias")
	assert.Equal(t, 4095, *r.RainIntensityRaw)

	env, err = c.Decode([]byte(`{"soilMoistureRaw": "0"}`))
	require.NoError(t, err)
	assert.Equal(t, 0, *env.Telemetry.SoilMoistureRaw)
}

func TestDecode_IdentityVariants(t *testing.T) {
	c := newTestCodec(t)

	tests := []struct {
		name  string
		frame string
		role  model.Role
		id    string
	}{
		{"dashboard init", `{"type":"init-frontend","frontendId":"frontend-1234"}`, model.RoleConsumer, "frontend-1234"},
		{"device init", `{"type":"init-esp","deviceId":"esp-1"}`, model.RoleProducer, "esp-1"},
		{"generic device", `{"type":"init-device"}`, model.RoleProducer, ""},
		{"explicit producer", `{"type":"identity","role":"producer","id":"dev"}`, model.RoleProducer, "dev"},
		{"explicit consumer", `{"type":"identity","role":"consumer"}`, model.RoleConsumer, ""},
		{"role alias", `{"type":"identity","role":"frontend"}`, model.RoleConsumer, ""},
		{"init without role", `{"type":"init","id":"x"}`, model.RoleUnknown, "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := c.Decode([]byte(tt.frame))
			require.NoError(t, err)
			require.Equal(t, messages.KindIdentity, env.Kind)
			assert.Equal(t, tt.role, env.Identity.Role)
			assert.Equal(t, tt.id, env.Identity.DeclaredID)
		})
	}
}

func TestDecode_Commands(t *testing.T) {
	c := newTestCodec(t)

	env, err := c.Decode([]byte(`{"type":"control-command","command":"pump-on"}`))
	require.NoError(t, err)
	require.Equal(t, messages.KindCommand, env.Kind)
	assert.Equal(t, "pump-on", env.Command.Name)
	assert.Nil(t, env.Command.Args)

	env, err = c.Decode([]byte(`{"type":"command","command":"status","args":{"verbose":true}}`))
	require.NoError(t, err)
	assert.Equal(t, "status", env.Command.Name)
	assert.Equal(t, map[string]any{"verbose": true}, env.Command.Args)
}

func TestDecode_Errors(t *testing.T) {
	c := newTestCodec(t)

	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{"plain text", `Hello, server!`, ErrMalformed},
		{"empty", ``, ErrMalformed},
		{"array", `[1,2,3]`, ErrMalformed},
		{"truncated", `{"temperature": 3`, ErrMalformed},
		{"trailing garbage", `{"temperature": 3} {}`, ErrMalformed},
		{"no known fields", `{"hello":"world"}`, ErrUnclassified},
		{"unknown type", `{"type":"weird","temperature":1}`, ErrUnclassified},
		{"identity without role", `{"type":"identity"}`, ErrInvalid},
		{"identity bad role", `{"type":"identity","role":"admin"}`, ErrInvalid},
		{"identity numeric id", `{"type":"init-frontend","frontendId":12}`, ErrInvalid},
		{"command missing", `{"type":"control-command"}`, ErrInvalid},
		{"command not string", `{"type":"control-command","command":5}`, ErrInvalid},
		{"command args not object", `{"type":"command","command":"x","args":[1]}`, ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode([]byte(tt.frame))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.True(t, errors.Is(err, ErrDecode))
		})
	}
}

func TestEncode_StateFrameCarriesBothRainNames(t *testing.T) {
	s := model.DefaultState()
	s.RainIntensity = 35
	s.RainIntensityRaw = 1800
	s.ProducerConnected = true
	s.LastUpdated = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	b, err := Encode(messages.NewStateFrame(s, model.IrrigationDecision{Score: 2, Recommendation: NotRecommended}))
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "state", out["type"])
	assert.Equal(t, 35.0, out["rainIntensity"])
	assert.Equal(t, 35.0, out["rainDrop"])
	assert.Equal(t, 1800.0, out["rainDropRaw"])
	assert.Equal(t, 2.0, out["irrigationScore"])
	assert.Equal(t, "not-recommended", out["recommendation"])
	assert.Equal(t, true, out["espConnected"])
	assert.Equal(t, "2024-05-01T12:00:00Z", out["lastUpdated"])
	for _, k := range []string{"temperature", "humidity", "soilMoisture", "soilMoistureRaw",
		"lightLevel", "lightLevelRaw", "rainIntensityRaw", "pumpStatus", "autoMode"} {
		assert.Contains(t, out, k)
	}
}
