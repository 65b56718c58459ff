package sensor_simulator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(g *DataGenerator) *time.Time {
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return &now
}

func TestDataGenerator_FullReading(t *testing.T) {
	g := NewDataGenerator(0.001, 1)
	fixedClock(g)

	r := g.Next(false, true)
	require.NotNil(t, r.SoilMoisture)
	require.NotNil(t, r.SoilMoistureRaw)
	assert.Equal(t, toADC(*r.SoilMoisture), *r.SoilMoistureRaw)
	assert.Equal(t, toADC(*r.LightLevel), *r.LightLevelRaw)
	assert.False(t, *r.PumpStatus)
	assert.True(t, *r.AutoMode)
	assert.GreaterOrEqual(t, *r.Humidity, 0.0)
	assert.LessOrEqual(t, *r.Humidity, 100.0)
}

func TestDataGenerator_PumpRaisesMoisture(t *testing.T) {
	g := NewDataGenerator(0.001, 1)
	now := fixedClock(g)
	g.Next(true, false)
	before := g.Moisture()

	*now = now.Add(10 * time.Minute)
	g.Next(true, false)
	assert.Greater(t, g.Moisture(), before+5)
}

func TestDataGenerator_DecaysWithPumpOff(t *testing.T) {
	g := NewDataGenerator(0.01, 1)
	g.rain = 0
	now := fixedClock(g)
	g.Next(false, false)
	before := g.Moisture()

	*now = now.Add(10 * time.Minute)
	g.Next(false, false)
	assert.Less(t, g.Moisture(), before)
}

func TestDataGenerator_PartialKeepsFlags(t *testing.T) {
	g := NewDataGenerator(0.001, 7)
	fixedClock(g)
	full := g.Next(true, false)

	sawMissing := false
	for i := 0; i < 50; i++ {
		p := g.Partial(full)
		require.NotNil(t, p.PumpStatus)
		require.NotNil(t, p.AutoMode)
		if p.SoilMoisture != nil {
			assert.NotNil(t, p.SoilMoistureRaw)
		}
		if p.Temperature == nil {
			sawMissing = true
		}
	}
	assert.True(t, sawMissing)
}

func TestToADC(t *testing.T) {
	assert.Equal(t, 4095, toADC(0))
	assert.Equal(t, 0, toADC(100))
	assert.Equal(t, 0, toADC(140))
	assert.Equal(t, 2048, toADC(50))
}
