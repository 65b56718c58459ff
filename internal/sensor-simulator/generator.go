package sensor_simulator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/irrigation_relay/internal/model"
)

const (
	// gainPerMin: +0.6% soil moisture per minute while the pump runs.
	gainPerMin = 0.006

	defaultSeed = 0.30

	adcMax = 4095
)

// DataGenerator keeps the simulated field conditions and advances them in time.
type DataGenerator struct {
	mu          sync.Mutex
	rng         *rand.Rand
	last        time.Time
	moisture    float64 // [0..1]
	decayPerMin float64
	temperature float64
	humidity    float64
	light       float64 // %
	rain        float64 // %
	now         func() time.Time
}

// NewDataGenerator builds a generator losing decayPerMin moisture per minute
// while the pump is off.
func NewDataGenerator(decayPerMin float64, seed int64) *DataGenerator {
	return &DataGenerator{
		rng:         rand.New(rand.NewSource(seed)),
		moisture:    defaultSeed,
		decayPerMin: math.Max(0, decayPerMin),
		temperature: 24,
		humidity:    55,
		light:       70,
		now:         time.Now,
	}
}

// Next advances the simulation and returns a complete reading.
func (g *DataGenerator) Next(pump, auto bool) model.TelemetryReading {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.last.IsZero() {
		g.last = now
	}
	dtMin := math.Max(0, now.Sub(g.last).Minutes())
	g.last = now

	if pump {
		g.moisture = clamp01(g.moisture + gainPerMin*dtMin)
	} else {
		g.moisture = clamp01(g.moisture - g.decayPerMin*dtMin)
	}
	g.temperature = clamp(g.temperature+g.rng.NormFloat64()*0.3, -5, 45)
	g.humidity = clamp(g.humidity+g.rng.NormFloat64(), 0, 100)
	g.light = clamp(g.light+g.rng.NormFloat64()*3, 0, 100)
	// rain is mostly zero, with occasional showers that fade
	if g.rng.Float64() < 0.02 {
		g.rain = 20 + g.rng.Float64()*60
	} else {
		g.rain = math.Max(0, g.rain*0.7-1)
	}
	if g.rain > 0 {
		g.moisture = clamp01(g.moisture + g.rain/100*0.01)
	}

	soil := round1(g.moisture * 100)
	return model.TelemetryReading{
		Temperature:      model.Float(round1(g.temperature)),
		Humidity:         model.Float(round1(g.humidity)),
		SoilMoisture:     model.Float(soil),
		SoilMoistureRaw:  model.Int(toADC(soil)),
		LightLevel:       model.Float(round1(g.light)),
		LightLevelRaw:    model.Int(toADC(g.light)),
		RainIntensity:    model.Float(round1(g.rain)),
		RainIntensityRaw: model.Int(toADC(g.rain)),
		PumpStatus:       model.Bool(pump),
		AutoMode:         model.Bool(auto),
	}
}

// Partial keeps a random non-empty subset of r, the way a device reporting
// on change would. Pump and auto flags are always kept.
func (g *DataGenerator) Partial(r model.TelemetryReading) model.TelemetryReading {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := model.TelemetryReading{PumpStatus: r.PumpStatus, AutoMode: r.AutoMode}
	keep := func() bool { return g.rng.Intn(2) == 0 }
	if keep() {
		out.Temperature = r.Temperature
	}
	if keep() {
		out.Humidity = r.Humidity
	}
	if keep() {
		out.SoilMoisture, out.SoilMoistureRaw = r.SoilMoisture, r.SoilMoistureRaw
	}
	if keep() {
		out.LightLevel, out.LightLevelRaw = r.LightLevel, r.LightLevelRaw
	}
	if keep() {
		out.RainIntensity, out.RainIntensityRaw = r.RainIntensity, r.RainIntensityRaw
	}
	return out
}

// Moisture returns the current soil moisture in percent.
func (g *DataGenerator) Moisture() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.moisture * 100
}

// toADC maps a percentage onto the inverted 12-bit scale of the resistive probes.
func toADC(pct float64) int {
	return int(math.Round((1 - clamp(pct, 0, 100)/100) * adcMax))
}

func round1(x float64) float64 { return math.Round(x*10) / 10 }

func clamp(x, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, x))
}

func clamp01(x float64) float64 { return clamp(x, 0, 1) }
