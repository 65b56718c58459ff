package model

import "time"

// TelemetryReading is a partial update coming from the field device.
// A nil field means "not reported" and must never be confused with zero.
type TelemetryReading struct {
	Temperature      *float64 `json:"temperature,omitempty"`      // °C
	Humidity         *float64 `json:"humidity,omitempty"`         // % 0..100
	SoilMoisture     *float64 `json:"soilMoisture,omitempty"`     // % 0..100
	SoilMoistureRaw  *int     `json:"soilMoistureRaw,omitempty"`  // ADC 0..4095
	LightLevel       *float64 `json:"lightLevel,omitempty"`       // %
	LightLevelRaw    *int     `json:"lightLevelRaw,omitempty"`    // ADC 0..4095
	RainIntensity    *float64 `json:"rainIntensity,omitempty"`    // %
	RainIntensityRaw *int     `json:"rainIntensityRaw,omitempty"` // ADC 0..4095
	PumpStatus       *bool    `json:"pumpStatus,omitempty"`
	AutoMode         *bool    `json:"autoMode,omitempty"`
}

// IsEmpty reports whether the reading carries no field at all.
func (r TelemetryReading) IsEmpty() bool {
	return r.Temperature == nil && r.Humidity == nil &&
		r.SoilMoisture == nil && r.SoilMoistureRaw == nil &&
		r.LightLevel == nil && r.LightLevelRaw == nil &&
		r.RainIntensity == nil && r.RainIntensityRaw == nil &&
		r.PumpStatus == nil && r.AutoMode == nil
}

// CanonicalState is the merged, always complete view of the device.
// It is a plain value: copying it yields an independent snapshot.
type CanonicalState struct {
	Temperature       float64   `json:"temperature"`
	Humidity          float64   `json:"humidity"`
	SoilMoisture      float64   `json:"soilMoisture"`
	SoilMoistureRaw   int       `json:"soilMoistureRaw"`
	LightLevel        float64   `json:"lightLevel"`
	LightLevelRaw     int       `json:"lightLevelRaw"`
	RainIntensity     float64   `json:"rainIntensity"`
	RainIntensityRaw  int       `json:"rainIntensityRaw"`
	PumpStatus        bool      `json:"pumpStatus"`
	AutoMode          bool      `json:"autoMode"`
	LastUpdated       time.Time `json:"lastUpdated"`
	ProducerConnected bool      `json:"producerConnected"`
}

// DefaultState mirrors the values the dashboard shows before any data arrives.
func DefaultState() CanonicalState {
	return CanonicalState{
		Temperature:      28.5,
		Humidity:         65,
		SoilMoisture:     5,
		SoilMoistureRaw:  3000,
		LightLevel:       90,
		LightLevelRaw:    300,
		RainIntensity:    0,
		RainIntensityRaw: 4000,
		PumpStatus:       false,
		AutoMode:         true,
	}
}

// Apply returns a copy of s with every present field of r written over it.
// LastUpdated and ProducerConnected are left to the caller.
func (s CanonicalState) Apply(r TelemetryReading) CanonicalState {
	if r.Temperature != nil {
		s.Temperature = *r.Temperature
	}
	if r.Humidity != nil {
		s.Humidity = *r.Humidity
	}
	if r.SoilMoisture != nil {
		s.SoilMoisture = *r.SoilMoisture
	}
	if r.SoilMoistureRaw != nil {
		s.SoilMoistureRaw = *r.SoilMoistureRaw
	}
	if r.LightLevel != nil {
		s.LightLevel = *r.LightLevel
	}
	if r.LightLevelRaw != nil {
		s.LightLevelRaw = *r.LightLevelRaw
	}
	if r.RainIntensity != nil {
		s.RainIntensity = *r.RainIntensity
	}
	if r.RainIntensityRaw != nil {
		s.RainIntensityRaw = *r.RainIntensityRaw
	}
	if r.PumpStatus != nil {
		s.PumpStatus = *r.PumpStatus
	}
	if r.AutoMode != nil {
		s.AutoMode = *r.AutoMode
	}
	return s
}

// HistoryEntry is one timestamped copy of the canonical state.
type HistoryEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	State     CanonicalState `json:"state"`
}

// Float, Int and Bool build optional reading fields.
func Float(v float64) *float64 { return &v }
func Int(v int) *int           { return &v }
func Bool(v bool) *bool        { return &v }

// IrrigationDecision is derived from a snapshot; it is never stored on it.
type IrrigationDecision struct {
	Score          int    `json:"score"`
	Recommendation string `json:"recommendation"`
}
