package messages

import (
	"time"

	"github.com/LeonardoBeccarini/irrigation_relay/internal/model"
)

const (
	TypeState          = "state"
	TypeControlCommand = "control-command"
)

// StateFrame is what consumers receive after every state change.
// Rain is carried under both the canonical and the dashboard names.
type StateFrame struct {
	Type             string  `json:"type"`
	Temperature      float64 `json:"temperature"`
	Humidity         float64 `json:"humidity"`
	SoilMoisture     float64 `json:"soilMoisture"`
	SoilMoistureRaw  int     `json:"soilMoistureRaw"`
	LightLevel       float64 `json:"lightLevel"`
	LightLevelRaw    int     `json:"lightLevelRaw"`
	RainIntensity    float64 `json:"rainIntensity"`
	RainIntensityRaw int     `json:"rainIntensityRaw"`
	RainDrop         float64 `json:"rainDrop"`
	RainDropRaw      int     `json:"rainDropRaw"`
	PumpStatus       bool    `json:"pumpStatus"`
	AutoMode         bool    `json:"autoMode"`
	IrrigationScore  int     `json:"irrigationScore"`
	Recommendation   string  `json:"recommendation"`
	ESPConnected     bool    `json:"espConnected"`
	LastUpdated      string  `json:"lastUpdated"`
}

// NewStateFrame flattens a snapshot and its decision into the outbound shape.
// A zero LastUpdated is rendered as an empty string.
func NewStateFrame(s model.CanonicalState, d model.IrrigationDecision) StateFrame {
	f := StateFrame{
		Type:             TypeState,
		Temperature:      s.Temperature,
		Humidity:         s.Humidity,
		SoilMoisture:     s.SoilMoisture,
		SoilMoistureRaw:  s.SoilMoistureRaw,
		LightLevel:       s.LightLevel,
		LightLevelRaw:    s.LightLevelRaw,
		RainIntensity:    s.RainIntensity,
		RainIntensityRaw: s.RainIntensityRaw,
		RainDrop:         s.RainIntensity,
		RainDropRaw:      s.RainIntensityRaw,
		PumpStatus:       s.PumpStatus,
		AutoMode:         s.AutoMode,
		IrrigationScore:  d.Score,
		Recommendation:   d.Recommendation,
		ESPConnected:     s.ProducerConnected,
	}
	if !s.LastUpdated.IsZero() {
		f.LastUpdated = s.LastUpdated.UTC().Format(time.RFC3339)
	}
	return f
}

// CommandFrame is forwarded to producers, in the shape the dashboard sends.
type CommandFrame struct {
	Type    string         `json:"type"`
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

func NewCommandFrame(c Command) CommandFrame {
	return CommandFrame{Type: TypeControlCommand, Command: c.Name, Args: c.Args}
}

// IdentityFrame is what a client sends to announce itself.
type IdentityFrame struct {
	Type string     `json:"type"`
	Role model.Role `json:"role,omitempty"`
	ID   string     `json:"id,omitempty"`
}
