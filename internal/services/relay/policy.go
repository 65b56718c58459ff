package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/LeonardoBeccarini/irrigation_relay/internal/model"
)

// Comparison selects which side of the threshold a rule fires on.
type Comparison string

const (
	Below Comparison = "below"
	Above Comparison = "above"
)

const (
	Recommended    = "recommended"
	Consider       = "consider"
	NotRecommended = "not-recommended"
)

// Rule adds Weight to the score when Metric is strictly below/above Threshold.
type Rule struct {
	Name       string     `json:"name"`
	Metric     string     `json:"metric"`
	Comparison Comparison `json:"comparison"`
	Threshold  float64    `json:"threshold"`
	Weight     int        `json:"weight"`
}

// Policy is the table ComputeDecision scores against.
type Policy struct {
	Rules []Rule `json:"rules"`
}

func DefaultPolicy() Policy {
	return Policy{Rules: []Rule{
		{Name: "soil-dry", Metric: "soilMoisture", Comparison: Below, Threshold: 50, Weight: 3},
		{Name: "soil-very-dry", Metric: "soilMoisture", Comparison: Below, Threshold: 25, Weight: 2},
		{Name: "rain", Metric: "rainIntensity", Comparison: Above, Threshold: 30, Weight: -4},
		{Name: "heat", Metric: "temperature", Comparison: Above, Threshold: 30, Weight: 2},
		{Name: "cold", Metric: "temperature", Comparison: Below, Threshold: 15, Weight: -1},
		{Name: "dry-air", Metric: "humidity", Comparison: Below, Threshold: 40, Weight: 1},
		{Name: "humid-air", Metric: "humidity", Comparison: Above, Threshold: 80, Weight: -2},
	}}
}

// metricValue reads a numeric metric off the snapshot.
func metricValue(s model.CanonicalState, metric string) (float64, bool) {
	switch metric {
	case "temperature":
		return s.Temperature, true
	case "humidity":
		return s.Humidity, true
	case "soilMoisture":
		return s.SoilMoisture, true
	case "soilMoistureRaw":
		return float64(s.SoilMoistureRaw), true
	case "lightLevel":
		return s.LightLevel, true
	case "lightLevelRaw":
		return float64(s.LightLevelRaw), true
	case "rainIntensity", "rainDrop":
		return s.RainIntensity, true
	case "rainIntensityRaw", "rainDropRaw":
		return float64(s.RainIntensityRaw), true
	}
	return 0, false
}

// Validate rejects rules that could never be evaluated.
func (p Policy) Validate() error {
	if len(p.Rules) == 0 {
		return errors.New("policy has no rules")
	}
	for i, r := range p.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule %d: empty name", i)
		}
		if _, ok := metricValue(model.CanonicalState{}, r.Metric); !ok {
			return fmt.Errorf("rule %q: unknown metric %q", r.Name, r.Metric)
		}
		if r.Comparison != Below && r.Comparison != Above {
			return fmt.Errorf("rule %q: unknown comparison %q", r.Name, r.Comparison)
		}
	}
	return nil
}

// LoadPolicy reads a JSON policy table from path.
func LoadPolicy(path string) (Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	var p Policy
	if err := json.Unmarshal(b, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// ComputeDecision scores s against policy. It is pure: the same inputs always
// give the same decision.
func ComputeDecision(s model.CanonicalState, policy Policy) model.IrrigationDecision {
	score := 0
	for _, r := range policy.Rules {
		if r.matches(s) {
			score += r.Weight
		}
	}
	if score < 0 {
		score = 0
	}
	return model.IrrigationDecision{Score: score, Recommendation: recommendationFor(score)}
}

func (r Rule) matches(s model.CanonicalState) bool {
	v, ok := metricValue(s, r.Metric)
	if !ok {
		return false
	}
	switch r.Comparison {
	case Below:
		return v < r.Threshold
	case Above:
		return v > r.Threshold
	}
	return false
}

func recommendationFor(score int) string {
	switch {
	case score >= 6:
		return Recommended
	case score >= 4:
		return Consider
	default:
		return NotRecommended
	}
}
