package persistence

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/influxdata/influxdb-client-go/v2/api/query"

	"github.com/LeonardoBeccarini/irrigation_relay/internal/model"
)

const historyWindow = "-30d"

// recentFlux returns the newest limit points as one row per timestamp.
func recentFlux(bucket, measurement string, limit int) string {
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s)
  |> filter(fn: (r) => r._measurement == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)`, bucket, historyWindow, measurement, limit)
}

// QueryRecent reads up to limit snapshots back from Influx, oldest first.
func (s *Sink) QueryRecent(ctx context.Context, limit int) ([]model.HistoryEntry, error) {
	if s.query == nil {
		return nil, errors.New("influx query api not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	result, err := s.query.Query(ctx, recentFlux(s.bucket, s.measurement, limit))
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	defer result.Close()

	var out []model.HistoryEntry
	for result.Next() {
		out = append(out, entryFromRecord(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	// newest first from the query; callers want oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func entryFromRecord(rec *query.FluxRecord) model.HistoryEntry {
	vals := rec.Values()
	st := model.CanonicalState{
		Temperature:       asFloat(vals["temperature"]),
		Humidity:          asFloat(vals["humidity"]),
		SoilMoisture:      asFloat(vals["soilMoisture"]),
		SoilMoistureRaw:   asInt(vals["soilMoistureRaw"]),
		LightLevel:        asFloat(vals["lightLevel"]),
		LightLevelRaw:     asInt(vals["lightLevelRaw"]),
		RainIntensity:     asFloat(vals["rainIntensity"]),
		RainIntensityRaw:  asInt(vals["rainIntensityRaw"]),
		PumpStatus:        asBool(vals["pumpStatus"]),
		AutoMode:          asBool(vals["autoMode"]),
		ProducerConnected: asBool(vals["producerConnected"]),
		LastUpdated:       rec.Time().UTC(),
	}
	return model.HistoryEntry{Timestamp: st.LastUpdated, State: st}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	}
	return 0
}

func asInt(v any) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case uint64:
		return int(t)
	case float64:
		return int(math.Round(t))
	}
	return 0
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
