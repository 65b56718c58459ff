package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/LeonardoBeccarini/irrigation_relay/internal/model"
	"github.com/LeonardoBeccarini/irrigation_relay/internal/model/messages"
)

const identitySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"type": {"type": "string"},
		"role": {"type": "string", "enum": ["producer", "consumer", "device", "esp", "esp32", "esp8266", "sensor", "frontend", "dashboard", "ui"]},
		"id": {"type": "string"},
		"frontendId": {"type": "string"},
		"deviceId": {"type": "string"}
	},
	"if": {"properties": {"type": {"const": "identity"}}},
	"then": {"required": ["role"]}
}`

const commandSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"type": {"type": "string"},
		"command": {"type": "string", "minLength": 1},
		"args": {"type": "object"}
	},
	"required": ["command"]
}`

// Codec turns raw frames into envelopes. It is safe for concurrent use.
type Codec struct {
	identity *jsonschema.Schema
	command  *jsonschema.Schema
}

func NewCodec() (*Codec, error) {
	identity, err := compileSchema("identity.json", identitySchema)
	if err != nil {
		return nil, err
	}
	command, err := compileSchema("command.json", commandSchema)
	if err != nil {
		return nil, err
	}
	return &Codec{identity: identity, command: command}, nil
}

func compileSchema(name, doc string) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, parsed); err != nil {
		return nil, fmt.Errorf("failed to add resource %s: %w", name, err)
	}
	compiled, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", name, err)
	}
	return compiled, nil
}

// Decode classifies one inbound frame. Every error it returns wraps ErrDecode.
func (c *Codec) Decode(frame []byte) (messages.Envelope, error) {
	obj, err := parseObject(frame)
	if err != nil {
		return messages.Envelope{}, err
	}
	env := messages.Envelope{Raw: frame}

	typ, _ := obj["type"].(string)
	kind := strings.ToLower(strings.TrimSpace(typ))
	switch kind {
	case "identity", "init", "init-frontend", "init-esp", "init-device":
		if err := c.identity.Validate(obj); err != nil {
			return messages.Envelope{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		env.Kind = messages.KindIdentity
		env.Identity = decodeIdentity(kind, obj)
	case "telemetry", "sensor-data":
		env.Kind = messages.KindTelemetry
		env.Telemetry = decodeTelemetry(obj)
	case "command", "control-command":
		if err := c.command.Validate(obj); err != nil {
			return messages.Envelope{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		env.Kind = messages.KindCommand
		env.Command = decodeCommand(obj)
	case "":
		// bare readings straight from the device
		r := decodeTelemetry(obj)
		if r.IsEmpty() {
			return messages.Envelope{}, ErrUnclassified
		}
		env.Kind = messages.KindTelemetry
		env.Telemetry = r
	default:
		return messages.Envelope{}, fmt.Errorf("%w: type %q", ErrUnclassified, typ)
	}
	return env, nil
}

// Encode serializes an outbound frame.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return b, nil
}

func parseObject(frame []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrMalformed
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	return obj, nil
}

func decodeIdentity(typ string, obj map[string]any) *messages.Identity {
	id := &messages.Identity{Role: model.RoleUnknown}
	switch typ {
	case "init-frontend":
		id.Role = model.RoleConsumer
	case "init-esp", "init-device":
		id.Role = model.RoleProducer
	default:
		if s, ok := obj["role"].(string); ok {
			id.Role = model.ParseRole(s)
		}
	}
	for _, k := range []string{"id", "frontendId", "deviceId"} {
		if s, ok := obj[k].(string); ok && s != "" {
			id.DeclaredID = s
			break
		}
	}
	return id
}

func decodeCommand(obj map[string]any) *messages.Command {
	cmd := &messages.Command{}
	cmd.Name, _ = obj["command"].(string)
	cmd.Name = strings.TrimSpace(cmd.Name)
	if args, ok := obj["args"].(map[string]any); ok {
		cmd.Args = args
	}
	return cmd
}

// decodeTelemetry picks the known fields out of obj. Values of the wrong
// type are treated as absent.
func decodeTelemetry(obj map[string]any) *model.TelemetryReading {
	r := &model.TelemetryReading{
		Temperature:     floatField(obj, "temperature"),
		Humidity:        floatField(obj, "humidity"),
		SoilMoisture:    floatField(obj, "soilMoisture"),
		SoilMoistureRaw: adcField(obj, "soilMoistureRaw"),
		LightLevel:      floatField(obj, "lightLevel"),
		LightLevelRaw:   adcField(obj, "lightLevelRaw"),
		PumpStatus:      boolField(obj, "pumpStatus"),
		AutoMode:        boolField(obj, "autoMode"),
	}
	// canonical name wins over the dashboard alias
	if r.RainIntensity = floatField(obj, "rainIntensity"); r.RainIntensity == nil {
		r.RainIntensity = floatField(obj, "rainDrop")
	}
	if r.RainIntensityRaw = adcField(obj, "rainIntensityRaw"); r.RainIntensityRaw == nil {
		r.RainIntensityRaw = adcField(obj, "rainDropRaw")
	}
	return r
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case float64:
		f = t
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func floatField(obj map[string]any, key string) *float64 {
	v, ok := obj[key]
	if !ok {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	return model.Float(f)
}

// maxADC is the full scale of the device's 12-bit converters.
const maxADC = 4095

// adcField reads a raw converter value. Anything outside 0..maxADC is
// treated as absent.
func adcField(obj map[string]any, key string) *int {
	v, ok := obj[key]
	if !ok {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	f = math.Round(f)
	if f < 0 || f > maxADC {
		return nil
	}
	return model.Int(int(f))
}

func boolField(obj map[string]any, key string) *bool {
	v, ok := obj[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case bool:
		return model.Bool(t)
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return nil
		}
		return model.Bool(b)
	}
	if f, ok := toFloat(v); ok {
		switch f {
		case 0:
			return model.Bool(false)
		case 1:
			return model.Bool(true)
		}
	}
	return nil
}
