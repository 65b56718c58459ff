package messages

import "github.com/LeonardoBeccarini/irrigation_relay/internal/model"

// Kind discriminates a decoded inbound frame.
type Kind string

const (
	KindIdentity  Kind = "identity"
	KindTelemetry Kind = "telemetry"
	KindCommand   Kind = "command"
)

// Identity is the announcement a peer sends right after connecting.
type Identity struct {
	Role       model.Role `json:"role"`
	DeclaredID string     `json:"id,omitempty"`
}

// Command is a control request; Args is passed through untouched.
type Command struct {
	Name string         `json:"command"`
	Args map[string]any `json:"args,omitempty"`
}

// Envelope is the tagged result of decoding one inbound frame.
// Exactly one of Identity, Telemetry or Command is set, matching Kind.
type Envelope struct {
	Kind      Kind
	Identity  *Identity
	Telemetry *model.TelemetryReading
	Command   *Command

	// Raw holds the frame bytes as received.
	Raw []byte
}
