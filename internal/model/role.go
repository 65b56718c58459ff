package model

// Role tells the relay how to treat a peer connection.
type Role string

const (
	RoleUnknown  Role = "unknown"  // no identity seen yet
	RoleProducer Role = "producer" // the field device, sole source of telemetry
	RoleConsumer Role = "consumer" // a dashboard
	RoleObserver Role = "observer" // a producer replaced by a newer one; receives, never merges
)

// ParseRole maps a declared role to a Role. Unrecognized values give RoleUnknown.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleProducer, RoleConsumer:
		return Role(s)
	}
	switch s {
	case "device", "esp", "esp32", "esp8266", "sensor":
		return RoleProducer
	case "frontend", "dashboard", "ui":
		return RoleConsumer
	}
	return RoleUnknown
}
