package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeonardoBeccarini/irrigation_relay/internal/model"
	"github.com/LeonardoBeccarini/irrigation_relay/internal/model/messages"
)

// BroadcastMode selects what consumers receive after a producer reading.
type BroadcastMode string

const (
	BroadcastCanonical BroadcastMode = "canonical" // merged state frame
	BroadcastRaw       BroadcastMode = "raw"       // the producer's frame as received
)

func ParseBroadcastMode(s string) (BroadcastMode, error) {
	switch BroadcastMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", BroadcastCanonical:
		return BroadcastCanonical, nil
	case BroadcastRaw:
		return BroadcastRaw, nil
	}
	return "", fmt.Errorf("unknown broadcast mode %q", s)
}

// Sink receives one record per merge. Record must not block.
type Sink interface {
	Record(state model.CanonicalState, decision model.IrrigationDecision)
}

// consumerRoles receive state broadcasts. Unidentified peers are included so
// dashboards that never announce themselves still get updates.
var consumerRoles = []model.Role{model.RoleConsumer, model.RoleObserver, model.RoleUnknown}

// HubConfig carries the optional collaborators of a Hub.
type HubConfig struct {
	Policy  Policy
	Mode    BroadcastMode
	Sink    Sink
	Metrics *Metrics
	Logger  zerolog.Logger
	Now     func() time.Time
}

// PeerOptions describes a connection at registration time.
type PeerOptions struct {
	Role       model.Role
	DeclaredID string
	Remote     string
}

// Hub routes decoded frames between the registry and the reconciler.
type Hub struct {
	codec      *Codec
	registry   *Registry
	reconciler *Reconciler
	policy     Policy
	mode       BroadcastMode
	sink       Sink
	metrics    *Metrics
	log        zerolog.Logger
	now        func() time.Time

	// mu orders role checks, merges and the broadcasts they produce, so a
	// consumer's latest frame is always the latest state.
	mu sync.Mutex
}

func NewHub(codec *Codec, registry *Registry, reconciler *Reconciler, cfg HubConfig) *Hub {
	if len(cfg.Policy.Rules) == 0 {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Mode == "" {
		cfg.Mode = BroadcastCanonical
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	h := &Hub{
		codec:      codec,
		registry:   registry,
		reconciler: reconciler,
		policy:     cfg.Policy,
		mode:       cfg.Mode,
		sink:       cfg.Sink,
		metrics:    cfg.Metrics,
		log:        cfg.Logger.With().Str("component", "hub").Logger(),
		now:        cfg.Now,
	}
	registry.SetRemoveHandler(h.peerRemoved)
	return h
}

// Connect registers t and queues the current state as a welcome frame.
func (h *Hub) Connect(ctx context.Context, t Transport, opts PeerOptions) string {
	h.mu.Lock()
	id := h.registry.Register(ctx, t, opts.Role, opts.DeclaredID, opts.Remote)
	if frame, err := h.stateFrame(h.reconciler.Snapshot()); err == nil {
		_ = h.registry.Send(id, frame)
	}
	h.mu.Unlock()
	h.log.Info().Str("peer", id).Str("role", string(opts.Role)).Str("remote", opts.Remote).Msg("peer connected")
	return id
}

// Disconnect removes id; calling it more than once is harmless.
func (h *Hub) Disconnect(id string) {
	h.registry.Remove(id)
}

// HandleFrame processes one inbound frame from peer id. Bad frames are
// logged and dropped; the connection is never affected.
func (h *Hub) HandleFrame(id string, frame []byte) {
	env, err := h.codec.Decode(frame)
	if err != nil {
		h.metrics.decodeError(decodeReason(err))
		h.log.Debug().Err(err).Str("peer", id).Int("bytes", len(frame)).Msg("frame dropped")
		return
	}
	h.metrics.frameIn(string(env.Kind))

	switch env.Kind {
	case messages.KindIdentity:
		h.handleIdentity(id, env.Identity)
	case messages.KindTelemetry:
		h.handleTelemetry(id, env)
	case messages.KindCommand:
		h.handleCommand(id, env.Command)
	}
}

func (h *Hub) handleIdentity(id string, ident *messages.Identity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	change, err := h.registry.SetRole(id, ident.Role, ident.DeclaredID)
	if err != nil {
		h.log.Debug().Err(err).Str("peer", id).Msg("identity for departed peer")
		return
	}
	h.log.Info().Str("peer", id).Str("role", string(ident.Role)).Str("declared_id", ident.DeclaredID).Msg("peer identified")
	if change.LostProducer {
		h.producerGone()
	}
}

func (h *Hub) handleTelemetry(id string, env messages.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	role, ok := h.registry.Role(id)
	if !ok {
		return
	}
	switch role {
	case model.RoleUnknown:
		// first telemetry from an unidentified peer makes it the producer
		if _, err := h.registry.SetRole(id, model.RoleProducer, ""); err != nil {
			return
		}
		h.log.Info().Str("peer", id).Msg("producer inferred from telemetry")
	case model.RoleProducer:
	default:
		h.violation(id, role, "telemetry from non-producer")
		return
	}

	state := h.reconciler.Merge(*env.Telemetry, h.now().UTC(), true)
	decision := h.record(state)
	if h.mode == BroadcastRaw {
		h.registry.Broadcast(env.Raw, consumerRoles...)
		return
	}
	h.broadcastState(state, decision)
}

func (h *Hub) handleCommand(id string, cmd *messages.Command) {
	h.mu.Lock()
	defer h.mu.Unlock()
	role, ok := h.registry.Role(id)
	if !ok {
		return
	}
	switch role {
	case model.RoleUnknown:
		if _, err := h.registry.SetRole(id, model.RoleConsumer, ""); err != nil {
			return
		}
	case model.RoleConsumer:
	default:
		h.violation(id, role, "command from non-consumer")
		return
	}

	log := h.log.With().Str("peer", id).Str("command", cmd.Name).Logger()
	var reading model.TelemetryReading
	switch strings.ToLower(cmd.Name) {
	case "pump-on":
		reading.PumpStatus = model.Bool(true)
	case "pump-off":
		reading.PumpStatus = model.Bool(false)
	case "auto-on":
		reading.AutoMode = model.Bool(true)
	case "auto-off":
		reading.AutoMode = model.Bool(false)
	case "status", "refresh", "frontend-connected":
		if frame, err := h.stateFrame(h.reconciler.Snapshot()); err == nil {
			_ = h.registry.Send(id, frame)
		}
		h.forward(cmd)
		log.Debug().Msg("status refresh")
		return
	default:
		log.Debug().Err(ErrPolicyViolation).Msg("unknown command ignored")
		h.metrics.policyViolation("unknown command")
		return
	}

	state := h.reconciler.Merge(reading, h.now().UTC(), false)
	decision := h.record(state)
	h.forward(cmd)
	h.broadcastState(state, decision)
	log.Info().Bool("pump", state.PumpStatus).Bool("auto", state.AutoMode).Msg("command applied")
}

// forward relays cmd to producers so the device acts on it.
func (h *Hub) forward(cmd *messages.Command) {
	frame, err := Encode(messages.NewCommandFrame(*cmd))
	if err != nil {
		h.log.Error().Err(err).Msg("encode command")
		return
	}
	if n := h.registry.Broadcast(frame, model.RoleProducer); n == 0 {
		h.log.Debug().Str("command", cmd.Name).Msg("no producer to forward to")
	}
}

func (h *Hub) peerRemoved(p PeerInfo) {
	h.log.Info().Str("peer", p.ID).Str("role", string(p.Role)).Bool("authoritative", p.Authoritative).Msg("peer disconnected")
	if p.Authoritative {
		h.mu.Lock()
		h.producerGone()
		h.mu.Unlock()
	}
}

// producerGone clears the producer flag and tells consumers. Callers hold h.mu.
func (h *Hub) producerGone() {
	state := h.reconciler.SetProducerConnected(false)
	h.broadcastState(state, ComputeDecision(state, h.policy))
}

func (h *Hub) record(state model.CanonicalState) model.IrrigationDecision {
	decision := ComputeDecision(state, h.policy)
	h.metrics.merged(decision.Score)
	if h.sink != nil {
		h.sink.Record(state, decision)
	}
	return decision
}

func (h *Hub) broadcastState(state model.CanonicalState, decision model.IrrigationDecision) {
	frame, err := Encode(messages.NewStateFrame(state, decision))
	if err != nil {
		h.log.Error().Err(err).Msg("encode state")
		return
	}
	h.registry.Broadcast(frame, consumerRoles...)
}

func (h *Hub) stateFrame(state model.CanonicalState) ([]byte, error) {
	return Encode(messages.NewStateFrame(state, ComputeDecision(state, h.policy)))
}

func (h *Hub) violation(id string, role model.Role, reason string) {
	h.metrics.policyViolation(reason)
	h.log.Debug().Err(ErrPolicyViolation).Str("peer", id).Str("role", string(role)).Msg(reason)
}

// Snapshot returns the current state and its decision.
func (h *Hub) Snapshot() (model.CanonicalState, model.IrrigationDecision) {
	s := h.reconciler.Snapshot()
	return s, ComputeDecision(s, h.policy)
}

func (h *Hub) History() []model.HistoryEntry { return h.reconciler.History() }

func (h *Hub) Peers() []PeerInfo { return h.registry.Peers() }

func (h *Hub) Policy() Policy { return h.policy }

func decodeReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrUnclassified):
		return "unclassified"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	}
	return "other"
}
