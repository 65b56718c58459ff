package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LeonardoBeccarini/irrigation_relay/internal/model"
	"github.com/LeonardoBeccarini/irrigation_relay/pkg/ring"
)

const DefaultPeerQueueSize = 64

// Transport is the write side of a peer connection. WriteFrame is only ever
// called from the peer's writer goroutine; Close may be called from anywhere.
type Transport interface {
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

// PeerInfo is a read-only view of a registered peer.
type PeerInfo struct {
	ID            string     `json:"id"`
	Role          model.Role `json:"role"`
	DeclaredID    string     `json:"declaredId,omitempty"`
	Remote        string     `json:"remote,omitempty"`
	ConnectedAt   time.Time  `json:"connectedAt"`
	Authoritative bool       `json:"authoritative"`
	Dropped       uint64     `json:"dropped"`
}

// RoleChange reports the side effects of SetRole.
type RoleChange struct {
	Demoted      []string // producers replaced by the caller
	LostProducer bool     // the caller was the authoritative producer and no longer is
}

type peer struct {
	id          string
	role        model.Role
	declaredID  string
	remote      string
	connectedAt time.Time
	transport   Transport
	out         *outbox
	cancel      context.CancelFunc
}

// Registry tracks live peers. Each peer gets a bounded outbound queue and a
// writer goroutine draining it, so a slow peer never blocks its senders.
type Registry struct {
	mu            sync.RWMutex
	peers         map[string]*peer
	authoritative string
	queueSize     int
	onRemove      func(PeerInfo)
	metrics       *Metrics
	log           zerolog.Logger
}

func NewRegistry(queueSize int, metrics *Metrics, log zerolog.Logger) *Registry {
	if queueSize <= 0 {
		queueSize = DefaultPeerQueueSize
	}
	return &Registry{
		peers:     make(map[string]*peer),
		queueSize: queueSize,
		metrics:   metrics,
		log:       log.With().Str("component", "registry").Logger(),
	}
}

// SetRemoveHandler installs fn, called exactly once per removed peer.
func (r *Registry) SetRemoveHandler(fn func(PeerInfo)) {
	r.mu.Lock()
	r.onRemove = fn
	r.mu.Unlock()
}

// Register adds t as a new peer and starts its writer. A producer role given
// here takes authority immediately, same as SetRole.
func (r *Registry) Register(ctx context.Context, t Transport, role model.Role, declaredID, remote string) string {
	if role == "" {
		role = model.RoleUnknown
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &peer{
		id:          uuid.NewString(),
		role:        model.RoleUnknown,
		declaredID:  declaredID,
		remote:      remote,
		connectedAt: time.Now().UTC(),
		transport:   t,
		out:         newOutbox(r.queueSize),
		cancel:      cancel,
	}

	r.mu.Lock()
	r.peers[p.id] = p
	r.mu.Unlock()

	if role != model.RoleUnknown {
		_, _ = r.SetRole(p.id, role, declaredID)
	}
	r.metrics.connected()
	r.updateGauge()
	r.log.Debug().Str("peer", p.id).Str("role", string(role)).Str("remote", remote).Msg("peer registered")

	go r.writeLoop(pctx, p)
	return p.id
}

// SetRole resolves the role of id. The newest producer wins: any other
// producer is demoted to observer.
func (r *Registry) SetRole(id string, role model.Role, declaredID string) (RoleChange, error) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return RoleChange{}, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}

	var change RoleChange
	if declaredID != "" {
		p.declaredID = declaredID
	}
	if role == model.RoleUnknown {
		r.mu.Unlock()
		return change, nil
	}
	p.role = role
	if role == model.RoleProducer {
		for oid, o := range r.peers {
			if oid != id && o.role == model.RoleProducer {
				o.role = model.RoleObserver
				change.Demoted = append(change.Demoted, oid)
			}
		}
		r.authoritative = id
	} else if r.authoritative == id {
		r.authoritative = ""
		change.LostProducer = true
	}
	r.mu.Unlock()

	for _, d := range change.Demoted {
		r.log.Info().Str("peer", d).Str("replaced_by", id).Msg("producer demoted to observer")
	}
	r.updateGauge()
	return change, nil
}

// Role returns the current role of id.
func (r *Registry) Role(id string) (model.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return "", false
	}
	return p.role, true
}

// Authoritative returns the id of the current producer, or "".
func (r *Registry) Authoritative() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.authoritative
}

// Broadcast queues frame on every peer whose role is in roles (all peers when
// roles is empty) and returns how many peers it was queued for.
func (r *Registry) Broadcast(frame []byte, roles ...model.Role) int {
	r.mu.RLock()
	targets := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		if matchesRole(p.role, roles) {
			targets = append(targets, p)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, p := range targets {
		if r.enqueue(p, frame) == nil {
			n++
		}
	}
	return n
}

// Send queues frame for a single peer.
func (r *Registry) Send(id string, frame []byte) error {
	r.mu.RLock()
	p, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return r.enqueue(p, frame)
}

func (r *Registry) enqueue(p *peer, frame []byte) error {
	dropped, err := p.out.push(frame)
	if err != nil {
		return err
	}
	if dropped {
		r.metrics.frameDropped()
		r.log.Debug().Str("peer", p.id).Msg("queue full, dropped oldest frame")
	}
	return nil
}

// Remove unregisters id and closes its transport. Only the first call for a
// given id has any effect; it returns false afterwards.
func (r *Registry) Remove(id string) (PeerInfo, bool) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return PeerInfo{}, false
	}
	delete(r.peers, id)
	info := p.info(r.authoritative == id)
	if r.authoritative == id {
		r.authoritative = ""
	}
	onRemove := r.onRemove
	r.mu.Unlock()

	p.cancel()
	p.out.close()
	if err := p.transport.Close(); err != nil {
		r.log.Debug().Err(err).Str("peer", id).Msg("transport close")
	}
	r.metrics.disconnected()
	r.updateGauge()
	r.log.Debug().Str("peer", id).Str("role", string(info.Role)).Msg("peer removed")

	if onRemove != nil {
		onRemove(info)
	}
	return info, true
}

// Close removes every peer.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Remove(id)
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) CountByRole() map[model.Role]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[model.Role]int, 4)
	for _, p := range r.peers {
		out[p.role]++
	}
	return out
}

// Peers lists live peers, oldest connection first.
func (r *Registry) Peers() []PeerInfo {
	r.mu.RLock()
	out := make([]PeerInfo, 0, len(r.peers))
	for id, p := range r.peers {
		out = append(out, p.info(id == r.authoritative))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (r *Registry) updateGauge() {
	if r.metrics == nil {
		return
	}
	r.metrics.setPeers(r.CountByRole())
}

func (r *Registry) writeLoop(ctx context.Context, p *peer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.out.ready():
		}
		for {
			frame, ok := p.out.pop()
			if !ok {
				break
			}
			if err := p.transport.WriteFrame(ctx, frame); err != nil {
				if ctx.Err() == nil {
					r.log.Debug().Err(err).Str("peer", p.id).Msg("write failed, removing peer")
				}
				r.Remove(p.id)
				return
			}
			r.metrics.frameOut()
		}
	}
}

func (p *peer) info(authoritative bool) PeerInfo {
	return PeerInfo{
		ID:            p.id,
		Role:          p.role,
		DeclaredID:    p.declaredID,
		Remote:        p.remote,
		ConnectedAt:   p.connectedAt,
		Authoritative: authoritative,
		Dropped:       p.out.droppedCount(),
	}
}

func matchesRole(role model.Role, roles []model.Role) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// outbox is a bounded FIFO that drops its oldest frame when full.
type outbox struct {
	mu      sync.Mutex
	frames  *ring.Ring[[]byte]
	notify  chan struct{}
	closed  bool
	dropped atomic.Uint64
}

func newOutbox(size int) *outbox {
	return &outbox{
		frames: ring.New[[]byte](size),
		notify: make(chan struct{}, 1),
	}
}

func (o *outbox) push(frame []byte) (dropped bool, err error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false, ErrPeerClosed
	}
	_, dropped = o.frames.Push(frame)
	o.mu.Unlock()

	if dropped {
		o.dropped.Add(1)
	}
	select {
	case o.notify <- struct{}{}:
	default:
	}
	return dropped, nil
}

func (o *outbox) pop() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, false
	}
	return o.frames.Pop()
}

func (o *outbox) ready() <-chan struct{} { return o.notify }

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.frames.Reset()
	o.mu.Unlock()
}

func (o *outbox) droppedCount() uint64 { return o.dropped.Load() }
