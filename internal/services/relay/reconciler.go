package relay

import (
	"sync"
	"time"

	"github.com/LeonardoBeccarini/irrigation_relay/internal/model"
	"github.com/LeonardoBeccarini/irrigation_relay/pkg/ring"
)

const DefaultHistorySize = 100

// Reconciler owns the canonical state and its rolling history.
// All mutations happen under one mutex so merges linearize in arrival order.
type Reconciler struct {
	mu      sync.Mutex
	state   model.CanonicalState
	history *ring.Ring[model.HistoryEntry]
}

func NewReconciler(historySize int) *Reconciler {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Reconciler{
		state:   model.DefaultState(),
		history: ring.New[model.HistoryEntry](historySize),
	}
}

// Merge overwrites the present fields of r, stamps the state with at and
// records the result in history. The returned value is the post-merge snapshot.
func (c *Reconciler) Merge(r model.TelemetryReading, at time.Time, fromProducer bool) model.CanonicalState {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.state.Apply(r)
	next.LastUpdated = at
	if fromProducer {
		next.ProducerConnected = true
	}
	c.state = next
	c.history.Push(model.HistoryEntry{Timestamp: at, State: next})
	return next
}

// SetProducerConnected flips the producer flag without touching history.
func (c *Reconciler) SetProducerConnected(connected bool) model.CanonicalState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ProducerConnected = connected
	return c.state
}

func (c *Reconciler) Snapshot() model.CanonicalState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns a copy of the buffered snapshots, oldest first.
func (c *Reconciler) History() []model.HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Items()
}

func (c *Reconciler) HistoryCap() int {
	return c.history.Cap()
}
