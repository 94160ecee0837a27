package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/metalmcp/metalmcp/internal/config"
	"github.com/metalmcp/metalmcp/internal/observability"
)

// OperationStatus is the lifecycle state of a long-running operation.
type OperationStatus string

// Operation states.
const (
	OperationRunning   OperationStatus = "running"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
)

// Operation tracks one long-running provisioning action (deploy,
// release) so clients can poll it or follow progress notifications.
type Operation struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	SystemID  string          `json:"system_id"`
	Status    OperationStatus `json:"status"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// notifier throttles progress broadcasts per operation so a chatty
// poller cannot flood clients. Terminal events always go out.
type notifier struct {
	hub         *Hub
	minInterval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newNotifier(hub *Hub, minInterval time.Duration) *notifier {
	if minInterval <= 0 {
		minInterval = config.DefaultProgressMinInterval
	}
	return &notifier{
		hub:         hub,
		minInterval: minInterval,
		limiters:    make(map[string]*rate.Limiter),
	}
}

func (n *notifier) progress(op Operation) {
	if n.hub == nil {
		return
	}

	if op.Status == OperationRunning {
		n.mu.Lock()
		limiter, ok := n.limiters[op.ID]
		if !ok {
			limiter = rate.NewLimiter(rate.Every(n.minInterval), 1)
			n.limiters[op.ID] = limiter
		}
		n.mu.Unlock()

		if !limiter.Allow() {
			return
		}
	} else {
		n.mu.Lock()
		delete(n.limiters, op.ID)
		n.mu.Unlock()
	}

	n.hub.Broadcast("notifications/progress", op)
}

// Registry tracks long-running operations in memory. Terminal
// operations are pruned after the retention window.
type Registry struct {
	logger    observability.Logger
	notifier  *notifier
	retention time.Duration

	mu  sync.Mutex
	ops map[string]*Operation
}

// RegistryOption is a functional option for configuring the registry.
type RegistryOption func(*Registry)

// WithRetention sets how long terminal operations stay queryable.
func WithRetention(retention time.Duration) RegistryOption {
	return func(r *Registry) {
		if retention > 0 {
			r.retention = retention
		}
	}
}

// WithProgressMinInterval sets the minimum spacing between progress
// notifications per operation.
func WithProgressMinInterval(interval time.Duration) RegistryOption {
	return func(r *Registry) {
		r.notifier.minInterval = interval
	}
}

// NewRegistry creates an operation registry broadcasting progress
// through hub.
func NewRegistry(hub *Hub, logger observability.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}

	r := &Registry{
		logger:    logger,
		notifier:  newNotifier(hub, config.DefaultProgressMinInterval),
		retention: config.DefaultOperationRetention,
		ops:       make(map[string]*Operation),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start registers a new running operation and returns it.
func (r *Registry) Start(kind, systemID string) Operation {
	now := time.Now()
	op := &Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		SystemID:  systemID,
		Status:    OperationRunning,
		StartedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.prune(now)
	r.ops[op.ID] = op
	snapshot := *op
	r.mu.Unlock()

	r.logger.Info("operation started",
		observability.String("operation", op.ID),
		observability.String("kind", kind),
		observability.String("system_id", systemID))

	r.notifier.progress(snapshot)
	return snapshot
}

// Update records progress on a running operation.
func (r *Registry) Update(id string, progress int, message string) {
	r.mu.Lock()
	op, ok := r.ops[id]
	if !ok || op.Status != OperationRunning {
		r.mu.Unlock()
		return
	}
	op.Progress = progress
	op.Message = message
	op.UpdatedAt = time.Now()
	snapshot := *op
	r.mu.Unlock()

	r.notifier.progress(snapshot)
}

// Complete marks an operation terminal. A nil err means success.
func (r *Registry) Complete(id string, err error) {
	r.mu.Lock()
	op, ok := r.ops[id]
	if !ok || op.Status != OperationRunning {
		r.mu.Unlock()
		return
	}
	if err != nil {
		op.Status = OperationFailed
		op.Error = err.Error()
	} else {
		op.Status = OperationCompleted
		op.Progress = 100
	}
	op.UpdatedAt = time.Now()
	snapshot := *op
	r.mu.Unlock()

	r.logger.Info("operation finished",
		observability.String("operation", id),
		observability.String("status", string(snapshot.Status)))

	r.notifier.progress(snapshot)
}

// Get returns a snapshot of an operation.
func (r *Registry) Get(id string) (Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

// prune drops terminal operations past the retention window.
// Must be called with the lock held.
func (r *Registry) prune(now time.Time) {
	cutoff := now.Add(-r.retention)
	for id, op := range r.ops {
		if op.Status != OperationRunning && op.UpdatedAt.Before(cutoff) {
			delete(r.ops, id)
		}
	}
}
