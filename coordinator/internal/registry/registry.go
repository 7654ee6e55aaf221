// Package registry maintains the set of candidate workers, keeps each one's
// last-heartbeat timestamp fresh, and downgrades stale entries to offline.
//
// The in-memory map is the source of truth during normal operation; the
// store is snapshotted on every mutating call so a crash-restarted
// coordinator recovers the last known set (§4.1).
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fabricrun/fabric/shared/ferrors"
	"github.com/fabricrun/fabric/shared/types"
)

const keyPrefix = "worker:"

// Registry is the worker registry and liveness authority.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*types.Worker
	store   *store
	logger  *zap.Logger
	timeout time.Duration
}

// Open loads the registry's durable state from path (created if absent).
func Open(path string, timeout time.Duration, logger *zap.Logger) (*Registry, error) {
	st, err := openStore(path)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		workers: make(map[string]*types.Worker),
		store:   st,
		logger:  logger,
		timeout: timeout,
	}

	rows, err := st.loadAll(context.Background(), keyPrefix)
	if err != nil {
		return nil, err
	}
	for _, raw := range rows {
		var w types.Worker
		if err := json.Unmarshal(raw, &w); err != nil {
			logger.Warn("registry: dropping corrupt snapshot row", zap.Error(err))
			continue
		}
		r.workers[w.ID] = &w
	}
	return r, nil
}

// Close releases the underlying store.
func (r *Registry) Close() error { return r.store.close() }

// Register upserts worker by ID. On insert, status is set to ready and both
// RegisteredAt and LastHeartbeat are set to now.
func (r *Registry) Register(ctx context.Context, w types.Worker) (*types.Worker, error) {
	now := time.Now()

	r.mu.Lock()
	existing, had := r.workers[w.ID]
	if had {
		w.RegisteredAt = existing.RegisteredAt
	} else {
		w.RegisteredAt = now
	}
	w.LastHeartbeat = now
	w.Status = types.WorkerReady
	r.workers[w.ID] = &w
	snapshot := w
	r.mu.Unlock()

	if err := r.persist(ctx, &snapshot); err != nil {
		return nil, ferrors.Wrap(ferrors.Infrastructure, "failed to persist worker registration", err)
	}
	return &snapshot, nil
}

// Heartbeat refreshes last-heartbeat for an existing worker. A heartbeat for
// an unknown worker-id is logged and dropped — it never auto-creates a row.
func (r *Registry) Heartbeat(ctx context.Context, workerID string) error {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		r.logger.Info("registry: heartbeat for unknown worker dropped", zap.String("worker_id", workerID))
		return ferrors.New(ferrors.NotFound, "worker not registered")
	}
	w.LastHeartbeat = time.Now()
	w.Status = types.WorkerReady
	snapshot := *w
	r.mu.Unlock()

	return r.persist(ctx, &snapshot)
}

// Get returns a snapshot of worker-id, or ferrors.NotFound.
func (r *Registry) Get(workerID string) (*types.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return nil, ferrors.New(ferrors.NotFound, "worker not found")
	}
	snap := *w
	return &snap, nil
}

// List returns every worker, optionally filtered to those whose
// last-heartbeat age is within the liveness timeout.
func (r *Registry) List(activeOnly bool) []types.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	out := make([]types.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if activeOnly && now.Sub(w.LastHeartbeat) > r.timeout {
			continue
		}
		out = append(out, *w)
	}
	return out
}

// Sweep marks every entry whose status is not already offline and whose
// last-heartbeat age exceeds the liveness timeout as offline. Rows are
// never deleted — offline is itself an observable record.
func (r *Registry) Sweep(ctx context.Context) int {
	now := time.Now()

	r.mu.Lock()
	var demoted []*types.Worker
	for _, w := range r.workers {
		if w.Status != types.WorkerOffline && now.Sub(w.LastHeartbeat) > r.timeout {
			w.Status = types.WorkerOffline
			snap := *w
			demoted = append(demoted, &snap)
		}
	}
	r.mu.Unlock()

	for _, w := range demoted {
		if err := r.persist(ctx, w); err != nil {
			r.logger.Warn("registry: failed to persist sweep demotion", zap.String("worker_id", w.ID), zap.Error(err))
		}
	}
	return len(demoted)
}

// DeviceCount returns the distinct count of populated endpoint addresses,
// used for capacity reporting.
func (r *Registry) DeviceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	for _, w := range r.workers {
		if w.Endpoint != "" {
			seen[w.Endpoint] = struct{}{}
		}
	}
	return len(seen)
}

func (r *Registry) persist(ctx context.Context, w *types.Worker) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return r.store.put(ctx, keyPrefix+w.ID, raw, time.Now().Unix())
}
