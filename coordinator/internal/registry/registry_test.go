package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fabricrun/fabric/shared/ferrors"
	"github.com/fabricrun/fabric/shared/types"
)

func newTestRegistry(t *testing.T, timeout time.Duration) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	r, err := Open(path, timeout, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegisterInsertsReadyWorker(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	w, err := r.Register(ctx, types.Worker{ID: "w1", DeviceName: "box-1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if w.Status != types.WorkerReady {
		t.Errorf("Status = %s, want %s", w.Status, types.WorkerReady)
	}
	if w.RegisteredAt.IsZero() || w.LastHeartbeat.IsZero() {
		t.Error("expected RegisteredAt and LastHeartbeat to be set")
	}
}

func TestRegisterPreservesRegisteredAtAcrossReRegistration(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	first, err := r.Register(ctx, types.Worker{ID: "w1"})
	if err != nil {
		t.Fatalf("first Register: %v", err)
	}

	second, err := r.Register(ctx, types.Worker{ID: "w1", DeviceName: "renamed"})
	if err != nil {
		t.Fatalf("second Register: %v", err)
	}
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Errorf("RegisteredAt changed on re-registration: %v != %v", second.RegisteredAt, first.RegisteredAt)
	}
	if second.DeviceName != "renamed" {
		t.Errorf("DeviceName = %q, want updated value", second.DeviceName)
	}
}

func TestHeartbeatUnknownWorkerIsRejected(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	err := r.Heartbeat(context.Background(), "ghost")
	if !ferrors.Is(err, ferrors.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestHeartbeatRefreshesLastHeartbeat(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()
	if _, err := r.Register(ctx, types.Worker{ID: "w1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	before, err := r.Get("w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	if err := r.Heartbeat(ctx, "w1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	after, err := r.Get("w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !after.LastHeartbeat.After(before.LastHeartbeat) {
		t.Error("expected LastHeartbeat to advance")
	}
}

func TestRepeatedHeartbeatsWithinTheSameSecondStayConsistent(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()
	if _, err := r.Register(ctx, types.Worker{ID: "w1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := r.Heartbeat(ctx, "w1"); err != nil {
			t.Fatalf("Heartbeat #%d: %v", i, err)
		}
	}

	w, err := r.Get("w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if w.Status != types.WorkerReady {
		t.Errorf("Status = %s, want %s after repeated heartbeats", w.Status, types.WorkerReady)
	}
}

func TestSweepDemotesStaleWorkersOnly(t *testing.T) {
	r := newTestRegistry(t, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := r.Register(ctx, types.Worker{ID: "stale"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := r.Register(ctx, types.Worker{ID: "fresh"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	demoted := r.Sweep(ctx)
	if demoted != 1 {
		t.Fatalf("Sweep demoted %d workers, want 1", demoted)
	}

	stale, err := r.Get("stale")
	if err != nil {
		t.Fatalf("Get stale: %v", err)
	}
	if stale.Status != types.WorkerOffline {
		t.Errorf("stale worker status = %s, want %s", stale.Status, types.WorkerOffline)
	}

	fresh, err := r.Get("fresh")
	if err != nil {
		t.Fatalf("Get fresh: %v", err)
	}
	if fresh.Status != types.WorkerReady {
		t.Errorf("fresh worker status = %s, want %s", fresh.Status, types.WorkerReady)
	}
}

func TestSweepNeverDeletesRows(t *testing.T) {
	r := newTestRegistry(t, time.Nanosecond)
	ctx := context.Background()
	if _, err := r.Register(ctx, types.Worker{ID: "w1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	time.Sleep(time.Millisecond)
	r.Sweep(ctx)

	if _, err := r.Get("w1"); err != nil {
		t.Fatalf("expected offline row to still exist, got %v", err)
	}
}

func TestListActiveOnlyExcludesStaleEntries(t *testing.T) {
	r := newTestRegistry(t, 10*time.Millisecond)
	ctx := context.Background()
	if _, err := r.Register(ctx, types.Worker{ID: "stale"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := r.Register(ctx, types.Worker{ID: "fresh"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	active := r.List(true)
	if len(active) != 1 || active[0].ID != "fresh" {
		t.Errorf("List(true) = %+v, want only 'fresh'", active)
	}

	all := r.List(false)
	if len(all) != 2 {
		t.Errorf("List(false) = %d entries, want 2", len(all))
	}
}

func TestRegistryStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	r1, err := Open(path, time.Minute, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := r1.Register(context.Background(), types.Worker{ID: "durable"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r2, err := Open(path, time.Minute, zap.NewNop())
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer r2.Close()

	w, err := r2.Get("durable")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if w.ID != "durable" {
		t.Errorf("ID = %q, want durable", w.ID)
	}
}
