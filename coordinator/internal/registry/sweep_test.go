package registry

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fabricrun/fabric/shared/types"
)

func TestStartSweeperDemotesStaleWorkersOnSchedule(t *testing.T) {
	r := newTestRegistry(t, 20*time.Millisecond)
	ctx := context.Background()

	if _, err := r.Register(ctx, types.Worker{ID: "stale-1", DeviceName: "box"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	time.Sleep(30 * time.Millisecond) // outlive the liveness timeout before the sweeper ever runs

	sweeper, err := StartSweeper(r, 20*time.Millisecond, zap.NewNop())
	if err != nil {
		t.Fatalf("StartSweeper: %v", err)
	}
	defer sweeper.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w, err := r.Get("stale-1")
		if err == nil && w.Status == types.WorkerOffline {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("sweeper never demoted the stale worker within the deadline")
}

func TestSweeperStopShutsDownCleanly(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	sweeper, err := StartSweeper(r, time.Hour, zap.NewNop())
	if err != nil {
		t.Fatalf("StartSweeper: %v", err)
	}
	if err := sweeper.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
