package jobengine

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fabricrun/fabric/shared/ferrors"
	"github.com/fabricrun/fabric/shared/types"
	"github.com/fabricrun/fabric/shared/wire"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []wire.Message
}

func (f *fakePublisher) Publish(topic string, msg wire.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

func newTestEngine(t *testing.T, allowFallback bool) (*Engine, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	cfg := Config{
		OutputRoot:              t.TempDir(),
		ScratchRoot:             t.TempDir(),
		AllowSubprocessFallback: allowFallback,
		ScriptImage:             "fabric/script-runner:latest",
		RenderImage:             "fabric/render-runner:latest",
	}
	// sb is nil: no container runtime reachable in this test environment,
	// exercising the subprocess-fallback / infrastructure-error paths only.
	return New(cfg, nil, pub, zap.NewNop()), pub
}

func waitForTerminalStatus(t *testing.T, e *Engine, jobID string) *StatusView {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		view, err := e.Status(jobID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if view.Job.Status == types.JobStatusCompleted || view.Job.Status == types.JobStatusFailed {
			return view
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state in time", jobID)
	return nil
}

func TestSubmitRejectsUnknownMode(t *testing.T) {
	e, _ := newTestEngine(t, false)
	_, err := e.Submit(context.Background(), SubmitRequest{Mode: types.JobMode("bogus"), Payload: "x"})
	if !ferrors.Is(err, ferrors.Validation) {
		t.Fatalf("expected validation-error, got %v", err)
	}
}

func TestSubmitRejectsCLICommandNotOnAllowList(t *testing.T) {
	e, _ := newTestEngine(t, false)
	_, err := e.Submit(context.Background(), SubmitRequest{Mode: types.ModeCLI, Command: "rm"})
	if !ferrors.Is(err, ferrors.Validation) {
		t.Fatalf("expected validation-error, got %v", err)
	}
}

func TestSubmitRejectsMissingPayloadForScriptMode(t *testing.T) {
	e, _ := newTestEngine(t, false)
	_, err := e.Submit(context.Background(), SubmitRequest{Mode: types.ModeScript})
	if !ferrors.Is(err, ferrors.Validation) {
		t.Fatalf("expected validation-error, got %v", err)
	}
}

func TestSubmitWithoutRuntimeAndFallbackDisabledFailsAsInfrastructure(t *testing.T) {
	e, _ := newTestEngine(t, false)
	job, err := e.Submit(context.Background(), SubmitRequest{Mode: types.ModeScript, Payload: "print(1)"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	view := waitForTerminalStatus(t, e, job.ID)
	if view.Job.Status != types.JobStatusFailed {
		t.Fatalf("Status = %s, want failed", view.Job.Status)
	}
	if view.Job.ErrorKind != string(ferrors.Infrastructure) {
		t.Errorf("ErrorKind = %q, want %q", view.Job.ErrorKind, ferrors.Infrastructure)
	}
}

func TestSubmitCLIModeRunsViaSubprocessFallback(t *testing.T) {
	e, _ := newTestEngine(t, true)
	job, err := e.Submit(context.Background(), SubmitRequest{Mode: types.ModeCLI, Command: "echo", Args: []string{"hello"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	view := waitForTerminalStatus(t, e, job.ID)
	if view.Job.Status != types.JobStatusCompleted {
		t.Fatalf("Status = %s, want completed (err=%s)", view.Job.Status, view.Job.ErrorMessage)
	}
	if view.Job.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", view.Job.ExitCode)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	e, _ := newTestEngine(t, false)
	err := e.Cancel("ghost")
	if !ferrors.Is(err, ferrors.NotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	e, _ := newTestEngine(t, false)
	_, err := e.Status("ghost")
	if !ferrors.Is(err, ferrors.NotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestArtifactRejectsPathTraversalNames(t *testing.T) {
	e, _ := newTestEngine(t, false)
	_, err := e.Artifact("job-1", "../../etc/passwd")
	if !ferrors.Is(err, ferrors.Validation) {
		t.Fatalf("expected validation-error for a sanitize failure, got %v", err)
	}
}

func TestSubscribeDeliversLifecycleEvents(t *testing.T) {
	e, _ := newTestEngine(t, true)
	job, err := e.Submit(context.Background(), SubmitRequest{Mode: types.ModeCLI, Command: "echo", Args: []string{"hi"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ch, cancel := e.Subscribe(job.ID)
	defer cancel()

	sawRunning, sawTerminal := false, false
	deadline := time.After(2 * time.Second)
	for !sawTerminal {
		select {
		case msg := <-ch:
			payload, ok := msg.Payload.(wire.JobStatusPayload)
			if !ok {
				continue
			}
			if payload.State == string(types.JobStatusRunning) {
				sawRunning = true
			}
			if payload.State == string(types.JobStatusCompleted) || payload.State == string(types.JobStatusFailed) {
				sawTerminal = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for lifecycle events")
		}
	}
	if !sawRunning {
		t.Error("expected a running-state event before the terminal one")
	}
}

func TestSubmitCLIModeNonZeroExitMarksFailedWithExitCode(t *testing.T) {
	e, _ := newTestEngine(t, true)
	job, err := e.Submit(context.Background(), SubmitRequest{Mode: types.ModeCLI, Command: "false"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	view := waitForTerminalStatus(t, e, job.ID)
	if view.Job.Status != types.JobStatusFailed {
		t.Fatalf("Status = %s, want failed", view.Job.Status)
	}
	if view.Job.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", view.Job.ExitCode)
	}
	if len(view.Job.Artifacts) != 0 {
		t.Errorf("Artifacts = %v, want none for a command with no stdout", view.Job.Artifacts)
	}
}

func TestRunSubprocessFallbackReportsTimeoutNearDeadline(t *testing.T) {
	e, _ := newTestEngine(t, true)
	job := &types.Job{ID: "timeout-1", Mode: types.ModeCLI, Command: "sleep", Args: []string{"5"}}
	limits := types.ModeLimits{Deadline: 50 * time.Millisecond}

	result, err := e.runSubprocessFallback(context.Background(), job, limits, "", t.TempDir())
	if err != nil {
		t.Fatalf("runSubprocessFallback: %v", err)
	}
	if !result.TimedOut {
		t.Fatal("expected TimedOut = true")
	}
	if result.ExitCode != types.TimeoutExitCode {
		t.Errorf("ExitCode = %d, want %d", result.ExitCode, types.TimeoutExitCode)
	}
	if result.RuntimeTime < limits.Deadline || result.RuntimeTime > 2*time.Second {
		t.Errorf("RuntimeTime = %s, want close to the %s deadline", result.RuntimeTime, limits.Deadline)
	}
}

func TestScratchDirectoryLeavesNoResidueAfterTerminalState(t *testing.T) {
	e, _ := newTestEngine(t, false)
	job, err := e.Submit(context.Background(), SubmitRequest{Mode: types.ModeScript, Payload: "print(1)"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForTerminalStatus(t, e, job.ID)

	scratchDir := e.cfg.ScratchRoot + "/" + job.ID
	if _, err := os.Stat(scratchDir); !os.IsNotExist(err) {
		t.Errorf("scratch dir %s still exists after terminal state: err=%v", scratchDir, err)
	}
}

func TestStreamedLogLinesConcatenateToTheStatusLogList(t *testing.T) {
	e, pub := newTestEngine(t, true)
	job, err := e.Submit(context.Background(), SubmitRequest{Mode: types.ModeCLI, Command: "echo", Args: []string{"concat-me"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	view := waitForTerminalStatus(t, e, job.ID)

	pub.mu.Lock()
	var streamed []string
	for _, msg := range pub.msgs {
		if payload, ok := msg.Payload.(wire.JobLogPayload); ok {
			streamed = append(streamed, payload.Line)
		}
	}
	pub.mu.Unlock()

	if len(streamed) != len(view.Job.Logs) {
		t.Fatalf("streamed %d log lines, status has %d", len(streamed), len(view.Job.Logs))
	}
	for i, line := range streamed {
		if line != view.Job.Logs[i] {
			t.Errorf("streamed[%d] = %q, status log[%d] = %q", i, line, i, view.Job.Logs[i])
		}
	}
}

func TestActiveCountTracksInFlightJobs(t *testing.T) {
	e, _ := newTestEngine(t, true)
	if e.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d before any submit, want 0", e.ActiveCount())
	}

	job, err := e.Submit(context.Background(), SubmitRequest{Mode: types.ModeCLI, Command: "echo", Args: []string{"x"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForTerminalStatus(t, e, job.ID)

	if e.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d after completion, want 0", e.ActiveCount())
	}
}
