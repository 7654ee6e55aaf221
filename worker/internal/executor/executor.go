// Package executor runs decrypted task payloads delivered over the worker's
// direct data channel in a disposable sandbox and produces the result frame
// shipped back to the client. It mirrors the coordinator's job execution
// engine's mode dispatch and sandbox discipline exactly — the two paths
// (REST-submitted job run by the coordinator, peer-to-peer task run by a
// worker) share the identical sandbox.Spec construction rules, only the
// transport that carries the payload in and the result out differs.
//
// The executor runs one task at a time: a worker process that already has a
// task in flight does not start a second one concurrently, matching the
// coordinator's "first-fit on a compatible worker" dispatch model — a busy
// worker should not be offered for new sessions until it frees up.
package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fabricrun/fabric/shared/sandbox"
	"github.com/fabricrun/fabric/shared/types"
)

// queueSize bounds how many tasks may be buffered while one is executing.
// Once the buffer is full, Enqueue rejects further tasks; nothing marks the
// worker busy in the coordinator's registry.
const queueSize = 16

// TaskRequest is the decrypted body of an encrypted-task frame.
type TaskRequest struct {
	JobID     string
	SessionID string
	CellID    string
	Mode      types.JobMode
	Payload   string
	Command   string
	Args      []string
}

// ArtifactData is one output file produced by a task, carried inline in the
// result since the worker has no durable artifact store of its own — the
// peer-to-peer path delivers bytes directly to the client that asked for them.
type ArtifactData struct {
	Name    string
	Content []byte
}

// TaskResult is the outcome of running one TaskRequest, ready to be encrypted
// and sent back as an encrypted-result frame.
type TaskResult struct {
	JobID     string
	ExitCode  int
	TimedOut  bool
	Stdout    string
	Stderr    string
	Runtime   time.Duration
	Artifacts []ArtifactData
	ErrorKind string
	ErrorMsg  string
}

// LogSink receives log lines as a task runs. What it does with them is up to
// the implementation; the connection manager's sink logs them locally.
type LogSink interface {
	SendLog(jobID, stream, line string)
}

// Config mirrors the coordinator's jobengine.Config for the subset of
// knobs the worker also needs: image selection and the scratch/output roots
// a task's files are materialized under.
type Config struct {
	ScratchRoot             string
	OutputRoot              string
	AllowSubprocessFallback bool
	ScriptImage             string
	RenderImage             string
}

// Executor runs TaskRequests one at a time using a sandbox if one is
// available, falling back to a direct subprocess only when configured to.
type Executor struct {
	cfg       Config
	sandbox   *sandbox.Sandbox
	sandboxOK bool
	hasGPU    bool
	queue     chan taskJob
	logger    *zap.Logger
}

type taskJob struct {
	req  TaskRequest
	sink LogSink
	out  chan<- TaskResult
}

// New constructs an Executor. sb may be nil, meaning no container runtime is
// available on this host; hasGPU reports whether render-mode GPU passthrough
// may be requested.
func New(cfg Config, sb *sandbox.Sandbox, hasGPU bool, logger *zap.Logger) *Executor {
	return &Executor{
		cfg:       cfg,
		sandbox:   sb,
		sandboxOK: sb != nil,
		hasGPU:    hasGPU,
		queue:     make(chan taskJob, queueSize),
		logger:    logger.Named("executor"),
	}
}

// Run processes queued tasks one at a time until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	e.logger.Info("task executor started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("task executor stopped")
			return
		case tj := <-e.queue:
			result := e.execute(ctx, tj.req, tj.sink)
			select {
			case tj.out <- result:
			default:
				e.logger.Warn("task result dropped: receiver not ready", zap.String("job_id", tj.req.JobID))
			}
		}
	}
}

// Enqueue submits a task for execution, non-blocking. out receives exactly
// one TaskResult when the task completes.
func (e *Executor) Enqueue(req TaskRequest, sink LogSink, out chan<- TaskResult) error {
	select {
	case e.queue <- taskJob{req: req, sink: sink, out: out}:
		return nil
	default:
		return fmt.Errorf("executor: task queue full, rejecting job %s", req.JobID)
	}
}

func (e *Executor) execute(ctx context.Context, req TaskRequest, sink LogSink) TaskResult {
	if _, ok := types.KnownModes[req.Mode]; !ok {
		return TaskResult{JobID: req.JobID, ErrorKind: "validation-error", ErrorMsg: fmt.Sprintf("unknown mode %q", req.Mode)}
	}
	if req.Mode == types.ModeCLI {
		if _, ok := types.CLIAllowList[req.Command]; !ok {
			return TaskResult{JobID: req.JobID, ErrorKind: "validation-error", ErrorMsg: fmt.Sprintf("command %q is not on the allow-list", req.Command)}
		}
	} else if req.Payload == "" {
		return TaskResult{JobID: req.JobID, ErrorKind: "validation-error", ErrorMsg: "payload is required for this mode"}
	}

	limits := types.DefaultLimits(req.Mode)

	scratchDir := filepath.Join(e.cfg.ScratchRoot, req.JobID)
	var scratchPath string
	var err error
	if req.Mode != types.ModeCLI {
		scratchPath, err = sandbox.WriteScratchFile(scratchDir, "payload-*.src", req.Payload)
		if err != nil {
			return TaskResult{JobID: req.JobID, ErrorKind: "infrastructure-error", ErrorMsg: "failed to materialize payload: " + err.Error()}
		}
		defer os.RemoveAll(scratchDir)
	}

	outputDir := filepath.Join(e.cfg.OutputRoot, req.JobID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return TaskResult{JobID: req.JobID, ErrorKind: "infrastructure-error", ErrorMsg: "failed to create output directory: " + err.Error()}
	}
	defer os.RemoveAll(outputDir)

	onLine := func(stream, line string) {
		sink.SendLog(req.JobID, stream, line)
	}

	var result sandbox.Result
	if e.sandboxOK {
		spec := e.buildSpec(req, limits, scratchPath, outputDir)
		result, err = e.sandbox.Run(ctx, spec, onLine)
	} else if e.cfg.AllowSubprocessFallback {
		result, err = e.runSubprocessFallback(ctx, req, limits, scratchPath, outputDir)
	} else {
		return TaskResult{JobID: req.JobID, ErrorKind: "infrastructure-error", ErrorMsg: "container runtime unavailable and subprocess fallback is disabled"}
	}

	if err != nil {
		if ctx.Err() != nil {
			return TaskResult{JobID: req.JobID, ExitCode: types.CancelExitCode, ErrorKind: "cancelled", ErrorMsg: "task cancelled"}
		}
		return TaskResult{JobID: req.JobID, ErrorKind: "infrastructure-error", ErrorMsg: "sandbox execution failed: " + err.Error()}
	}

	if result.TimedOut {
		return TaskResult{
			JobID: req.JobID, ExitCode: types.TimeoutExitCode, TimedOut: true,
			Stdout: string(result.Stdout), Stderr: string(result.Stderr), Runtime: result.RuntimeTime,
			ErrorKind: "timeout-error", ErrorMsg: fmt.Sprintf("execution exceeded deadline of %s", limits.Deadline),
		}
	}

	return TaskResult{
		JobID:     req.JobID,
		ExitCode:  result.ExitCode,
		Stdout:    string(result.Stdout),
		Stderr:    string(result.Stderr),
		Runtime:   result.RuntimeTime,
		Artifacts: collectArtifacts(outputDir),
	}
}

func (e *Executor) buildSpec(req TaskRequest, limits types.ModeLimits, scratchPath, outputDir string) sandbox.Spec {
	image := e.cfg.ScriptImage
	cmd := []string{"python3", "/scratch/task.py"}
	scratchMount := "/scratch/task.py"

	switch req.Mode {
	case types.ModeRender:
		image = e.cfg.RenderImage
		cmd = []string{"render", "--scene", "/scratch/scene.tmpl", "--out", "/output"}
		scratchMount = "/scratch/scene.tmpl"
	case types.ModeCLI:
		cmd = append([]string{req.Command}, req.Args...)
	}

	return sandbox.Spec{
		Image:        image,
		Command:      cmd,
		Limits:       limits,
		ScratchPath:  scratchPath,
		ScratchMount: scratchMount,
		OutputDir:    outputDir,
		OutputMount:  "/output",
		HasGPU:       e.hasGPU,
		Labels:       map[string]string{"job_id": req.JobID, "mode": string(req.Mode)},
	}
}

// runSubprocessFallback mirrors the coordinator's degraded-isolation path,
// used only when an operator has explicitly accepted the tradeoff.
func (e *Executor) runSubprocessFallback(ctx context.Context, req TaskRequest, limits types.ModeLimits, scratchPath, outputDir string) (sandbox.Result, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, limits.Deadline)
	defer cancel()

	var cmd *exec.Cmd
	switch req.Mode {
	case types.ModeCLI:
		cmd = exec.CommandContext(deadlineCtx, req.Command, req.Args...)
	default:
		cmd = exec.CommandContext(deadlineCtx, "python3", scratchPath)
	}
	cmd.Dir = outputDir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	runtime := time.Since(start)

	if deadlineCtx.Err() != nil && ctx.Err() == nil {
		return sandbox.Result{TimedOut: true, ExitCode: types.TimeoutExitCode, Stdout: []byte(stdout.String()), Stderr: []byte(stderr.String()), RuntimeTime: runtime}, nil
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return sandbox.Result{}, runErr
		}
	}

	return sandbox.Result{ExitCode: exitCode, Stdout: []byte(stdout.String()), Stderr: []byte(stderr.String()), RuntimeTime: runtime}, nil
}

// collectArtifacts reads every sanitized-name file left under outputDir into
// memory so it can travel inline in the encrypted result.
func collectArtifacts(outputDir string) []ArtifactData {
	var artifacts []ArtifactData

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if sandbox.SanitizeArtifactName(name) != nil {
			continue
		}
		content, err := os.ReadFile(filepath.Join(outputDir, name))
		if err != nil {
			continue
		}
		artifacts = append(artifacts, ArtifactData{Name: name, Content: content})
	}
	return artifacts
}
