// Package jobengine implements the job execution engine (§4.4): queuing,
// sandbox launch with resource caps, timeout enforcement, log streaming,
// artifact capture, and ephemeral teardown, for jobs submitted over REST and
// executed locally on the coordinator host.
package jobengine

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabricrun/fabric/shared/ferrors"
	"github.com/fabricrun/fabric/shared/sandbox"
	"github.com/fabricrun/fabric/shared/types"
	"github.com/fabricrun/fabric/shared/wire"
)

// Publisher delivers job lifecycle events to subscribers. eventbus.Hub
// satisfies it.
type Publisher interface {
	Publish(topic string, msg wire.Message)
}

// Config controls the engine's filesystem layout and fallback policy.
type Config struct {
	OutputRoot              string // output-root/<job-id>/
	ScratchRoot             string
	AllowSubprocessFallback bool // disabled unless explicitly set, per §9
	ScriptImage             string
	RenderImage             string

	// LimitsFor overrides types.DefaultLimits when set, so tests can exercise
	// the timeout path without waiting out a multi-minute deadline.
	LimitsFor func(types.JobMode) types.ModeLimits
}

func (c Config) limitsFor(mode types.JobMode) types.ModeLimits {
	if c.LimitsFor != nil {
		return c.LimitsFor(mode)
	}
	return types.DefaultLimits(mode)
}

// Engine owns the job table and drives execution.
type Engine struct {
	cfg       Config
	sandbox   *sandbox.Sandbox
	sandboxOK bool // false when the container runtime is unavailable at startup
	pub       Publisher
	logger    *zap.Logger

	mu          sync.Mutex
	jobs        map[string]*types.Job
	subscribers map[string][]chan wire.Message
	cancels     map[string]context.CancelFunc
}

// New creates an Engine. sb may be nil if the container runtime was
// unreachable at startup — Submit then honors AllowSubprocessFallback.
func New(cfg Config, sb *sandbox.Sandbox, pub Publisher, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		sandbox:     sb,
		sandboxOK:   sb != nil,
		pub:         pub,
		logger:      logger,
		jobs:        make(map[string]*types.Job),
		subscribers: make(map[string][]chan wire.Message),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// SubmitRequest is the validated input to Submit.
type SubmitRequest struct {
	ID        string
	Mode      types.JobMode
	Payload   string
	Command   string
	Args      []string
	SessionID string
	CellID    string
}

// Submit validates mode and required fields, inserts a Job in the queued
// state, schedules its background execution task, and returns immediately.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*types.Job, error) {
	if _, ok := types.KnownModes[req.Mode]; !ok {
		return nil, ferrors.New(ferrors.Validation, fmt.Sprintf("unknown mode %q", req.Mode))
	}

	switch req.Mode {
	case types.ModeCLI:
		if req.Command == "" {
			return nil, ferrors.New(ferrors.Validation, "cli mode requires a command")
		}
		if _, ok := types.CLIAllowList[req.Command]; !ok {
			return nil, ferrors.New(ferrors.Validation, fmt.Sprintf("command %q is not on the allow-list", req.Command))
		}
	default:
		if req.Payload == "" {
			return nil, ferrors.New(ferrors.Validation, "payload is required for this mode")
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	job := &types.Job{
		ID:        id,
		Mode:      req.Mode,
		Payload:   req.Payload,
		Command:   req.Command,
		Args:      req.Args,
		Status:    types.JobStatusQueued,
		CreatedAt: time.Now(),
		SessionID: req.SessionID,
		CellID:    req.CellID,
	}

	e.mu.Lock()
	e.jobs[id] = job
	e.mu.Unlock()

	execCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()

	go e.execute(execCtx, id)

	snap := *job
	return &snap, nil
}

// Cancel terminates a running job's deadline timer and sandbox; its state
// becomes failed with the cancel sentinel exit code.
func (e *Engine) Cancel(jobID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[jobID]
	e.mu.Unlock()
	if !ok {
		return ferrors.New(ferrors.NotFound, "job not found")
	}
	cancel()
	return nil
}

// StatusView is the snapshot returned by Status.
type StatusView struct {
	Job  types.Job
	Logs []string // last MaxLogLines entries only
}

// Status returns a snapshot of job-id: state, runtime, exit-code, log tail,
// artifact names.
func (e *Engine) Status(jobID string) (*StatusView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[jobID]
	if !ok {
		return nil, ferrors.New(ferrors.NotFound, "job not found")
	}

	snap := *job
	logs := job.Logs
	if len(logs) > types.MaxLogLines {
		logs = logs[len(logs)-types.MaxLogLines:]
	}
	return &StatusView{Job: snap, Logs: append([]string(nil), logs...)}, nil
}

// Artifact opens the byte stream for a job's artifact. Fails not-found if
// either is missing, validation-error if the filename is not a single path
// component.
func (e *Engine) Artifact(jobID, filename string) (io.ReadCloser, error) {
	if err := sandbox.SanitizeArtifactName(filename); err != nil {
		return nil, ferrors.Wrap(ferrors.Validation, "invalid artifact name", err)
	}

	e.mu.Lock()
	job, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok {
		return nil, ferrors.New(ferrors.NotFound, "job not found")
	}

	found := false
	for _, a := range job.Artifacts {
		if a == filename {
			found = true
			break
		}
	}
	if !found {
		return nil, ferrors.New(ferrors.NotFound, "artifact not found")
	}

	path := filepath.Join(e.cfg.OutputRoot, jobID, filename)
	f, err := os.Open(path)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.NotFound, "artifact not found", err)
	}
	return f, nil
}

// Subscribe joins a real-time stream of log lines and status transitions
// for jobID. The returned cancel func must be called to stop receiving.
func (e *Engine) Subscribe(jobID string) (<-chan wire.Message, func()) {
	ch := make(chan wire.Message, 64)

	e.mu.Lock()
	e.subscribers[jobID] = append(e.subscribers[jobID], ch)
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := e.subscribers[jobID]
		for i, c := range subs {
			if c == ch {
				e.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel
}

// ActiveCount returns the number of jobs currently queued or running, for
// the health endpoint's summary counters.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, j := range e.jobs {
		if j.Status == types.JobStatusQueued || j.Status == types.JobStatusRunning {
			n++
		}
	}
	return n
}

func (e *Engine) notify(jobID string, msg wire.Message) {
	e.pub.Publish("job:"+jobID, msg)

	e.mu.Lock()
	subs := append([]chan wire.Message(nil), e.subscribers[jobID]...)
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// execute runs the 8-step algorithm from §4.4 for job jobID.
func (e *Engine) execute(ctx context.Context, jobID string) {
	e.mu.Lock()
	job := e.jobs[jobID]
	e.mu.Unlock()

	limits := e.cfg.limitsFor(job.Mode)

	// Step 1: queued -> running.
	e.mu.Lock()
	job.Status = types.JobStatusRunning
	job.StartedAt = time.Now()
	e.mu.Unlock()
	e.notify(jobID, wire.Message{Type: wire.MsgJobStatus, Topic: "job:" + jobID, Payload: wire.JobStatusPayload{JobID: jobID, State: string(types.JobStatusRunning)}})

	if job.Mode == types.ModeNotebookCell {
		e.emitAttestation(jobID, job)
	}

	if job.Mode == types.ModeScript {
		if unresolved := unresolvedImports(job.Payload); len(unresolved) > 0 {
			e.appendLog(jobID, "diagnostic: unresolved imports (no network in sandbox): "+strings.Join(unresolved, ", "))
		}
	}

	// Step 2: materialize payload to a scratch file, guaranteed unlink.
	scratchDir := filepath.Join(e.cfg.ScratchRoot, jobID)
	var scratchPath string
	var err error
	if job.Mode != types.ModeCLI {
		scratchPath, err = sandbox.WriteScratchFile(scratchDir, "payload-*.src", job.Payload)
		if err != nil {
			e.fail(jobID, ferrors.Infrastructure, "failed to materialize payload", err)
			return
		}
		defer os.RemoveAll(scratchDir)
	}

	outputDir := filepath.Join(e.cfg.OutputRoot, jobID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		e.fail(jobID, ferrors.Infrastructure, "failed to create output directory", err)
		return
	}

	var result sandbox.Result
	if e.sandboxOK {
		spec := e.buildSpec(job, limits, scratchPath, outputDir)
		result, err = e.sandbox.Run(ctx, spec, func(stream, line string) {
			e.appendLog(jobID, line)
			e.notify(jobID, wire.Message{Type: wire.MsgJobLog, Topic: "job:" + jobID, Payload: wire.JobLogPayload{JobID: jobID, Line: line}})
			if job.Mode == types.ModeNotebookCell {
				e.notify(jobID, wire.Message{Type: wire.MsgCellOutput, Topic: "session:" + job.SessionID, Payload: wire.CellOutputPayload{SessionID: job.SessionID, CellID: job.CellID, Chunk: line, State: string(types.JobStatusRunning)}})
			}
		})
	} else if e.cfg.AllowSubprocessFallback {
		result, err = e.runSubprocessFallback(ctx, job, limits, scratchPath, outputDir)
	} else {
		e.fail(jobID, ferrors.Infrastructure, "container runtime unavailable and subprocess fallback is disabled", nil)
		return
	}

	if err != nil {
		if ctx.Err() != nil {
			e.finish(jobID, types.JobStatusFailed, types.CancelExitCode, result, ferrors.Cancelled, "job cancelled")
			return
		}
		e.fail(jobID, ferrors.Infrastructure, "sandbox execution failed", err)
		return
	}

	if result.TimedOut {
		e.finish(jobID, types.JobStatusFailed, types.TimeoutExitCode, result, ferrors.Timeout, fmt.Sprintf("execution exceeded deadline of %s", limits.Deadline))
		return
	}

	e.captureArtifacts(jobID, outputDir, result)

	status := types.JobStatusCompleted
	if result.ExitCode != 0 {
		status = types.JobStatusFailed
	}
	e.finish(jobID, status, result.ExitCode, result, "", "")
}

func (e *Engine) buildSpec(job *types.Job, limits types.ModeLimits, scratchPath, outputDir string) sandbox.Spec {
	image := e.cfg.ScriptImage
	cmd := []string{"python3", "/scratch/task.py"}
	scratchMount := "/scratch/task.py"

	switch job.Mode {
	case types.ModeRender:
		image = e.cfg.RenderImage
		cmd = []string{"render", "--scene", "/scratch/scene.tmpl", "--out", "/output"}
		scratchMount = "/scratch/scene.tmpl"
	case types.ModeCLI:
		image = e.cfg.ScriptImage
		cmd = append([]string{job.Command}, job.Args...)
	case types.ModeNotebookCell:
		cmd = []string{"python3", "/scratch/task.py"}
	}

	return sandbox.Spec{
		Image:        image,
		Command:      cmd,
		Limits:       limits,
		ScratchPath:  scratchPath,
		ScratchMount: scratchMount,
		OutputDir:    outputDir,
		OutputMount:  "/output",
		Labels:       map[string]string{"job_id": job.ID, "mode": string(job.Mode)},
	}
}

// runSubprocessFallback runs the payload as a direct host subprocess with
// the same deadline but weaker isolation. Disabled unless an explicit
// policy flag is set, per §4.4 and the re-architecture note in §9 — the
// original enables this automatically, which this design treats as a
// security regression.
func (e *Engine) runSubprocessFallback(ctx context.Context, job *types.Job, limits types.ModeLimits, scratchPath, outputDir string) (sandbox.Result, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, limits.Deadline)
	defer cancel()

	var cmd *exec.Cmd
	switch job.Mode {
	case types.ModeCLI:
		cmd = exec.CommandContext(deadlineCtx, job.Command, job.Args...)
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
	if ctx.Err() != nil {
		return sandbox.Result{ExitCode: types.CancelExitCode, Stdout: []byte(stdout.String()), Stderr: []byte(stderr.String()), RuntimeTime: runtime}, ctx.Err()
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return sandbox.Result{}, runErr
		}
	}

	for _, line := range []string{stdout.String(), stderr.String()} {
		if line == "" {
			continue
		}
		e.appendLog(job.ID, line)
		e.notify(job.ID, wire.Message{Type: wire.MsgJobLog, Topic: "job:" + job.ID, Payload: wire.JobLogPayload{JobID: job.ID, Line: line}})
	}

	return sandbox.Result{ExitCode: exitCode, Stdout: []byte(stdout.String()), Stderr: []byte(stderr.String()), RuntimeTime: runtime}, nil
}

func (e *Engine) captureArtifacts(jobID, outputDir string, result sandbox.Result) {
	var names []string
	if len(result.Stdout) > 0 {
		if err := os.WriteFile(filepath.Join(outputDir, "stdout.txt"), result.Stdout, 0o644); err == nil {
			names = append(names, "stdout.txt")
		}
	}
	if len(result.Stderr) > 0 {
		if err := os.WriteFile(filepath.Join(outputDir, "stderr.txt"), result.Stderr, 0o644); err == nil {
			names = append(names, "stderr.txt")
		}
	}

	entries, err := os.ReadDir(outputDir)
	if err == nil {
		for _, ent := range entries {
			if ent.IsDir() {
				continue
			}
			name := ent.Name()
			if name == "stdout.txt" || name == "stderr.txt" {
				continue
			}
			if sandbox.SanitizeArtifactName(name) == nil {
				names = append(names, name)
			}
		}
	}

	e.mu.Lock()
	job := e.jobs[jobID]
	job.Artifacts = names
	e.mu.Unlock()
}

func (e *Engine) emitAttestation(jobID string, job *types.Job) {
	digest := fmt.Sprintf("attest:%s:%x", jobID, []byte(job.Payload+strconv.FormatInt(job.StartedAt.UnixNano(), 10)))
	e.appendLog(jobID, digest)
	e.notify(jobID, wire.Message{Type: wire.MsgJobLog, Topic: "job:" + jobID, Payload: wire.JobLogPayload{JobID: jobID, Line: digest}})
}

func (e *Engine) appendLog(jobID, line string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[jobID]
	if !ok {
		return
	}
	job.Logs = append(job.Logs, line)
}

func (e *Engine) fail(jobID string, kind ferrors.Kind, msg string, cause error) {
	e.mu.Lock()
	job := e.jobs[jobID]
	job.Status = types.JobStatusFailed
	job.ExitCode = types.EngineExitCode
	job.ExitSet = true
	job.Runtime = time.Since(job.StartedAt).Seconds()
	job.ErrorKind = string(kind)
	if cause != nil {
		job.ErrorMessage = fmt.Sprintf("%s: %v", msg, cause)
	} else {
		job.ErrorMessage = msg
	}
	e.mu.Unlock()

	if e.logger != nil {
		e.logger.Warn("jobengine: job failed", zap.String("job_id", jobID), zap.String("kind", string(kind)), zap.String("message", msg))
	}

	e.notify(jobID, wire.Message{Type: wire.MsgJobStatus, Topic: "job:" + jobID, Payload: wire.JobStatusPayload{JobID: jobID, State: string(types.JobStatusFailed), ErrorMessage: msg}})
}

func (e *Engine) finish(jobID string, status types.JobStatus, exitCode int, result sandbox.Result, kind ferrors.Kind, errMsg string) {
	e.mu.Lock()
	job := e.jobs[jobID]
	job.Status = status
	job.ExitCode = exitCode
	job.ExitSet = true
	job.Runtime = result.RuntimeTime.Seconds()
	if errMsg != "" {
		job.ErrorKind = string(kind)
		job.ErrorMessage = errMsg
	}
	artifacts := append([]string(nil), job.Artifacts...)
	e.mu.Unlock()

	e.mu.Lock()
	delete(e.cancels, jobID)
	e.mu.Unlock()

	code := exitCode
	e.notify(jobID, wire.Message{
		Type:  wire.MsgJobStatus,
		Topic: "job:" + jobID,
		Payload: wire.JobStatusPayload{
			JobID:         jobID,
			State:         string(status),
			Runtime:       result.RuntimeTime.Seconds(),
			ExitCode:      &code,
			ArtifactNames: artifacts,
			ErrorMessage:  errMsg,
		},
	})
}
