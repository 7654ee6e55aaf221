// Package sandbox launches ephemeral, resource-capped Docker containers to
// run a single job's payload and guarantees their teardown on every exit
// path. It is shared by the coordinator (REST-submitted jobs executed
// locally) and the worker (peer-to-peer jobs delivered over the secure
// channel) — both run the identical sandbox discipline, only the source of
// the payload differs.
//
// Resource limits, the read-only root filesystem, and the disabled network
// are configured through a Docker HostConfig built programmatically from a
// ModeLimits value, and the deadline is a context timeout around the run;
// nothing is shell-concatenated.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"

	"github.com/fabricrun/fabric/shared/types"
)

// ErrRuntimeUnavailable is returned when the Docker daemon cannot be reached.
// Callers decide whether to surface infrastructure-error or fall back to a
// direct subprocess, per policy — the sandbox package itself never falls
// back silently.
var ErrRuntimeUnavailable = errors.New("sandbox: container runtime unavailable")

// Spec describes one sandbox invocation.
type Spec struct {
	Image        string            // container image to run
	Command      []string          // argv run inside the container
	Limits       types.ModeLimits  // cpu/memory/deadline/output envelope
	ScratchPath  string            // host path bind-mounted read-only into the container
	ScratchMount string            // in-container path for ScratchPath
	OutputDir    string            // host path bind-mounted for produced files (render mode)
	OutputMount  string            // in-container path for OutputDir
	HasGPU       bool              // host reports a usable GPU
	Labels       map[string]string // container labels, for observability only
}

// Result is the outcome of one sandbox run.
type Result struct {
	ExitCode    int
	TimedOut    bool
	Stdout      []byte
	Stderr      []byte
	RuntimeTime time.Duration
}

// Sandbox wraps a Docker client and runs Specs to completion.
type Sandbox struct {
	docker *dockerclient.Client
}

// New connects to the Docker daemon. socketPath is empty to use the SDK's
// default resolution (DOCKER_HOST, or the platform default socket).
func New(socketPath string) (*Sandbox, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	}
	dc, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRuntimeUnavailable, err)
	}
	return &Sandbox{docker: dc}, nil
}

// Ping verifies the daemon is reachable. Call at startup to decide whether
// the no-sandbox fallback policy should take effect.
func (s *Sandbox) Ping(ctx context.Context) error {
	if _, err := s.docker.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrRuntimeUnavailable, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Sandbox) Close() error { return s.docker.Close() }

// Run executes spec to completion: create, start, drain stdout/stderr line
// by line (invoking onLine for each), enforce the deadline, and guarantee
// the container is removed and no residue remains on every exit path —
// timeout, crash, success, or cancellation via ctx.
func (s *Sandbox) Run(ctx context.Context, spec Spec, onLine func(stream string, line string)) (Result, error) {
	hostCfg := &container.HostConfig{
		AutoRemove:      false, // removed explicitly below so cleanup failures are observable
		ReadonlyRootfs:  true,
		NetworkMode:     container.NetworkMode("none"),
		Resources: container.Resources{
			NanoCPUs: int64(spec.Limits.CPUs * 1e9),
			Memory:   spec.Limits.MemoryBytes,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 1024},
			},
		},
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   spec.ScratchPath,
				Target:   spec.ScratchMount,
				ReadOnly: true,
			},
		},
	}

	if spec.OutputDir != "" {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   spec.OutputDir,
			Target:   spec.OutputMount,
			ReadOnly: !spec.Limits.OutputWritable,
		})
	}

	if spec.Limits.GPUIfAvailable && spec.HasGPU {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{
			{Driver: "nvidia", Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Labels:     spec.Labels,
		Tty:        false,
		WorkingDir: "/",
	}

	created, err := s.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("%w: create: %s", ErrRuntimeUnavailable, err)
	}
	id := created.ID

	// Guaranteed release discipline: force-kill and remove on every exit
	// path, independent of how Run returns.
	defer func() {
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.docker.ContainerKill(killCtx, id, "SIGKILL")
		_ = s.docker.ContainerRemove(killCtx, id, container.RemoveOptions{Force: true})
	}()

	start := time.Now()

	deadlineCtx, cancel := context.WithTimeout(ctx, spec.Limits.Deadline)
	defer cancel()

	if err := s.docker.ContainerStart(deadlineCtx, id, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("%w: start: %s", ErrRuntimeUnavailable, err)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	logsDone := make(chan error, 1)
	go func() {
		logsDone <- s.drainLogs(deadlineCtx, id, &stdoutBuf, &stderrBuf, onLine)
	}()

	waitBody, waitErrCh := s.docker.ContainerWait(deadlineCtx, id, container.WaitConditionNotRunning)

	var (
		exitCode int
		timedOut bool
	)

	select {
	case <-deadlineCtx.Done():
		if ctx.Err() != nil {
			// Parent cancellation (explicit job cancel), not a timeout.
			exitCode = types.CancelExitCode
		} else {
			timedOut = true
			exitCode = types.TimeoutExitCode
		}
		// Grace period for the container to exit after SIGTERM before the
		// deferred SIGKILL above runs unconditionally.
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = s.docker.ContainerStop(graceCtx, id, container.StopOptions{})
		graceCancel()
	case err := <-waitErrCh:
		if err != nil {
			return Result{}, fmt.Errorf("%w: wait: %s", ErrRuntimeUnavailable, err)
		}
	case body := <-waitBody:
		exitCode = int(body.StatusCode)
	}

	<-logsDone // ensure every line observed before returning, per §4.4 step 7 ordering

	return Result{
		ExitCode:    exitCode,
		TimedOut:    timedOut,
		Stdout:      stdoutBuf.Bytes(),
		Stderr:      stderrBuf.Bytes(),
		RuntimeTime: time.Since(start),
	}, nil
}

// drainLogs streams the container's combined output, demultiplexing stdout
// and stderr, forwarding each complete line to onLine as it arrives, and
// accumulating the full text into the two supplied buffers.
func (s *Sandbox) drainLogs(ctx context.Context, id string, stdout, stderr *bytes.Buffer, onLine func(stream, line string)) error {
	rc, err := s.docker.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil // best-effort: a job with no retrievable logs still completes
	}
	defer rc.Close()

	stdoutPipeR, stdoutPipeW := io.Pipe()
	stderrPipeR, stderrPipeW := io.Pipe()

	go func() {
		_, _ = stdcopy.StdCopy(stdoutPipeW, stderrPipeW, rc)
		stdoutPipeW.Close()
		stderrPipeW.Close()
	}()

	done := make(chan struct{}, 2)
	go func() { scanLines(stdoutPipeR, stdout, "stdout", onLine); done <- struct{}{} }()
	go func() { scanLines(stderrPipeR, stderr, "stderr", onLine); done <- struct{}{} }()
	<-done
	<-done
	return nil
}

func scanLines(r io.Reader, acc *bytes.Buffer, stream string, onLine func(stream, line string)) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				i := bytes.IndexByte(buf, '\n')
				if i < 0 {
					break
				}
				line := string(buf[:i])
				buf = buf[i+1:]
				acc.WriteString(line)
				acc.WriteByte('\n')
				onLine(stream, truncateLine(line))
			}
		}
		if err != nil {
			if len(buf) > 0 {
				acc.Write(buf)
				onLine(stream, truncateLine(string(buf)))
			}
			return
		}
	}
}

// truncateLine enforces the per-line cap, appending a marker when exceeded.
func truncateLine(line string) string {
	if len(line) <= types.MaxLogLineBytes {
		return line
	}
	return line[:types.MaxLogLineBytes] + " …[truncated]"
}

// WriteScratchFile writes payload to a fresh file under dir and returns its
// path. Callers are responsible for unlinking it on every exit path.
func WriteScratchFile(dir, namePattern, payload string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, namePattern)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(payload); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// SanitizeArtifactName rejects any filename that is not a single path
// component, preventing an artifact from escaping its job directory.
func SanitizeArtifactName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		return fmt.Errorf("sandbox: invalid artifact name %q", name)
	}
	return nil
}
