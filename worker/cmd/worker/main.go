// Package main is the entry point for the fabric-worker binary.
// It wires all internal packages together and starts the connection loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Optionally connect to the local container runtime (non-fatal if unavailable)
//  4. Build the task executor (sandbox + queue)
//  5. Build the connection manager (websocket client)
//  6. Start the executor worker and connection loop
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabricrun/fabric/shared/sandbox"
	"github.com/fabricrun/fabric/worker/internal/connection"
	"github.com/fabricrun/fabric/worker/internal/executor"
	"github.com/fabricrun/fabric/worker/internal/metrics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	coordinatorURL          string
	workerToken             string
	stateDir                string
	scratchRoot             string
	outputRoot              string
	dockerSocket            string
	allowSubprocessFallback bool
	scriptImage             string
	renderImage             string
	capabilities            string
	logLevel                string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "fabric-worker",
		Short: "Compute fabric worker",
		Long: `The worker advertises capabilities and liveness to the coordinator,
accepts signaling-relayed encrypted task dispatches, launches sandboxes, and
streams results back over the end-to-end secure channel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.coordinatorURL, "coordinator-url", envOrDefault("FABRIC_COORDINATOR_URL", "ws://localhost:8080/worker/connect"), "Coordinator event-channel websocket URL")
	root.PersistentFlags().StringVar(&cfg.workerToken, "worker-token", envOrDefault("FABRIC_WORKER_TOKEN", ""), "Bearer token minted by the coordinator's worker-token issuer")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("FABRIC_STATE_DIR", defaultStateDir()), "Directory for worker state (worker-state.json)")
	root.PersistentFlags().StringVar(&cfg.scratchRoot, "scratch-root", envOrDefault("FABRIC_SCRATCH_ROOT", "./data/scratch"), "Task scratch-file root")
	root.PersistentFlags().StringVar(&cfg.outputRoot, "output-root", envOrDefault("FABRIC_OUTPUT_ROOT", "./data/output"), "Task artifact output root")
	root.PersistentFlags().StringVar(&cfg.dockerSocket, "docker-socket", envOrDefault("FABRIC_DOCKER_SOCKET", ""), "Docker daemon socket path (empty uses SDK default resolution)")
	root.PersistentFlags().BoolVar(&cfg.allowSubprocessFallback, "allow-subprocess-fallback", envOrDefault("FABRIC_ALLOW_SUBPROCESS_FALLBACK", "false") == "true", "Permit direct host-subprocess execution when the container runtime is unavailable")
	root.PersistentFlags().StringVar(&cfg.scriptImage, "script-image", envOrDefault("FABRIC_SCRIPT_IMAGE", "fabric/script-runner:latest"), "Container image for script/cli/notebook-cell modes")
	root.PersistentFlags().StringVar(&cfg.renderImage, "render-image", envOrDefault("FABRIC_RENDER_IMAGE", "fabric/render-runner:latest"), "Container image for render mode")
	root.PersistentFlags().StringVar(&cfg.capabilities, "capabilities", envOrDefault("FABRIC_CAPABILITIES", "script,cli"), "Comma-separated capability tags advertised at registration")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FABRIC_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fabric-worker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.workerToken == "" {
		logger.Warn("worker-token not configured — the coordinator may reject this connection if it requires one")
	}

	logger.Info("starting fabric worker",
		zap.String("version", version),
		zap.String("coordinator_url", cfg.coordinatorURL),
		zap.String("state_dir", cfg.stateDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Container runtime (optional) ---
	// A host with no reachable Docker daemon still starts, but rejects tasks
	// unless an operator has explicitly allowed the subprocess fallback.
	var sb *sandbox.Sandbox

	gpuCtx, gpuCancel := context.WithTimeout(ctx, 5*time.Second)
	hasGPU := metrics.ProbeGPU(gpuCtx)
	gpuCancel()
	if hasGPU {
		logger.Info("sandbox: GPU detected, render-mode GPU passthrough enabled")
	}

	candidate, err := sandbox.New(cfg.dockerSocket)
	if err != nil {
		logger.Warn("sandbox: container runtime unreachable at startup", zap.Error(err))
	} else {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		pingErr := candidate.Ping(pingCtx)
		pingCancel()
		if pingErr != nil {
			logger.Warn("sandbox: container runtime ping failed", zap.Error(pingErr))
			candidate.Close()
		} else {
			sb = candidate
			logger.Info("sandbox: container runtime reachable")
		}
	}
	if sb != nil {
		defer sb.Close()
	}

	// --- Executor ---
	exec := executor.New(executor.Config{
		ScratchRoot:             cfg.scratchRoot,
		OutputRoot:              cfg.outputRoot,
		AllowSubprocessFallback: cfg.allowSubprocessFallback,
		ScriptImage:             cfg.scriptImage,
		RenderImage:             cfg.renderImage,
	}, sb, hasGPU, logger)

	// --- Connection manager ---
	connCfg := connection.Config{
		CoordinatorURL: cfg.coordinatorURL,
		Token:          cfg.workerToken,
		StateDir:       cfg.stateDir,
		Capabilities:   splitCapabilities(cfg.capabilities),
	}
	mgr := connection.New(connCfg, exec, logger)

	// --- Start ---
	// The executor worker and connection manager run concurrently. Both
	// respect ctx cancellation for graceful shutdown.
	go exec.Run(ctx)

	mgr.Run(ctx)

	logger.Info("fabric worker stopped")
	return nil
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.fabric-worker"
	}
	return ".fabric-worker"
}

func splitCapabilities(raw string) []string {
	var out []string
	for _, c := range strings.Split(raw, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
