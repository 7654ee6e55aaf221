// Command coordinator runs the compute fabric's coordinator: the REST
// surface, the bidirectional event channel, the worker registry, the
// signaling plane, and the job execution engine for locally-submitted jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabricrun/fabric/coordinator/internal/api"
	"github.com/fabricrun/fabric/coordinator/internal/eventbus"
	"github.com/fabricrun/fabric/coordinator/internal/jobengine"
	"github.com/fabricrun/fabric/coordinator/internal/registry"
	"github.com/fabricrun/fabric/coordinator/internal/signaling"
	"github.com/fabricrun/fabric/coordinator/internal/workerauth"
	"github.com/fabricrun/fabric/shared/sandbox"
	"github.com/fabricrun/fabric/shared/types"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr                string
	registryPath            string
	outputRoot              string
	scratchRoot             string
	uploadDir               string
	workerSecret            string
	workerTokenTTL          time.Duration
	heartbeatTimeout        time.Duration
	sweepInterval           time.Duration
	allowSubprocessFallback bool
	scriptImage             string
	renderImage             string
	dockerSocket            string
	capacityThreshold       int
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
		Use:   "fabric-coordinator",
		Short: "Compute fabric coordinator",
		Long: `The coordinator accepts job submissions over REST, relays
session signaling between clients and workers, and tracks worker liveness.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("FABRIC_HTTP_ADDR", ":8080"), "HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.registryPath, "registry-path", envOrDefault("FABRIC_REGISTRY_PATH", "./data/registry.db"), "Worker registry key/value store file")
	root.PersistentFlags().StringVar(&cfg.outputRoot, "output-root", envOrDefault("FABRIC_OUTPUT_ROOT", "./data/output"), "Job artifact output root")
	root.PersistentFlags().StringVar(&cfg.scratchRoot, "scratch-root", envOrDefault("FABRIC_SCRATCH_ROOT", "./data/scratch"), "Job scratch-file root")
	root.PersistentFlags().StringVar(&cfg.uploadDir, "upload-dir", envOrDefault("FABRIC_UPLOAD_DIR", "./data/uploads"), "Multipart upload landing directory")
	root.PersistentFlags().StringVar(&cfg.workerSecret, "worker-secret", envOrDefault("FABRIC_WORKER_SECRET", ""), "Shared secret for signing worker bearer tokens (empty disables the check, dev only)")
	root.PersistentFlags().DurationVar(&cfg.workerTokenTTL, "worker-token-ttl", envOrDurationDefault("FABRIC_WORKER_TOKEN_TTL", time.Hour), "Worker bearer token lifetime")
	root.PersistentFlags().DurationVar(&cfg.heartbeatTimeout, "heartbeat-timeout", envOrDurationDefault("FABRIC_HEARTBEAT_TIMEOUT", types.DefaultHeartbeatTimeout), "Worker liveness timeout")
	root.PersistentFlags().DurationVar(&cfg.sweepInterval, "sweep-interval", envOrDurationDefault("FABRIC_SWEEP_INTERVAL", types.DefaultSweepInterval), "Registry liveness sweep cadence")
	root.PersistentFlags().BoolVar(&cfg.allowSubprocessFallback, "allow-subprocess-fallback", envOrDefault("FABRIC_ALLOW_SUBPROCESS_FALLBACK", "false") == "true", "Permit direct host-subprocess execution when the container runtime is unavailable")
	root.PersistentFlags().StringVar(&cfg.scriptImage, "script-image", envOrDefault("FABRIC_SCRIPT_IMAGE", "fabric/script-runner:latest"), "Container image for script/cli/notebook-cell modes")
	root.PersistentFlags().StringVar(&cfg.renderImage, "render-image", envOrDefault("FABRIC_RENDER_IMAGE", "fabric/render-runner:latest"), "Container image for render mode")
	root.PersistentFlags().StringVar(&cfg.dockerSocket, "docker-socket", envOrDefault("FABRIC_DOCKER_SOCKET", ""), "Docker daemon socket path (empty uses SDK default resolution)")
	root.PersistentFlags().IntVar(&cfg.capacityThreshold, "capacity-threshold", 1, "Device count advertised as healthy capacity")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FABRIC_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fabric-coordinator %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting fabric coordinator",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Worker registry ---
	reg, err := registry.Open(cfg.registryPath, cfg.heartbeatTimeout, logger)
	if err != nil {
		return fmt.Errorf("failed to open worker registry: %w", err)
	}
	defer reg.Close()

	sweeper, err := registry.StartSweeper(reg, cfg.sweepInterval, logger)
	if err != nil {
		return fmt.Errorf("failed to start registry sweeper: %w", err)
	}
	defer func() {
		if err := sweeper.Stop(); err != nil {
			logger.Warn("registry sweeper shutdown error", zap.Error(err))
		}
	}()

	// --- 2. Signaling plane ---
	plane := signaling.New()

	// --- 3. Event bus ---
	hub := eventbus.NewHub()
	go hub.Run(ctx)

	// --- 4. Sandbox runtime ---
	// A Docker daemon that cannot be reached at startup degrades to the
	// subprocess fallback if the operator explicitly allowed it; otherwise
	// every job fails infrastructure-error. The runtime is not probed again
	// after startup.
	var sb *sandbox.Sandbox
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
		}
	}
	if sb != nil {
		defer sb.Close()
	}

	// --- 5. Job engine ---
	engine := jobengine.New(jobengine.Config{
		OutputRoot:              cfg.outputRoot,
		ScratchRoot:             cfg.scratchRoot,
		AllowSubprocessFallback: cfg.allowSubprocessFallback,
		ScriptImage:             cfg.scriptImage,
		RenderImage:             cfg.renderImage,
	}, sb, hub, logger)

	// --- 6. Worker token issuer ---
	issuer := workerauth.New(cfg.workerSecret, cfg.workerTokenTTL)

	// --- 7. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Engine:            engine,
		Registry:          reg,
		Signaling:         plane,
		Hub:               hub,
		Issuer:            issuer,
		Logger:            logger,
		UploadDir:         cfg.uploadDir,
		CapacityThreshold: cfg.capacityThreshold,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down fabric coordinator")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("fabric coordinator stopped")
	return nil
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

func envOrDurationDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
