// Package connection manages the worker's persistent websocket connection
// to the coordinator's event channel. It handles:
//   - Registration (advertising device/GPU/capabilities under a worker id
//     the worker generates itself and persists)
//   - The heartbeat loop (periodic liveness signals)
//   - Session bootstrap: tracking one secure.Channel per session-id offered
//     to this worker, relaying key-exchange frames through it
//   - Task dispatch: decrypting an inbound encrypted-task frame, handing it
//     to the executor, and encrypting+sending the encrypted-result frame
//   - Automatic reconnection with exponential backoff + jitter on any
//     connection failure
//
// State persistence: after the first successful registration the
// worker's self-generated id is written to <state-dir>/worker-state.json
// and reused on reconnect so the registry updates the existing record
// instead of creating a new one.
package connection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fabricrun/fabric/shared/types"
	"github.com/fabricrun/fabric/shared/wire"
	"github.com/fabricrun/fabric/worker/internal/executor"
	"github.com/fabricrun/fabric/worker/internal/metrics"
	"github.com/fabricrun/fabric/worker/internal/secure"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// so many workers reconnecting at once don't hammer the coordinator
	// in lockstep.
	jitterFraction = 0.2

	// heartbeatInterval is how often the worker sends liveness signals.
	// The registry marks a worker offline if none arrives within the
	// configured heartbeat timeout, which must exceed this by a comfortable
	// margin.
	heartbeatInterval = 30 * time.Second
)

// workerState is persisted to disk after the first successful registration.
type workerState struct {
	WorkerID string `json:"worker_id"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "worker-state.json")
}

func loadState(stateDir string) (workerState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return workerState{}, nil
		}
		return workerState{}, fmt.Errorf("connection: failed to read state file: %w", err)
	}
	var s workerState
	if err := json.Unmarshal(data, &s); err != nil {
		return workerState{}, fmt.Errorf("connection: corrupted state file: %w", err)
	}
	return s, nil
}

func saveState(stateDir string, s workerState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("connection: failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return fmt.Errorf("connection: failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "worker-state.*.tmp")
	if err != nil {
		return fmt.Errorf("connection: failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("connection: failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("connection: failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("connection: failed to rename state file: %w", err)
	}
	ok = true
	return nil
}

// Config holds all parameters needed to connect to the coordinator.
type Config struct {
	// CoordinatorURL is the event-channel URL, e.g. "ws://localhost:8080/worker/connect".
	CoordinatorURL string
	// Token is the bearer token minted by the coordinator's worker-token issuer.
	Token        string
	StateDir     string
	Capabilities []string
}

// Manager maintains the persistent websocket connection to the coordinator.
type Manager struct {
	cfg    Config
	exec   *executor.Executor
	logger *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu       sync.RWMutex
	workerID string
	channels map[string]*secure.Channel // session-id -> bootstrap/cipher state
}

// New creates a Manager. Call Run to start the connection loop.
func New(cfg Config, exec *executor.Executor, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		exec:     exec,
		logger:   logger.Named("connection"),
		channels: make(map[string]*secure.Channel),
	}
}

// Run starts the connection loop: dial, register, run the heartbeat and
// read loops. On any error it reconnects with exponential backoff. Blocks
// until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			m.logger.Info("connection manager stopped")
			return
		}

		m.logger.Info("connecting to coordinator", zap.String("url", m.cfg.CoordinatorURL))

		if err := m.connect(ctx); err != nil {
			m.logger.Warn("connection failed, retrying",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
	}
}

// connect establishes one websocket session: dial → register → run loops.
// Returns when the session ends (error or context cancellation).
func (m *Manager) connect(ctx context.Context) error {
	u, err := url.Parse(m.cfg.CoordinatorURL)
	if err != nil {
		return fmt.Errorf("invalid coordinator url: %w", err)
	}

	header := http.Header{}
	if m.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+m.cfg.Token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	m.writeMu.Lock()
	m.conn = conn
	m.writeMu.Unlock()

	if err := m.register(ctx); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- m.heartbeatLoop(ctx) }()
	go func() { errCh <- m.readLoop(ctx) }()

	err = <-errCh
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type registerPayload struct {
	WorkerID     string   `json:"worker_id"`
	DeviceName   string   `json:"device"`
	GPU          string   `json:"gpu"`
	VRAMGiB      float64  `json:"vram_gib,omitempty"`
	Capabilities []string `json:"installed_tools"`
}

// register sends the registration frame, advertising a stable id recovered
// from disk when available so the coordinator's registry treats this as a
// re-register rather than a brand-new worker.
func (m *Manager) register(ctx context.Context) error {
	state, err := loadState(m.cfg.StateDir)
	if err != nil {
		m.logger.Warn("failed to load worker state, will register fresh", zap.Error(err))
	}

	workerID := state.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}

	desc, err := metrics.Describe(ctx, m.cfg.Capabilities)
	if err != nil {
		return fmt.Errorf("describing host: %w", err)
	}

	if err := m.send(wire.Message{
		Type: wire.MsgWorkerRegistered,
		Payload: registerPayload{
			WorkerID:     workerID,
			DeviceName:   desc.DeviceName,
			GPU:          desc.GPU,
			VRAMGiB:      desc.VRAMGiB,
			Capabilities: desc.Capabilities,
		},
	}); err != nil {
		return fmt.Errorf("sending registration: %w", err)
	}

	if workerID != state.WorkerID {
		if err := saveState(m.cfg.StateDir, workerState{WorkerID: workerID}); err != nil {
			m.logger.Warn("failed to persist worker state", zap.Error(err))
		}
	}

	m.mu.Lock()
	m.workerID = workerID
	m.mu.Unlock()

	m.logger.Info("registered with coordinator", zap.String("worker_id", workerID))
	return nil
}

func (m *Manager) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.mu.RLock()
			workerID := m.workerID
			m.mu.RUnlock()

			if err := m.send(wire.Message{Type: wire.MsgHeartbeat, Payload: map[string]string{"worker_id": workerID}}); err != nil {
				return fmt.Errorf("heartbeat failed: %w", err)
			}
			m.logger.Debug("heartbeat sent", zap.String("worker_id", workerID))
		}
	}
}

// readLoop reads frames until the connection closes or ctx is cancelled,
// dispatching signaling, key-exchange, and encrypted-task frames.
func (m *Manager) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		m.writeMu.Lock()
		conn := m.conn
		m.writeMu.Unlock()

		var msg wire.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		switch msg.Type {
		case wire.MsgKeyExchange:
			m.handleKeyExchange(msg)
		case wire.MsgEncryptedTask:
			m.handleEncryptedTask(ctx, msg)
		case wire.MsgHeartbeatAck, wire.MsgWorkerRegistered:
			// acknowledgements only, no action required
		default:
			m.logger.Debug("worker: unhandled frame", zap.String("type", string(msg.Type)))
		}
	}
}

func (m *Manager) channelFor(sessionID string) *secure.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[sessionID]
	if !ok {
		ch = secure.NewChannel()
		m.channels[sessionID] = ch
	}
	return ch
}

func (m *Manager) handleKeyExchange(msg wire.Message) {
	sessionID := sessionIDFromTopic(msg.Topic)
	if sessionID == "" {
		return
	}

	frame, err := decodePayload[wire.KeyExchangeFrame](msg.Payload)
	if err != nil {
		m.logger.Warn("worker: malformed key-exchange frame", zap.Error(err))
		return
	}

	reply, err := m.channelFor(sessionID).HandleKeyExchange(frame)
	if err != nil {
		m.logger.Warn("worker: key-exchange rejected, tearing down session", zap.String("session_id", sessionID), zap.Error(err))
		m.mu.Lock()
		delete(m.channels, sessionID)
		m.mu.Unlock()
		return
	}
	if reply == nil {
		return
	}

	if err := m.send(wire.Message{Type: wire.MsgKeyExchange, Topic: msg.Topic, Payload: *reply}); err != nil {
		m.logger.Warn("worker: failed to send key-exchange reply", zap.Error(err))
	}
}

type taskWire struct {
	JobID   string        `json:"job_id"`
	CellID  string        `json:"cell_id,omitempty"`
	Mode    types.JobMode `json:"mode"`
	Payload string        `json:"payload,omitempty"`
	Command string        `json:"command,omitempty"`
	Args    []string      `json:"args,omitempty"`
}

type artifactWire struct {
	Name       string `json:"name"`
	ContentB64 string `json:"content_b64"`
}

type taskResultWire struct {
	JobID          string         `json:"job_id"`
	ExitCode       int            `json:"exit_code"`
	TimedOut       bool           `json:"timed_out"`
	Stdout         string         `json:"stdout"`
	Stderr         string         `json:"stderr"`
	RuntimeSeconds float64        `json:"runtime_seconds"`
	Artifacts      []artifactWire `json:"artifacts,omitempty"`
	ErrorKind      string         `json:"error_kind,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}

// taskLogSink forwards task log lines to the zap logger only — the
// bootstrap protocol defines exactly two payload frame types
// (encrypted-task, encrypted-result), so intermediate log lines are not
// streamed over the peer-to-peer channel; they are captured in the task
// result's stdout/stderr instead.
type taskLogSink struct {
	logger *zap.Logger
	jobID  string
}

func (s taskLogSink) SendLog(jobID, stream, line string) {
	s.logger.Debug("task output", zap.String("job_id", jobID), zap.String("stream", stream), zap.String("line", line))
}

func (m *Manager) handleEncryptedTask(ctx context.Context, msg wire.Message) {
	sessionID := sessionIDFromTopic(msg.Topic)
	if sessionID == "" {
		return
	}

	frame, err := decodePayload[wire.EncryptedFrame](msg.Payload)
	if err != nil {
		m.logger.Warn("worker: malformed encrypted-task frame", zap.Error(err))
		return
	}

	ch := m.channelFor(sessionID)
	plaintext, err := ch.DecryptTask(frame)
	if err != nil {
		m.logger.Warn("worker: task decryption failed, tearing down session", zap.String("session_id", sessionID), zap.Error(err))
		m.mu.Lock()
		delete(m.channels, sessionID)
		m.mu.Unlock()
		return
	}

	var task taskWire
	if err := json.Unmarshal(plaintext, &task); err != nil {
		m.logger.Warn("worker: malformed task payload", zap.Error(err))
		return
	}

	out := make(chan executor.TaskResult, 1)
	req := executor.TaskRequest{
		JobID:     task.JobID,
		SessionID: sessionID,
		CellID:    task.CellID,
		Mode:      task.Mode,
		Payload:   task.Payload,
		Command:   task.Command,
		Args:      task.Args,
	}
	if err := m.exec.Enqueue(req, taskLogSink{logger: m.logger, jobID: task.JobID}, out); err != nil {
		m.logger.Warn("worker: failed to enqueue task", zap.Error(err))
		return
	}

	go m.awaitResult(ctx, sessionID, out)
}

func (m *Manager) awaitResult(ctx context.Context, sessionID string, out <-chan executor.TaskResult) {
	select {
	case <-ctx.Done():
		return
	case result := <-out:
		m.sendResult(sessionID, result)
	}
}

func (m *Manager) sendResult(sessionID string, result executor.TaskResult) {
	wireResult := taskResultWire{
		JobID:          result.JobID,
		ExitCode:       result.ExitCode,
		TimedOut:       result.TimedOut,
		Stdout:         result.Stdout,
		Stderr:         result.Stderr,
		RuntimeSeconds: result.Runtime.Seconds(),
		ErrorKind:      result.ErrorKind,
		ErrorMessage:   result.ErrorMsg,
	}
	for _, a := range result.Artifacts {
		wireResult.Artifacts = append(wireResult.Artifacts, artifactWire{Name: a.Name, ContentB64: base64.StdEncoding.EncodeToString(a.Content)})
	}

	plaintext, err := json.Marshal(wireResult)
	if err != nil {
		m.logger.Error("worker: failed to marshal task result", zap.Error(err))
		return
	}

	ch := m.channelFor(sessionID)
	frame, err := ch.EncryptResult(plaintext)
	if err != nil {
		m.logger.Warn("worker: failed to encrypt task result", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	topic := "session:" + sessionID
	if err := m.send(wire.Message{Type: wire.MsgEncryptedResult, Topic: topic, Payload: frame}); err != nil {
		m.logger.Warn("worker: failed to send task result", zap.Error(err))
	}
}

func (m *Manager) send(msg wire.Message) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("connection: no active connection")
	}
	return m.conn.WriteJSON(msg)
}

func sessionIDFromTopic(topic string) string {
	const prefix = "session:"
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return ""
	}
	return topic[len(prefix):]
}

func decodePayload[T any](raw any) (T, error) {
	var out T
	b, err := json.Marshal(raw)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, err
	}
	return out, nil
}

// nextBackoff returns the next backoff duration, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
