// Package types defines the domain model shared by the coordinator and the
// worker: jobs, workers, sessions, artifacts, and the sandbox handle. Types
// here are wire-transported as JSON and persisted as opaque blobs in the
// registry's key/value store; they carry no storage-engine annotations.
package types

import "time"

// ─── Job ─────────────────────────────────────────────────────────────────────

// JobMode selects the execution strategy and resource envelope for a Job.
type JobMode string

const (
	ModeScript       JobMode = "script"
	ModeRender       JobMode = "render"
	ModeCLI          JobMode = "cli"
	ModeNotebookCell JobMode = "notebook-cell"
)

// KnownModes lists every mode the engine can dispatch.
var KnownModes = map[JobMode]struct{}{
	ModeScript:       {},
	ModeRender:       {},
	ModeCLI:          {},
	ModeNotebookCell: {},
}

// JobStatus is the lifecycle state of a Job. Transitions are monotonic:
// queued -> running -> (completed | failed). There is no resurrection.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is a single unit of user-submitted work.
type Job struct {
	ID        string    `json:"id"`
	Mode      JobMode   `json:"mode"`
	Payload   string    `json:"payload,omitempty"` // source code or scene template, depending on Mode
	Command   string    `json:"command,omitempty"` // cli mode
	Args      []string  `json:"args,omitempty"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Runtime   float64   `json:"runtime_seconds,omitempty"`
	ExitCode  int       `json:"exit_code"`
	ExitSet   bool      `json:"-"` // distinguishes "not yet exited" from an exit code of 0

	Logs      []string `json:"logs,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	CellID    string `json:"cell_id,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`

	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ─── Worker ──────────────────────────────────────────────────────────────────

// WorkerStatus reflects registry liveness, not sandbox occupancy.
type WorkerStatus string

const (
	WorkerReady   WorkerStatus = "ready"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// Worker is a registered compute node advertising capabilities and liveness.
type Worker struct {
	ID            string       `json:"id"`
	DeviceName    string       `json:"device_name"`
	GPU           string       `json:"gpu"`
	VRAMGiB       float64      `json:"vram_gib,omitempty"`
	Capabilities  []string     `json:"capabilities"` // e.g. "script", "render"
	Endpoint      string       `json:"endpoint,omitempty"`
	SignalingID   string       `json:"signaling_id,omitempty"`
	Status        WorkerStatus `json:"status"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// ─── Session & secure channel ────────────────────────────────────────────────

// SignalingState tracks the offer/answer/candidate handshake for a Session.
type SignalingState string

const (
	SignalingOffered     SignalingState = "offered"
	SignalingAnswered    SignalingState = "answered"
	SignalingEstablished SignalingState = "established"
	SignalingClosed      SignalingState = "closed"
)

// SecureChannelState is monotone non-decreasing for the life of a Session:
// none -> remote-pubkey-known -> symmetric-key-established.
type SecureChannelState string

const (
	SecureNone                 SecureChannelState = "none"
	SecureRemotePubkeyKnown    SecureChannelState = "remote-pubkey-known"
	SecureSymmetricEstablished SecureChannelState = "symmetric-key-established"
)

// Session is a one-client-one-worker association scoped to a data channel.
type Session struct {
	ID            string             `json:"id"`
	WorkerID      string             `json:"worker_id"`
	ClientID      string             `json:"client_id"`
	Signaling     SignalingState     `json:"signaling_state"`
	SecureChannel SecureChannelState `json:"secure_channel_state"`
	CreatedAt     time.Time          `json:"created_at"`
}

// ─── Artifact ────────────────────────────────────────────────────────────────

// Artifact is a named byte blob produced by a job, read-only after creation.
type Artifact struct {
	JobID    string `json:"job_id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// ─── Resource envelopes ──────────────────────────────────────────────────────

// ModeLimits describes the resource envelope and deadline for a JobMode.
type ModeLimits struct {
	CPUs           float64
	MemoryBytes    int64
	Deadline       time.Duration
	OutputWritable bool // true => output dir bind-mounted read-write (render mode)
	GPUIfAvailable bool
}

// DefaultLimits returns the resource envelope mandated for each mode.
func DefaultLimits(mode JobMode) ModeLimits {
	const gib = 1 << 30
	switch mode {
	case ModeScript:
		return ModeLimits{CPUs: 1, MemoryBytes: 2 * gib, Deadline: 300 * time.Second}
	case ModeNotebookCell:
		return ModeLimits{CPUs: 1, MemoryBytes: 2 * gib, Deadline: 120 * time.Second}
	case ModeRender:
		return ModeLimits{CPUs: 4, MemoryBytes: 8 * gib, Deadline: 300 * time.Second, OutputWritable: true, GPUIfAvailable: true}
	case ModeCLI:
		return ModeLimits{CPUs: 1, MemoryBytes: 2 * gib, Deadline: 60 * time.Second}
	default:
		return ModeLimits{CPUs: 1, MemoryBytes: 2 * gib, Deadline: 300 * time.Second}
	}
}

// CLIAllowList is the fixed set of commands permitted in cli mode. Anything
// else fails validation before a Job is ever constructed.
var CLIAllowList = map[string]struct{}{
	"echo":   {},
	"date":   {},
	"uname":  {},
	"whoami": {},
	"pwd":    {},
	"ls":     {},
	"true":   {},
	"false":  {},
}

// Sentinel exit codes recorded in place of a real process exit status.
const (
	TimeoutExitCode = -1
	CancelExitCode  = -2
	EngineExitCode  = -3
)

// MaxLogLines is the number of tail lines the status endpoint returns.
const MaxLogLines = 100

// MaxLogLineBytes truncates any single log line beyond this length.
const MaxLogLineBytes = 8192

// DefaultHeartbeatTimeout (tau) is the staleness threshold for registry liveness.
const DefaultHeartbeatTimeout = 300 * time.Second

// DefaultSweepInterval is the cadence of the registry's liveness sweep.
const DefaultSweepInterval = 60 * time.Second

// ─── Pagination ──────────────────────────────────────────────────────────────

// Page holds pagination parameters for list queries.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// PagedResult wraps a list result with a total count for pagination.
type PagedResult[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  Page  `json:"page"`
}
