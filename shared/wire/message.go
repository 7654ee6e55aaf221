// Package wire defines the envelope carried over the bidirectional event
// channel between the coordinator and its clients and workers. It is the
// sum type §4.5 of the design describes: every frame exchanged over the
// channel — status events, log lines, signaling relay, and secure-channel
// bootstrap messages — is a Message discriminated by Type.
//
// Topic naming convention:
//
//	job:<job-id>         — status/log events for a specific job
//	worker:<worker-id>   — registration/heartbeat-ack events for a worker
//	session:<session-id> — signaling relay and secure-channel events
package wire

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	// MsgJobStatus is sent when a job transitions between states.
	MsgJobStatus MessageType = "job-status"

	// MsgJobLog is sent for each streamed log line of a running job.
	MsgJobLog MessageType = "job-log"

	// MsgCellOutput is sent only for notebook-cell mode, in addition to
	// MsgJobStatus.
	MsgCellOutput MessageType = "cell-output"

	// MsgWorkerRegistered is sent when a worker completes registration.
	MsgWorkerRegistered MessageType = "worker-registered"

	// MsgHeartbeat is sent periodically by a worker to keep its registry
	// entry from going stale.
	MsgHeartbeat MessageType = "heartbeat"

	// MsgHeartbeatAck acknowledges a worker heartbeat.
	MsgHeartbeatAck MessageType = "heartbeat-ack"

	// MsgSessionSignaling relays one offer, answer, or ICE candidate frame.
	MsgSessionSignaling MessageType = "session-signaling"

	// Signaling relay message shapes, each carrying a session-id.
	MsgOffer        MessageType = "offer"
	MsgAnswer       MessageType = "answer"
	MsgICECandidate MessageType = "ice-candidate"

	// Secure-channel bootstrap and payload frames (§4.3), exchanged over
	// the established data channel once signaling has completed.
	MsgKeyExchange     MessageType = "key-exchange"
	MsgEncryptedTask   MessageType = "encrypted-task"
	MsgEncryptedResult MessageType = "encrypted-result"

	// MsgPing keeps the event channel alive and lets clients detect
	// stale connections.
	MsgPing MessageType = "ping"

	// Legacy event-name aliases accepted from older worker clients.
	// register_node and register_compute_node are handled as registration;
	// submit_job frames are accepted and dropped, since jobs are submitted
	// only through POST /submit.
	LegacyRegisterNode        MessageType = "register_node"
	LegacyRegisterComputeNode MessageType = "register_compute_node"
	LegacySubmitJob           MessageType = "submit_job"
)

// Message is the envelope for every frame sent over the event channel.
//
// JSON example:
//
//	{"type":"job-status","topic":"job:018f...","payload":{"job_id":"018f...","state":"running"}}
type Message struct {
	Type    MessageType `json:"type"`
	Topic   string      `json:"topic"`
	Payload any         `json:"payload"`
}

// JobStatusPayload is the payload of a MsgJobStatus event.
type JobStatusPayload struct {
	JobID         string   `json:"job_id"`
	State         string   `json:"state"`
	Runtime       float64  `json:"runtime,omitempty"`
	ExitCode      *int     `json:"exit_code,omitempty"`
	ArtifactNames []string `json:"artifact_names,omitempty"`
	ErrorMessage  string   `json:"error_message,omitempty"`
}

// JobLogPayload is the payload of a MsgJobLog event.
type JobLogPayload struct {
	JobID   string `json:"job_id"`
	Line    string `json:"line"`
	FullLog string `json:"full_log,omitempty"`
}

// CellOutputPayload is the payload of a MsgCellOutput event.
type CellOutputPayload struct {
	SessionID string `json:"session_id"`
	CellID    string `json:"cell_id"`
	Chunk     string `json:"chunk"`
	State     string `json:"state"`
}

// WorkerRegisteredPayload is the payload of a MsgWorkerRegistered event.
type WorkerRegisteredPayload struct {
	WorkerID   string   `json:"worker_id"`
	DeviceName string   `json:"device_name"`
	GPU        string   `json:"gpu"`
	Tags       []string `json:"capabilities"`
}

// SessionSignalingPayload wraps one relayed offer/answer/candidate frame.
// The coordinator never inspects SDP or candidate contents — Payload is
// forwarded verbatim between the two endpoints of the session.
type SessionSignalingPayload struct {
	SessionID string `json:"session_id"`
	Kind      MessageType `json:"kind"` // offer | answer | ice-candidate
	Payload   any         `json:"payload"`
}

// KeyExchangeFrame is the discriminated body of every key-exchange message
// in the §4.3 bootstrap protocol.
type KeyExchangeFrame struct {
	Action          string `json:"action"` // send-public-key | send-aes-key | aes-key-received
	PublicKey       string `json:"public_key,omitempty"`       // PEM, step 1 and 2
	EncryptedAESKey string `json:"encrypted_aes_key,omitempty"` // base64 RSA-OAEP ciphertext, step 3
}

// EncryptedFrame is the post-bootstrap payload format, in both directions.
type EncryptedFrame struct {
	EncryptedData string `json:"encrypted_data"` // base64(nonce || ciphertext || tag)
}
