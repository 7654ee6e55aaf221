package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fabricrun/fabric/coordinator/internal/eventbus"
	"github.com/fabricrun/fabric/coordinator/internal/jobengine"
	"github.com/fabricrun/fabric/coordinator/internal/registry"
	"github.com/fabricrun/fabric/coordinator/internal/signaling"
	"github.com/fabricrun/fabric/coordinator/internal/workerauth"
	"github.com/fabricrun/fabric/shared/types"
	"github.com/fabricrun/fabric/shared/wire"
)

// registryCallTimeout bounds the registry/store round-trip triggered by a
// single inbound frame — the call never blocks the read pump indefinitely.
const registryCallTimeout = 5 * time.Second

// EventHandler upgrades HTTP connections to the bidirectional event channel
// for both roles described in §4.5: GUI clients and workers. Registration,
// heartbeat, signaling relay, and secure-channel/job-dispatch frames are all
// carried over the same wire.Message envelope; only the set of message
// types a given peer is expected to send differs by role.
type EventHandler struct {
	hub       *eventbus.Hub
	registry  *registry.Registry
	signaling *signaling.Plane
	engine    *jobengine.Engine
	issuer    *workerauth.Issuer
	logger    *zap.Logger

	mu            sync.Mutex
	workerClients map[string]*eventbus.Client // worker-id -> its live connection
}

// NewEventHandler constructs an EventHandler.
func NewEventHandler(hub *eventbus.Hub, reg *registry.Registry, plane *signaling.Plane, engine *jobengine.Engine, issuer *workerauth.Issuer, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		hub:           hub,
		registry:      reg,
		signaling:     plane,
		engine:        engine,
		issuer:        issuer,
		logger:        logger,
		workerClients: make(map[string]*eventbus.Client),
	}
}

// ServeGUI upgrades a GUI client connection. Topics are chosen by the caller
// via repeated ?topic= query params. GUI clients may also send signaling
// frames (they originate offers) and job-status is otherwise push-only.
func (h *EventHandler) ServeGUI(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]

	var client *eventbus.Client
	client, err := eventbus.NewClient(h.hub, w, r, topics, h.logger, func(msg wire.Message) {
		h.dispatch(client, "", msg)
	})
	if err != nil {
		h.logger.Warn("api: gui event-channel upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}

// ServeWorker upgrades a worker connection and dispatches registration,
// heartbeat, signaling, and encrypted-frame relay. On disconnect, the
// worker's sessions are closed and its connection record dropped.
func (h *EventHandler) ServeWorker(w http.ResponseWriter, r *http.Request) {
	var client *eventbus.Client
	var workerID string

	client, err := eventbus.NewClient(h.hub, w, r, nil, h.logger, func(msg wire.Message) {
		h.dispatch(client, workerID, msg)
		if msg.Type == wire.MsgWorkerRegistered || msg.Type == wire.LegacyRegisterNode || msg.Type == wire.LegacyRegisterComputeNode {
			if p, err := decodePayload[registerPayload](msg.Payload); err == nil {
				workerID = p.WorkerID
			}
		}
	})
	if err != nil {
		h.logger.Warn("api: worker event-channel upgrade failed", zap.Error(err))
		return
	}

	client.Run()

	if workerID != "" {
		h.mu.Lock()
		delete(h.workerClients, workerID)
		h.mu.Unlock()
		h.signaling.CloseAllForWorker(workerID)
	}
}

func (h *EventHandler) dispatch(client *eventbus.Client, selfWorkerID string, msg wire.Message) {
	switch msg.Type {
	case wire.MsgWorkerRegistered, wire.LegacyRegisterNode, wire.LegacyRegisterComputeNode:
		h.handleRegister(client, msg)

	case wire.MsgHeartbeat:
		h.handleHeartbeat(client, msg)

	case wire.MsgOffer:
		h.handleOffer(client, msg)

	case wire.MsgAnswer:
		h.handleAnswer(msg)

	case wire.MsgICECandidate:
		h.handleCandidate(msg)

	case wire.MsgKeyExchange:
		h.handleKeyExchange(msg)

	case wire.MsgEncryptedTask, wire.MsgEncryptedResult:
		// Ciphertext is relayed verbatim; the coordinator cannot decrypt it.
		h.hub.Publish(msg.Topic, msg)

	case wire.LegacySubmitJob, wire.MsgPing:
		// submit_job frames are accepted and dropped (jobs are submitted only
		// through POST /submit); ping requires no application-level response.

	default:
		h.logger.Debug("api: unhandled event-channel message", zap.String("type", string(msg.Type)))
	}
}

type registerPayload struct {
	WorkerID     string   `json:"worker_id"`
	DeviceName   string   `json:"device"`
	GPU          string   `json:"gpu"`
	VRAMGiB      float64  `json:"vram_gib,omitempty"`
	Capabilities []string `json:"installed_tools"`
	Endpoint     string   `json:"endpoint,omitempty"`
}

func (h *EventHandler) handleRegister(client *eventbus.Client, msg wire.Message) {
	payload, err := decodePayload[registerPayload](msg.Payload)
	if err != nil || payload.WorkerID == "" {
		h.logger.Warn("api: malformed registration payload", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), registryCallTimeout)
	defer cancel()

	registered, err := h.registry.Register(ctx, types.Worker{
		ID:           payload.WorkerID,
		DeviceName:   payload.DeviceName,
		GPU:          payload.GPU,
		VRAMGiB:      payload.VRAMGiB,
		Capabilities: payload.Capabilities,
		Endpoint:     payload.Endpoint,
	})
	if err != nil {
		h.logger.Warn("api: worker registration failed", zap.String("worker_id", payload.WorkerID), zap.Error(err))
		return
	}

	h.mu.Lock()
	h.workerClients[registered.ID] = client
	h.mu.Unlock()

	h.hub.AddTopic(client, "worker:"+registered.ID)

	ack := wire.Message{
		Type:  wire.MsgWorkerRegistered,
		Topic: "worker:" + registered.ID,
		Payload: wire.WorkerRegisteredPayload{
			WorkerID:   registered.ID,
			DeviceName: registered.DeviceName,
			GPU:        registered.GPU,
			Tags:       registered.Capabilities,
		},
	}
	client.Send(ack)
	h.hub.Publish(ack.Topic, ack)
}

type heartbeatPayload struct {
	WorkerID string `json:"worker_id"`
}

func (h *EventHandler) handleHeartbeat(client *eventbus.Client, msg wire.Message) {
	payload, err := decodePayload[heartbeatPayload](msg.Payload)
	if err != nil || payload.WorkerID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), registryCallTimeout)
	defer cancel()

	if err := h.registry.Heartbeat(ctx, payload.WorkerID); err != nil {
		return
	}
	client.Send(wire.Message{Type: wire.MsgHeartbeatAck, Topic: "worker:" + payload.WorkerID, Payload: struct{}{}})
}

type signalingPayload struct {
	SessionID string `json:"session_id"`
	WorkerID  string `json:"worker_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Body      any    `json:"body"`
}

func (h *EventHandler) handleOffer(client *eventbus.Client, msg wire.Message) {
	payload, err := decodePayload[signalingPayload](msg.Payload)
	if err != nil || payload.WorkerID == "" {
		return
	}

	s := h.signaling.Offer(payload.SessionID, payload.WorkerID, payload.ClientID)
	topic := "session:" + s.ID

	h.hub.AddTopic(client, topic)

	h.mu.Lock()
	target := h.workerClients[payload.WorkerID]
	h.mu.Unlock()
	if target != nil {
		h.hub.AddTopic(target, topic)
	}

	h.hub.Publish(topic, wire.Message{
		Type:  wire.MsgOffer,
		Topic: topic,
		Payload: wire.SessionSignalingPayload{
			SessionID: s.ID,
			Kind:      wire.MsgOffer,
			Payload:   payload.Body,
		},
	})
}

func (h *EventHandler) handleAnswer(msg wire.Message) {
	payload, err := decodePayload[signalingPayload](msg.Payload)
	if err != nil || payload.SessionID == "" {
		return
	}

	// Relay is best-effort: a frame for an unknown session-id is dropped
	// without error, per §4.2.
	if _, ok := h.signaling.Answer(payload.SessionID); !ok {
		return
	}

	topic := "session:" + payload.SessionID
	h.hub.Publish(topic, wire.Message{
		Type:  wire.MsgAnswer,
		Topic: topic,
		Payload: wire.SessionSignalingPayload{
			SessionID: payload.SessionID,
			Kind:      wire.MsgAnswer,
			Payload:   payload.Body,
		},
	})
}

func (h *EventHandler) handleCandidate(msg wire.Message) {
	payload, err := decodePayload[signalingPayload](msg.Payload)
	if err != nil || payload.SessionID == "" {
		return
	}

	if _, ok := h.signaling.Get(payload.SessionID); !ok {
		return
	}

	topic := "session:" + payload.SessionID
	h.hub.Publish(topic, wire.Message{
		Type:  wire.MsgICECandidate,
		Topic: topic,
		Payload: wire.SessionSignalingPayload{
			SessionID: payload.SessionID,
			Kind:      wire.MsgICECandidate,
			Payload:   payload.Body,
		},
	})
}

// handleKeyExchange relays a §4.3 bootstrap frame verbatim and advances the
// session's secure-channel state for observability. The frame's Action tag
// and public key are never secret; the wrapped-AES-key ciphertext is opaque
// to the coordinator, which cannot decrypt it without the worker's private
// key — inspecting Action alone does not weaken confidentiality.
func (h *EventHandler) handleKeyExchange(msg wire.Message) {
	sessionID := strings.TrimPrefix(msg.Topic, "session:")

	frame, err := decodePayload[wire.KeyExchangeFrame](msg.Payload)
	if err == nil && sessionID != "" {
		var next types.SecureChannelState
		switch frame.Action {
		case "send-public-key":
			next = types.SecureRemotePubkeyKnown
		case "aes-key-received":
			next = types.SecureSymmetricEstablished
		}
		if next != "" {
			if err := h.signaling.AdvanceSecureChannel(sessionID, next); err != nil {
				h.logger.Warn("api: secure-channel state advance rejected", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	}

	h.hub.Publish(msg.Topic, msg)
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
