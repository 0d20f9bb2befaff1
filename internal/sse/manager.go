// Package sse is the in-process relay between background agent runs and the
// HTTP streams watching them. It is explicitly single-process: a
// multi-replica deployment replaces it with a shared broker that preserves
// the same contract (lazy queue creation, best-effort publish, idempotent
// removal, bounded size).
package sse

import (
	"sync"

	"go.uber.org/zap"
)

// EventType is the fixed set of progress event kinds.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventRunning   EventType = "running"
	EventProgress  EventType = "progress"
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
	EventHeartbeat EventType = "heartbeat"
)

// Final reports whether the event terminates its run's stream.
func (t EventType) Final() bool {
	return t == EventComplete || t == EventError
}

// Event is one progress event for a run. Payload is a free-form object and
// is the empty object for heartbeats.
type Event struct {
	Type    EventType              `json:"type"`
	RunID   string                 `json:"run_id"`
	Payload map[string]interface{} `json:"payload"`
}

// queueCapacity bounds each run's queue so an undrained consumer cannot
// grow memory without limit. Producers never block on a full queue.
const queueCapacity = 256

// Manager maps run ids to bounded event queues.
type Manager struct {
	mu     sync.Mutex
	queues map[string]chan Event
	log    *zap.Logger
}

// NewManager creates an empty relay.
func NewManager(log *zap.Logger) *Manager {
	return &Manager{
		queues: make(map[string]chan Event),
		log:    log,
	}
}

// GetOrCreateQueue returns the queue for runID, creating it on first use.
// Repeated calls with the same id return the identical queue, so it does
// not matter whether the producer or the consumer arrives first.
func (m *Manager) GetOrCreateQueue(runID string) chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[runID]
	if !ok {
		q = make(chan Event, queueCapacity)
		m.queues[runID] = q
	}
	return q
}

// Publish delivers an event to runID's queue if one exists. No queue means
// nobody is listening: the event is silently dropped, which is what lets
// producers start before any client subscribes. A full queue also drops
// rather than blocking the producer.
func (m *Manager) Publish(runID string, eventType EventType, payload map[string]interface{}) {
	m.mu.Lock()
	q, ok := m.queues[runID]
	m.mu.Unlock()
	if !ok {
		return
	}

	if payload == nil {
		payload = map[string]interface{}{}
	}

	select {
	case q <- Event{Type: eventType, RunID: runID, Payload: payload}:
	default:
		m.log.Warn("SSE queue full, dropping event",
			zap.String("run_id", runID),
			zap.String("type", string(eventType)))
	}
}

// RemoveQueue drops the queue for runID. Removing an unknown id is a no-op.
func (m *Manager) RemoveQueue(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, runID)
}

// ActiveQueues returns the number of registered queues, for metrics.
func (m *Manager) ActiveQueues() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}
