package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Stream relays runID's events to w as SSE frames until a final event
// arrives or ctx is cancelled (client disconnect). Heartbeat events are
// emitted whenever the queue has been silent for interval, so idle streams
// are not closed by intermediary proxies. The queue is removed on return,
// after which publishes for this run become silent no-ops.
func (m *Manager) Stream(ctx context.Context, w io.Writer, flusher http.Flusher, runID string, interval time.Duration) error {
	q := m.GetOrCreateQueue(runID)
	defer m.RemoveQueue(runID)

	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event := <-q:
			if err := writeFrame(w, flusher, event); err != nil {
				return err
			}
			if event.Type.Final() {
				return nil
			}
			heartbeat.Reset(interval)

		case <-heartbeat.C:
			keepAlive := Event{Type: EventHeartbeat, RunID: runID, Payload: map[string]interface{}{}}
			if err := writeFrame(w, flusher, keepAlive); err != nil {
				return err
			}
		}
	}
}

// writeFrame emits one `data: {json}` frame followed by a blank line.
func writeFrame(w io.Writer, flusher http.Flusher, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling SSE event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("writing SSE frame: %w", err)
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
