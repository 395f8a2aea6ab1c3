package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"memgrid/pkg/log"
	"memgrid/pkg/ports"
)

// eventFrame is the wire shape of one server-sent event payload.
type eventFrame struct {
	ID        string      `json:"id"`
	Topic     string      `json:"topic"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// StreamEvents serves the live feed over SSE. There is no replay on
// reconnect; clients re-fetch current state and resume from there.
func (s *Server) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "streaming is not supported",
		})

		return
	}

	ctx := r.Context()
	logger := log.GetLogger(ctx).WithField("service", "api")

	var (
		evtCh <-chan *ports.EventEnvelope
		errCh <-chan error
	)

	if topic := r.URL.Query().Get("topic"); topic != "" {
		evtCh, errCh = s.events.SubscribeTopic(ctx, topic)
	} else {
		evtCh, errCh = s.events.SubscribeAll(ctx)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			if err != nil {
				logger.Errorf("event stream: %s", err)
			}

			return
		case envelope, ok := <-evtCh:
			if !ok {
				return
			}

			frame := eventFrame{
				ID:        envelope.ID,
				Topic:     envelope.Topic,
				Type:      eventName(envelope.Event),
				Timestamp: envelope.Timestamp,
				Payload:   envelope.Event,
			}

			data, err := json.Marshal(frame)
			if err != nil {
				logger.Errorf("encoding event frame: %s", err)

				continue
			}

			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Type, data)
			flusher.Flush()
		}
	}
}

// eventName derives the wire name from the event's Go type.
func eventName(event interface{}) string {
	name := fmt.Sprintf("%T", event)
	name = strings.TrimPrefix(name, "*")
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}

	return name
}
