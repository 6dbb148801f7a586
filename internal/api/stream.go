package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kalambet/taskcheck/internal/events"
)

// handleEvents streams bus events as server-sent events. Repeated ?type=
// parameters filter by event type.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		var types []events.Type
		for _, t := range r.URL.Query()["type"] {
			types = append(types, events.Type(t))
		}
		sub := deps.Backend.Subscribe(types...)
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		heartbeat := time.NewTicker(deps.Heartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case e, ok := <-sub.Events:
				if !ok {
					return
				}
				data, err := json.Marshal(e)
				if err != nil {
					slog.Warn("failed to marshal event", "event_id", e.ID, "type", e.Type, "error", err)
					continue
				}
				fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
				flusher.Flush()
			}
		}
	}
}
