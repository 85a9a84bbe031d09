// Package http provides HTTP handlers for feeding commands to a relay.
// POST to the command handler enqueues a command for the relay.
// GET on the status handler returns the relay's stats.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"maragu.dev/xrelay"
	"maragu.dev/xrelay/queue"
)

type sender interface {
	Send(ctx context.Context, m queue.Message) (queue.ID, error)
}

type statser interface {
	Stats() xrelay.Stats
}

type request struct {
	Command string
	Delay   time.Duration
}

type response struct {
	ID queue.ID
}

// Handler enqueues commands in q. The command is sent as-is; an optional delay holds it back from the relay.
func Handler(q sender) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "error decoding request: "+err.Error(), http.StatusBadRequest)
			return
		}

		if req.Delay < 0 {
			http.Error(w, "delay cannot be negative", http.StatusBadRequest)
			return
		}

		id, err := q.Send(r.Context(), queue.Message{Body: []byte(req.Command), Delay: req.Delay})
		if err != nil {
			http.Error(w, "error sending command: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(response{ID: id})
	}
}

// StatusHandler returns the relay stats as JSON.
func StatusHandler(s statser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Stats()); err != nil {
			http.Error(w, "error encoding stats: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}
}
