package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/coah80/stitch/internal/services"
)

func ProgressRoutes(r chi.Router, api *API) {
	r.Get("/api/progress/{jobId}", api.handleProgress)
}

// handleProgress streams a job's events as SSE and closes after the terminal
// one. A disconnecting client only drops its subscription.
func (api *API) handleProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", 500)
		return
	}

	sub, err := api.State.Events.Subscribe(jobID)
	if err != nil {
		respondError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(200)
	flusher.Flush()

	heartbeat := api.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	for {
		ctx, cancel := context.WithTimeout(r.Context(), heartbeat)
		ev, ok := sub.Next(ctx)
		timedOut := ctx.Err() == context.DeadlineExceeded
		cancel()

		if !ok {
			if timedOut && r.Context().Err() == nil {
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
				continue
			}
			return
		}
		if err := writeEvent(w, ev); err != nil {
			return
		}
		flusher.Flush()
		if ev.Terminal() {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev services.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
