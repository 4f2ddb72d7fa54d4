package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func CoreRoutes(r chi.Router, api *API) {
	r.Get("/health", api.handleHealth)
	r.Get("/api/limits", api.handleLimits)
	r.Get("/api/job/{jobId}/status", api.handleJobStatus)
}

func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, 200, map[string]interface{}{
		"status":  "ok",
		"version": api.Version,
		"queue": map[string]int{
			"active":  api.State.Jobs.Active(),
			"limit":   api.State.Jobs.Limit(),
			"uploads": api.State.Uploads.Count(),
		},
	})
}

func (api *API) handleLimits(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, 200, map[string]interface{}{
		"maxChunkSize":  api.ChunkSizeLimit,
		"maxChunks":     api.MaxChunks,
		"maxActiveJobs": api.State.Jobs.Limit(),
		"formats":       api.State.Jobs.Formats(),
		"defaultFormat": api.DefaultFormat,
		"autoStart":     api.AutoStart,
	})
}

func (api *API) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := api.State.Jobs.Get(chi.URLParam(r, "jobId"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, 200, job)
}
