package routes

import (
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/coah80/stitch/internal/services"
	"github.com/coah80/stitch/internal/util"
)

func DownloadRoutes(r chi.Router, api *API) {
	r.Get("/api/download/{jobId}", api.handleDownload)
	r.Get("/api/files/{name}", api.handleFileByName)
}

func (api *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	artifact, err := api.State.Delivery.Fetch(chi.URLParam(r, "jobId"))
	if err != nil {
		respondError(w, err)
		return
	}
	serveArtifact(w, artifact)
}

func (api *API) handleFileByName(w http.ResponseWriter, r *http.Request) {
	artifact, err := api.State.Delivery.FetchByName(chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, err)
		return
	}
	serveArtifact(w, artifact)
}

// serveArtifact settles the claim according to whether every byte was
// written.
func serveArtifact(w http.ResponseWriter, a *services.Artifact) {
	f, err := a.Open()
	if err != nil {
		a.Done(false)
		respondError(w, services.ErrNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", a.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(a.Size, 10))
	w.Header().Set("Content-Disposition", contentDisposition(a.Name))

	n, err := io.Copy(w, f)
	delivered := err == nil && n == a.Size
	if !delivered {
		log.Printf("[Job] %s download interrupted after %d/%d bytes", util.ShortID(a.JobID), n, a.Size)
	}
	a.Done(delivered)
}
