package routes

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/coah80/stitch/internal/alerts"
	"github.com/coah80/stitch/internal/services"
	"github.com/coah80/stitch/internal/util"
)

func UploadRoutes(r chi.Router, api *API) {
	r.Post("/upload", api.handleChunk)
	r.Post("/api/upload/chunk", api.handleChunk)
	r.Post("/api/process", api.handleProcess)
}

type chunkResponse struct {
	Received int    `json:"received"`
	Total    int    `json:"total"`
	Complete bool   `json:"complete"`
	Status   string `json:"status"`
	JobID    string `json:"jobId,omitempty"`
}

func (api *API) handleChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, api.ChunkSizeLimit+1024*1024)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondCode(w, 413, "chunk_too_large", "Chunk too large")
			return
		}
		respondCode(w, 400, "bad_request", "Failed to parse chunk")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondCode(w, 400, "missing_file", "No chunk data")
		return
	}
	defer file.Close()

	fileName := formValueOr(r, "fileName", header.Filename)
	ext := strings.ToLower(filepath.Ext(fileName))
	if len(api.AllowedExts) > 0 && !api.AllowedExts[ext] {
		respondCode(w, 400, "unsupported_file_type", "Unsupported file type: "+ext)
		return
	}
	chunkIndex, ok := intFormValue(r, "chunkIndex")
	if !ok {
		respondCode(w, 400, "invalid_chunk_index", "Invalid chunk index")
		return
	}
	totalChunks, ok := intFormValue(r, "totalChunks")
	if !ok {
		respondCode(w, 400, "invalid_total_chunks", "Invalid totalChunks")
		return
	}

	receipt, err := api.State.PutChunk(fileName, chunkIndex, totalChunks, file)
	if err != nil {
		api.checkDisk(err)
		respondError(w, err)
		return
	}

	respondJSON(w, 200, chunkResponse{
		Received: receipt.Received,
		Total:    receipt.Total,
		Complete: receipt.Status != services.Incomplete,
		Status:   receipt.Status.String(),
		JobID:    receipt.JobID,
	})
}

type processRequest struct {
	FileName    string `json:"fileName"`
	TotalChunks int    `json:"totalChunks"`
	Format      string `json:"format"`
}

func (api *API) handleProcess(w http.ResponseWriter, r *http.Request) {
	var body processRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&body); err != nil {
		respondCode(w, 400, "bad_request", "Invalid request body")
		return
	}
	if body.FileName == "" || body.TotalChunks <= 0 {
		respondCode(w, 400, "bad_request", "Missing fileName or totalChunks")
		return
	}

	jobID, err := api.State.StartProcessing(body.FileName, body.TotalChunks, strings.ToLower(body.Format))
	if err != nil {
		api.checkDisk(err)
		respondError(w, err)
		return
	}
	respondJSON(w, 200, map[string]string{"jobId": jobID})
}

func (api *API) checkDisk(err error) {
	if !errors.Is(err, services.ErrLowDiskSpace) || api.DiskPath == "" {
		return
	}
	ds, derr := util.GetDiskSpace(api.DiskPath)
	if derr != nil {
		return
	}
	log.Printf("[Queue] Refusing job: %.1fGB free", ds.AvailGB())
	alerts.LowDiskSpace(ds.AvailGB())
}
