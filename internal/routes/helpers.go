package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coah80/stitch/internal/services"
	"github.com/coah80/stitch/internal/util"
)

// API carries the state and limits the handlers need.
type API struct {
	State *services.State

	ChunkSizeLimit int64
	MaxChunks      int
	AllowedExts    map[string]bool
	DefaultFormat  string
	AutoStart      bool
	Heartbeat      time.Duration
	Version        string
	// DiskPath is checked for free space when a job is refused for low disk.
	DiskPath string
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondCode(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, apiError{Error: msg, Code: code})
}

// respondError maps service errors to a status and a stable code. Anything
// unrecognised is logged and reported as a 500 without details.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidChunkIndex):
		respondCode(w, 400, "invalid_chunk_index", "Invalid chunk index")
	case errors.Is(err, services.ErrInvalidTotalChunks):
		respondCode(w, 400, "invalid_total_chunks", "Invalid totalChunks")
	case errors.Is(err, services.ErrInvalidFileName):
		respondCode(w, 400, "invalid_file_name", "Invalid file name")
	case errors.Is(err, services.ErrUnsupportedFormat):
		respondCode(w, 400, "unsupported_format", "Unsupported output format")
	case errors.Is(err, services.ErrTotalChunksMismatch):
		respondCode(w, 409, "total_chunks_mismatch", "totalChunks does not match the upload in progress")
	case errors.Is(err, services.ErrSessionExpired):
		respondCode(w, 410, "session_expired", "Upload expired, please start again")
	case errors.Is(err, services.ErrUploadIncomplete):
		respondCode(w, 409, "upload_incomplete", "Upload is not complete")
	case errors.Is(err, services.ErrOverloaded):
		respondCode(w, 503, "overloaded", "Server is busy, please try again shortly")
	case errors.Is(err, services.ErrNotReady):
		respondCode(w, 409, "not_ready", "File is not ready")
	case errors.Is(err, services.ErrNotFound):
		respondCode(w, 404, "not_found", "Not found or expired")
	default:
		log.Printf("[HTTP] Internal error: %v", err)
		respondCode(w, 500, "internal", "Internal server error")
	}
}

func intFormValue(r *http.Request, key string) (int, bool) {
	n, err := strconv.Atoi(r.FormValue(key))
	if err != nil {
		return 0, false
	}
	return n, true
}

func formValueOr(r *http.Request, key, fallback string) string {
	v := r.FormValue(key)
	if v == "" {
		return fallback
	}
	return v
}

func contentDisposition(name string) string {
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, util.ToASCIIFilename(name), url.PathEscape(name))
}
