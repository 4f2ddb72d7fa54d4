package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/coah80/stitch/internal/config"
	"github.com/coah80/stitch/internal/middleware"
	"github.com/coah80/stitch/internal/routes"
	"github.com/coah80/stitch/internal/services"
)

// New builds the HTTP server from the loaded config. The caller owns the
// limiter's cleanup loop through stop.
func New(st *services.State, stop <-chan struct{}) *http.Server {
	api := &routes.API{
		State:          st,
		ChunkSizeLimit: config.ChunkSizeLimit,
		MaxChunks:      config.MaxChunks,
		AllowedExts:    config.AllowedUploadExts,
		DefaultFormat:  config.DefaultFormat,
		AutoStart:      config.AutoStart,
		Heartbeat:      config.HeartbeatInterval,
		Version:        config.Version,
		DiskPath:       config.TempDir,
	}

	limiter := middleware.NewRateLimiter(config.RateLimitRPS, config.RateLimitBurst)
	limiter.StartCleanup(stop)

	return &http.Server{
		Addr:              ":" + config.Port,
		Handler:           NewRouter(api, limiter, middleware.LoadCORS(config.CORSOriginsFile, middleware.SplitOrigins(config.CORSOrigins)...)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       0,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// NewRouter wires the middleware stack and every route. limiter and cors may
// be nil.
func NewRouter(api *routes.API, limiter *middleware.RateLimiter, cors func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(securityHeaders)
	if cors != nil {
		r.Use(cors)
	}
	if limiter != nil {
		r.Use(limiter.Handler)
	}

	routes.CoreRoutes(r, api)
	routes.UploadRoutes(r, api)
	routes.ProgressRoutes(r, api)
	routes.DownloadRoutes(r, api)

	publicDir := filepath.Join(filepath.Dir(os.Args[0]), "public")
	if info, err := os.Stat(publicDir); err == nil && info.IsDir() {
		fileServer := http.FileServer(http.Dir(publicDir))
		r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
			cleaned := filepath.Clean(filepath.Join(publicDir, strings.TrimPrefix(r.URL.Path, "/")))
			if !strings.HasPrefix(cleaned, publicDir) {
				http.NotFound(w, r)
				return
			}
			if _, err := os.Stat(cleaned); os.IsNotExist(err) {
				http.ServeFile(w, r, filepath.Join(publicDir, "index.html"))
				return
			}
			fileServer.ServeHTTP(w, r)
		})
	}

	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func PrintBanner() {
	fmt.Printf(`
  ┌──────────────────────────────────┐
  │         stitch %s            │
  │   chunked upload + conversion    │
  └──────────────────────────────────┘
`, padVersion(config.Version))
}

func padVersion(v string) string {
	for len(v) < 10 {
		v += " "
	}
	return v
}
