package middleware

import (
	"bufio"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/cors"
)

// LoadCORS allows the origins listed in originsFile plus extra. With none
// configured every origin is allowed, without credentials.
func LoadCORS(originsFile string, extra ...string) func(http.Handler) http.Handler {
	origins := append(loadCORSOrigins(originsFile), extra...)

	opts := cors.Options{
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Disposition", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         86400,
	}
	if len(origins) > 0 {
		log.Printf("[CORS] Allowing %d origins", len(origins))
		opts.AllowedOrigins = origins
		opts.AllowCredentials = true
	} else {
		log.Printf("[CORS] WARNING: No origins configured (%s), allowing all origins without credentials", originsFile)
		opts.AllowedOrigins = []string{"*"}
	}
	return cors.Handler(opts)
}

func loadCORSOrigins(path string) []string {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var origins []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			origins = append(origins, line)
		}
	}
	return origins
}

// SplitOrigins parses a comma separated CORS_ORIGINS value.
func SplitOrigins(v string) []string {
	var out []string
	for _, o := range strings.Split(v, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
