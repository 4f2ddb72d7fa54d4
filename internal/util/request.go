package util

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP prefers the address chi's RealIP middleware already wrote to
// RemoteAddr, falling back to the first X-Forwarded-For hop.
func GetClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return "unknown"
}
