package server

import (
	"net"
	"net/http"
	"strings"

	"github.com/unixabg/dosi/internal/config"
)

// clientIP returns the caller address. Behind a trusted proxy the last
// non-empty X-Forwarded-For entry wins, since that is the one the proxy
// appended itself.
func clientIP(r *http.Request, cfg config.Config) string {
	if cfg.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if p := strings.TrimSpace(parts[i]); p != "" {
					return p
				}
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
