package httpserver

import (
	"net/http"
	"strings"

	"github.com/duetchat/signaling-relay/internal/metrics"
	"github.com/duetchat/signaling-relay/internal/origin"
)

// withOriginPolicy rejects browser requests from disallowed origins.
// Requests without an Origin header (curl, server-to-server) pass through;
// WebSocket clients outside browsers don't send one.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}

		normalized, originHost, ok := origin.Normalize(originHeader)
		if !ok || !origin.Allowed(normalized, originHost, r.Host, s.cfg.AllowedOrigins) {
			s.metrics.Inc(metrics.EventOriginRejected)
			s.log.Warn("origin rejected", "origin", originHeader, "host", r.Host)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		next(w, r)
	}
}
