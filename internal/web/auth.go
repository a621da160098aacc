package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorizeRequest gates API and websocket access when a token is
// configured. An empty configured token leaves the server open, which is
// the loopback-only default.
func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	presented := requestToken(r)
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) == 1
}

// requestToken extracts the caller's credential. The Authorization header
// is the normal path; the token query parameter exists for websocket
// clients that cannot set headers.
func requestToken(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
