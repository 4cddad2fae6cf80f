package gateway

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

// ExtractToken extracts a bearer token from request headers or query params.
// It checks, in order: Authorization: Bearer <token>, X-API-Key header, token query param.
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// Query param is for SSE and browser WebSocket clients that cannot set headers.
	return r.URL.Query().Get("token")
}

// Authorized reports whether a request may use the gateway. Without a
// configured token only loopback clients are accepted.
func Authorized(r *http.Request, token string) bool {
	if token == "" {
		return isLoopback(r.RemoteAddr)
	}
	candidate := ExtractToken(r)
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1
}

func (s *Server) authorize(r *http.Request) bool {
	return Authorized(r, s.cfg.AuthToken)
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
