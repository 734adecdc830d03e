package admin

import (
	"net"
	"net/http"
	"strings"
)

// clientIP resolves the best-effort client IP for audit metadata.
func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}

	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return strings.Trim(rip, "[]")
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return strings.TrimSpace(host)
}

// actorID returns the request actor identifier from common headers.
// Admin requests are key-authenticated, so the header is self-reported
// and audit records fall back to "admin" when it is absent.
func actorID(r *http.Request) string {
	if r == nil {
		return "admin"
	}
	for _, header := range []string{"X-Actor-ID", "X-Actor-Id", "X-User-ID", "X-User-Id"} {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	return "admin"
}

// requestPath returns a stable request path for audit metadata.
func requestPath(r *http.Request) string {
	if r == nil || r.URL == nil {
		return ""
	}
	if p := strings.TrimSpace(r.URL.Path); p != "" {
		return p
	}
	return "/"
}
