// Package auditlog extracts request identity used for attribution and
// audit metadata.
package auditlog

import (
	"net"
	"net/http"
	"strings"
)

// UserIDHeader carries the authenticated user id, set by the upstream gateway.
const UserIDHeader = "X-User-ID"

// UserID returns the authenticated user id, or "" when the gateway did not
// attach one.
func UserID(r *http.Request) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(UserIDHeader))
}

// ClientIP resolves the best-effort client IP for audit metadata and rate
// limiting.
func ClientIP(r *http.Request) string {
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

// RequestPath returns a stable request path for audit metadata.
func RequestPath(r *http.Request) string {
	if r == nil || r.URL == nil {
		return ""
	}
	if p := strings.TrimSpace(r.URL.Path); p != "" {
		return p
	}
	return "/"
}
