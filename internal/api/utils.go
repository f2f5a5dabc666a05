package api

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"github.com/kenneth/document-vault/internal/auth"
	"github.com/kenneth/document-vault/internal/document"
	"github.com/kenneth/document-vault/internal/middleware"
)

// getClientIP extracts the client IP address from the request.
func getClientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs, take the first one
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if r.RemoteAddr != "" {
		if colonIdx := strings.LastIndex(r.RemoteAddr, ":"); colonIdx != -1 {
			return r.RemoteAddr[:colonIdx]
		}
		return r.RemoteAddr
	}

	return "unknown"
}

// getRequestID returns the id assigned by the request id middleware, falling back to the header.
func getRequestID(r *http.Request) string {
	if rid := middleware.RequestIDFromContext(r.Context()); rid != "" {
		return rid
	}
	return r.Header.Get(middleware.RequestIDHeader)
}

// requesterFrom builds the service requester from the verified token identity.
func requesterFrom(r *http.Request) document.Requester {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return document.Requester{}
	}
	return document.Requester{UserID: id.UserID, Admin: id.Admin}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// inlineDisposition renders an inline Content-Disposition, encoding non-ASCII names.
func inlineDisposition(name string) string {
	if name == "" {
		return "inline"
	}
	if v := mime.FormatMediaType("inline", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "inline"
}
