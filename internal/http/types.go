package http

import (
	"github.com/fyrsmithlabs/neighbor/internal/session"
	"github.com/fyrsmithlabs/neighbor/internal/signature"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status           string                `json:"status"`
	Version          string                `json:"version,omitempty"`
	Signatures       int                   `json:"signatures"`
	SignatureVersion uint64                `json:"signature_version"`
	Sessions         map[session.State]int `json:"sessions"`
	Subscribers      int                   `json:"subscribers"`
}

// SessionListResponse is the response body for GET /api/v1/sessions.
type SessionListResponse struct {
	Sessions []session.Session `json:"sessions"`
	Count    int               `json:"count"`
}

// IntentRequest is the request body for POST /api/v1/sessions/:id/intents.
type IntentRequest struct {
	Kind session.IntentKind `json:"kind"`
}

// IntentResponse carries the session after an intent, and the reason when
// the intent was refused.
type IntentResponse struct {
	Session *session.Session `json:"session,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// SignatureListResponse is the response body for GET /api/v1/signatures.
type SignatureListResponse struct {
	Version    uint64                `json:"version"`
	Signatures []signature.Signature `json:"signatures"`
	Count      int                   `json:"count"`
}

// ScrubRequest is the request body for POST /api/v1/scrub.
type ScrubRequest struct {
	Content string `json:"content"`
}

// ScrubResponse is the response body for POST /api/v1/scrub.
type ScrubResponse struct {
	Content       string `json:"content"`
	FindingsCount int    `json:"findings_count"`
}

// StateCounts tallies sessions by state.
func StateCounts(sessions []session.Session) map[session.State]int {
	counts := make(map[session.State]int)
	for _, s := range sessions {
		counts[s.State]++
	}
	return counts
}
