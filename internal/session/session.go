// Package session runs the lifecycle of one diagnosed issue, from the
// moment it is shown to the user until the fix is confirmed or given up.
//
//	detected -> presented -> staged -> executing -> confirming -> resolved
//	                |           |                        |     -> unresolved
//	                +-----------+--> abandoned           +---> timed_out
//
// Only an explicit execute intent runs a command, and only after a
// request_fix intent (plus confirm_destructive for destructive fixes).
package session

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/neighbor/internal/classifier"
	"github.com/fyrsmithlabs/neighbor/internal/remediation"
	"github.com/fyrsmithlabs/neighbor/internal/signature"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")

	// ErrActive is returned by Open when the key already has an active
	// session that the new diagnosis does not supersede.
	ErrActive = errors.New("session already active for key")

	// ErrUnknownIntent is returned for intents with an unrecognised kind.
	ErrUnknownIntent = errors.New("unknown intent")
)

// IntentKind is a user request.
type IntentKind string

const (
	IntentRequestFix         IntentKind = "request_fix"
	IntentConfirmDestructive IntentKind = "confirm_destructive"
	IntentExecute            IntentKind = "execute"
	IntentAbandon            IntentKind = "abandon"
)

// Intent is a user request bound to one session.
type Intent struct {
	SessionID string     `json:"session_id"`
	Kind      IntentKind `json:"kind"`
	// Origin names the channel it arrived on (http, nats, cli).
	Origin string    `json:"origin,omitempty"`
	At     time.Time `json:"at"`
}

// Key identifies the issue a session is about.
type Key struct {
	SignatureID string `json:"signature_id"`
	ContextKey  string `json:"context_key"`
}

// Transition is one step in a session's history.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Session is a snapshot of one issue's lifecycle.
type Session struct {
	ID          string               `json:"id"`
	Key         Key                  `json:"key"`
	State       State                `json:"state"`
	Title       string               `json:"title"`
	Explanation string               `json:"explanation"`
	Risk        signature.RiskTier   `json:"risk"`
	Priority    int                  `json:"priority"`
	Diagnosis   classifier.Diagnosis `json:"diagnosis"`
	Action      *remediation.Action  `json:"action,omitempty"`
	// Status is the plain-language line shown to the user.
	Status    string       `json:"status"`
	Outcome   string       `json:"outcome,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	ClosedAt  *time.Time   `json:"closed_at,omitempty"`
	History   []Transition `json:"history"`
	Intents   []Intent     `json:"intents,omitempty"`
}

// Event is a lifecycle notification for the UI collaborator.
type Event struct {
	SessionID      string                  `json:"session_id"`
	Key            Key                     `json:"key"`
	State          State                   `json:"state"`
	Previous       State                   `json:"previous,omitempty"`
	Title          string                  `json:"title"`
	Explanation    string                  `json:"explanation,omitempty"`
	ActionLabel    string                  `json:"action_label,omitempty"`
	CommandPreview string                  `json:"command_preview,omitempty"`
	Risk           signature.RiskTier      `json:"risk"`
	Status         string                  `json:"status"`
	Outcome        string                  `json:"outcome,omitempty"`
	Result         *remediation.ExecResult `json:"result,omitempty"`
	At             time.Time               `json:"at"`
}

// RefusalText is the plain sentence shown to the user when an intent is
// refused. The error itself belongs in logs.
func RefusalText(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "That session no longer exists."
	case errors.Is(err, ErrUnknownIntent):
		return "That request is not recognised."
	case errors.Is(err, remediation.ErrNotApproved):
		return "This fix needs your approval before it can run."
	case errors.Is(err, ErrInvalidTransition):
		return "That is not possible at this point in the session."
	case errors.Is(err, remediation.ErrTemplateResolution):
		return "The fix could not be prepared from the log entry."
	case errors.Is(err, remediation.ErrNoCommand):
		return "There is no automatic fix for this problem."
	}
	return "Something went wrong handling the request."
}

func (s *Session) clone() Session {
	out := *s
	out.History = append([]Transition(nil), s.History...)
	out.Intents = append([]Intent(nil), s.Intents...)
	if s.Action != nil {
		a := *s.Action
		if a.Result != nil {
			r := *a.Result
			a.Result = &r
		}
		out.Action = &a
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		out.ClosedAt = &t
	}
	return out
}

func (s *Session) event(prev State) Event {
	ev := Event{
		SessionID:   s.ID,
		Key:         s.Key,
		State:       s.State,
		Previous:    prev,
		Title:       s.Title,
		Explanation: s.Explanation,
		Risk:        s.Risk,
		Status:      s.Status,
		Outcome:     s.Outcome,
		At:          s.UpdatedAt,
	}
	if s.Action != nil {
		ev.ActionLabel = s.Action.Label
		ev.CommandPreview = s.Action.Command
		if s.Action.Result != nil {
			r := *s.Action.Result
			ev.Result = &r
		}
	}
	return ev
}
