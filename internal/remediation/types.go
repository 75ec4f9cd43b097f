package remediation

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/neighbor/internal/signature"
)

var (
	// ErrTemplateResolution is returned when a template names a field the
	// diagnosis does not carry.
	ErrTemplateResolution = errors.New("template resolution failed")

	// ErrNotApproved is returned when executing without the required
	// approvals.
	ErrNotApproved = errors.New("action not approved")

	// ErrExecutionFailure is returned when the command exits non-zero.
	ErrExecutionFailure = errors.New("command failed")

	// ErrNoCommand is returned when the signature has no remediation.
	ErrNoCommand = errors.New("signature has no remediation command")
)

// Approval tracks what the user has agreed to.
type Approval string

const (
	ApprovalPending              Approval = "pending"
	ApprovalFixRequested         Approval = "fix_requested"
	ApprovalDestructiveConfirmed Approval = "destructive_confirmed"
)

// ExecResult is the outcome of running an action.
type ExecResult struct {
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	// Error describes a failure to start or wait for the process.
	Error string `json:"error,omitempty"`
}

// Success reports a clean exit.
func (r ExecResult) Success() bool {
	return r.ExitCode == 0 && r.Error == ""
}

// Action is a resolved remediation bound to one session.
type Action struct {
	ID          string             `json:"id"`
	SessionID   string             `json:"session_id"`
	SignatureID string             `json:"signature_id"`
	Label       string             `json:"label"`
	Command     string             `json:"command"`
	Risk        signature.RiskTier `json:"risk"`
	Approval    Approval           `json:"approval"`
	Staged      bool               `json:"staged"`
	Result      *ExecResult        `json:"result,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Approved reports whether every approval the tier needs was given.
func (a *Action) Approved() bool {
	switch a.Approval {
	case ApprovalDestructiveConfirmed:
		return true
	case ApprovalFixRequested:
		return a.Risk != signature.RiskDestructive
	}
	return false
}
