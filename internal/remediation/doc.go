// Package remediation turns a diagnosis into a concrete, human-approved
// command and runs it.
//
// A signature's remediation is a text/template. Resolve fills it from the
// diagnosis context (record fields, regex captures, unit, context key) and
// shell-quotes every substituted value. A missing field is an error
// rather than an empty string, so a half-formed command is never shown.
//
// # Approval
//
// Actions start pending. Nothing runs until the user asks for the fix:
//
//	action, err := orch.Resolve(entry, diag, sess.ID, contextKey)
//	_ = orch.RequestFix(action)            // request_fix intent
//	_ = orch.ConfirmDestructive(action)    // destructive tier only
//	_ = orch.Stage(ctx, action)            // pre-fill the terminal
//	res, err := orch.Execute(ctx, action)  // execute intent
//
// Execute refuses with ErrNotApproved when the approvals are missing. A
// non-zero exit returns ErrExecutionFailure together with the result so
// the output can be shown verbatim.
//
// # Executors
//
// The Executor is the terminal collaborator. ShellExecutor runs commands
// with /bin/sh -c and keeps the tail of stdout and stderr.
package remediation
