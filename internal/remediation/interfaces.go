package remediation

import "context"

// Executor is the terminal collaborator. Stage shows the pre-filled
// command without running it; Run executes it and reports the result.
// Run must not be called for an action that was not staged.
type Executor interface {
	Stage(ctx context.Context, action *Action) error
	Run(ctx context.Context, action *Action) (ExecResult, error)
}
