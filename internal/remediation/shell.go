package remediation

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ShellExecutor runs actions through a shell. It has no terminal, so Stage
// only logs the command.
type ShellExecutor struct {
	Shell string
	// Timeout bounds a run; zero leaves it unbounded.
	Timeout time.Duration
	// Tail is how many trailing bytes of each stream are kept.
	Tail   int
	Logger *zap.Logger
}

func (e *ShellExecutor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *ShellExecutor) Stage(_ context.Context, a *Action) error {
	e.logger().Info("remediation staged",
		zap.String("session.id", a.SessionID),
		zap.String("action.id", a.ID),
		zap.String("command", a.Command))
	return nil
}

func (e *ShellExecutor) Run(ctx context.Context, a *Action) (ExecResult, error) {
	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	tail := e.Tail
	if tail <= 0 {
		tail = 4096
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	stdout, stderr := newTailBuffer(tail), newTailBuffer(tail)
	cmd := exec.CommandContext(ctx, shell, "-c", a.Command)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Children of the shell may hold the pipes open after it is killed.
	cmd.WaitDelay = time.Second

	res := ExecResult{StartedAt: time.Now()}
	err := cmd.Run()
	res.FinishedAt = time.Now()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			res.Error = ctx.Err().Error()
		}
		err = nil
	default:
		res.ExitCode = -1
		res.Error = err.Error()
	}

	e.logger().Info("remediation finished",
		zap.String("session.id", a.SessionID),
		zap.String("action.id", a.ID),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.FinishedAt.Sub(res.StartedAt)))
	return res, err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
