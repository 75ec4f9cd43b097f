package remediation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"text/template"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/neighbor/internal/classifier"
	"github.com/fyrsmithlabs/neighbor/internal/signature"
	"github.com/fyrsmithlabs/neighbor/internal/telemetry"
)

const instrumentationName = "github.com/fyrsmithlabs/neighbor/internal/remediation"

// Config configures the Orchestrator.
type Config struct {
	Logger    *zap.Logger
	Telemetry *telemetry.Telemetry
}

// Orchestrator resolves, stages and executes remediation actions.
type Orchestrator struct {
	executor Executor
	logger   *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	resolvedCounter metric.Int64Counter
	executedCounter metric.Int64Counter
	failureCounter  metric.Int64Counter
}

// NewOrchestrator creates an orchestrator running actions on executor.
func NewOrchestrator(executor Executor, cfg Config) (*Orchestrator, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		executor: executor,
		logger:   logger,
		tracer:   cfg.Telemetry.Tracer(instrumentationName),
		meter:    cfg.Telemetry.Meter(instrumentationName),
	}
	o.initMetrics()
	return o, nil
}

func (o *Orchestrator) initMetrics() {
	var err error

	o.resolvedCounter, err = o.meter.Int64Counter(
		"neighbor.remediation.resolved_total",
		metric.WithDescription("Remediation templates resolved, by result"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		o.logger.Warn("failed to create resolved counter", zap.Error(err))
	}

	o.executedCounter, err = o.meter.Int64Counter(
		"neighbor.remediation.executed_total",
		metric.WithDescription("Remediation commands executed"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		o.logger.Warn("failed to create executed counter", zap.Error(err))
	}

	o.failureCounter, err = o.meter.Int64Counter(
		"neighbor.remediation.failures_total",
		metric.WithDescription("Remediation commands that failed or were refused"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		o.logger.Warn("failed to create failure counter", zap.Error(err))
	}
}

// Resolve builds the pending action for a diagnosis.
func (o *Orchestrator) Resolve(entry *signature.Entry, diag classifier.Diagnosis, sessionID, contextKey string) (*Action, error) {
	if entry.Remediation == "" {
		o.count(o.resolvedCounter, attribute.String("result", "no_command"))
		return nil, fmt.Errorf("%w: %s", ErrNoCommand, entry.ID)
	}
	vars := TemplateContext(diag, contextKey)

	quoted := make(map[string]string, len(vars))
	for k, v := range vars {
		quoted[k] = shellescape.Quote(v)
	}
	cmd, err := render("remediation", entry.Remediation, quoted)
	if err != nil {
		o.count(o.resolvedCounter, attribute.String("result", "error"))
		return nil, err
	}

	o.count(o.resolvedCounter, attribute.String("result", "ok"))
	return &Action{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		SignatureID: entry.ID,
		Label:       entry.Title,
		Command:     cmd,
		Risk:        entry.Risk,
		Approval:    ApprovalPending,
		CreatedAt:   time.Now(),
	}, nil
}

// Explain renders the signature's explanation. Values are not quoted.
func Explain(entry *signature.Entry, diag classifier.Diagnosis, contextKey string) (string, error) {
	return render("explanation", entry.Explanation, TemplateContext(diag, contextKey))
}

// TemplateContext is the variable set templates are resolved against.
func TemplateContext(diag classifier.Diagnosis, contextKey string) map[string]string {
	vars := diag.Context()
	vars["context_key"] = contextKey
	return vars
}

var missingKey = regexp.MustCompile(`map has no entry for key "([^"]+)"`)

func render(name, text string, vars map[string]string) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrTemplateResolution, name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		if m := missingKey.FindStringSubmatch(err.Error()); m != nil {
			return "", fmt.Errorf("%w: %s: missing field %q", ErrTemplateResolution, name, m[1])
		}
		return "", fmt.Errorf("%w: %s: %v", ErrTemplateResolution, name, err)
	}
	return buf.String(), nil
}

// RequestFix records the user's request to stage the fix.
func (o *Orchestrator) RequestFix(a *Action) error {
	if a.Approval == ApprovalPending {
		a.Approval = ApprovalFixRequested
	}
	return nil
}

// ConfirmDestructive records the extra confirmation destructive actions
// need. It requires a prior RequestFix.
func (o *Orchestrator) ConfirmDestructive(a *Action) error {
	if a.Approval == ApprovalPending {
		return fmt.Errorf("%w: fix was not requested", ErrNotApproved)
	}
	a.Approval = ApprovalDestructiveConfirmed
	return nil
}

// Stage hands the action to the terminal collaborator, unexecuted.
func (o *Orchestrator) Stage(ctx context.Context, a *Action) error {
	if a.Approval == ApprovalPending {
		return fmt.Errorf("%w: fix was not requested", ErrNotApproved)
	}
	if err := o.executor.Stage(ctx, a); err != nil {
		return fmt.Errorf("staging action: %w", err)
	}
	a.Staged = true
	return nil
}

// Execute runs a staged, approved action. The result is recorded on the
// action; a non-zero exit also returns ErrExecutionFailure.
func (o *Orchestrator) Execute(ctx context.Context, a *Action) (ExecResult, error) {
	ctx, span := o.tracer.Start(ctx, "remediation.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("action.id", a.ID),
		attribute.String("signature.id", a.SignatureID),
		attribute.String("risk", string(a.Risk)),
	)

	if !a.Approved() || !a.Staged {
		o.count(o.failureCounter, attribute.String("reason", "not_approved"))
		err := fmt.Errorf("%w: approval=%s staged=%t", ErrNotApproved, a.Approval, a.Staged)
		span.SetStatus(codes.Error, err.Error())
		return ExecResult{}, err
	}

	o.count(o.executedCounter, attribute.String("risk", string(a.Risk)))
	res, err := o.executor.Run(ctx, a)
	a.Result = &res
	span.SetAttributes(attribute.Int("exit_code", res.ExitCode))

	if err != nil {
		o.count(o.failureCounter, attribute.String("reason", "run_error"))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("%w: %v", ErrExecutionFailure, err)
	}
	if !res.Success() {
		o.count(o.failureCounter, attribute.String("reason", "exit_code"))
		span.SetStatus(codes.Error, "non-zero exit")
		return res, fmt.Errorf("%w: exit code %d", ErrExecutionFailure, res.ExitCode)
	}
	return res, nil
}

func (o *Orchestrator) count(c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c != nil {
		c.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	}
}
