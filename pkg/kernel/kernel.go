// Package kernel implements the Safety Kernel's five-layer decision
// pipeline: authorize, evaluate interlocks, classify risk and force
// simulation, gate on human approval, execute. Exactly one Decision is
// produced per call; the pipeline stops at the first layer that denies or
// defers.
package kernel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hadijannat/TwinOps/pkg/canonicalize"
	"github.com/hadijannat/TwinOps/pkg/contracts"
	"github.com/hadijannat/TwinOps/pkg/interlock"
	"github.com/hadijannat/TwinOps/pkg/policystore"
)

var tracer = otel.Tracer("twinops/kernel")

// PolicySource supplies the current verified policy, failing closed when
// none is available.
type PolicySource interface {
	Current(ctx context.Context) (*contracts.Policy, error)
}

// InterlockEvaluator checks a policy's interlocks against live twin state.
// Warnings cover interlocks that could not be evaluated against current
// twin state (e.g. an unobserved path) and were treated as not firing;
// they are not violations but belong in the audit trail.
type InterlockEvaluator interface {
	Evaluate(ctx context.Context, interlocks []contracts.Interlock) (violation *interlock.Violation, warnings []string, err error)
}

// Executor performs the real or simulated invocation once a call clears
// every gate. Kernel knows nothing about HTTP, breakers, or retries; that
// lives behind this interface in pkg/twinclient.
type Executor interface {
	Execute(ctx context.Context, toolName string, args map[string]any, simulate bool, idempotencyKey string) (map[string]any, error)
}

// ApprovalCreator parks a CRITICAL-risk call awaiting a human decision.
// The kernel holds only this narrow interface, not the Approval Store
// itself, so the store can hold a callback pointing back into Resubmit
// without a mutual-ownership cycle.
type ApprovalCreator interface {
	Create(ctx context.Context, call contracts.ToolCall, requesterActor string, requesterRoles []string) (taskID string, err error)
}

// AuditFields is the subset of an audit entry the kernel knows how to
// populate; sequencing, timestamps, and hash chaining are the audit
// writer's responsibility.
type AuditFields struct {
	Actor        string
	Roles        []string
	Event        contracts.AuditEvent
	Tool         string
	ArgsDigest   string
	Decision     contracts.DecisionKind
	ResultDigest string
	Details      map[string]any
}

// AuditSink records one audit entry.
type AuditSink interface {
	Record(ctx context.Context, fields AuditFields) error
}

// Kernel is the Safety Kernel.
type Kernel struct {
	policy     PolicySource
	interlocks InterlockEvaluator
	executor   Executor
	approvals  ApprovalCreator
	audit      AuditSink
}

// Config bundles the Kernel's collaborators.
type Config struct {
	Policy     PolicySource
	Interlocks InterlockEvaluator
	Executor   Executor
	Approvals  ApprovalCreator
	Audit      AuditSink
}

func New(cfg Config) *Kernel {
	return &Kernel{
		policy:     cfg.Policy,
		interlocks: cfg.Interlocks,
		executor:   cfg.Executor,
		approvals:  cfg.Approvals,
		audit:      cfg.Audit,
	}
}

// Submit runs a fresh candidate call through all five layers.
func (k *Kernel) Submit(ctx context.Context, call contracts.ToolCall, requesterActor string, requesterRoles []string) (contracts.Decision, error) {
	return k.evaluate(ctx, call, requesterActor, requesterRoles, "")
}

// Resubmit re-enters the pipeline for a call whose approval gate has
// already been cleared by the Approval Store; the gate is skipped for
// this one pass, and taskID is threaded into the resulting audit entry's
// details and the returned decision so callers can correlate both with
// the original pending task.
func (k *Kernel) Resubmit(ctx context.Context, taskID string, call contracts.ToolCall, requesterActor string, requesterRoles []string) (contracts.Decision, error) {
	d, err := k.evaluate(ctx, call, requesterActor, requesterRoles, taskID)
	if err != nil {
		return d, err
	}
	d.TaskID = taskID
	return d, nil
}

// evaluate runs the five-layer pipeline. taskID is empty for a fresh
// Submit and non-empty for a Resubmit, in which case it both skips the
// approval gate (already cleared by the Approval Store) and is recorded
// in the resulting audit entry's details so the entry can be traced back
// to the approval task that produced it.
func (k *Kernel) evaluate(ctx context.Context, call contracts.ToolCall, requesterActor string, requesterRoles []string, taskID string) (contracts.Decision, error) {
	ctx, evalSpan := tracer.Start(ctx, "twinops.kernel.evaluate", trace.WithAttributes(attribute.String("tool", call.Name)))
	defer evalSpan.End()

	argsDigest, err := canonicalize.Hash(call.Arguments)
	if err != nil {
		return contracts.Decision{}, fmt.Errorf("kernel: digesting arguments: %w", err)
	}

	if err := k.record(ctx, requesterActor, requesterRoles, contracts.EventProposed, call.Name, argsDigest, "", "", nil); err != nil {
		return contracts.Decision{}, err
	}

	authCtx, authSpan := tracer.Start(ctx, "twinops.kernel.authorize")
	policy, err := k.policy.Current(authCtx)
	if err != nil {
		authSpan.RecordError(err)
		authSpan.End()
		reason := "policy_unverified"
		if errors.Is(err, policystore.ErrPolicyStale) {
			reason = "policy_stale"
		}
		return k.deny(ctx, requesterActor, requesterRoles, call.Name, argsDigest, reason, map[string]any{"cause": err.Error()})
	}

	// 1. Authorize (RBAC).
	if !policy.RolesMayInvoke(requesterRoles, call.Name) {
		authSpan.End()
		return k.deny(ctx, requesterActor, requesterRoles, call.Name, argsDigest, "role_unauthorized", nil)
	}
	authSpan.End()

	// 2. Interlock evaluation.
	interlockCtx, interlockSpan := tracer.Start(ctx, "twinops.kernel.interlock")
	violation, interlockWarnings, err := k.interlocks.Evaluate(interlockCtx, policy.Interlocks)
	if err != nil {
		interlockSpan.RecordError(err)
		interlockSpan.End()
		return k.deny(ctx, requesterActor, requesterRoles, call.Name, argsDigest, "interlock_evaluation_failed", map[string]any{"cause": err.Error()})
	}
	interlockSpan.End()
	if violation != nil {
		details := map[string]any{"interlock_id": violation.InterlockID, "message": violation.Message}
		if len(interlockWarnings) > 0 {
			details["interlock_warnings"] = interlockWarnings
		}
		return k.deny(ctx, requesterActor, requesterRoles, call.Name, argsDigest,
			fmt.Sprintf("interlock_triggered:%s", violation.InterlockID), details)
	}

	// 3. Risk classification and simulation forcing. Forcing applies only
	// below the approval threshold; a call at or above it goes to the
	// approval gate instead and runs for real once approved.
	_, riskSpan := tracer.Start(ctx, "twinops.kernel.risk")
	risk := policy.OperationRiskOf(call.Name, call.Risk)
	simulateEffective := call.RequestedSimulate
	if risk.AtLeast(policy.RequireSimulationForRisk) && !risk.AtLeast(policy.RequireApprovalForRisk) {
		simulateEffective = true
	}
	riskSpan.SetAttributes(attribute.String("risk", string(risk)), attribute.Bool("simulate", simulateEffective))
	riskSpan.End()

	// 4. Approval gate. Skipped on a resubmit: taskID is already set, meaning
	// the gate was already cleared by the Approval Store for this call.
	if taskID == "" && risk.AtLeast(policy.RequireApprovalForRisk) && !simulateEffective {
		approvalCtx, approvalSpan := tracer.Start(ctx, "twinops.kernel.approval")
		newTaskID, err := k.approvals.Create(approvalCtx, call, requesterActor, requesterRoles)
		if err != nil {
			approvalSpan.RecordError(err)
			approvalSpan.End()
			return contracts.Decision{}, fmt.Errorf("kernel: creating approval task: %w", err)
		}
		approvalSpan.End()
		details := withWarnings(map[string]any{"task_id": newTaskID}, interlockWarnings)
		if err := k.record(ctx, requesterActor, requesterRoles, contracts.EventPendingApproval, call.Name, argsDigest, contracts.DecisionPendingApproval, "", details); err != nil {
			return contracts.Decision{}, err
		}
		return contracts.Decision{Kind: contracts.DecisionPendingApproval, TaskID: newTaskID}, nil
	}

	// 5. Execute.
	execCtx, execSpan := tracer.Start(ctx, "twinops.kernel.execute")
	result, err := k.executor.Execute(execCtx, call.Name, call.Arguments, simulateEffective, call.IdempotencyKey)
	if err != nil {
		execSpan.RecordError(err)
		execSpan.End()
		details := addTaskID(withWarnings(map[string]any{"cause": err.Error()}, interlockWarnings), taskID)
		if recErr := k.record(ctx, requesterActor, requesterRoles, contracts.EventExecFailed, call.Name, argsDigest, contracts.DecisionDeny, "", details); recErr != nil {
			return contracts.Decision{}, recErr
		}
		return contracts.Decision{Kind: contracts.DecisionDeny, Reason: fmt.Sprintf("execution_failed: %v", err)}, nil
	}
	execSpan.End()

	resultDigest, err := canonicalize.Hash(result)
	if err != nil {
		return contracts.Decision{}, fmt.Errorf("kernel: digesting result: %w", err)
	}

	if simulateEffective {
		details := addTaskID(withWarnings(nil, interlockWarnings), taskID)
		if err := k.record(ctx, requesterActor, requesterRoles, contracts.EventSimulated, call.Name, argsDigest, contracts.DecisionAllowSimulate, resultDigest, details); err != nil {
			return contracts.Decision{}, err
		}
		return contracts.Decision{Kind: contracts.DecisionAllowSimulate, Result: result, ResultDigest: resultDigest}, nil
	}

	details := addTaskID(withWarnings(nil, interlockWarnings), taskID)
	if err := k.record(ctx, requesterActor, requesterRoles, contracts.EventExecuted, call.Name, argsDigest, contracts.DecisionAllowExecute, resultDigest, details); err != nil {
		return contracts.Decision{}, err
	}
	return contracts.Decision{Kind: contracts.DecisionAllowExecute, Result: result, ResultDigest: resultDigest}, nil
}

// addTaskID threads the resubmitted call's originating approval task id
// into an audit entry's details, so the entry can be traced back to the
// decision that cleared it. A no-op for a fresh Submit.
func addTaskID(details map[string]any, taskID string) map[string]any {
	if taskID == "" {
		return details
	}
	if details == nil {
		details = map[string]any{}
	}
	details["task_id"] = taskID
	return details
}

func withWarnings(details map[string]any, warnings []string) map[string]any {
	if len(warnings) == 0 {
		return details
	}
	if details == nil {
		details = map[string]any{}
	}
	details["interlock_warnings"] = warnings
	return details
}

func (k *Kernel) deny(ctx context.Context, actor string, roles []string, tool, argsDigest, reason string, details map[string]any) (contracts.Decision, error) {
	if err := k.record(ctx, actor, roles, contracts.EventDenied, tool, argsDigest, contracts.DecisionDeny, "", mergeReason(details, reason)); err != nil {
		return contracts.Decision{}, err
	}
	return contracts.Decision{Kind: contracts.DecisionDeny, Reason: reason}, nil
}

func mergeReason(details map[string]any, reason string) map[string]any {
	out := map[string]any{"reason": reason}
	for k, v := range details {
		out[k] = v
	}
	return out
}

func (k *Kernel) record(ctx context.Context, actor string, roles []string, event contracts.AuditEvent, tool, argsDigest string, decision contracts.DecisionKind, resultDigest string, details map[string]any) error {
	return k.audit.Record(ctx, AuditFields{
		Actor:        actor,
		Roles:        roles,
		Event:        event,
		Tool:         tool,
		ArgsDigest:   argsDigest,
		Decision:     decision,
		ResultDigest: resultDigest,
		Details:      details,
	})
}
