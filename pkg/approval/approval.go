// Package approval implements the Approval Store: the pending/approved/
// rejected/expired state machine for CRITICAL-risk tool calls parked
// awaiting a human decision.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hadijannat/TwinOps/pkg/canonicalize"
	"github.com/hadijannat/TwinOps/pkg/contracts"
	"github.com/hadijannat/TwinOps/pkg/kernel"
)

const DefaultTTL = 24 * time.Hour

var (
	ErrNotFound        = errors.New("approval: task not found")
	ErrNotPending      = errors.New("approval: task is not pending")
	ErrSelfApproval    = errors.New("approval: requester cannot approve their own task")
	ErrApproverNotAllowed = errors.New("approval: approver role not permitted by policy")
)

// PolicySource supplies the current policy, used only to check
// approver_roles at resolution time.
type PolicySource interface {
	Current(ctx context.Context) (*contracts.Policy, error)
}

// Resubmitter re-enters the kernel pipeline for an approved task, skipping
// the approval gate for that one pass. The Store holds this callback
// rather than a reference to the Kernel, breaking the Orchestrator →
// Kernel → Store → Kernel cycle.
type Resubmitter func(ctx context.Context, taskID string, call contracts.ToolCall, requesterActor string, requesterRoles []string) (contracts.Decision, error)

// Store is the Approval Store. One mutex serializes every state
// transition; tasks are never deleted, only transitioned to a terminal
// state.
type Store struct {
	mu     sync.Mutex
	tasks  map[string]*contracts.PendingApprovalTask
	clock  func() time.Time
	ttl    time.Duration
	policy PolicySource
	resub  Resubmitter
	audit  kernel.AuditSink
}

type Config struct {
	Policy      PolicySource
	Resubmitter Resubmitter
	TTL         time.Duration
	Clock       func() time.Time
	Audit       kernel.AuditSink
}

func New(cfg Config) *Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		tasks:  make(map[string]*contracts.PendingApprovalTask),
		clock:  clock,
		ttl:    ttl,
		policy: cfg.Policy,
		resub:  cfg.Resubmitter,
		audit:  cfg.Audit,
	}
}

// Create parks call awaiting approval and satisfies kernel.ApprovalCreator.
func (s *Store) Create(ctx context.Context, call contracts.ToolCall, requesterActor string, requesterRoles []string) (string, error) {
	now := s.clock()
	task := &contracts.PendingApprovalTask{
		TaskID:         uuid.New().String(),
		ToolCall:       call,
		RequesterActor: requesterActor,
		RequesterRoles: append([]string(nil), requesterRoles...),
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
		State:          contracts.ApprovalPending,
	}

	s.mu.Lock()
	s.tasks[task.TaskID] = task
	s.mu.Unlock()

	return task.TaskID, nil
}

// Get returns a copy of the task, expiring it in place first if its TTL
// has elapsed.
func (s *Store) Get(taskID string) (contracts.PendingApprovalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return contracts.PendingApprovalTask{}, ErrNotFound
	}
	s.expireLocked(task)
	return *task, nil
}

// Approve resolves task as approved and, if a Resubmitter is configured,
// re-enters the kernel pipeline for it. Self-approval is always rejected
// regardless of role. A task already approved or rejected is idempotent:
// the call is a no-op that returns the originally recorded outcome rather
// than erroring or resubmitting a second time.
func (s *Store) Approve(ctx context.Context, taskID, approverActor string, approverRoles []string, justification string) (contracts.Outcome, error) {
	task, alreadyResolved, err := s.resolve(ctx, taskID, approverActor, approverRoles, contracts.ApprovalApproved, "", justification)
	if err != nil {
		return contracts.Outcome{}, err
	}
	if alreadyResolved {
		return contracts.Outcome{TaskID: taskID, State: task.State, Reason: outcomeReason(task)}, nil
	}

	if err := s.recordDecision(ctx, contracts.EventApproved, task, approverActor, approverRoles, justification, nil); err != nil {
		return contracts.Outcome{}, err
	}

	if s.resub == nil {
		return contracts.Outcome{TaskID: taskID, State: contracts.ApprovalApproved}, nil
	}

	decision, err := s.resub(ctx, task.TaskID, task.ToolCall, task.RequesterActor, task.RequesterRoles)
	if err != nil {
		return contracts.Outcome{}, fmt.Errorf("approval: resubmitting task %s: %w", taskID, err)
	}
	reason := string(decision.Kind)
	s.setResolutionReason(task, reason)
	return contracts.Outcome{TaskID: taskID, State: contracts.ApprovalApproved, Reason: reason}, nil
}

// Reject resolves task as rejected. No resubmission follows. A task already
// approved or rejected is idempotent: the call returns the originally
// recorded outcome.
func (s *Store) Reject(ctx context.Context, taskID, approverActor string, approverRoles []string, reason, justification string) (contracts.Outcome, error) {
	task, alreadyResolved, err := s.resolve(ctx, taskID, approverActor, approverRoles, contracts.ApprovalRejected, reason, justification)
	if err != nil {
		return contracts.Outcome{}, err
	}
	if alreadyResolved {
		return contracts.Outcome{TaskID: taskID, State: task.State, Reason: outcomeReason(task)}, nil
	}

	if err := s.recordDecision(ctx, contracts.EventRejected, task, approverActor, approverRoles, justification, map[string]any{"reject_reason": task.RejectReason}); err != nil {
		return contracts.Outcome{}, err
	}
	return contracts.Outcome{TaskID: taskID, State: contracts.ApprovalRejected, Reason: task.RejectReason}, nil
}

// outcomeReason reports the reason an already-terminal task's Outcome
// should carry: the reject reason for a rejected task, or the resubmit
// decision's kind for an approved one.
func outcomeReason(task *contracts.PendingApprovalTask) string {
	if task.State == contracts.ApprovalRejected {
		return task.RejectReason
	}
	return task.ResolutionReason
}

// resolve validates and applies one terminal state transition under a
// single critical section, so a task can never be approved and rejected
// concurrently. Policy lookup happens inside the lock too: MayApprove is
// a pure function over an already-fetched document, cheap enough not to
// warrant releasing the lock first.
//
// A task already in a terminal decided state (approved/rejected) is
// reported back via alreadyResolved rather than ErrNotPending, so callers
// can replay the original outcome instead of treating a repeat
// approve/reject as a failure. Only an expired or unknown task is a real
// error.
func (s *Store) resolve(ctx context.Context, taskID, approverActor string, approverRoles []string, next contracts.ApprovalState, rejectReason, justification string) (task *contracts.PendingApprovalTask, alreadyResolved bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, false, ErrNotFound
	}
	s.expireLocked(task)
	if task.State == contracts.ApprovalApproved || task.State == contracts.ApprovalRejected {
		return task, true, nil
	}
	if task.State != contracts.ApprovalPending {
		return nil, false, ErrNotPending
	}
	if approverActor == task.RequesterActor {
		return nil, false, ErrSelfApproval
	}
	if s.policy != nil {
		policy, perr := s.policy.Current(ctx)
		if perr == nil && policy != nil && !policy.MayApprove(approverRoles) {
			return nil, false, ErrApproverNotAllowed
		}
	}

	task.State = next
	task.ApprovedBy = approverActor
	task.ResolvedAt = s.clock()
	task.Justification = justification
	if next == contracts.ApprovalRejected {
		task.RejectReason = rejectReason
	}
	if hash, herr := canonicalize.Hash(struct {
		TaskID string                  `json:"task_id"`
		State  contracts.ApprovalState `json:"state"`
	}{task.TaskID, task.State}); herr == nil {
		task.ContentHash = hash
	}
	return task, false, nil
}

// setResolutionReason records the resubmit decision's kind on an approved
// task so a later idempotent replay of Approve can reconstruct the same
// Outcome without resubmitting again.
func (s *Store) setResolutionReason(task *contracts.PendingApprovalTask, reason string) {
	s.mu.Lock()
	task.ResolutionReason = reason
	s.mu.Unlock()
}

// recordDecision writes the human approve/reject decision itself to the
// audit trail. The kernel's own executed/simulated/denied entry for a
// resubmitted call is recorded separately, by the kernel, and carries the
// same task_id in its details.
func (s *Store) recordDecision(ctx context.Context, event contracts.AuditEvent, task *contracts.PendingApprovalTask, approverActor string, approverRoles []string, justification string, extra map[string]any) error {
	if s.audit == nil {
		return nil
	}
	argsDigest, err := canonicalize.Hash(task.ToolCall.Arguments)
	if err != nil {
		return fmt.Errorf("approval: digesting arguments: %w", err)
	}
	details := map[string]any{"task_id": task.TaskID, "requester_actor": task.RequesterActor}
	if justification != "" {
		details["justification"] = justification
	}
	for k, v := range extra {
		details[k] = v
	}
	return s.audit.Record(ctx, kernel.AuditFields{
		Actor:      approverActor,
		Roles:      approverRoles,
		Event:      event,
		Tool:       task.ToolCall.Name,
		ArgsDigest: argsDigest,
		Details:    details,
	})
}

// expireLocked transitions task to expired if its TTL has elapsed.
// Callers must hold s.mu.
func (s *Store) expireLocked(task *contracts.PendingApprovalTask) {
	if task.State != contracts.ApprovalPending {
		return
	}
	now := s.clock()
	if now.After(task.ExpiresAt) {
		task.State = contracts.ApprovalExpired
		task.ResolvedAt = now
	}
}

// PendingCount returns the number of tasks currently in the pending state.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		s.expireLocked(t)
		if t.State == contracts.ApprovalPending {
			n++
		}
	}
	return n
}
