package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hadijannat/TwinOps/pkg/contracts"
	"github.com/hadijannat/TwinOps/pkg/kernel"
)

type recordingAudit struct {
	entries []kernel.AuditFields
}

func (r *recordingAudit) Record(ctx context.Context, fields kernel.AuditFields) error {
	r.entries = append(r.entries, fields)
	return nil
}

func testCall() contracts.ToolCall {
	return contracts.ToolCall{Name: "EmergencyStop", Arguments: map[string]any{"zone": "A"}}
}

func TestCreate_StartsPending(t *testing.T) {
	s := New(Config{})
	taskID, err := s.Create(context.Background(), testCall(), "alice", []string{"operator"})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	task, err := s.Get(taskID)
	require.NoError(t, err)
	require.Equal(t, contracts.ApprovalPending, task.State)
	require.Equal(t, "alice", task.RequesterActor)
}

func TestApprove_SelfApprovalRejected(t *testing.T) {
	s := New(Config{})
	taskID, _ := s.Create(context.Background(), testCall(), "alice", []string{"operator"})

	_, err := s.Approve(context.Background(), taskID, "alice", []string{"supervisor"}, "")
	require.ErrorIs(t, err, ErrSelfApproval)
}

func TestApprove_UnknownTaskNotFound(t *testing.T) {
	s := New(Config{})
	_, err := s.Approve(context.Background(), "nope", "bob", []string{"supervisor"}, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApprove_ResolvedTwiceIsIdempotent(t *testing.T) {
	s := New(Config{})
	taskID, _ := s.Create(context.Background(), testCall(), "alice", []string{"operator"})

	first, err := s.Approve(context.Background(), taskID, "bob", []string{"supervisor"}, "")
	require.NoError(t, err)

	second, err := s.Approve(context.Background(), taskID, "carol", []string{"supervisor"}, "")
	require.NoError(t, err)
	require.Equal(t, first, second)

	task, err := s.Get(taskID)
	require.NoError(t, err)
	require.Equal(t, "bob", task.ApprovedBy)
}

func TestReject_ResolvedTwiceIsIdempotent(t *testing.T) {
	s := New(Config{})
	taskID, _ := s.Create(context.Background(), testCall(), "alice", []string{"operator"})

	first, err := s.Reject(context.Background(), taskID, "bob", []string{"supervisor"}, "unsafe zone", "")
	require.NoError(t, err)

	second, err := s.Reject(context.Background(), taskID, "carol", []string{"supervisor"}, "different reason", "")
	require.NoError(t, err)
	require.Equal(t, first, second)

	task, err := s.Get(taskID)
	require.NoError(t, err)
	require.Equal(t, "bob", task.ApprovedBy)
	require.Equal(t, "unsafe zone", task.RejectReason)
}

func TestApprove_InvokesResubmitterAndCarriesDecision(t *testing.T) {
	var gotTaskID string
	var gotActor string
	resub := func(ctx context.Context, taskID string, call contracts.ToolCall, requesterActor string, requesterRoles []string) (contracts.Decision, error) {
		gotTaskID = taskID
		gotActor = requesterActor
		return contracts.Decision{Kind: contracts.DecisionAllowExecute}, nil
	}

	s := New(Config{Resubmitter: resub})
	taskID, _ := s.Create(context.Background(), testCall(), "alice", []string{"operator"})

	outcome, err := s.Approve(context.Background(), taskID, "bob", []string{"supervisor"}, "")
	require.NoError(t, err)
	require.Equal(t, contracts.ApprovalApproved, outcome.State)
	require.Equal(t, string(contracts.DecisionAllowExecute), outcome.Reason)
	require.Equal(t, taskID, gotTaskID)
	require.Equal(t, "alice", gotActor)

	task, err := s.Get(taskID)
	require.NoError(t, err)
	require.Equal(t, contracts.ApprovalApproved, task.State)
	require.Equal(t, "bob", task.ApprovedBy)
}

func TestApprove_RecordsApprovedAuditEvent(t *testing.T) {
	au := &recordingAudit{}
	s := New(Config{Audit: au})
	taskID, _ := s.Create(context.Background(), testCall(), "alice", []string{"operator"})

	_, err := s.Approve(context.Background(), taskID, "bob", []string{"supervisor"}, "looks safe")
	require.NoError(t, err)

	require.Len(t, au.entries, 1)
	require.Equal(t, contracts.EventApproved, au.entries[0].Event)
	require.Equal(t, "bob", au.entries[0].Actor)
	require.Equal(t, taskID, au.entries[0].Details["task_id"])
	require.Equal(t, "looks safe", au.entries[0].Details["justification"])
}

func TestReject_RecordsRejectedAuditEvent(t *testing.T) {
	au := &recordingAudit{}
	s := New(Config{Audit: au})
	taskID, _ := s.Create(context.Background(), testCall(), "alice", []string{"operator"})

	_, err := s.Reject(context.Background(), taskID, "bob", []string{"supervisor"}, "unsafe zone", "")
	require.NoError(t, err)

	require.Len(t, au.entries, 1)
	require.Equal(t, contracts.EventRejected, au.entries[0].Event)
	require.Equal(t, taskID, au.entries[0].Details["task_id"])
	require.Equal(t, "unsafe zone", au.entries[0].Details["reject_reason"])
}

func TestApprove_IdempotentReplayDoesNotRecordAuditTwice(t *testing.T) {
	au := &recordingAudit{}
	s := New(Config{Audit: au})
	taskID, _ := s.Create(context.Background(), testCall(), "alice", []string{"operator"})

	_, err := s.Approve(context.Background(), taskID, "bob", []string{"supervisor"}, "")
	require.NoError(t, err)
	_, err = s.Approve(context.Background(), taskID, "carol", []string{"supervisor"}, "")
	require.NoError(t, err)

	require.Len(t, au.entries, 1)
}

func TestReject_SetsReasonAndDoesNotResubmit(t *testing.T) {
	called := false
	resub := func(ctx context.Context, taskID string, call contracts.ToolCall, requesterActor string, requesterRoles []string) (contracts.Decision, error) {
		called = true
		return contracts.Decision{}, nil
	}

	s := New(Config{Resubmitter: resub})
	taskID, _ := s.Create(context.Background(), testCall(), "alice", []string{"operator"})

	outcome, err := s.Reject(context.Background(), taskID, "bob", []string{"supervisor"}, "unsafe zone", "")
	require.NoError(t, err)
	require.Equal(t, contracts.ApprovalRejected, outcome.State)
	require.Equal(t, "unsafe zone", outcome.Reason)
	require.False(t, called)
}

func TestGet_ExpiresPastTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	s := New(Config{TTL: time.Hour, Clock: func() time.Time { return clock }})
	taskID, _ := s.Create(context.Background(), testCall(), "alice", []string{"operator"})

	clock = now.Add(2 * time.Hour)
	task, err := s.Get(taskID)
	require.NoError(t, err)
	require.Equal(t, contracts.ApprovalExpired, task.State)
}

func TestApprove_ExpiredTaskIsNotPending(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	s := New(Config{TTL: time.Minute, Clock: func() time.Time { return clock }})
	taskID, _ := s.Create(context.Background(), testCall(), "alice", []string{"operator"})

	clock = now.Add(time.Hour)
	_, err := s.Approve(context.Background(), taskID, "bob", []string{"supervisor"}, "")
	require.ErrorIs(t, err, ErrNotPending)
}

func TestApprove_PolicyDeniesNonApproverRole(t *testing.T) {
	policy := &contracts.Policy{
		ApproverRoles: []string{"supervisor"},
	}
	s := New(Config{Policy: fakePolicySource{policy: policy}})
	taskID, _ := s.Create(context.Background(), testCall(), "alice", []string{"operator"})

	_, err := s.Approve(context.Background(), taskID, "bob", []string{"operator"}, "")
	require.ErrorIs(t, err, ErrApproverNotAllowed)
}

type fakePolicySource struct {
	policy *contracts.Policy
}

func (f fakePolicySource) Current(ctx context.Context) (*contracts.Policy, error) {
	return f.policy, nil
}

func TestPendingCount_ExcludesApprovedTask(t *testing.T) {
	s := New(Config{})
	idA, _ := s.Create(context.Background(), testCall(), "alice", []string{"operator"})
	_, _ = s.Create(context.Background(), testCall(), "carol", []string{"operator"})

	_, err := s.Approve(context.Background(), idA, "bob", []string{"supervisor"}, "")
	require.NoError(t, err)

	require.Equal(t, 1, s.PendingCount())
}
