package kernel_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hadijannat/TwinOps/pkg/approval"
	"github.com/hadijannat/TwinOps/pkg/audit"
	"github.com/hadijannat/TwinOps/pkg/contracts"
	"github.com/hadijannat/TwinOps/pkg/interlock"
	"github.com/hadijannat/TwinOps/pkg/kernel"
	"github.com/hadijannat/TwinOps/pkg/orchestrator"
	"github.com/hadijannat/TwinOps/pkg/shadow"
	"github.com/hadijannat/TwinOps/pkg/toolcatalog"
	"github.com/hadijannat/TwinOps/pkg/twinclient"
)

// staticPolicy satisfies both kernel.PolicySource and approval.PolicySource
// with one fixed document, swappable per scenario.
type staticPolicy struct {
	policy *contracts.Policy
}

func (s *staticPolicy) Current(ctx context.Context) (*contracts.Policy, error) {
	return s.policy, nil
}

// keywordAdapter turns a message into a single fixed tool call, standing
// in for a real LLM adapter the way the orchestrator's tests already do.
type keywordAdapter struct {
	call contracts.ToolCall
}

func (k keywordAdapter) SelectTools(ctx context.Context, message string, roles []string) ([]contracts.ToolCall, error) {
	return []contracts.ToolCall{k.call}, nil
}

// harness wires one full Safety Kernel process: a fake AAS HTTP endpoint,
// a real Twin Client, Shadow Twin, interlock evaluator, catalog, approval
// store, hash-chained audit log, kernel, and orchestrator, so each
// end-to-end scenario below exercises the real decision pipeline
// end to end rather than a stubbed slice of it.
type harness struct {
	twinServer  *httptest.Server
	invocations int
	policy      *staticPolicy
	catalog     *toolcatalog.Catalog
	approvals   *approval.Store
	auditLog    *audit.Log
	auditPath   string
	kernel      *kernel.Kernel
	shadowTwin  *shadow.Twin
}

func newHarness(t *testing.T, p *contracts.Policy) *harness {
	t.Helper()

	h := &harness{policy: &staticPolicy{policy: p}}

	mux := http.NewServeMux()
	mux.HandleFunc("/invoke/StartPump", func(w http.ResponseWriter, r *http.Request) {
		h.invocations++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"state":"Running"}`))
	})
	mux.HandleFunc("/invoke/SetSpeed", func(w http.ResponseWriter, r *http.Request) {
		h.invocations++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"rpm":1200}`))
	})
	mux.HandleFunc("/invoke/EmergencyStop", func(w http.ResponseWriter, r *http.Request) {
		h.invocations++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"state":"Emergency Stop"}`))
	})
	mux.HandleFunc("/invoke/GetStatus", func(w http.ResponseWriter, r *http.Request) {
		h.invocations++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"nominal"}`))
	})
	h.twinServer = httptest.NewServer(mux)
	t.Cleanup(h.twinServer.Close)

	twin := twinclient.New(twinclient.Config{
		BaseURL:          h.twinServer.URL,
		HTTPTimeout:      5 * time.Second,
		FailureThreshold: 5,
		RecoveryTimeout:  time.Second,
		HalfOpenMaxCalls: 1,
		RetryMaxAttempts: 1,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    time.Millisecond,
		IdempotencyTTL:   time.Hour,
	}, twinclient.NewMemoryIdempotency())

	refs := map[string]twinclient.OperationRef{
		"StartPump":     {Name: "StartPump", InvokeURL: h.twinServer.URL + "/invoke/StartPump"},
		"SetSpeed":      {Name: "SetSpeed", InvokeURL: h.twinServer.URL + "/invoke/SetSpeed"},
		"EmergencyStop": {Name: "EmergencyStop", InvokeURL: h.twinServer.URL + "/invoke/EmergencyStop"},
		"GetStatus":     {Name: "GetStatus", InvokeURL: h.twinServer.URL + "/invoke/GetStatus"},
	}
	executor := twinclient.NewExecutor(twin, refs)

	h.shadowTwin = shadow.New(nil)
	interlocks := interlock.New(h.shadowTwin)

	h.catalog = toolcatalog.New()
	for _, name := range []string{"StartPump", "SetSpeed", "EmergencyStop", "GetStatus"} {
		require.NoError(t, h.catalog.Register(toolcatalog.Entry{Name: name}))
	}

	dir := t.TempDir()
	h.auditPath = dir + "/audit.jsonl"
	auditLog, err := audit.Open(audit.Config{Path: h.auditPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })
	h.auditLog = auditLog

	var theKernel *kernel.Kernel
	h.approvals = approval.New(approval.Config{
		Policy: h.policy,
		Resubmitter: func(ctx context.Context, taskID string, call contracts.ToolCall, actor string, roles []string) (contracts.Decision, error) {
			return theKernel.Resubmit(ctx, taskID, call, actor, roles)
		},
	})

	theKernel = kernel.New(kernel.Config{
		Policy:     h.policy,
		Interlocks: interlocks,
		Executor:   executor,
		Approvals:  h.approvals,
		Audit:      h.auditLog,
	})
	h.kernel = theKernel

	return h
}

func (h *harness) orchestratorFor(call contracts.ToolCall) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Config{
		LLM:       keywordAdapter{call: call},
		Validator: h.catalog,
		Kernel:    h.kernel,
	})
}

func rbacPolicy() *contracts.Policy {
	return &contracts.Policy{
		SchemaVersion:            "1.0.0",
		RequireSimulationForRisk: contracts.RiskHigh,
		RequireApprovalForRisk:   contracts.RiskCritical,
		RoleBindings: map[string]contracts.RoleBinding{
			"operator":    {Allow: map[string]bool{"*": true}},
			"maintenance": {Allow: map[string]bool{"*": true}},
			"viewer":      {Allow: map[string]bool{}},
		},
	}
}

// A viewer role is denied a speed-set command before any AAS invocation,
// and the audit chain still verifies.
func TestChatRequest_ViewerDeniedBySetSpeedRBAC(t *testing.T) {
	h := newHarness(t, rbacPolicy())
	orch := h.orchestratorFor(contracts.ToolCall{Name: "SetSpeed", Arguments: map[string]any{"rpm": 1200.0}})

	reply, err := orch.Process(context.Background(), "Set speed to 1200 RPM", "alice", []string{"viewer"})
	require.NoError(t, err)

	require.False(t, reply.PendingApproval)
	require.Empty(t, reply.TaskID)
	require.Len(t, reply.Results, 1)
	require.Equal(t, contracts.DecisionDeny, reply.Results[0].Decision.Kind)
	require.Equal(t, "role_unauthorized", reply.Results[0].Decision.Reason)
	require.Zero(t, h.invocations)

	ok, brokenSeq, err := audit.Verify(h.auditPath)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, brokenSeq)
}

// StartPump rated HIGH, with require_simulation_for_risk=HIGH, executes
// exactly once, simulated rather than real.
func TestChatRequest_HighRiskOperationForcesSimulation(t *testing.T) {
	policy := rbacPolicy()
	policy.OperationRisk = map[string]contracts.RiskLevel{"StartPump": contracts.RiskHigh}
	h := newHarness(t, policy)
	orch := h.orchestratorFor(contracts.ToolCall{Name: "StartPump"})

	reply, err := orch.Process(context.Background(), "Start the pump", "bob", []string{"operator"})
	require.NoError(t, err)

	require.Len(t, reply.Results, 1)
	require.Equal(t, contracts.DecisionAllowSimulate, reply.Results[0].Decision.Kind)
	require.Equal(t, 1, h.invocations, "exactly one simulated invocation, no real one")
}

// EmergencyStop parks pending approval with zero AAS calls, then exactly
// one real invocation follows a non-requester's approve.
func TestChatRequest_CriticalOperationRequiresApproval(t *testing.T) {
	policy := rbacPolicy()
	policy.OperationRisk = map[string]contracts.RiskLevel{"EmergencyStop": contracts.RiskCritical}
	h := newHarness(t, policy)
	orch := h.orchestratorFor(contracts.ToolCall{Name: "EmergencyStop"})

	reply, err := orch.Process(context.Background(), "Emergency stop", "carl", []string{"maintenance"})
	require.NoError(t, err)

	require.True(t, reply.PendingApproval)
	require.NotEmpty(t, reply.TaskID)
	require.Zero(t, h.invocations)

	outcome, err := h.approvals.Approve(context.Background(), reply.TaskID, "supervisor", []string{"maintenance"}, "confirmed by shift lead")
	require.NoError(t, err)
	require.Equal(t, contracts.ApprovalApproved, outcome.State)
	require.Equal(t, 1, h.invocations, "exactly one real invocation after approval")

	ok, brokenSeq, err := audit.Verify(h.auditPath)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, brokenSeq)
}

// The requester may not approve their own task; it stays pending.
func TestApprove_RequesterCannotApproveOwnTask(t *testing.T) {
	policy := rbacPolicy()
	policy.OperationRisk = map[string]contracts.RiskLevel{"EmergencyStop": contracts.RiskCritical}
	h := newHarness(t, policy)
	orch := h.orchestratorFor(contracts.ToolCall{Name: "EmergencyStop"})

	reply, err := orch.Process(context.Background(), "Emergency stop", "carl", []string{"maintenance"})
	require.NoError(t, err)
	require.True(t, reply.PendingApproval)

	_, err = h.approvals.Approve(context.Background(), reply.TaskID, "carl", []string{"maintenance"}, "")
	require.ErrorIs(t, err, approval.ErrSelfApproval)

	task, err := h.approvals.Get(reply.TaskID)
	require.NoError(t, err)
	require.Equal(t, contracts.ApprovalPending, task.State)
}

// A high-temperature shadow reading denies StartPump before RBAC's
// allowance would otherwise let it through.
func TestChatRequest_InterlockDeniesDespiteRoleAllowance(t *testing.T) {
	policy := rbacPolicy()
	policy.Interlocks = []contracts.Interlock{
		{ID: "temp-high", Submodel: "Thermal", Path: "CurrentTemperature", Op: contracts.OpGT, Value: 95.0, Message: "temperature too high"},
	}
	h := newHarness(t, policy)
	h.shadowTwin.ApplyMQTT("Thermal", "CurrentTemperature", 97.0, time.Now())

	orch := h.orchestratorFor(contracts.ToolCall{Name: "StartPump"})
	reply, err := orch.Process(context.Background(), "Start the pump", "bob", []string{"operator"})
	require.NoError(t, err)

	require.Len(t, reply.Results, 1)
	require.Equal(t, contracts.DecisionDeny, reply.Results[0].Decision.Kind)
	require.Contains(t, reply.Results[0].Decision.Reason, "interlock_triggered")
	require.Contains(t, reply.Results[0].Decision.Reason, "temp-high")
	require.Zero(t, h.invocations)
}

// Replacing a committed entry's tool name with another of equal length is caught by
// Verify at that entry's own seq.
func TestAuditVerify_DetectsMutationOfCommittedEntry(t *testing.T) {
	policy := rbacPolicy()
	policy.OperationRisk = map[string]contracts.RiskLevel{"StartPump": contracts.RiskHigh}
	h := newHarness(t, policy)
	orch := h.orchestratorFor(contracts.ToolCall{Name: "StartPump"})

	_, err := orch.Process(context.Background(), "Start the pump", "bob", []string{"operator"})
	require.NoError(t, err)
	require.NoError(t, h.auditLog.Close())

	data, err := os.ReadFile(h.auditPath)
	require.NoError(t, err)
	data = bytes.TrimRight(data, "\n")
	lines := bytes.Split(data, []byte("\n"))
	require.NotEmpty(t, lines)

	lastIdx := len(lines) - 1
	mutated := lines[lastIdx]
	require.Contains(t, string(mutated), "StartPump")
	lines[lastIdx] = bytes.Replace(mutated, []byte("StartPump"), []byte("Tampered!"), 1)

	require.NoError(t, os.WriteFile(h.auditPath, append(bytes.Join(lines, []byte("\n")), '\n'), 0o644))

	ok, brokenSeq, err := audit.Verify(h.auditPath)
	require.NoError(t, err)
	require.False(t, ok)
	require.NotNil(t, brokenSeq)
	require.Equal(t, uint64(lastIdx), *brokenSeq)
}

// Two calls with the same idempotency key observe exactly one AAS
// invocation and equal results.
func TestChatRequest_IdempotentReplayHitsCacheOnce(t *testing.T) {
	policy := rbacPolicy()
	h := newHarness(t, policy)
	call := contracts.ToolCall{Name: "GetStatus", IdempotencyKey: "abc"}
	orch := h.orchestratorFor(call)

	reply1, err := orch.Process(context.Background(), "Get status", "bob", []string{"operator"})
	require.NoError(t, err)
	reply2, err := orch.Process(context.Background(), "Get status", "bob", []string{"operator"})
	require.NoError(t, err)

	require.Equal(t, 1, h.invocations)
	require.Equal(t, reply1.Results[0].Decision.Result, reply2.Results[0].Decision.Result)
}
