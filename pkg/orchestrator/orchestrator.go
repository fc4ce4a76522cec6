// Package orchestrator drives the per-chat-request loop: ask an LLM
// adapter which tools to call, validate each call's arguments against the
// tool catalog, submit each call to the Safety Kernel in order, and stop
// the sequence at the first deny or pending-approval outcome. A forced
// simulation is neither, so the sequence continues past it.
package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hadijannat/TwinOps/pkg/apierror"
	"github.com/hadijannat/TwinOps/pkg/contracts"
)

var tracer = otel.Tracer("twinops/orchestrator")

// LLMAdapter turns a natural-language operator message into an ordered
// list of candidate tool calls. The orchestrator does not interpret the
// message itself; that's entirely the adapter's concern.
type LLMAdapter interface {
	SelectTools(ctx context.Context, message string, requesterRoles []string) ([]contracts.ToolCall, error)
}

// ToolValidator checks a candidate call's arguments before it reaches the
// kernel, satisfied by pkg/toolcatalog.Catalog.
type ToolValidator interface {
	Validate(call contracts.ToolCall) error
}

// KernelSubmitter evaluates one candidate call, satisfied by
// pkg/kernel.Kernel.
type KernelSubmitter interface {
	Submit(ctx context.Context, call contracts.ToolCall, requesterActor string, requesterRoles []string) (contracts.Decision, error)
}

// CallResult pairs one tool call with the decision it produced.
type CallResult struct {
	Call     contracts.ToolCall `json:"call"`
	Decision contracts.Decision `json:"decision"`
}

// Reply is what the orchestrator hands back to the caller once a request's
// calls have run to completion or stopped early.
type Reply struct {
	Results         []CallResult `json:"results"`
	PendingApproval bool         `json:"pending_approval"`
	TaskID          string       `json:"task_id,omitempty"`
}

// ToEnvelope translates a Reply into the wire-level shape an external
// front-end would serialize: a human-readable summary, one ToolResult per
// call, and the pending-approval task id if the loop stopped on one.
func (r Reply) ToEnvelope() contracts.ReplyEnvelope {
	results := make([]contracts.ToolResult, 0, len(r.Results))
	for _, cr := range r.Results {
		results = append(results, cr.toToolResult())
	}

	env := contracts.ReplyEnvelope{
		Reply:           r.summarize(),
		ToolResults:     results,
		PendingApproval: r.PendingApproval,
	}
	if r.TaskID != "" {
		taskID := r.TaskID
		env.TaskID = &taskID
	}
	return env
}

func (r Reply) summarize() string {
	if r.PendingApproval {
		return fmt.Sprintf("awaiting approval for task %s", r.TaskID)
	}
	executed := 0
	for _, cr := range r.Results {
		if cr.Decision.Kind == contracts.DecisionAllowExecute || cr.Decision.Kind == contracts.DecisionAllowSimulate {
			executed++
		}
	}
	return fmt.Sprintf("%d of %d tool calls completed", executed, len(r.Results))
}

func (cr CallResult) toToolResult() contracts.ToolResult {
	tr := contracts.ToolResult{
		Tool:      cr.Call.Name,
		Status:    string(cr.Decision.Kind),
		Simulated: cr.Decision.Kind == contracts.DecisionAllowSimulate,
	}
	switch cr.Decision.Kind {
	case contracts.DecisionAllowExecute, contracts.DecisionAllowSimulate:
		tr.Success = true
		tr.Result = cr.Decision.Result
	case contracts.DecisionDeny:
		tr.Error = cr.Decision.Reason
	case contracts.DecisionPendingApproval:
		tr.Error = "pending_approval"
	}
	return tr
}

// Orchestrator composes an LLM adapter, a tool validator, and the kernel
// into the per-request loop described above.
type Orchestrator struct {
	llm       LLMAdapter
	validator ToolValidator
	kernel    KernelSubmitter
	sem       chan struct{}
	llmSem    chan struct{}
}

// Config bundles the Orchestrator's collaborators. ConcurrencyLimit bounds
// how many Process calls may run at once; it does not parallelize the
// calls within a single request, which must stay strictly ordered so a
// non-execute outcome can stop the rest of the sequence. LLMConcurrencyLimit
// bounds concurrent SelectTools calls separately, since a remote LLM
// provider is typically a much scarcer resource than the kernel pipeline
// itself. A limit of zero or less disables the corresponding bound.
type Config struct {
	LLM                 LLMAdapter
	Validator           ToolValidator
	Kernel              KernelSubmitter
	ConcurrencyLimit    int
	LLMConcurrencyLimit int
}

func New(cfg Config) *Orchestrator {
	var sem chan struct{}
	if cfg.ConcurrencyLimit > 0 {
		sem = make(chan struct{}, cfg.ConcurrencyLimit)
	}
	var llmSem chan struct{}
	if cfg.LLMConcurrencyLimit > 0 {
		llmSem = make(chan struct{}, cfg.LLMConcurrencyLimit)
	}
	return &Orchestrator{
		llm:       cfg.LLM,
		validator: cfg.Validator,
		kernel:    cfg.Kernel,
		sem:       sem,
		llmSem:    llmSem,
	}
}

// Process runs one chat request's full tool-selection and kernel-submission
// loop, stopping at the first call that is denied or parked for approval.
func (o *Orchestrator) Process(ctx context.Context, message string, requesterActor string, requesterRoles []string) (Reply, error) {
	ctx, span := tracer.Start(ctx, "twinops.orchestrator.process", trace.WithAttributes(attribute.String("actor", requesterActor)))
	defer span.End()

	if o.sem != nil {
		select {
		case o.sem <- struct{}{}:
			defer func() { <-o.sem }()
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		}
	}

	calls, err := o.selectTools(ctx, message, requesterRoles)
	if err != nil {
		span.RecordError(err)
		return Reply{}, apierror.New(apierror.CodeOperationFailed, "selecting tools failed", map[string]any{"cause": err.Error()})
	}

	reply := Reply{Results: make([]CallResult, 0, len(calls))}
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return reply, err
		}

		if verr := o.validator.Validate(call); verr != nil {
			decision := contracts.Decision{Kind: contracts.DecisionDeny, Reason: fmt.Sprintf("malformed_input: %v", verr)}
			reply.Results = append(reply.Results, CallResult{Call: call, Decision: decision})
			break
		}

		decision, err := o.kernel.Submit(ctx, call, requesterActor, requesterRoles)
		if err != nil {
			span.RecordError(err)
			return reply, apierror.New(apierror.CodeOperationFailed, "submitting tool call failed", map[string]any{"tool": call.Name, "cause": err.Error()})
		}
		reply.Results = append(reply.Results, CallResult{Call: call, Decision: decision})

		if decision.Kind == contracts.DecisionPendingApproval {
			reply.PendingApproval = true
			reply.TaskID = decision.TaskID
			break
		}
		if decision.Kind == contracts.DecisionDeny {
			break
		}
	}

	return reply, nil
}

// selectTools calls the LLM adapter under the LLM concurrency bound, kept
// separate from the request-level semaphore above.
func (o *Orchestrator) selectTools(ctx context.Context, message string, requesterRoles []string) ([]contracts.ToolCall, error) {
	if o.llmSem != nil {
		select {
		case o.llmSem <- struct{}{}:
			defer func() { <-o.llmSem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.llm.SelectTools(ctx, message, requesterRoles)
}
