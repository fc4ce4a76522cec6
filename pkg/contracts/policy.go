// Package contracts defines the shared data model passed between every
// other package: policy documents, tool calls, decisions, pending approval
// tasks, and audit entries.
package contracts

import "time"

// RiskLevel orders from least to most severe.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

var riskOrder = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// AtLeast reports whether r is at least as severe as other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return riskOrder[r] >= riskOrder[other]
}

// Valid reports whether r is one of the four known levels.
func (r RiskLevel) Valid() bool {
	_, ok := riskOrder[r]
	return ok
}

// ComparatorOp is the interlock comparison grammar.
type ComparatorOp string

const (
	OpGT ComparatorOp = ">"
	OpLT ComparatorOp = "<"
	OpGE ComparatorOp = ">="
	OpLE ComparatorOp = "<="
	OpEQ ComparatorOp = "=="
	OpNE ComparatorOp = "!="
)

// Interlock is a single predicate over shadow state that, when true,
// denies the candidate tool call.
type Interlock struct {
	ID        string       `json:"id"`
	Submodel  string       `json:"submodel"`
	Path      string       `json:"path"`
	Op        ComparatorOp `json:"op"`
	Value     any          `json:"value"`
	Message   string       `json:"message,omitempty"`
	CEL       string       `json:"cel,omitempty"`
	CELPaths  []string     `json:"cel_paths,omitempty"`
}

// RoleBinding is the set of operations (or "*") a role may invoke.
type RoleBinding struct {
	Allow map[string]bool `json:"allow"`
}

// HasOperation reports whether the binding permits name, honoring "*".
func (b RoleBinding) HasOperation(name string) bool {
	if b.Allow["*"] {
		return true
	}
	return b.Allow[name]
}

// Policy is the signed CovenantTwin document. The Signature/KeyID fields
// are populated by the Policy Store from the adjacent submodel fields, not
// by the document author.
type Policy struct {
	SchemaVersion             string                 `json:"schema_version"`
	RequireSimulationForRisk  RiskLevel              `json:"require_simulation_for_risk"`
	RequireApprovalForRisk    RiskLevel              `json:"require_approval_for_risk"`
	RoleBindings              map[string]RoleBinding `json:"role_bindings"`
	Interlocks                []Interlock            `json:"interlocks"`
	OperationRisk             map[string]RiskLevel   `json:"operation_risk,omitempty"`
	ApproverRoles             []string               `json:"approver_roles,omitempty"`

	Signature string `json:"-"`
	KeyID     string `json:"-"`
	FetchedAt time.Time `json:"-"`
}

// RolesMayInvoke reports whether any of roles is bound to tool.
func (p *Policy) RolesMayInvoke(roles []string, tool string) bool {
	for _, r := range roles {
		if b, ok := p.RoleBindings[r]; ok && b.HasOperation(tool) {
			return true
		}
	}
	return false
}

// MayApprove reports whether approverRoles is permitted to approve tasks,
// per the explicit approver_roles policy field. With no explicit field,
// the default is any role bound to "*".
func (p *Policy) MayApprove(approverRoles []string) bool {
	if len(p.ApproverRoles) > 0 {
		allowed := make(map[string]bool, len(p.ApproverRoles))
		for _, r := range p.ApproverRoles {
			allowed[r] = true
		}
		for _, r := range approverRoles {
			if allowed[r] {
				return true
			}
		}
		return false
	}
	for _, r := range approverRoles {
		if b, ok := p.RoleBindings[r]; ok && b.Allow["*"] {
			return true
		}
	}
	return false
}

// OperationRiskOf resolves risk: an explicit policy entry wins over a
// schema annotation; absent both, MEDIUM.
func (p *Policy) OperationRiskOf(name string, schemaRisk RiskLevel) RiskLevel {
	if r, ok := p.OperationRisk[name]; ok && r.Valid() {
		return r
	}
	if schemaRisk.Valid() {
		return schemaRisk
	}
	return RiskMedium
}
