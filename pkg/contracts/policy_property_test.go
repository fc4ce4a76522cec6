//go:build property
// +build property

package contracts

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestRolesMayInvoke_ClosureOverRandomBindings checks that for any role and
// tool, RolesMayInvoke agrees exactly with "tool is in allow(role) or
// allow(role) contains *", with no other path to true or false.
func TestRolesMayInvoke_ClosureOverRandomBindings(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	tools := []string{"ReadTemperature", "SetSpeed", "StartPump", "EmergencyStop"}
	roleNames := []string{"viewer", "operator", "maintenance", "supervisor"}

	properties.Property("RolesMayInvoke matches the allow-set definition exactly", prop.ForAll(
		func(allowedToolIdx []int, wildcard bool, roleIdx int, toolIdx int) bool {
			allow := make(map[string]bool)
			for _, idx := range allowedToolIdx {
				allow[tools[idx%len(tools)]] = true
			}
			if wildcard {
				allow["*"] = true
			}

			role := roleNames[roleIdx%len(roleNames)]
			tool := tools[toolIdx%len(tools)]

			policy := &Policy{
				RoleBindings: map[string]RoleBinding{
					role: {Allow: allow},
				},
			}

			want := allow["*"] || allow[tool]
			got := policy.RolesMayInvoke([]string{role}, tool)
			return got == want
		},
		gen.SliceOfN(3, gen.IntRange(0, 100)),
		gen.Bool(),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
	))

	properties.Property("a role absent from RoleBindings never authorizes anything", prop.ForAll(
		func(toolIdx int) bool {
			policy := &Policy{RoleBindings: map[string]RoleBinding{}}
			return !policy.RolesMayInvoke([]string{"nobody"}, tools[toolIdx%len(tools)])
		},
		gen.IntRange(0, 1000),
	))

	properties.Property("RolesMayInvoke is the disjunction across all held roles", prop.ForAll(
		func(grantingIdx, otherIdx int) bool {
			tool := tools[0]
			grantingRole := roleNames[grantingIdx%len(roleNames)]
			otherRole := roleNames[otherIdx%len(roleNames)]

			policy := &Policy{
				RoleBindings: map[string]RoleBinding{
					grantingRole: {Allow: map[string]bool{tool: true}},
				},
			}

			// otherRole holds no grant of its own, but the requester also
			// holds grantingRole, so the union must still authorize.
			return policy.RolesMayInvoke([]string{otherRole, grantingRole}, tool)
		},
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
