//go:build property
// +build property

package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/hadijannat/TwinOps/pkg/contracts"
	"github.com/hadijannat/TwinOps/pkg/kernel"
)

var auditEvents = []contracts.AuditEvent{
	contracts.EventProposed,
	contracts.EventDenied,
	contracts.EventSimulated,
	contracts.EventPendingApproval,
	contracts.EventApproved,
	contracts.EventRejected,
	contracts.EventExecuted,
	contracts.EventExecFailed,
}

// TestChain_CleanLogAlwaysVerifies checks that a log built from any sequence
// of random entries, never mutated after the fact, always verifies clean.
func TestChain_CleanLogAlwaysVerifies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("an unmutated chain always verifies", prop.ForAll(
		func(actors []string, eventIdx []int) bool {
			l, path := openTestLog(t)
			n := len(actors)
			if len(eventIdx) < n {
				n = len(eventIdx)
			}
			if n == 0 {
				return true
			}
			for i := 0; i < n; i++ {
				err := l.Record(context.Background(), kernel.AuditFields{
					Actor: actors[i],
					Event: auditEvents[eventIdx[i]%len(auditEvents)],
					Tool:  "ReadTemperature",
				})
				if err != nil {
					return false
				}
			}
			require.NoError(t, l.Close())

			ok, brokenSeq, err := Verify(path)
			return err == nil && ok && brokenSeq == nil
		},
		gen.SliceOfN(12, gen.AlphaString()),
		gen.SliceOfN(12, gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}

// TestChain_ActorMutationIsDetectedAtItsOwnSeq checks that for any log and
// any index whose actor field is changed after the fact, verify reports
// that exact entry's seq as the first break, however many entries follow it.
func TestChain_ActorMutationIsDetectedAtItsOwnSeq(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("mutating entry i breaks verification at seq i", prop.ForAll(
		func(n int, mutateAt int, actorSuffix string) bool {
			n = 2 + n%10
			mutateAt = mutateAt % n

			l, path := openTestLog(t)
			for i := 0; i < n; i++ {
				if err := l.Record(context.Background(), kernel.AuditFields{
					Actor: "alice", Event: contracts.EventExecuted, Tool: "StartPump",
					Decision: contracts.DecisionAllowExecute,
				}); err != nil {
					return false
				}
			}
			require.NoError(t, l.Close())

			lines := readLines(t, path)
			if len(lines) != n {
				return false
			}

			var mutated contracts.AuditEntry
			if err := json.Unmarshal([]byte(lines[mutateAt]), &mutated); err != nil {
				return false
			}
			mutated.Actor = mutated.Actor + "-" + actorSuffix + "x"
			mutatedLine, err := json.Marshal(mutated)
			if err != nil {
				return false
			}
			lines[mutateAt] = string(mutatedLine)
			rewriteLines(t, path, lines)

			ok, brokenSeq, err := Verify(path)
			if err != nil || ok || brokenSeq == nil {
				return false
			}
			return *brokenSeq == uint64(mutateAt)
		},
		gen.IntRange(0, 100),
		gen.IntRange(0, 1000),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
