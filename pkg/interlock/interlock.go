// Package interlock evaluates the comparator and CEL predicates attached
// to a policy against the Shadow Twin, producing the first violation (if
// any) that should deny a candidate tool call.
package interlock

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/hadijannat/TwinOps/pkg/contracts"
	"github.com/hadijannat/TwinOps/pkg/shadow"
)

// Violation describes one interlock that evaluated true (fired) and
// therefore denies the candidate call.
type Violation struct {
	InterlockID string
	Message     string
}

// Evaluator checks a policy's interlocks against the Shadow Twin.
type Evaluator struct {
	twin *shadow.Twin
	cel  *celEngine
}

// New constructs an Evaluator. CEL programs are compiled lazily and
// cached per expression string, so interlocks with no `cel` field never
// pay the compile cost.
func New(twin *shadow.Twin) *Evaluator {
	return &Evaluator{twin: twin, cel: newCELEngine()}
}

// Evaluate checks every interlock and returns the first that fires.
// Interlocks are grouped by submodel so that all paths one interlock
// group reads within a submodel are observed under a single Shadow Twin
// read lock, giving the group a consistent view even while MQTT updates
// arrive concurrently. An interlock whose path the Shadow Twin has never
// observed does not fire; it is treated as false and reported back as a
// warning so the caller can carry it into the audit entry's details.
func (e *Evaluator) Evaluate(ctx context.Context, interlocks []contracts.Interlock) (*Violation, []string, error) {
	bySubmodel := make(map[string][]contracts.Interlock)
	order := make([]string, 0, len(interlocks))
	for _, il := range interlocks {
		if _, seen := bySubmodel[il.Submodel]; !seen {
			order = append(order, il.Submodel)
		}
		bySubmodel[il.Submodel] = append(bySubmodel[il.Submodel], il)
	}

	var violation *Violation
	var evalErr error
	var warnings []string

	for _, submodel := range order {
		if violation != nil || evalErr != nil {
			break
		}
		group := bySubmodel[submodel]
		e.twin.Snapshot(submodel, func(get func(path string) (any, time.Time, bool)) {
			for _, il := range group {
				fired, msg, warning, err := e.evalOne(ctx, il, get)
				if err != nil {
					evalErr = fmt.Errorf("interlock: evaluating %q: %w", il.ID, err)
					return
				}
				if warning != "" {
					warnings = append(warnings, warning)
				}
				if fired {
					violation = &Violation{InterlockID: il.ID, Message: msg}
					return
				}
			}
		})
	}

	return violation, warnings, evalErr
}

func (e *Evaluator) evalOne(ctx context.Context, il contracts.Interlock, get func(path string) (any, time.Time, bool)) (fired bool, message string, warning string, err error) {
	actual, _, ok := get(il.Path)
	if !ok {
		return false, "", fmt.Sprintf("interlock %s: shadow path %s/%s has no value, treated as not fired", il.ID, il.Submodel, il.Path), nil
	}

	if il.CEL != "" {
		paths := make(map[string]any, len(il.CELPaths)+1)
		paths[il.Path] = actual
		for _, p := range il.CELPaths {
			if v, _, ok := get(p); ok {
				paths[p] = v
			}
		}
		fired, err := e.cel.eval(ctx, il.CEL, actual, paths)
		if err != nil {
			return false, "", "", err
		}
		return fired, messageOr(il, "CEL interlock fired"), "", nil
	}

	fired, err = compare(il.Op, actual, il.Value)
	if err != nil {
		return false, "", "", err
	}
	return fired, messageOr(il, fmt.Sprintf("%s %s %v fired", il.Path, il.Op, il.Value)), "", nil
}

func messageOr(il contracts.Interlock, fallback string) string {
	if il.Message != "" {
		return il.Message
	}
	return fallback
}

// compare implements the simple comparator grammar. Numbers compare
// numerically; everything else (after NFC normalization for strings)
// compares by equality only for `==`/`!=`.
func compare(op contracts.ComparatorOp, actual, expected any) (bool, error) {
	if af, aok := asFloat(actual); aok {
		if ef, eok := asFloat(expected); eok {
			switch op {
			case contracts.OpGT:
				return af > ef, nil
			case contracts.OpLT:
				return af < ef, nil
			case contracts.OpGE:
				return af >= ef, nil
			case contracts.OpLE:
				return af <= ef, nil
			case contracts.OpEQ:
				return af == ef, nil
			case contracts.OpNE:
				return af != ef, nil
			}
		}
	}

	switch op {
	case contracts.OpEQ:
		return normalizedEqual(actual, expected), nil
	case contracts.OpNE:
		return !normalizedEqual(actual, expected), nil
	default:
		return false, fmt.Errorf("interlock: operator %q requires numeric operands, got %T and %T", op, actual, expected)
	}
}

// normalizedEqual compares strings after NFC normalization so
// visually-identical values in different Unicode normalization forms
// don't silently evade an interlock; other types fall back to Go
// equality.
func normalizedEqual(a, b any) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return norm.NFC.String(as) == norm.NFC.String(bs)
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
