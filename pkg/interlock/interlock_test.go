package interlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hadijannat/TwinOps/pkg/contracts"
	"github.com/hadijannat/TwinOps/pkg/shadow"
)

type noopSnapshotter struct{}

func (noopSnapshotter) ReadSubmodel(ctx context.Context, submodelID string) (map[string]any, error) {
	return nil, nil
}

func TestEvaluate_ComparatorFires(t *testing.T) {
	twin := shadow.New(noopSnapshotter{})
	twin.ApplyMQTT("thermal", "CurrentTemperature", 120.0, time.Time{})

	e := New(twin)
	il := contracts.Interlock{
		ID: "no-hot-moves", Submodel: "thermal", Path: "CurrentTemperature",
		Op: contracts.OpGT, Value: 100.0, Message: "too hot to move",
	}

	v, _, err := e.Evaluate(context.Background(), []contracts.Interlock{il})
	require.NoError(t, err)
	require.NotNil(t, v)
	require.Equal(t, "no-hot-moves", v.InterlockID)
}

func TestEvaluate_ComparatorDoesNotFire(t *testing.T) {
	twin := shadow.New(noopSnapshotter{})
	twin.ApplyMQTT("thermal", "CurrentTemperature", 50.0, time.Time{})

	e := New(twin)
	il := contracts.Interlock{ID: "no-hot-moves", Submodel: "thermal", Path: "CurrentTemperature", Op: contracts.OpGT, Value: 100.0}

	v, warnings, err := e.Evaluate(context.Background(), []contracts.Interlock{il})
	require.NoError(t, err)
	require.Nil(t, v)
	require.Empty(t, warnings)
}

func TestEvaluate_MissingPathDoesNotFireAndWarns(t *testing.T) {
	twin := shadow.New(noopSnapshotter{})
	e := New(twin)
	il := contracts.Interlock{ID: "unknown-path", Submodel: "thermal", Path: "Nope", Op: contracts.OpGT, Value: 1.0}

	v, warnings, err := e.Evaluate(context.Background(), []contracts.Interlock{il})
	require.NoError(t, err)
	require.Nil(t, v, "an interlock over an unobserved path must not fire")
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0], "unknown-path")
}

func TestEvaluate_StringEqualityIsNFCNormalized(t *testing.T) {
	precomposed := "\u00e9"       // e-acute as a single code point
	decomposed := "e\u0301"      // "e" plus a combining acute accent
	require.NotEqual(t, precomposed, decomposed, "fixture must use genuinely different byte sequences")

	twin := shadow.New(noopSnapshotter{})
	twin.ApplyMQTT("access", "Mode", precomposed, time.Time{})

	e := New(twin)
	il := contracts.Interlock{ID: "mode-check", Submodel: "access", Path: "Mode", Op: contracts.OpEQ, Value: decomposed}

	v, _, err := e.Evaluate(context.Background(), []contracts.Interlock{il})
	require.NoError(t, err)
	require.NotNil(t, v, "NFC-normalized comparison should treat these as equal and fire the interlock")
}

func TestEvaluate_CELCompoundPredicate(t *testing.T) {
	twin := shadow.New(noopSnapshotter{})
	twin.ApplyMQTT("safety", "DoorOpen", true, time.Time{})
	twin.ApplyMQTT("safety", "ArmSpeed", 3.5, time.Time{})

	e := New(twin)
	il := contracts.Interlock{
		ID:       "door-open-while-moving",
		Submodel: "safety",
		Path:     "DoorOpen",
		CEL:      `value == true && paths["ArmSpeed"] > 0.0`,
		CELPaths: []string{"ArmSpeed"},
		Message:  "arm moving with door open",
	}

	v, _, err := e.Evaluate(context.Background(), []contracts.Interlock{il})
	require.NoError(t, err)
	require.NotNil(t, v)
	require.Equal(t, "arm moving with door open", v.Message)
}

func TestEvaluate_CELWinsOverComparatorWhenBothPresent(t *testing.T) {
	twin := shadow.New(noopSnapshotter{})
	twin.ApplyMQTT("thermal", "CurrentTemperature", 50.0, time.Time{})

	e := New(twin)
	il := contracts.Interlock{
		ID: "cel-wins", Submodel: "thermal", Path: "CurrentTemperature",
		Op: contracts.OpGT, Value: 100.0, // would not fire
		CEL: `value < 100.0`, // fires
	}

	v, _, err := e.Evaluate(context.Background(), []contracts.Interlock{il})
	require.NoError(t, err)
	require.NotNil(t, v)
}

func TestEvaluate_FirstViolationStopsEvaluation(t *testing.T) {
	twin := shadow.New(noopSnapshotter{})
	twin.ApplyMQTT("thermal", "A", 1.0, time.Time{})
	twin.ApplyMQTT("thermal", "B", 1.0, time.Time{})

	e := New(twin)
	interlocks := []contracts.Interlock{
		{ID: "first", Submodel: "thermal", Path: "A", Op: contracts.OpEQ, Value: 1.0},
		{ID: "second", Submodel: "thermal", Path: "B", Op: contracts.OpEQ, Value: 1.0},
	}

	v, _, err := e.Evaluate(context.Background(), interlocks)
	require.NoError(t, err)
	require.NotNil(t, v)
	require.Equal(t, "first", v.InterlockID)
}
