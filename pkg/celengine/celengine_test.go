package celengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func attrs(payload map[string]any) map[string]any {
	return map[string]any{
		VarPayload:     payload,
		VarContext:     map[string]any{},
		VarEventName:   "absence.approved",
		VarTenantID:    "t1",
		VarActorUserID: "u1",
		VarActorRole:   "manager",
		VarEntityType:  "absence",
		VarEntityID:    "a1",
		VarModule:      "hr",
	}
}

func TestCompileAndEvaluate(t *testing.T) {
	prg, err := Compile(`payload.days > 3 && actor_role == "manager"`)
	require.NoError(t, err)

	ok, err := EvaluateBool(prg, attrs(map[string]any{"days": 5}))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = EvaluateBool(prg, attrs(map[string]any{"days": 2}))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompileRejectsNonBoolean(t *testing.T) {
	_, err := Compile(`event_name + "x"`)
	require.Error(t, err)

	require.Error(t, ValidateExpression(`unknown_var == 1`))
	require.NoError(t, ValidateExpression(`"status" in payload`))
}

func TestEvaluateMissingKeyFails(t *testing.T) {
	prg, err := Compile(`payload.status == "approved"`)
	require.NoError(t, err)

	_, err = EvaluateBool(prg, attrs(map[string]any{}))
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	out := Normalize(map[string]any{"n": 1, "nested": map[string]string{"a": "b"}})
	require.Equal(t, float64(1), out["n"])
	require.Equal(t, map[string]any{"a": "b"}, out["nested"])
	require.Empty(t, Normalize(nil))
}
