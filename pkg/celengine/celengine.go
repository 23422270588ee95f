package celengine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
)

// Variables exposed to event condition expressions.
const (
	VarPayload     = "payload"
	VarContext     = "context"
	VarEventName   = "event_name"
	VarTenantID    = "tenant_id"
	VarActorUserID = "actor_user_id"
	VarActorRole   = "actor_role"
	VarEntityType  = "entity_type"
	VarEntityID    = "entity_id"
	VarModule      = "module"
)

var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error
)

// EventEnv returns the shared environment every event expression compiles
// against. Payload and context are dynamic maps; the rest are strings.
func EventEnv() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = cel.NewEnv(
			cel.Variable(VarPayload, cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable(VarContext, cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable(VarEventName, cel.StringType),
			cel.Variable(VarTenantID, cel.StringType),
			cel.Variable(VarActorUserID, cel.StringType),
			cel.Variable(VarActorRole, cel.StringType),
			cel.Variable(VarEntityType, cel.StringType),
			cel.Variable(VarEntityID, cel.StringType),
			cel.Variable(VarModule, cel.StringType),
			cel.CrossTypeNumericComparisons(true),
		)
	})
	return env, envErr
}

// Compile type-checks expr against EventEnv and builds a program. The
// expression must produce a bool.
func Compile(expr string) (cel.Program, error) {
	e, err := EventEnv()
	if err != nil {
		return nil, fmt.Errorf("build cel env: %w", err)
	}

	ast, issues := e.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expected bool expression, got %s", ast.OutputType())
	}

	return e.Program(ast)
}

// ValidateExpression reports whether expr compiles to a boolean program.
func ValidateExpression(expr string) error {
	_, err := Compile(expr)
	return err
}

// EvaluateBool runs prg and requires a boolean result.
func EvaluateBool(prg cel.Program, attrs map[string]any) (bool, error) {
	out, _, err := prg.Eval(attrs)
	if err != nil {
		return false, err
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out.Value(), out.Value())
	}

	return b, nil
}

// Normalize round-trips v through JSON so nested documents reach CEL as
// map[string]any and []any.
func Normalize(v any) map[string]any {
	if v == nil {
		return map[string]any{}
	}

	b, err := json.Marshal(v)
	if err != nil {
		zap.L().Debug("failed Normalize Marshal", zap.Error(err))
		return map[string]any{}
	}

	var result map[string]any
	if err := json.Unmarshal(b, &result); err != nil || result == nil {
		return map[string]any{}
	}

	return result
}
