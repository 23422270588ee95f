package dispatch

import (
	"fmt"
	"sync"
	"time"

	"effect-dispatch/pkg/celengine"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	condPayloadHas      = "payload_has"
	condStatusIs        = "status_is"
	condHasAssignedUser = "has_assigned_user"
	condExpression      = "expression"
)

// Conditions is the parsed form of a rule's condition document. All present
// predicates must hold.
type Conditions struct {
	PayloadHas      []string
	StatusIs        *string
	HasAssignedUser *bool
	Expression      string
}

// ParseConditions decodes a condition document. Unknown keys and values of
// the wrong type are errors.
func ParseConditions(raw map[string]any) (Conditions, error) {
	var c Conditions
	for key, value := range raw {
		switch key {
		case condPayloadHas:
			fields, err := stringList(value)
			if err != nil {
				return c, fmt.Errorf("%w: %s: %v", ErrInvalidCondition, key, err)
			}
			c.PayloadHas = fields
		case condStatusIs:
			s, ok := value.(string)
			if !ok {
				return c, fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidCondition, key, value)
			}
			c.StatusIs = &s
		case condHasAssignedUser:
			b, ok := value.(bool)
			if !ok {
				return c, fmt.Errorf("%w: %s must be a boolean, got %T", ErrInvalidCondition, key, value)
			}
			c.HasAssignedUser = &b
		case condExpression:
			s, ok := value.(string)
			if !ok || s == "" {
				return c, fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidCondition, key)
			}
			c.Expression = s
		default:
			return c, fmt.Errorf("%w: unknown key %q", ErrInvalidCondition, key)
		}
	}
	return c, nil
}

// ValidateConditions parses raw and compiles its expression, if any.
func ValidateConditions(raw map[string]any) error {
	c, err := ParseConditions(raw)
	if err != nil {
		return err
	}
	if c.Expression != "" {
		if err := celengine.ValidateExpression(c.Expression); err != nil {
			return fmt.Errorf("%w: expression: %v", ErrInvalidCondition, err)
		}
	}
	return nil
}

type ConditionEvaluator struct {
	programs *ProgramCache
	logger   *zap.Logger
}

func NewConditionEvaluator(programs *ProgramCache, logger *zap.Logger) *ConditionEvaluator {
	if programs == nil {
		programs = NewProgramCache(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConditionEvaluator{programs: programs, logger: logger}
}

// Matches reports whether event satisfies conditions. A nil or empty document
// always matches; a malformed one never does.
func (e *ConditionEvaluator) Matches(event *SystemEvent, conditions map[string]any) bool {
	if len(conditions) == 0 {
		return true
	}

	c, err := ParseConditions(conditions)
	if err != nil {
		e.logger.Error("invalid rule conditions",
			zap.String("event_id", event.ID),
			zap.String("event_name", event.EventName),
			zap.Error(err),
		)
		return false
	}

	for _, field := range c.PayloadHas {
		if _, ok := event.Payload[field]; !ok {
			return false
		}
	}

	if c.StatusIs != nil {
		status, ok := event.Payload["status"].(string)
		if !ok || status != *c.StatusIs {
			return false
		}
	}

	if c.HasAssignedUser != nil {
		assigned := event.PayloadString("assigned_user_id") != "" || event.PayloadString("assignee_id") != ""
		if assigned != *c.HasAssignedUser {
			return false
		}
	}

	if c.Expression != "" {
		return e.evaluate(event, c.Expression)
	}
	return true
}

func (e *ConditionEvaluator) evaluate(event *SystemEvent, expr string) bool {
	prg, err := e.programs.Get(expr)
	if err != nil {
		e.logger.Error("invalid condition expression",
			zap.String("event_id", event.ID),
			zap.String("expression", expr),
			zap.Error(err),
		)
		return false
	}

	ok, err := celengine.EvaluateBool(prg, expressionAttrs(event))
	if err != nil {
		e.logger.Warn("condition expression failed",
			zap.String("event_id", event.ID),
			zap.String("expression", expr),
			zap.Error(err),
		)
		return false
	}
	return ok
}

func expressionAttrs(event *SystemEvent) map[string]any {
	return map[string]any{
		celengine.VarPayload:     celengine.Normalize(map[string]any(event.Payload)),
		celengine.VarContext:     celengine.Normalize(map[string]any(event.Context)),
		celengine.VarEventName:   event.EventName,
		celengine.VarTenantID:    event.TenantID,
		celengine.VarActorUserID: event.ActorUserID,
		celengine.VarActorRole:   event.ActorRole,
		celengine.VarEntityType:  event.EntityType,
		celengine.VarEntityID:    event.EntityID,
		celengine.VarModule:      event.Module,
	}
}

func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected list of strings, found %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list of strings, got %T", v)
	}
}

type compiledProgram struct {
	program  cel.Program
	cachedAt time.Time
}

// ProgramCache memoizes compiled condition expressions. Concurrent misses for
// the same expression compile once.
type ProgramCache struct {
	mu    sync.RWMutex
	items map[string]compiledProgram
	ttl   time.Duration
	group singleflight.Group
}

func NewProgramCache(ttl time.Duration) *ProgramCache {
	return &ProgramCache{
		items: make(map[string]compiledProgram),
		ttl:   ttl,
	}
}

func (c *ProgramCache) Get(expr string) (cel.Program, error) {
	if prg, ok := c.lookup(expr); ok {
		programCacheHits.Inc()
		return prg, nil
	}
	programCacheMiss.Inc()

	v, err, _ := c.group.Do(expr, func() (any, error) {
		if prg, ok := c.lookup(expr); ok {
			return prg, nil
		}
		prg, err := celengine.Compile(expr)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.items[expr] = compiledProgram{program: prg, cachedAt: time.Now()}
		c.mu.Unlock()
		return prg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(cel.Program), nil
}

func (c *ProgramCache) lookup(expr string) (cel.Program, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[expr]
	if !ok || (c.ttl > 0 && time.Since(v.cachedAt) > c.ttl) {
		return nil, false
	}
	return v.program, true
}
