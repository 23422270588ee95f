package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

func newEvaluator() *ConditionEvaluator {
	return NewConditionEvaluator(NewProgramCache(time.Minute), zap.NewNop())
}

func TestConditionEvaluator_Matches(t *testing.T) {
	event := &SystemEvent{
		ID:        "evt-1",
		EventName: "task.completed",
		TenantID:  testTenant,
		ActorRole: "manager",
		Payload: datatypes.JSONMap{
			"status":           "approved",
			"assigned_user_id": "u-1",
			"days":             float64(3),
		},
	}

	cases := []struct {
		name       string
		conditions map[string]any
		want       bool
	}{
		{"nil matches", nil, true},
		{"empty matches", map[string]any{}, true},
		{"payload has", map[string]any{"payload_has": []any{"status", "days"}}, true},
		{"payload missing", map[string]any{"payload_has": []any{"reason"}}, false},
		{"status is", map[string]any{"status_is": "approved"}, true},
		{"status differs", map[string]any{"status_is": "rejected"}, false},
		{"has assigned user", map[string]any{"has_assigned_user": true}, true},
		{"expects no assigned user", map[string]any{"has_assigned_user": false}, false},
		{"expression", map[string]any{"expression": "payload.days >= 2 && actor_role == 'manager'"}, true},
		{"expression false", map[string]any{"expression": "payload.days > 5"}, false},
		{"all predicates", map[string]any{"status_is": "approved", "expression": "tenant_id == 'tenant-1'"}, true},
		{"unknown key fails closed", map[string]any{"weekday_is": "monday"}, false},
		{"wrong type fails closed", map[string]any{"status_is": true}, false},
		{"bad expression fails closed", map[string]any{"expression": "payload.days >"}, false},
		{"missing field in expression fails closed", map[string]any{"expression": "payload.reason == 'x'"}, false},
	}

	evaluator := newEvaluator()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, evaluator.Matches(event, tc.conditions))
		})
	}
}

func TestConditionEvaluator_AssigneeFallback(t *testing.T) {
	event := &SystemEvent{Payload: datatypes.JSONMap{"assignee_id": "u-2"}}
	require.True(t, newEvaluator().Matches(event, map[string]any{"has_assigned_user": true}))

	empty := &SystemEvent{Payload: datatypes.JSONMap{"assigned_user_id": nil}}
	require.True(t, newEvaluator().Matches(empty, map[string]any{"has_assigned_user": false}))
}

func TestValidateConditions(t *testing.T) {
	require.NoError(t, ValidateConditions(nil))
	require.NoError(t, ValidateConditions(map[string]any{"payload_has": []any{"a"}, "expression": "payload.a == 1"}))
	require.ErrorIs(t, ValidateConditions(map[string]any{"payload_has": "a"}), ErrInvalidCondition)
	require.ErrorIs(t, ValidateConditions(map[string]any{"expression": "payload.a +"}), ErrInvalidCondition)
	require.ErrorIs(t, ValidateConditions(map[string]any{"expression": "'text'"}), ErrInvalidCondition)
}

func TestProgramCache_ReusesCompiledProgram(t *testing.T) {
	cache := NewProgramCache(time.Minute)

	first, err := cache.Get("payload.a == 1")
	require.NoError(t, err)
	second, err := cache.Get("payload.a == 1")
	require.NoError(t, err)
	require.Equal(t, first, second)

	// Entries older than the ttl are compiled again.
	cache.mu.Lock()
	entry := cache.items["payload.a == 1"]
	entry.cachedAt = time.Now().Add(-2 * time.Minute)
	cache.items["payload.a == 1"] = entry
	cache.mu.Unlock()
	_, ok := cache.lookup("payload.a == 1")
	require.False(t, ok)

	_, err = cache.Get("payload.a ==")
	require.Error(t, err)
}
