package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type TargetKind string

const (
	TargetNone             TargetKind = "none"
	TargetAssignedUser     TargetKind = "assigned_user"
	TargetActor            TargetKind = "actor"
	TargetRole             TargetKind = "role"
	TargetTeam             TargetKind = "team"
	TargetManager          TargetKind = "manager"
	TargetDepartmentAdmins TargetKind = "department_admins"
	TargetEntityOwner      TargetKind = "entity_owner"
	TargetSubscribers      TargetKind = "subscribers"
)

// TargetRule selects the audience of an effect. Type picks the variant; the
// remaining fields are only read by the variants that need them.
type TargetRule struct {
	Type         TargetKind `json:"type"`
	Role         string     `json:"role,omitempty"`
	TeamID       string     `json:"team_id,omitempty"`
	DepartmentID string     `json:"department_id,omitempty"`
	// Field overrides the payload key holding the referenced user for
	// assigned_user and manager.
	Field string `json:"field,omitempty"`
}

func (t TargetRule) Validate() error {
	switch t.Type {
	case "", TargetNone, TargetAssignedUser, TargetActor, TargetTeam, TargetManager,
		TargetDepartmentAdmins, TargetEntityOwner, TargetSubscribers:
		return nil
	case TargetRole:
		if t.Role == "" {
			return fmt.Errorf("target rule %q requires role", t.Type)
		}
		return nil
	default:
		return fmt.Errorf("unknown target rule type %q", t.Type)
	}
}

// Directory answers the organizational lookups behind target resolution.
// Every method is scoped to one tenant.
type Directory interface {
	RoleMembers(ctx context.Context, tenantID, role string) ([]string, error)
	TeamMembers(ctx context.Context, tenantID, teamID string) ([]string, error)
	ManagerOf(ctx context.Context, tenantID, userID string) (string, error)
	DepartmentAdmins(ctx context.Context, tenantID, departmentID string) ([]string, error)
	EntityOwner(ctx context.Context, tenantID, entityType, entityID string) (string, error)
	Subscribers(ctx context.Context, tenantID, eventName string) ([]string, error)
}

type TargetResolver struct {
	dir    Directory
	logger *zap.Logger
}

func NewTargetResolver(dir Directory, logger *zap.Logger) *TargetResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TargetResolver{dir: dir, logger: logger}
}

// Resolve returns the deduplicated recipients of rule for event. Missing data
// yields an empty list; a failed directory lookup is returned as an error.
func (r *TargetResolver) Resolve(ctx context.Context, event *SystemEvent, rule TargetRule) ([]string, error) {
	ids, err := r.lookup(ctx, event, rule)
	if err != nil {
		r.logger.Warn("target lookup failed",
			zap.String("event_id", event.ID),
			zap.String("tenant_id", event.TenantID),
			zap.String("target_type", string(rule.Type)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("resolve %s targets: %w", rule.Type, err)
	}
	return dedupe(ids), nil
}

func (r *TargetResolver) lookup(ctx context.Context, event *SystemEvent, rule TargetRule) ([]string, error) {
	switch rule.Type {
	case TargetAssignedUser:
		return []string{assignedUser(event, rule.Field)}, nil

	case TargetActor:
		return []string{event.ActorUserID}, nil

	case TargetRole:
		if rule.Role == "" {
			return nil, nil
		}
		return r.dir.RoleMembers(ctx, event.TenantID, rule.Role)

	case TargetTeam:
		teamID := rule.TeamID
		if teamID == "" {
			teamID = event.PayloadString("team_id")
		}
		if teamID == "" {
			return nil, nil
		}
		return r.dir.TeamMembers(ctx, event.TenantID, teamID)

	case TargetManager:
		field := rule.Field
		if field == "" {
			field = "user_id"
		}
		userID := event.PayloadString(field)
		if userID == "" {
			userID = event.ActorUserID
		}
		if userID == "" {
			return nil, nil
		}
		manager, err := r.dir.ManagerOf(ctx, event.TenantID, userID)
		if err != nil {
			return nil, err
		}
		return []string{manager}, nil

	case TargetDepartmentAdmins:
		departmentID := rule.DepartmentID
		if departmentID == "" {
			departmentID = event.PayloadString("department_id")
		}
		if departmentID == "" {
			return nil, nil
		}
		return r.dir.DepartmentAdmins(ctx, event.TenantID, departmentID)

	case TargetEntityOwner:
		if event.EntityType == "" || event.EntityID == "" {
			return nil, nil
		}
		owner, err := r.dir.EntityOwner(ctx, event.TenantID, event.EntityType, event.EntityID)
		if err != nil {
			return nil, err
		}
		return []string{owner}, nil

	case TargetSubscribers:
		return r.dir.Subscribers(ctx, event.TenantID, event.EventName)

	default:
		return nil, nil
	}
}

func assignedUser(event *SystemEvent, field string) string {
	if field != "" {
		return event.PayloadString(field)
	}
	if id := event.PayloadString("assigned_user_id"); id != "" {
		return id
	}
	return event.PayloadString("assignee_id")
}

// dedupe drops empty ids and repeats, keeping first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
