package dispatch

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Employee is the directory record target resolution reads roles, departments
// and the reporting line from.
type Employee struct {
	ID           string  `gorm:"column:id;primaryKey;type:varchar(64)"`
	TenantID     string  `gorm:"column:tenant_id;index:idx_employee_tenant_user;type:varchar(64);not null"`
	UserID       string  `gorm:"column:user_id;index:idx_employee_tenant_user;type:varchar(64)"`
	Role         string  `gorm:"column:role;type:varchar(64)"`
	DepartmentID string  `gorm:"column:department_id;index;type:varchar(64)"`
	ManagerID    *string `gorm:"column:manager_id;type:varchar(64)"`
	IsActive     bool    `gorm:"column:is_active"`
}

func (Employee) TableName() string { return "employees" }

type TeamMember struct {
	ID       string `gorm:"column:id;primaryKey;type:varchar(64)"`
	TenantID string `gorm:"column:tenant_id;index:idx_team_member_tenant_team;type:varchar(64);not null"`
	TeamID   string `gorm:"column:team_id;index:idx_team_member_tenant_team;type:varchar(64);not null"`
	UserID   string `gorm:"column:user_id;type:varchar(64);not null"`
}

func (TeamMember) TableName() string { return "team_members" }

type EventSubscription struct {
	ID        string `gorm:"column:id;primaryKey;type:varchar(64)"`
	TenantID  string `gorm:"column:tenant_id;index:idx_subscription_tenant_event;type:varchar(64);not null"`
	EventName string `gorm:"column:event_name;index:idx_subscription_tenant_event;type:varchar(150);not null"`
	UserID    string `gorm:"column:user_id;type:varchar(64);not null"`
	IsActive  bool   `gorm:"column:is_active"`
}

func (EventSubscription) TableName() string { return "event_subscriptions" }

var departmentAdminRoles = []string{"admin", "hr", "manager"}

// ownerColumns are tried in order on the entity row.
var ownerColumns = []string{"user_id", "created_by", "owner_id"}

func (r *gormRepository) RoleMembers(ctx context.Context, tenantID, role string) ([]string, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var ids []string
	err := r.db.WithContext(ctx).Model(&Employee{}).
		Where("tenant_id = ? AND role = ? AND is_active = ?", tenantID, role, true).
		Order("id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

func (r *gormRepository) TeamMembers(ctx context.Context, tenantID, teamID string) ([]string, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var ids []string
	err := r.db.WithContext(ctx).Model(&TeamMember{}).
		Where("tenant_id = ? AND team_id = ?", tenantID, teamID).
		Order("id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

// ManagerOf follows user -> employee record -> manager employee -> user id.
func (r *gormRepository) ManagerOf(ctx context.Context, tenantID, userID string) (string, error) {
	if r == nil || r.db == nil {
		return "", gorm.ErrInvalidDB
	}

	var employee Employee
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Limit(1).Find(&employee).Error
	if err != nil {
		return "", err
	}
	if employee.ID == "" || employee.ManagerID == nil || *employee.ManagerID == "" {
		return "", nil
	}

	var manager Employee
	err = r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, *employee.ManagerID).
		Limit(1).Find(&manager).Error
	if err != nil {
		return "", err
	}
	return manager.UserID, nil
}

func (r *gormRepository) DepartmentAdmins(ctx context.Context, tenantID, departmentID string) ([]string, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var ids []string
	err := r.db.WithContext(ctx).Model(&Employee{}).
		Where("tenant_id = ? AND department_id = ? AND is_active = ?", tenantID, departmentID, true).
		Where("role IN ?", departmentAdminRoles).
		Order("id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

// EntityOwner reads the owning user of an entity row. Only entity types mapped
// to a table in the configured allow list are queried.
func (r *gormRepository) EntityOwner(ctx context.Context, tenantID, entityType, entityID string) (string, error) {
	if r == nil || r.db == nil {
		return "", gorm.ErrInvalidDB
	}

	table, ok := r.entityTables[entityType]
	if !ok || table == "" {
		return "", nil
	}

	var rows []map[string]any
	err := r.db.WithContext(ctx).Table(table).
		Where("id = ? AND tenant_id = ?", entityID, tenantID).
		Limit(1).Find(&rows).Error
	if err != nil {
		return "", fmt.Errorf("read entity %s/%s: %w", entityType, entityID, err)
	}
	if len(rows) == 0 {
		return "", nil
	}

	for _, column := range ownerColumns {
		if v := stringValue(rows[0][column]); v != "" {
			return v, nil
		}
	}
	return "", nil
}

func (r *gormRepository) Subscribers(ctx context.Context, tenantID, eventName string) ([]string, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var ids []string
	err := r.db.WithContext(ctx).Model(&EventSubscription{}).
		Where("tenant_id = ? AND event_name = ? AND is_active = ?", tenantID, eventName, true).
		Order("id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}
