package rediskey

import (
	"fmt"
	"strings"
)

const (
	TenantPrefix        = "tenant"
	NotificationPrefix  = "effect:notification"
	placeholderTenant   = "{tenant_id}"
	placeholderEntity   = "{entity_id}"
	placeholderEntityTy = "{entity_type}"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildTenantKey scopes key to a tenant: "tenant:{tenantID}:{key}".
func BuildTenantKey(tenantID, key string) string {
	return NamespaceKey(NamespaceKey(TenantPrefix, tenantID), key)
}

// BuildNotificationKey returns "effect:notification:{idempotencyKey}:{target}",
// used as the asynq task id for one recipient of one effect run.
func BuildNotificationKey(idempotencyKey, target string) string {
	return NamespaceKey(NamespaceKey(NotificationPrefix, idempotencyKey), target)
}

// Expand fills the {tenant_id}, {entity_type} and {entity_id} placeholders of
// a configured cache key template. Keys are always tenant scoped; a template
// without {tenant_id} is prefixed with the tenant namespace.
func Expand(template, tenantID, entityType, entityID string) string {
	r := strings.NewReplacer(
		placeholderTenant, tenantID,
		placeholderEntityTy, entityType,
		placeholderEntity, entityID,
	)
	key := r.Replace(template)
	if !strings.Contains(template, placeholderTenant) {
		key = BuildTenantKey(tenantID, key)
	}
	return key
}
