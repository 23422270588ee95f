package effect

import (
	"context"
	"fmt"

	"effect-dispatch/pkg/rediskey"
	"effect-dispatch/services/dispatch"

	"github.com/redis/go-redis/v9"
)

// KeyDeleter is the part of the redis client the cache handler needs.
type KeyDeleter interface {
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CacheInvalidateHandler deletes the keys listed in the rule's config.keys.
// Templates may use {tenant_id}, {entity_type} and {entity_id}.
type CacheInvalidateHandler struct {
	rdb KeyDeleter
}

func NewCacheInvalidateHandler(rdb KeyDeleter) *CacheInvalidateHandler {
	return &CacheInvalidateHandler{rdb: rdb}
}

func (h *CacheInvalidateHandler) Execute(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	templates := configStrings(req, "keys")
	if len(templates) == 0 {
		return dispatch.Result{Success: false, Error: "config.keys is empty"}, nil
	}

	keys := make([]string, 0, len(templates))
	for _, tpl := range templates {
		keys = append(keys, rediskey.Expand(tpl, req.Event.TenantID, req.Event.EntityType, req.Event.EntityID))
	}

	deleted, err := h.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("delete cache keys: %w", err)
	}
	return dispatch.Result{Success: true, Data: map[string]any{"keys": keys, "deleted": deleted}}, nil
}
