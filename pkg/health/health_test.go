package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"effect-dispatch/services/testutil"
)

func probe(t *testing.T, h HealthService, path string) (int, Health) {
	t.Helper()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var out Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec.Code, out
}

func TestLiveness(t *testing.T) {
	code, out := probe(t, ProvideHealth(HealthParams{}), "/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, StatusHealthy, out.Status)
}

func TestReadiness_Database(t *testing.T) {
	db := testutil.NewTestDB(t)

	code, out := probe(t, ProvideHealth(HealthParams{DB: db}), "/readyz")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out.Deps, 1)
	require.Equal(t, "sqlite", out.Deps[0].Name)
	require.Equal(t, StatusHealthy, out.Deps[0].Status)
}

func TestReadiness_RedisDown(t *testing.T) {
	// Nothing listens on port 1.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	code, out := probe(t, ProvideHealth(HealthParams{Redis: rdb}), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, StatusUnhealthy, out.Status)
	require.Equal(t, "redis", out.Deps[0].Name)
	require.Equal(t, StatusUnhealthy, out.Deps[0].Status)
}
