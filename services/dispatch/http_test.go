package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"effect-dispatch/pkg/middleware"
)

func newTestRouter(env *testEnv) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Error())
	RegisterRoutes(r, env.service)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec, out
}

func TestHTTP_ProcessSingle(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "audit.log", succeeding())
	event := absenceApproved(t, env)
	env.seedRule(t, EffectRule{ID: "rule-1", EventName: "absence.approved", EffectType: "audit.log"})

	rec, body := doJSON(t, newTestRouter(env), http.MethodPost, "/v1/dispatch", Command{
		Action:  ActionProcessSingle,
		EventID: event.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["success"])
	require.Equal(t, event.ID, body["eventId"])
	require.Equal(t, float64(1), body["effectsProcessed"])
	require.NotContains(t, body, "processed")

	results := body["results"].([]any)
	require.Equal(t, "completed", results[0].(map[string]any)["status"])
}

func TestHTTP_ProcessBatchCounters(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)

	rec, body := doJSON(t, router, http.MethodPost, "/v1/dispatch", Command{Action: ActionProcessBatch, BatchSize: 5})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(0), body["processed"])

	rec, body = doJSON(t, router, http.MethodPost, "/v1/dispatch", Command{Action: ActionRetryFailed})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(0), body["retried"])

	rec, body = doJSON(t, router, http.MethodPost, "/v1/dispatch", Command{Action: ActionRecoverStale})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(0), body["recovered"])
	require.Equal(t, float64(0), body["released"])
}

func TestHTTP_Errors(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)

	cases := []struct {
		name string
		cmd  Command
		code int
	}{
		{"unknown action", Command{Action: "explode"}, http.StatusBadRequest},
		{"missing event id", Command{Action: ActionProcessSingle}, http.StatusBadRequest},
		{"event not found", Command{Action: ActionProcessSingle, EventID: "nope"}, http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := doJSON(t, router, http.MethodPost, "/v1/dispatch", tc.cmd)
			require.Equal(t, tc.code, rec.Code)
			require.Contains(t, body, "error")
		})
	}
}

func TestHTTP_DeadLettersPagination(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		require.NoError(t, env.db.Create(&EffectDeadLetter{
			ID:           fmt.Sprintf("dl-%d", i),
			EffectRunID:  fmt.Sprintf("run-%d", i),
			EventID:      "evt-1",
			EffectType:   "notification.email",
			ErrorDetails: datatypes.NewJSONType(DeadLetterDetails{Message: "smtp down", Attempts: 3}),
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}).Error)
	}

	rec, body := doJSON(t, router, http.MethodGet, "/v1/dead-letters?limit=2&event_id=evt-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	letters := body["dead_letters"].([]any)
	require.Len(t, letters, 2)
	require.Equal(t, "dl-3", letters[0].(map[string]any)["id"])
	require.Equal(t, "dl-2", letters[1].(map[string]any)["id"])

	info := body["page_info"].(map[string]any)
	require.Equal(t, true, info["has_more"])
	cursor := info["next_cursor"].(string)
	require.NotEmpty(t, cursor)

	rec, body = doJSON(t, router, http.MethodGet, "/v1/dead-letters?limit=2&event_id=evt-1&cursor="+cursor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	letters = body["dead_letters"].([]any)
	require.Len(t, letters, 1)
	require.Equal(t, "dl-1", letters[0].(map[string]any)["id"])
	require.Equal(t, false, body["page_info"].(map[string]any)["has_more"])

	rec, _ = doJSON(t, router, http.MethodGet, "/v1/dead-letters?cursor=%25%25", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
