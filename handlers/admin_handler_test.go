package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	engine "github.com/upb/paygate/internal/policy"
	"github.com/upb/paygate/services/audit"
	policysvc "github.com/upb/paygate/services/policy"
)

const adminDocument = `
version: 1
policies:
  - id: block-admin
    priority: 100
    action: deny
    deny_reason: admin is closed
    resource_patterns: ["/admin/*"]
  - id: agents
    priority: 10
    action: allow
    subject_patterns: ["agent-*"]
    resource_patterns: ["/api/*"]
    rate_limit:
      max_count: 5
      window: 60s
    spending_cap:
      max_amount: "100"
      window: 1h
  - id: catch-all
    action: allow
`

type stubAuditStats struct{}

func (stubAuditStats) GetStats() audit.Stats {
	return audit.Stats{BufferSize: 10, WorkerCount: 2, Started: true, Dropped: 3}
}

type adminFixture struct {
	router http.Handler
	source *policysvc.StaticSource
	engine *engine.Engine
}

func setupAdmin(t *testing.T, stats AuditStats) *adminFixture {
	t.Helper()

	eng := engine.NewEngine(nil)
	source := policysvc.NewStaticSource([]byte(adminDocument), policysvc.FormatYAML)
	svc := policysvc.NewPolicyService(source, eng, zap.NewNop())
	_, err := svc.Reload(context.Background())
	require.NoError(t, err)

	h := NewAdminHandler(svc, eng, stats, zap.NewNop())
	r := chi.NewRouter()
	r.Get("/admin/policies", h.ListPolicies)
	r.Get("/admin/policies/{id}", h.GetPolicy)
	r.Post("/admin/policies/reload", h.ReloadPolicies)
	r.Get("/admin/warnings", h.ListWarnings)
	r.Get("/admin/usage", h.ListUsage)
	r.Get("/admin/audit", h.AuditStatus)

	return &adminFixture{router: r, source: source, engine: eng}
}

func (f *adminFixture) do(t *testing.T, method, target string) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(method, target, nil))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func TestAdminHandler_ListPolicies(t *testing.T) {
	f := setupAdmin(t, nil)

	code, body := f.do(t, http.MethodGet, "/admin/policies")
	require.Equal(t, http.StatusOK, code)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["version"])
	assert.Equal(t, f.engine.Current().BuildID(), data["build_id"])

	policies := data["policies"].([]interface{})
	require.Len(t, policies, 3)

	first := policies[0].(map[string]interface{})
	assert.Equal(t, "block-admin", first["id"])
	assert.Equal(t, "deny", first["action"])
	assert.Equal(t, "admin is closed", first["deny_reason"])

	agents := policies[1].(map[string]interface{})
	assert.Equal(t, []interface{}{"agent-*"}, agents["subject_patterns"])
	assert.Equal(t, map[string]interface{}{"max_count": float64(5), "window": "1m0s"}, agents["rate_limit"])
	assert.Equal(t, map[string]interface{}{"max_amount": "100", "window": "1h0m0s"}, agents["spending_cap"])

	status := data["status"].(map[string]interface{})
	assert.NotNil(t, status["current"])
}

func TestAdminHandler_GetPolicy(t *testing.T) {
	f := setupAdmin(t, nil)

	t.Run("found", func(t *testing.T) {
		code, body := f.do(t, http.MethodGet, "/admin/policies/catch-all")
		require.Equal(t, http.StatusOK, code)
		data := body["data"].(map[string]interface{})
		assert.Equal(t, "catch-all", data["id"])
		assert.Equal(t, float64(2), data["order"])
		assert.Equal(t, []interface{}{}, data["subject_patterns"])
	})

	t.Run("not found", func(t *testing.T) {
		code, body := f.do(t, http.MethodGet, "/admin/policies/missing")
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, "not_found", body["error"])
	})
}

func TestAdminHandler_ReloadPolicies(t *testing.T) {
	f := setupAdmin(t, nil)

	t.Run("publishes a new version", func(t *testing.T) {
		code, body := f.do(t, http.MethodPost, "/admin/policies/reload")
		require.Equal(t, http.StatusOK, code)
		data := body["data"].(map[string]interface{})
		assert.Equal(t, float64(2), data["version"])
		assert.Equal(t, float64(3), data["policies"])
		assert.Equal(t, uint64(2), f.engine.Current().Version())
	})

	t.Run("invalid document keeps live set", func(t *testing.T) {
		f.source.Set([]byte("policies:\n  - id: broken\n"))

		code, body := f.do(t, http.MethodPost, "/admin/policies/reload")
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "bad_request", body["error"])
		assert.Equal(t, uint64(2), f.engine.Current().Version())

		_, list := f.do(t, http.MethodGet, "/admin/policies")
		status := list["data"].(map[string]interface{})["status"].(map[string]interface{})
		assert.NotEmpty(t, status["last_error"])
	})
}

func TestAdminHandler_ListWarnings(t *testing.T) {
	f := setupAdmin(t, nil)

	code, body := f.do(t, http.MethodGet, "/admin/warnings")
	require.Equal(t, http.StatusOK, code)

	warnings := body["data"].([]interface{})
	require.NotEmpty(t, warnings)
	for _, w := range warnings {
		ids := w.(map[string]interface{})["policy_ids"].([]interface{})
		assert.Len(t, ids, 2)
	}
}

func TestAdminHandler_ListUsage(t *testing.T) {
	f := setupAdmin(t, nil)

	for _, subject := range []string{"agent-1", "agent-1", "agent-2"} {
		d := f.engine.Evaluate(engine.Request{
			SubjectID:    subject,
			ResourcePath: "/api/search",
			Amount:       decimal.NewFromInt(10),
		})
		require.True(t, d.Allowed())
	}

	code, body := f.do(t, http.MethodGet, "/admin/usage")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"].([]interface{}), 2)

	code, body = f.do(t, http.MethodGet, "/admin/usage?subject_id=agent-1")
	require.Equal(t, http.StatusOK, code)
	usage := body["data"].([]interface{})
	require.Len(t, usage, 1)
	entry := usage[0].(map[string]interface{})
	assert.Equal(t, "agents", entry["policy_id"])
	assert.Equal(t, float64(2), entry["requests"])
	assert.Equal(t, "20", entry["spend"])

	_, body = f.do(t, http.MethodGet, "/admin/usage?policy_id=catch-all")
	assert.Empty(t, body["data"])
}

func TestAdminHandler_AuditStatus(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := setupAdmin(t, nil)
		code, _ := f.do(t, http.MethodGet, "/admin/audit")
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("reports stats", func(t *testing.T) {
		f := setupAdmin(t, stubAuditStats{})
		code, body := f.do(t, http.MethodGet, "/admin/audit")
		require.Equal(t, http.StatusOK, code)
		data := body["data"].(map[string]interface{})
		assert.Equal(t, float64(3), data["dropped"])
		assert.Equal(t, true, data["started"])
	})
}
