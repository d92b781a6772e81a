package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/paygate/internal/policy"
	"github.com/upb/paygate/internal/window"
	"github.com/upb/paygate/utils"
)

type recordedDecision struct {
	req       policy.Request
	d         policy.Decision
	buildID   string
	requestID string
}

type fakeRecorder struct {
	mu        sync.Mutex
	decisions []recordedDecision
}

func (f *fakeRecorder) RecordDecision(req policy.Request, d policy.Decision, buildID, requestID, ipAddress string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, recordedDecision{req, d, buildID, requestID})
	return nil
}

func setupAdmission(t *testing.T) (*policy.Engine, *fakeRecorder, http.Handler) {
	t.Helper()
	set := policy.MustNewSet([]policy.Definition{
		{ID: "admin", Priority: 100, Action: policy.Deny("admin is closed"), Resources: []string{"/admin/*"}},
		{ID: "flaky", Priority: 90, Action: policy.Allow(), Resources: []string{"/flaky"},
			RateLimit: &policy.RateLimit{MaxCount: 10, Window: time.Minute}},
		{
			ID:          "agents",
			Priority:    10,
			Action:      policy.Allow(),
			Subjects:    []string{"agent-*"},
			Resources:   []string{"/api/*"},
			RateLimit:   &policy.RateLimit{MaxCount: 2, Window: time.Minute},
			SpendingCap: &policy.SpendingCap{MaxAmount: decimal.NewFromInt(10), Window: time.Hour},
		},
	})
	engine := policy.NewEngine(set)
	recorder := &fakeRecorder{}

	m := NewAdmissionMiddleware(engine, recorder, AdmissionConfig{
		SubjectHeader: "X-Subject-Id",
		AmountHeader:  "X-Payment-Amount",
	}, zap.NewNop())

	handler := m.Admit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, ok := GetDecisionFromContext(r.Context())
		require.True(t, ok)
		w.Header().Set("X-Admitted-By", d.PolicyID)
		w.WriteHeader(http.StatusNoContent)
	}))
	return engine, recorder, handler
}

func call(handler http.Handler, path, subject, amount string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if subject != "" {
		req.Header.Set("X-Subject-Id", subject)
	}
	if amount != "" {
		req.Header.Set("X-Payment-Amount", amount)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) utils.ErrorResponse {
	t.Helper()
	var body utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestAdmission_AllowsAndAnnotates(t *testing.T) {
	engine, recorder, handler := setupAdmission(t)

	w := call(handler, "/api/search", "agent-1", "2.50")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "allow", w.Header().Get(HeaderDecision))
	assert.Equal(t, "agents", w.Header().Get(HeaderPolicyID))
	assert.Equal(t, "agents", w.Header().Get("X-Admitted-By"))
	assert.Empty(t, w.Header().Get(HeaderDecisionReason))

	require.Len(t, recorder.decisions, 1)
	rec := recorder.decisions[0]
	assert.Equal(t, "agent-1", rec.req.SubjectID)
	assert.Equal(t, "/api/search", rec.req.ResourcePath)
	assert.True(t, decimal.RequireFromString("2.5").Equal(rec.req.Amount))
	assert.Equal(t, engine.Current().BuildID(), rec.buildID)
}

func TestAdmission_StatusByReason(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		subject    string
		amounts    []string
		wantStatus int
		wantReason string
		wantError  string
	}{
		{
			name:       "explicit deny is forbidden",
			path:       "/admin/users",
			subject:    "agent-1",
			amounts:    []string{""},
			wantStatus: http.StatusForbidden,
			wantReason: "explicit_deny",
			wantError:  "forbidden",
		},
		{
			name:       "no policy matched is forbidden",
			path:       "/api/search",
			subject:    "human-1",
			amounts:    []string{""},
			wantStatus: http.StatusForbidden,
			wantReason: "no_policy_matched",
			wantError:  "forbidden",
		},
		{
			name:       "rate limit is 429",
			path:       "/api/search",
			subject:    "agent-1",
			amounts:    []string{"", "", ""},
			wantStatus: http.StatusTooManyRequests,
			wantReason: "rate_limit_exceeded",
			wantError:  "rate_limit_exceeded",
		},
		{
			name:       "spending cap is 402",
			path:       "/api/search",
			subject:    "agent-1",
			amounts:    []string{"8", "2.01"},
			wantStatus: http.StatusPaymentRequired,
			wantReason: "spending_cap_exceeded",
			wantError:  "payment_required",
		},
		{
			name:       "negative amount is 400",
			path:       "/api/search",
			subject:    "agent-1",
			amounts:    []string{"-1"},
			wantStatus: http.StatusBadRequest,
			wantReason: "invalid_request",
			wantError:  "bad_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, handler := setupAdmission(t)

			var w *httptest.ResponseRecorder
			for _, amount := range tt.amounts {
				w = call(handler, tt.path, tt.subject, amount)
			}

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "deny", w.Header().Get(HeaderDecision))
			assert.Equal(t, tt.wantReason, w.Header().Get(HeaderDecisionReason))
			body := errorBody(t, w)
			assert.Equal(t, tt.wantError, body.Error)
			assert.Equal(t, tt.wantReason, body.Details["reason"])
		})
	}
}

func TestAdmission_ExplicitDenyCarriesMessage(t *testing.T) {
	_, _, handler := setupAdmission(t)

	w := call(handler, "/admin/users", "agent-1", "")

	body := errorBody(t, w)
	assert.Equal(t, "admin is closed", body.Message)
	assert.Equal(t, "admin", body.Details["policy_id"])
	assert.Equal(t, "admin", w.Header().Get(HeaderPolicyID))
}

func TestAdmission_StateUnavailable(t *testing.T) {
	engine, _, handler := setupAdmission(t)

	// Poison the cell the next request will use.
	_ = engine.Store().With(window.Key{PolicyID: "flaky", SubjectID: "agent-1"}, time.Minute, func(c *window.Cell) error {
		panic("corrupted")
	})

	w := call(handler, "/flaky", "agent-1", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "state_unavailable", w.Header().Get(HeaderDecisionReason))

	w = call(handler, "/flaky", "agent-2", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestAdmission_RejectsBeforeEvaluation(t *testing.T) {
	_, recorder, handler := setupAdmission(t)

	w := call(handler, "/api/search", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "missing subject identity", errorBody(t, w).Message)

	w = call(handler, "/api/search", "agent-1", "ten dollars")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid request amount", errorBody(t, w).Message)

	assert.Empty(t, recorder.decisions)
	assert.Empty(t, w.Header().Get(HeaderDecision))
}
