package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	engine "github.com/upb/paygate/internal/policy"
	"github.com/upb/paygate/services"
	"github.com/upb/paygate/services/audit"
	policysvc "github.com/upb/paygate/services/policy"
	"github.com/upb/paygate/utils"
)

// PolicyAdmin is the subset of PolicyService the admin API needs
type PolicyAdmin interface {
	Reload(ctx context.Context) (*policysvc.ReloadResult, error)
	Status() policysvc.Status
	Warnings() []engine.Warning
}

// EngineView exposes the live policy set and window usage
type EngineView interface {
	Current() *engine.Set
	Usage() []engine.Usage
}

// AuditStats reports audit pipeline statistics
type AuditStats interface {
	GetStats() audit.Stats
}

// AdminHandler handles operator requests against the policy engine
type AdminHandler struct {
	policies PolicyAdmin
	engine   EngineView
	audit    AuditStats
	logger   *zap.Logger
}

// NewAdminHandler creates a new AdminHandler. audit may be nil.
func NewAdminHandler(policies PolicyAdmin, engine EngineView, audit AuditStats, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		policies: policies,
		engine:   engine,
		audit:    audit,
		logger:   logger,
	}
}

// RateLimitView is the JSON form of a rate limit
type RateLimitView struct {
	MaxCount int    `json:"max_count"`
	Window   string `json:"window"`
}

// SpendingCapView is the JSON form of a spending cap
type SpendingCapView struct {
	MaxAmount string `json:"max_amount"`
	Window    string `json:"window"`
}

// PolicyView is the JSON form of a compiled policy
type PolicyView struct {
	ID          string           `json:"id"`
	Priority    int              `json:"priority"`
	Order       int              `json:"order"`
	Action      string           `json:"action"`
	DenyReason  string           `json:"deny_reason,omitempty"`
	Subjects    []string         `json:"subject_patterns"`
	Resources   []string         `json:"resource_patterns"`
	RateLimit   *RateLimitView   `json:"rate_limit,omitempty"`
	SpendingCap *SpendingCapView `json:"spending_cap,omitempty"`
}

// PolicyListResponse is returned by GET /admin/policies
type PolicyListResponse struct {
	Version  uint64           `json:"version"`
	BuildID  string           `json:"build_id"`
	Status   policysvc.Status `json:"status"`
	Policies []PolicyView     `json:"policies"`
}

func newPolicyView(p *engine.Policy, order int) PolicyView {
	view := PolicyView{
		ID:         p.ID,
		Priority:   p.Priority,
		Order:      order,
		Action:     p.Action.Kind.String(),
		DenyReason: p.Action.Reason,
		Subjects:   p.Subjects.Strings(),
		Resources:  p.Resources.Strings(),
	}
	if rl := p.RateLimit; rl != nil {
		view.RateLimit = &RateLimitView{MaxCount: rl.MaxCount, Window: rl.Window.String()}
	}
	if sc := p.SpendingCap; sc != nil {
		view.SpendingCap = &SpendingCapView{MaxAmount: sc.MaxAmount.String(), Window: sc.Window.String()}
	}
	return view
}

// ListPolicies handles GET /admin/policies
// Returns the live set in evaluation order
func (h *AdminHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	set := h.engine.Current()

	views := make([]PolicyView, 0, set.Len())
	for i, p := range set.Policies() {
		views = append(views, newPolicyView(p, i))
	}

	_ = utils.WriteOK(w, PolicyListResponse{
		Version:  set.Version(),
		BuildID:  set.BuildID(),
		Status:   h.policies.Status(),
		Policies: views,
	})
}

// GetPolicy handles GET /admin/policies/{id}
func (h *AdminHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		_ = utils.WriteBadRequest(w, "Policy ID is required", nil)
		return
	}

	set := h.engine.Current()
	for i, p := range set.Policies() {
		if p.ID == id {
			_ = utils.WriteOK(w, newPolicyView(p, i))
			return
		}
	}
	HandleServiceError(w, services.ErrPolicyNotFound, h.logger)
}

// ReloadPolicies handles POST /admin/policies/reload
func (h *AdminHandler) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	result, err := h.policies.Reload(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("policies reloaded by operator",
		zap.Uint64("version", result.Version),
		zap.String("build_id", result.BuildID))
	_ = utils.WriteOK(w, result)
}

// ListWarnings handles GET /admin/warnings
func (h *AdminHandler) ListWarnings(w http.ResponseWriter, r *http.Request) {
	warnings := h.policies.Warnings()
	if warnings == nil {
		warnings = []engine.Warning{}
	}
	_ = utils.WriteOK(w, warnings)
}

// ListUsage handles GET /admin/usage
// Optional policy_id and subject_id query parameters filter the snapshot
func (h *AdminHandler) ListUsage(w http.ResponseWriter, r *http.Request) {
	policyID := r.URL.Query().Get("policy_id")
	subjectID := r.URL.Query().Get("subject_id")

	usage := make([]engine.Usage, 0)
	for _, u := range h.engine.Usage() {
		if policyID != "" && u.PolicyID != policyID {
			continue
		}
		if subjectID != "" && u.SubjectID != subjectID {
			continue
		}
		usage = append(usage, u)
	}
	_ = utils.WriteOK(w, usage)
}

// AuditStatus handles GET /admin/audit
func (h *AdminHandler) AuditStatus(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		_ = utils.WriteNotFound(w, "Audit logging is disabled")
		return
	}
	_ = utils.WriteOK(w, h.audit.GetStats())
}
