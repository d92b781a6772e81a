package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/upb/paygate/internal/policy"
	"github.com/upb/paygate/services"
	"github.com/upb/paygate/utils"
)

// Response headers set on every admission decision
const (
	HeaderDecision       = "X-Decision"
	HeaderPolicyID       = "X-Policy-Id"
	HeaderDecisionReason = "X-Decision-Reason"
)

// Evaluator decides admission. *policy.Engine implements it.
type Evaluator interface {
	Evaluate(req policy.Request) policy.Decision
	Current() *policy.Set
}

// DecisionRecorder receives every decision for auditing. Implementations must
// not block.
type DecisionRecorder interface {
	RecordDecision(req policy.Request, d policy.Decision, buildID, requestID, ipAddress string) error
}

// AdmissionConfig names the request headers that carry the caller identity
// and the payment amount
type AdmissionConfig struct {
	SubjectHeader string
	AmountHeader  string
}

// AdmissionMiddleware gates requests on the policy engine
type AdmissionMiddleware struct {
	engine Evaluator
	audit  DecisionRecorder
	config AdmissionConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewAdmissionMiddleware creates a new AdmissionMiddleware. audit may be nil.
func NewAdmissionMiddleware(engine Evaluator, audit DecisionRecorder, config AdmissionConfig, logger *zap.Logger) *AdmissionMiddleware {
	return &AdmissionMiddleware{
		engine: engine,
		audit:  audit,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Admit evaluates each request and forwards only admitted ones. An admitted
// request carries its decision in the context.
func (m *AdmissionMiddleware) Admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		subject := strings.TrimSpace(r.Header.Get(m.config.SubjectHeader))
		if subject == "" {
			m.logger.Debug("request without subject",
				zap.String("request_id", requestID),
				zap.String("header", m.config.SubjectHeader))
			m.writeError(w, services.ErrMissingSubject)
			return
		}

		amount, err := m.amount(r)
		if err != nil {
			m.logger.Debug("invalid amount header",
				zap.String("request_id", requestID),
				zap.String("subject_id", subject),
				zap.Error(err))
			m.writeError(w, services.WrapValidation(services.ErrInvalidAmount.Message, err))
			return
		}

		req := policy.Request{
			SubjectID:    subject,
			ResourcePath: r.URL.Path,
			Amount:       amount,
			ObservedAt:   m.now(),
		}
		d := m.engine.Evaluate(req)

		if m.audit != nil {
			_ = m.audit.RecordDecision(req, d, m.engine.Current().BuildID(), requestID, r.RemoteAddr)
		}

		h := w.Header()
		h.Set(HeaderDecision, d.Outcome.String())
		if d.PolicyID != "" {
			h.Set(HeaderPolicyID, d.PolicyID)
		}

		if !d.Allowed() {
			h.Set(HeaderDecisionReason, d.Reason.String())
			m.logger.Debug("request denied",
				zap.String("request_id", requestID),
				zap.String("subject_id", subject),
				zap.String("resource_path", req.ResourcePath),
				zap.Stringer("reason", d.Reason),
				zap.String("policy_id", d.PolicyID))
			m.writeError(w, services.DecisionError(d))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithDecision(ctx, d)))
	})
}

// amount reads the payment amount header. A missing header is a zero amount.
func (m *AdmissionMiddleware) amount(r *http.Request) (decimal.Decimal, error) {
	if m.config.AmountHeader == "" {
		return decimal.Zero, nil
	}
	raw := strings.TrimSpace(r.Header.Get(m.config.AmountHeader))
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

// writeError maps a denial to its status code
func (m *AdmissionMiddleware) writeError(w http.ResponseWriter, err error) {
	message := err.Error()
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		message = domainErr.Message
	}
	details := services.GetErrorDetails(err)
	if len(details) == 0 {
		details = nil
	}

	var werr error
	switch {
	case services.IsValidationError(err):
		werr = utils.WriteBadRequest(w, message, details)
	case services.IsUnauthorizedError(err):
		werr = utils.WriteUnauthorized(w, message)
	case services.IsRateLimitError(err):
		werr = utils.WriteTooManyRequests(w, message, details)
	case services.IsSpendingCapError(err):
		werr = utils.WritePaymentRequired(w, message, details)
	case services.IsUnavailableError(err):
		werr = utils.WriteServiceUnavailable(w, message, details)
	default:
		werr = utils.WriteJSON(w, http.StatusForbidden, utils.ErrorResponse{
			Error:   "forbidden",
			Message: message,
			Details: details,
		})
	}
	if werr != nil {
		m.logger.Error("failed to write admission response", zap.Error(werr))
	}
}
