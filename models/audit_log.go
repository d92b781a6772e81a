package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/upb/paygate/internal/policy"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionDecision      AuditAction = "admission_decision"
	AuditActionPolicyReload  AuditAction = "policy_reload"
	AuditActionReloadFailed  AuditAction = "policy_reload_failed"
	AuditActionUsageSnapshot AuditAction = "usage_snapshot"
)

// AuditLog represents an audit trail entry
type AuditLog struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	Action    AuditAction     `json:"action" db:"action"`
	SubjectID string          `json:"subject_id,omitempty" db:"subject_id"`
	Resource  string          `json:"resource,omitempty" db:"resource"`
	Amount    string          `json:"amount,omitempty" db:"amount"`
	Outcome   string          `json:"outcome,omitempty" db:"outcome"`
	Reason    string          `json:"reason,omitempty" db:"reason"`
	PolicyID  string          `json:"policy_id,omitempty" db:"policy_id"`
	BuildID   string          `json:"build_id,omitempty" db:"build_id"`
	Details   json.RawMessage `json:"details,omitempty" db:"details"` // JSONB for flexible metadata
	RequestID string          `json:"request_id,omitempty" db:"request_id"`
	IPAddress string          `json:"ip_address,omitempty" db:"ip_address"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}

// NewAuditLog creates a new AuditLog instance
func NewAuditLog(action AuditAction) *AuditLog {
	return &AuditLog{
		ID:        uuid.New(),
		Action:    action,
		Timestamp: time.Now().UTC(),
	}
}

// NewDecisionLog records the outcome of one admission check
func NewDecisionLog(req policy.Request, d policy.Decision) *AuditLog {
	a := NewAuditLog(AuditActionDecision)
	a.SubjectID = req.SubjectID
	a.Resource = req.ResourcePath
	a.Amount = req.Amount.String()
	a.Outcome = d.Outcome.String()
	a.PolicyID = d.PolicyID
	if !d.Allowed() {
		a.Reason = d.Reason.String()
	}
	return a
}

// WithBuild sets the policy set build the decision was made against
func (a *AuditLog) WithBuild(buildID string) *AuditLog {
	a.BuildID = buildID
	return a
}

// WithDetails sets the details
func (a *AuditLog) WithDetails(details interface{}) *AuditLog {
	if data, err := json.Marshal(details); err == nil {
		a.Details = data
	}
	return a
}

// WithRequest sets request metadata
func (a *AuditLog) WithRequest(requestID, ipAddress string) *AuditLog {
	a.RequestID = requestID
	a.IPAddress = ipAddress
	return a
}

// UsageRecord is one row of a periodic window usage export
type UsageRecord struct {
	PolicyID    string    `json:"policy_id" db:"policy_id"`
	SubjectID   string    `json:"subject_id" db:"subject_id"`
	Requests    int       `json:"requests" db:"requests"`
	Spend       string    `json:"spend" db:"spend"`
	Orphaned    bool      `json:"orphaned,omitempty" db:"orphaned"`
	CollectedAt time.Time `json:"collected_at" db:"collected_at"`
}

// TableName returns the table name for the UsageRecord model
func (UsageRecord) TableName() string {
	return "usage_snapshots"
}

// NewUsageRecords converts an engine usage snapshot into records
func NewUsageRecords(usage []policy.Usage, at time.Time) []UsageRecord {
	records := make([]UsageRecord, 0, len(usage))
	for _, u := range usage {
		records = append(records, UsageRecord{
			PolicyID:    u.PolicyID,
			SubjectID:   u.SubjectID,
			Requests:    u.Requests,
			Spend:       u.Spend.String(),
			Orphaned:    u.Orphaned,
			CollectedAt: at,
		})
	}
	return records
}
