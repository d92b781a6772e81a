package postgres

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/upb/paygate/models"
	"github.com/upb/paygate/repositories"
)

// AuditRepository implements repositories.AuditRepository on PostgreSQL
type AuditRepository struct {
	db     *DB
	tm     repositories.TransactionManager
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		tm:     NewTransactionManager(db, logger),
		logger: logger,
	}
}

const insertAuditLog = `
	INSERT INTO audit_logs (
		id, action, subject_id, resource, amount, outcome, reason,
		policy_id, build_id, details, request_id, ip_address, timestamp
	) VALUES (
		$1, $2, $3, $4, NULLIF($5, '')::numeric, $6, $7, $8, $9, $10, $11, $12, $13
	)
`

// Insert inserts a new audit log entry
func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	var details interface{}
	if len(log.Details) > 0 {
		details = []byte(log.Details)
	}

	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, insertAuditLog,
		log.ID,
		log.Action,
		log.SubjectID,
		log.Resource,
		log.Amount,
		log.Outcome,
		log.Reason,
		log.PolicyID,
		log.BuildID,
		details,
		log.RequestID,
		log.IPAddress,
		log.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	r.logger.Debug("audit log inserted", zap.String("id", log.ID.String()), zap.String("action", string(log.Action)))
	return nil
}

const insertUsageRecord = `
	INSERT INTO usage_snapshots (policy_id, subject_id, requests, spend, orphaned, collected_at)
	VALUES ($1, $2, $3, $4::numeric, $5, $6)
`

// InsertUsage stores a snapshot in one transaction, so a snapshot is either
// stored whole or not at all.
func (r *AuditRepository) InsertUsage(ctx context.Context, records []models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	err := r.tm.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		executor := GetExecutor(ctx, r.db)
		for _, rec := range records {
			if _, err := executor.ExecContext(ctx, insertUsageRecord,
				rec.PolicyID,
				rec.SubjectID,
				rec.Requests,
				rec.Spend,
				rec.Orphaned,
				rec.CollectedAt,
			); err != nil {
				return fmt.Errorf("failed to insert usage record for policy %s: %w", rec.PolicyID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug("usage snapshot inserted", zap.Int("records", len(records)))
	return nil
}

// Name implements repositories.AuditRepository
func (r *AuditRepository) Name() string { return "postgres" }
