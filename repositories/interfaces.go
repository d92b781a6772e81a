package repositories

import (
	"context"

	"github.com/upb/paygate/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// AuditRepository is a destination for audit records. Implementations must
// be safe for concurrent use by several audit workers.
type AuditRepository interface {
	// Insert stores one audit log entry
	Insert(ctx context.Context, log *models.AuditLog) error

	// InsertUsage stores one usage snapshot
	InsertUsage(ctx context.Context, records []models.UsageRecord) error

	// Name identifies the sink in logs
	Name() string
}

// Repositories aggregates the configured audit sinks
type Repositories struct {
	AuditLogs   AuditRepository
	AuditStream AuditRepository
}

// AuditSinks returns the configured sinks, skipping unset ones
func (r *Repositories) AuditSinks() []AuditRepository {
	var sinks []AuditRepository
	for _, sink := range []AuditRepository{r.AuditLogs, r.AuditStream} {
		if sink != nil {
			sinks = append(sinks, sink)
		}
	}
	return sinks
}
