package postgres

import (
	"context"

	"go.uber.org/zap"

	"github.com/upb/paygate/config"
)

// RepositoryFactory owns the audit database pool
type RepositoryFactory struct {
	db     *DB
	logger *zap.Logger
}

// NewRepositoryFactory connects to the audit database
func NewRepositoryFactory(cfg config.DatabaseConfig, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &RepositoryFactory{db: db, logger: logger}, nil
}

// InitSchema creates the audit tables
func (f *RepositoryFactory) InitSchema(ctx context.Context) error {
	return f.db.InitAuditSchema(ctx)
}

// AuditRepository returns the Postgres audit sink
func (f *RepositoryFactory) AuditRepository() *AuditRepository {
	return NewAuditRepository(f.db, f.logger)
}

// HealthCheck pings the audit database
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	return f.db.HealthCheck(ctx)
}

// Close closes the database connection
func (f *RepositoryFactory) Close() error {
	return f.db.Close()
}
