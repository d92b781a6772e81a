package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/paygate/internal/policy"
	"github.com/upb/paygate/models"
)

func setupAuditRepository(t *testing.T) (*AuditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewAuditRepository(Wrap(db, zap.NewNop()), zap.NewNop()), mock
}

func TestAuditRepository_Insert(t *testing.T) {
	repo, mock := setupAuditRepository(t)

	log := models.NewDecisionLog(policy.Request{
		SubjectID:    "agent-1",
		ResourcePath: "/api/search",
		Amount:       decimal.RequireFromString("0.25"),
	}, policy.Decision{Outcome: policy.OutcomeDeny, Reason: policy.ReasonSpendingCapExceeded, PolicyID: "agents"})
	log.WithBuild("build-1").WithRequest("req-1", "10.0.0.1")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WithArgs(
			log.ID,
			string(models.AuditActionDecision),
			"agent-1",
			"/api/search",
			"0.25",
			"deny",
			"spending_cap_exceeded",
			"agents",
			"build-1",
			nil,
			"req-1",
			"10.0.0.1",
			log.Timestamp,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Insert(context.Background(), log))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepository_InsertError(t *testing.T) {
	repo, mock := setupAuditRepository(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WillReturnError(errors.New("connection reset"))

	err := repo.Insert(context.Background(), models.NewAuditLog(models.AuditActionPolicyReload))
	assert.ErrorContains(t, err, "failed to insert audit log")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepository_InsertUsage(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []models.UsageRecord{
		{PolicyID: "agents", SubjectID: "a", Requests: 2, Spend: "1.5", CollectedAt: at},
		{PolicyID: "agents", SubjectID: "b", Requests: 1, Spend: "0", CollectedAt: at},
	}

	t.Run("commits the whole snapshot", func(t *testing.T) {
		repo, mock := setupAuditRepository(t)

		mock.ExpectBegin()
		for _, rec := range records {
			mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_snapshots")).
				WithArgs(rec.PolicyID, rec.SubjectID, rec.Requests, rec.Spend, false, at).
				WillReturnResult(sqlmock.NewResult(0, 1))
		}
		mock.ExpectCommit()

		require.NoError(t, repo.InsertUsage(context.Background(), records))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		repo, mock := setupAuditRepository(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_snapshots")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_snapshots")).
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err := repo.InsertUsage(context.Background(), records)
		assert.ErrorContains(t, err, "disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty snapshot is a no-op", func(t *testing.T) {
		repo, mock := setupAuditRepository(t)

		require.NoError(t, repo.InsertUsage(context.Background(), nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDB_InitAuditSchemaAndHealthCheck(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()
	db := Wrap(sqlDB, zap.NewNop())

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS audit_logs")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("down"))

	require.NoError(t, db.InitAuditSchema(context.Background()))
	require.NoError(t, db.HealthCheck(context.Background()))
	assert.ErrorContains(t, db.HealthCheck(context.Background()), "health check failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}
