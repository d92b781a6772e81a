package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/upb/paygate/models"
)

// LogSink writes audit records to a zap logger. It is the fallback sink
// when no database or stream is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink writing to logger
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

// Insert implements repositories.AuditRepository
func (s *LogSink) Insert(ctx context.Context, log *models.AuditLog) error {
	fields := []zap.Field{
		zap.String("id", log.ID.String()),
		zap.String("action", string(log.Action)),
		zap.Time("timestamp", log.Timestamp),
	}
	if log.SubjectID != "" {
		fields = append(fields,
			zap.String("subject_id", log.SubjectID),
			zap.String("resource", log.Resource),
			zap.String("amount", log.Amount),
			zap.String("outcome", log.Outcome),
			zap.String("policy_id", log.PolicyID))
	}
	if log.Reason != "" {
		fields = append(fields, zap.String("reason", log.Reason))
	}
	if log.BuildID != "" {
		fields = append(fields, zap.String("build_id", log.BuildID))
	}
	if log.RequestID != "" {
		fields = append(fields, zap.String("request_id", log.RequestID))
	}
	if len(log.Details) > 0 {
		fields = append(fields, zap.ByteString("details", log.Details))
	}

	s.logger.Info("audit", fields...)
	return nil
}

// InsertUsage implements repositories.AuditRepository
func (s *LogSink) InsertUsage(ctx context.Context, records []models.UsageRecord) error {
	for _, r := range records {
		s.logger.Info("usage",
			zap.String("policy_id", r.PolicyID),
			zap.String("subject_id", r.SubjectID),
			zap.Int("requests", r.Requests),
			zap.String("spend", r.Spend),
			zap.Bool("orphaned", r.Orphaned),
			zap.Time("collected_at", r.CollectedAt))
	}
	return nil
}

// Name implements repositories.AuditRepository
func (s *LogSink) Name() string { return "log" }
