// Package redisstream exports audit records to a Redis stream.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upb/paygate/models"
)

// StreamAdder is the subset of the Redis client used by AuditStream.
// *redis.Client implements it.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// AuditStream implements repositories.AuditRepository on a Redis stream.
// Each record becomes one stream entry with a "kind" field and a JSON
// "payload" field.
type AuditStream struct {
	rdb    StreamAdder
	stream string
	maxLen int64
	logger *zap.Logger
}

// Option configures an AuditStream.
type Option func(*AuditStream)

// WithMaxLen caps the stream length. Trimming is approximate.
func WithMaxLen(n int64) Option {
	return func(s *AuditStream) { s.maxLen = n }
}

// NewAuditStream creates a sink appending to stream.
func NewAuditStream(rdb StreamAdder, stream string, logger *zap.Logger, opts ...Option) *AuditStream {
	s := &AuditStream{
		rdb:    rdb,
		stream: stream,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewClient connects to addr and verifies the connection.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// Insert appends one audit log entry.
func (s *AuditStream) Insert(ctx context.Context, log *models.AuditLog) error {
	payload, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to encode audit log: %w", err)
	}

	values := map[string]interface{}{
		"kind":    string(log.Action),
		"id":      log.ID.String(),
		"payload": string(payload),
	}
	if log.SubjectID != "" {
		values["subject_id"] = log.SubjectID
	}
	return s.add(ctx, values)
}

// InsertUsage appends a usage snapshot as a single entry.
func (s *AuditStream) InsertUsage(ctx context.Context, records []models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode usage snapshot: %w", err)
	}
	return s.add(ctx, map[string]interface{}{
		"kind":    string(models.AuditActionUsageSnapshot),
		"records": len(records),
		"payload": string(payload),
	})
}

func (s *AuditStream) add(ctx context.Context, values map[string]interface{}) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	id, err := s.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	s.logger.Debug("audit entry streamed", zap.String("stream", s.stream), zap.String("entry_id", id))
	return nil
}

// Name implements repositories.AuditRepository.
func (s *AuditStream) Name() string { return "redis:" + s.stream }
