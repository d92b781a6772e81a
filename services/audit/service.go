package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	engine "github.com/upb/paygate/internal/policy"
	"github.com/upb/paygate/models"
	"github.com/upb/paygate/repositories"
	policysvc "github.com/upb/paygate/services/policy"
)

// ErrBufferFull is returned when an event is dropped because the buffer is full
var ErrBufferFull = errors.New("audit event buffer full")

// ErrNotRunning is returned for events submitted outside Start/Stop
var ErrNotRunning = errors.New("audit service not running")

// AuditEvent is one unit of work for the exporters. Exactly one of Log and
// Usage is set.
type AuditEvent struct {
	Log   *models.AuditLog
	Usage []models.UsageRecord
}

func (e *AuditEvent) action() models.AuditAction {
	if e.Log != nil {
		return e.Log.Action
	}
	return models.AuditActionUsageSnapshot
}

// UsageSource provides window usage snapshots. *engine.Engine implements it.
type UsageSource interface {
	Usage() []engine.Usage
}

// Config holds configuration for the AuditService
type Config struct {
	BufferSize       int           // Size of the event buffer channel
	WorkerCount      int           // Number of concurrent workers
	SnapshotInterval time.Duration // Usage snapshot period; zero disables snapshots
	WriteTimeout     time.Duration // Per-sink write timeout
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:       1000,
		WorkerCount:      2,
		SnapshotInterval: time.Minute,
		WriteTimeout:     5 * time.Second,
	}
}

// AuditService exports decision events, reload events and usage snapshots
// to its sinks in the background. Submitting an event never blocks: when the
// buffer is full the event is dropped and counted.
type AuditService struct {
	sinks  []repositories.AuditRepository
	usage  UsageSource
	onDrop func()
	logger *zap.Logger
	config Config

	eventChan chan *AuditEvent
	wg        sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool

	dropped atomic.Uint64
}

// Option configures an AuditService
type Option func(*AuditService)

// WithUsageSource enables periodic usage snapshots from src
func WithUsageSource(src UsageSource) Option {
	return func(s *AuditService) { s.usage = src }
}

// WithDropHook is called for every dropped event
func WithDropHook(fn func()) Option {
	return func(s *AuditService) { s.onDrop = fn }
}

// NewAuditService creates a new AuditService instance
func NewAuditService(sinks []repositories.AuditRepository, logger *zap.Logger, config Config, opts ...Option) *AuditService {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = defaults.WorkerCount
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	s := &AuditService{
		sinks:     sinks,
		logger:    logger,
		config:    config,
		eventChan: make(chan *AuditEvent, config.BufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the background workers
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}

	for i := 0; i < s.config.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	names := make([]string, 0, len(s.sinks))
	for _, sink := range s.sinks {
		names = append(names, sink.Name())
	}
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.config.WorkerCount),
		zap.Int("buffer_size", s.config.BufferSize),
		zap.Strings("sinks", names))

	return nil
}

// Stop stops accepting events and waits for pending ones to be exported
func (s *AuditService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.stopped = true
	pending := len(s.eventChan)
	close(s.eventChan)
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_events", pending))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// LogEvent queues an event without blocking
func (s *AuditService) LogEvent(event *AuditEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started || s.stopped {
		return ErrNotRunning
	}

	select {
	case s.eventChan <- event:
		return nil
	default:
		s.drop(event)
		return ErrBufferFull
	}
}

func (s *AuditService) drop(event *AuditEvent) {
	s.dropped.Add(1)
	if s.onDrop != nil {
		s.onDrop()
	}
	s.logger.Warn("audit event channel full, dropping event",
		zap.String("action", string(event.action())))
}

// RecordDecision queues an admission decision
func (s *AuditService) RecordDecision(req engine.Request, d engine.Decision, buildID, requestID, ipAddress string) error {
	log := models.NewDecisionLog(req, d).
		WithBuild(buildID).
		WithRequest(requestID, ipAddress)
	if d.Message != "" {
		log.WithDetails(map[string]interface{}{"message": d.Message})
	}
	return s.LogEvent(&AuditEvent{Log: log})
}

// RecordReload queues the outcome of a policy reload. Its signature matches
// policysvc.ReloadHook.
func (s *AuditService) RecordReload(result *policysvc.ReloadResult, err error) {
	var log *models.AuditLog
	if err != nil {
		log = models.NewAuditLog(models.AuditActionReloadFailed).
			WithDetails(map[string]interface{}{"error": err.Error()})
	} else {
		log = models.NewAuditLog(models.AuditActionPolicyReload).
			WithBuild(result.BuildID).
			WithDetails(map[string]interface{}{
				"version":          result.Version,
				"document_version": result.DocumentVersion,
				"policies":         result.Policies,
				"warnings":         len(result.Warnings),
			})
	}
	_ = s.LogEvent(&AuditEvent{Log: log})
}

// SnapshotUsage queues the current usage of every live window cell
func (s *AuditService) SnapshotUsage() error {
	if s.usage == nil {
		return nil
	}
	usage := s.usage.Usage()
	if len(usage) == 0 {
		return nil
	}
	return s.LogEvent(&AuditEvent{Usage: models.NewUsageRecords(usage, time.Now().UTC())})
}

// RunSnapshots takes a usage snapshot every SnapshotInterval until ctx is
// cancelled. It returns immediately when snapshots are disabled.
func (s *AuditService) RunSnapshots(ctx context.Context) error {
	if s.usage == nil || s.config.SnapshotInterval <= 0 {
		return nil
	}

	ticker := time.NewTicker(s.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// A dropped snapshot is counted; the next tick retries.
			_ = s.SnapshotUsage()
		}
	}
}

func (s *AuditService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for event := range s.eventChan {
		for _, sink := range s.sinks {
			if err := s.export(sink, event); err != nil {
				s.logger.Error("failed to export audit event",
					zap.Int("worker_id", id),
					zap.String("sink", sink.Name()),
					zap.String("action", string(event.action())),
					zap.Error(err))
			}
		}
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

func (s *AuditService) export(sink repositories.AuditRepository, event *AuditEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()

	if event.Log != nil {
		return sink.Insert(ctx, event.Log)
	}
	return sink.InsertUsage(ctx, event.Usage)
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int    `json:"buffer_size"`
	PendingEvents int    `json:"pending_events"`
	WorkerCount   int    `json:"worker_count"`
	Started       bool   `json:"started"`
	Dropped       uint64 `json:"dropped"`
}

// GetStats returns statistics about the audit service
func (s *AuditService) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:    s.config.BufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.config.WorkerCount,
		Started:       s.started && !s.stopped,
		Dropped:       s.dropped.Load(),
	}
}
