package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	engine "github.com/upb/paygate/internal/policy"
	"github.com/upb/paygate/models"
	"github.com/upb/paygate/repositories"
	policysvc "github.com/upb/paygate/services/policy"
)

// recordingSink is an in-memory AuditRepository
type recordingSink struct {
	mu      sync.Mutex
	logs    []*models.AuditLog
	usage   [][]models.UsageRecord
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (r *recordingSink) Insert(ctx context.Context, log *models.AuditLog) error {
	if r.block != nil {
		r.entered <- struct{}{}
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return r.err
}

func (r *recordingSink) InsertUsage(ctx context.Context, records []models.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = append(r.usage, records)
	return r.err
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Logs() []*models.AuditLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.AuditLog(nil), r.logs...)
}

type staticUsage []engine.Usage

func (s staticUsage) Usage() []engine.Usage { return s }

func newService(t *testing.T, sinks []repositories.AuditRepository, config Config, opts ...Option) *AuditService {
	t.Helper()
	service := NewAuditService(sinks, zap.NewNop(), config, opts...)
	require.NoError(t, service.Start())
	return service
}

func TestAuditService_StartStop(t *testing.T) {
	service := NewAuditService(nil, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 2})

	assert.ErrorIs(t, service.LogEvent(&AuditEvent{Log: models.NewAuditLog(models.AuditActionPolicyReload)}), ErrNotRunning)

	require.NoError(t, service.Start())
	stats := service.GetStats()
	assert.True(t, stats.Started)
	assert.Equal(t, 2, stats.WorkerCount)
	assert.Equal(t, 10, stats.BufferSize)

	assert.Error(t, service.Start())

	require.NoError(t, service.Stop(time.Second))
	assert.False(t, service.GetStats().Started)
	assert.ErrorIs(t, service.Stop(time.Second), ErrNotRunning)
	assert.ErrorIs(t, service.LogEvent(&AuditEvent{Log: models.NewAuditLog(models.AuditActionPolicyReload)}), ErrNotRunning)
}

func TestAuditService_ExportsToEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{err: errors.New("sink down")}
	service := newService(t, []repositories.AuditRepository{a, b}, Config{BufferSize: 10, WorkerCount: 1})

	req := engine.Request{SubjectID: "agent-1", ResourcePath: "/api/search", Amount: decimal.NewFromInt(2)}
	d := engine.Decision{Outcome: engine.OutcomeDeny, Reason: engine.ReasonExplicitDeny, PolicyID: "block", Message: "closed"}
	require.NoError(t, service.RecordDecision(req, d, "build-1", "req-1", "10.0.0.1"))

	require.NoError(t, service.Stop(time.Second))

	for _, sink := range []*recordingSink{a, b} {
		logs := sink.Logs()
		require.Len(t, logs, 1)
		assert.Equal(t, models.AuditActionDecision, logs[0].Action)
		assert.Equal(t, "explicit_deny", logs[0].Reason)
		assert.Equal(t, "build-1", logs[0].BuildID)
		assert.Equal(t, "req-1", logs[0].RequestID)
		assert.JSONEq(t, `{"message":"closed"}`, string(logs[0].Details))
	}
}

func TestAuditService_DropsWhenFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	var drops int
	service := newService(t, []repositories.AuditRepository{sink}, Config{BufferSize: 1, WorkerCount: 1},
		WithDropHook(func() { drops++ }))

	event := func() *AuditEvent { return &AuditEvent{Log: models.NewAuditLog(models.AuditActionPolicyReload)} }

	// The worker holds the first event; the second fills the buffer.
	require.NoError(t, service.LogEvent(event()))
	<-sink.entered
	require.NoError(t, service.LogEvent(event()))

	assert.ErrorIs(t, service.LogEvent(event()), ErrBufferFull)
	assert.Equal(t, 1, drops)
	assert.Equal(t, uint64(1), service.GetStats().Dropped)

	close(sink.block)
	require.NoError(t, service.Stop(time.Second))
	assert.Len(t, sink.Logs(), 2)
}

func TestAuditService_RecordReload(t *testing.T) {
	sink := &recordingSink{}
	service := newService(t, []repositories.AuditRepository{sink}, Config{BufferSize: 10, WorkerCount: 1})

	service.RecordReload(&policysvc.ReloadResult{Version: 4, BuildID: "b4", Policies: 3}, nil)
	service.RecordReload(nil, errors.New("bad document"))
	require.NoError(t, service.Stop(time.Second))

	logs := sink.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, models.AuditActionPolicyReload, logs[0].Action)
	assert.Equal(t, "b4", logs[0].BuildID)
	assert.JSONEq(t, `{"version":4,"document_version":0,"policies":3,"warnings":0}`, string(logs[0].Details))
	assert.Equal(t, models.AuditActionReloadFailed, logs[1].Action)
	assert.JSONEq(t, `{"error":"bad document"}`, string(logs[1].Details))
}

func TestAuditService_SnapshotUsage(t *testing.T) {
	sink := &recordingSink{}
	usage := staticUsage{
		{PolicyID: "agents", SubjectID: "a", Requests: 2, Spend: decimal.RequireFromString("1.50")},
	}
	service := newService(t, []repositories.AuditRepository{sink}, Config{BufferSize: 10, WorkerCount: 1},
		WithUsageSource(usage))

	require.NoError(t, service.SnapshotUsage())
	require.NoError(t, service.Stop(time.Second))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.usage, 1)
	require.Len(t, sink.usage[0], 1)
	assert.Equal(t, "agents", sink.usage[0][0].PolicyID)
	assert.Equal(t, "1.5", sink.usage[0][0].Spend)
}

func TestAuditService_SnapshotWithoutUsageIsNoop(t *testing.T) {
	sink := &recordingSink{}
	service := newService(t, []repositories.AuditRepository{sink}, Config{BufferSize: 10, WorkerCount: 1},
		WithUsageSource(staticUsage(nil)))

	require.NoError(t, service.SnapshotUsage())
	require.NoError(t, service.Stop(time.Second))
	assert.Empty(t, sink.usage)
}

func TestAuditService_RunSnapshots(t *testing.T) {
	sink := &recordingSink{}
	usage := staticUsage{{PolicyID: "p", SubjectID: "s", Requests: 1}}
	service := newService(t, []repositories.AuditRepository{sink}, Config{BufferSize: 10, WorkerCount: 1, SnapshotInterval: 10 * time.Millisecond},
		WithUsageSource(usage))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.RunSnapshots(ctx) }()

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.usage) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, service.Stop(time.Second))
}

func TestAuditService_RunSnapshotsDisabled(t *testing.T) {
	service := NewAuditService(nil, zap.NewNop(), Config{})
	assert.NoError(t, service.RunSnapshots(context.Background()))
}

func TestLogSink(t *testing.T) {
	core, observed := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	log := models.NewAuditLog(models.AuditActionDecision)
	log.SubjectID = "agent-1"
	log.Reason = "rate_limit_exceeded"
	require.NoError(t, sink.Insert(context.Background(), log))
	require.NoError(t, sink.InsertUsage(context.Background(), []models.UsageRecord{{PolicyID: "p", SubjectID: "s"}}))

	entries := observed.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, "audit", entries[0].Message)
	assert.Equal(t, "audit", entries[0].LoggerName)
	assert.Equal(t, "rate_limit_exceeded", entries[0].ContextMap()["reason"])
	assert.Equal(t, "usage", entries[1].Message)
	assert.Equal(t, "log", sink.Name())
}
