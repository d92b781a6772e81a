package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/paygate/models"
)

type fakeStream struct {
	calls []*redis.XAddArgs
	err   error
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.calls = append(f.calls, a)
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	return redis.NewStringResult("1-0", nil)
}

func TestAuditStream_Insert(t *testing.T) {
	fake := &fakeStream{}
	sink := NewAuditStream(fake, "paygate:decisions", zap.NewNop(), WithMaxLen(1000))

	log := models.NewAuditLog(models.AuditActionDecision)
	log.SubjectID = "agent-1"
	log.Outcome = "allow"

	require.NoError(t, sink.Insert(context.Background(), log))
	require.Len(t, fake.calls, 1)

	args := fake.calls[0]
	assert.Equal(t, "paygate:decisions", args.Stream)
	assert.Equal(t, int64(1000), args.MaxLen)
	assert.True(t, args.Approx)

	values := args.Values.(map[string]interface{})
	assert.Equal(t, "admission_decision", values["kind"])
	assert.Equal(t, "agent-1", values["subject_id"])

	var decoded models.AuditLog
	require.NoError(t, json.Unmarshal([]byte(values["payload"].(string)), &decoded))
	assert.Equal(t, log.ID, decoded.ID)
	assert.Equal(t, "allow", decoded.Outcome)
}

func TestAuditStream_InsertUsage(t *testing.T) {
	fake := &fakeStream{}
	sink := NewAuditStream(fake, "s", zap.NewNop())

	require.NoError(t, sink.InsertUsage(context.Background(), nil))
	assert.Empty(t, fake.calls)

	records := []models.UsageRecord{{PolicyID: "p", SubjectID: "a", Requests: 1, Spend: "2", CollectedAt: time.Unix(0, 0).UTC()}}
	require.NoError(t, sink.InsertUsage(context.Background(), records))
	require.Len(t, fake.calls, 1)

	args := fake.calls[0]
	assert.Zero(t, args.MaxLen)
	values := args.Values.(map[string]interface{})
	assert.Equal(t, "usage_snapshot", values["kind"])
	assert.Equal(t, 1, values["records"])
}

func TestAuditStream_Error(t *testing.T) {
	fake := &fakeStream{err: errors.New("READONLY")}
	sink := NewAuditStream(fake, "s", zap.NewNop())

	err := sink.Insert(context.Background(), models.NewAuditLog(models.AuditActionPolicyReload))
	assert.ErrorContains(t, err, "xadd s")
	assert.Equal(t, "redis:s", sink.Name())
}
