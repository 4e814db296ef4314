package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolbroker/broker/internal/store"
	"github.com/toolbroker/broker/pkg/types"
)

func TestLogEvent_FillsIDAndTimestamp(t *testing.T) {
	st := store.NewMemStore()
	a := New(st)

	entry := &types.AccessLog{
		AgentID:  uuid.NewString(),
		ToolID:   uuid.NewString(),
		Event:    types.EventRequestEvaluated,
		Decision: types.OutcomeDeny,
	}
	require.NoError(t, a.LogEvent(context.Background(), entry))
	assert.NotEmpty(t, entry.LogID)
	assert.False(t, entry.Timestamp.IsZero())
}

func TestLogEvent_PreservesCallerSuppliedIDAndTimestamp(t *testing.T) {
	st := store.NewMemStore()
	a := New(st)

	ts := time.Now().Add(-time.Hour)
	entry := &types.AccessLog{
		LogID:     "caller-assigned-id",
		Timestamp: ts,
		AgentID:   uuid.NewString(),
		ToolID:    uuid.NewString(),
		Event:     types.EventRequestEvaluated,
		Decision:  types.OutcomeAllow,
	}
	require.NoError(t, a.LogEvent(context.Background(), entry))
	assert.Equal(t, "caller-assigned-id", entry.LogID)
	assert.True(t, ts.Equal(entry.Timestamp))
}

func TestLogEvent_RejectsCredentialIssuedWithoutCredentialID(t *testing.T) {
	st := store.NewMemStore()
	a := New(st)

	entry := &types.AccessLog{
		AgentID:  uuid.NewString(),
		ToolID:   uuid.NewString(),
		Event:    types.EventCredentialIssued,
		Decision: types.OutcomeAllow,
	}
	err := a.LogEvent(context.Background(), entry)
	require.Error(t, err)

	logs, qerr := st.QueryAccessLogs(context.Background(), store.AccessLogFilter{AgentID: entry.AgentID})
	require.NoError(t, qerr)
	assert.Empty(t, logs, "a rejected entry must never reach the store")
}

func TestLogEvent_RejectsMissingDecision(t *testing.T) {
	st := store.NewMemStore()
	a := New(st)

	entry := &types.AccessLog{
		AgentID: uuid.NewString(),
		ToolID:  uuid.NewString(),
		Event:   types.EventRequestEvaluated,
	}
	err := a.LogEvent(context.Background(), entry)
	assert.Error(t, err)
}

func TestLogEvent_AcceptsCredentialIssuedWithCredentialID(t *testing.T) {
	st := store.NewMemStore()
	a := New(st)

	credID := uuid.NewString()
	entry := &types.AccessLog{
		AgentID:      uuid.NewString(),
		ToolID:       uuid.NewString(),
		Event:        types.EventCredentialIssued,
		Decision:     types.OutcomeAllow,
		CredentialID: &credID,
	}
	require.NoError(t, a.LogEvent(context.Background(), entry))
}

func TestLogEvent_FailsClosedWhenStoreAppendFails(t *testing.T) {
	a := New(failingStore{})

	entry := &types.AccessLog{
		AgentID:  uuid.NewString(),
		ToolID:   uuid.NewString(),
		Event:    types.EventRequestEvaluated,
		Decision: types.OutcomeDeny,
	}
	err := a.LogEvent(context.Background(), entry)
	require.Error(t, err, "a persistence failure must surface, not be swallowed")
}

func TestLogEvent_PropagatesThroughAmbientTransaction(t *testing.T) {
	st := store.NewMemStore()
	a := New(st)

	agentID := uuid.NewString()
	toolID := uuid.NewString()
	err := st.WithTransaction(context.Background(), func(txCtx context.Context) error {
		return a.LogEvent(txCtx, &types.AccessLog{
			AgentID:  agentID,
			ToolID:   toolID,
			Event:    types.EventRateLimited,
			Decision: types.OutcomeDeny,
		})
	})
	require.NoError(t, err)

	logs, err := a.Query(context.Background(), store.AccessLogFilter{AgentID: agentID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, types.EventRateLimited, logs[0].Event)
}

// failingStore is a minimal store.Store whose AppendAccessLog always
// errors, used to prove LogEvent never swallows a persistence failure.
type failingStore struct {
	store.Store
}

func (failingStore) AppendAccessLog(ctx context.Context, entry *types.AccessLog) error {
	return assert.AnError
}
