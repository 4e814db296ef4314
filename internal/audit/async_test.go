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

func TestAsyncLogger_FlushWritesBufferedEntries(t *testing.T) {
	st := store.NewMemStore()
	sync := New(st)
	async := NewAsyncLogger(sync, AsyncConfig{BufferSize: 16, FlushInterval: time.Hour})
	defer async.Close()

	agentID := uuid.NewString()
	async.Log(&types.AccessLog{
		AgentID:  agentID,
		ToolID:   uuid.NewString(),
		Event:    types.EventRequestEvaluated,
		Decision: types.OutcomeAllow,
	})
	async.Flush()

	logs, err := sync.Query(context.Background(), store.AccessLogFilter{AgentID: agentID})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestAsyncLogger_DropsOldestWhenBufferFull(t *testing.T) {
	st := store.NewMemStore()
	sync := New(st)
	async := NewAsyncLogger(sync, AsyncConfig{BufferSize: 2, FlushInterval: time.Hour})
	defer async.Close()

	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	for _, id := range ids {
		async.Log(&types.AccessLog{
			AgentID:  id,
			ToolID:   uuid.NewString(),
			Event:    types.EventRequestEvaluated,
			Decision: types.OutcomeAllow,
		})
	}
	async.Flush()

	// Only the buffer's capacity worth of entries can have survived;
	// the first enqueued entry was evicted to make room.
	logs, err := sync.Query(context.Background(), store.AccessLogFilter{AgentID: ids[0]})
	require.NoError(t, err)
	assert.Empty(t, logs)

	logs, err = sync.Query(context.Background(), store.AccessLogFilter{AgentID: ids[2]})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}
