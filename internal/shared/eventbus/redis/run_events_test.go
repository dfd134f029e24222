package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mlrun-admin/internal/shared/eventbus"
)

func TestRunEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	started := &eventbus.RunEvent{Type: eventbus.EventRunStarted, Payload: map[string]any{"worker": "gpu-1"}}
	require.NoError(t, s.PublishRunEvent(ctx, "run-1", started))
	assert.NotEmpty(t, started.ID)
	require.NoError(t, s.PublishRunEvent(ctx, "run-1", &eventbus.RunEvent{
		Type:    eventbus.EventRunFinished,
		Payload: map[string]any{"success": true},
	}))

	n, err := s.GetRunEventCount(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	all, err := s.GetRunEvents(ctx, "run-1", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, eventbus.EventRunStarted, all[0].Type)
	assert.Equal(t, "gpu-1", all[0].Payload["worker"])
	assert.Equal(t, true, all[1].Payload["success"])

	after, err := s.GetRunEvents(ctx, "run-1", started.ID, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, eventbus.EventRunFinished, after[0].Type)

	require.NoError(t, s.DeleteRunEvents(ctx, "run-1"))
	n, err = s.GetRunEventCount(ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
