package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mlrun-admin/internal/shared/queue"
)

func newTestQueue(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewStoreFromClient(client, WithMaxLen(10), WithStatusTTL(time.Hour))
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestPublishAndConsume(t *testing.T) {
	s, mr := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, s.CreateWorkerConsumerGroup(ctx, "gpu-1"))
	// 重复创建不报错
	require.NoError(t, s.CreateWorkerConsumerGroup(ctx, "gpu-1"))

	msgID, err := s.PublishCommand(ctx, "gpu-1", &queue.CommandMessage{Handle: "h1", RunID: "run-1", Command: "echo hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)
	assert.True(t, mr.Exists("workers:gpu-1:commands"))

	n, err := s.GetCommandQueueLength(ctx, "gpu-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	st, err := s.GetStatus(ctx, "h1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, queue.CommandPending, st.State)
	assert.False(t, st.State.IsTerminal())

	msgs, err := s.ConsumeCommands(ctx, "gpu-1", "c1", 10, -1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "h1", msgs[0].Handle)
	assert.Equal(t, "run-1", msgs[0].RunID)
	assert.Equal(t, "echo hi", msgs[0].Command)
	assert.False(t, msgs[0].EnqueuedAt.IsZero())
	require.NoError(t, s.AckCommand(ctx, "gpu-1", msgs[0].ID))

	// 已消费，不会再次投递
	msgs, err = s.ConsumeCommands(ctx, "gpu-1", "c1", 10, -1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestReportStatus(t *testing.T) {
	s, mr := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, s.ReportStatus(ctx, &queue.CommandStatus{
		Handle:   "h2",
		State:    queue.CommandFailed,
		ExitCode: 3,
		Stdout:   "out",
		Stderr:   "boom",
	}))
	assert.True(t, mr.TTL("commands:h2") > 0)

	st, err := s.GetStatus(ctx, "h2")
	require.NoError(t, err)
	assert.Equal(t, queue.CommandFailed, st.State)
	assert.True(t, st.State.IsTerminal())
	assert.Equal(t, 3, st.ExitCode)
	assert.Equal(t, "boom", st.Stderr)

	missing, err := s.GetStatus(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
