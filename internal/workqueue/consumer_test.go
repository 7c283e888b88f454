package workqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unmarklabs/unmark/internal/config"
	"go.uber.org/zap"
)

type recordingFailer struct {
	jobIDs  []snowflake.ID
	reasons []string
}

func (f *recordingFailer) ForceFail(_ context.Context, jobID snowflake.ID, reason string) error {
	f.jobIDs = append(f.jobIDs, jobID)
	f.reasons = append(f.reasons, reason)
	return nil
}

func newTestConsumer(handler Handler, failer Failer) *Consumer {
	return NewConsumer(nil, zap.NewNop(), handler, failer, config.QueueConfig{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
	})
}

func TestDispatch_SuccessFirstAttempt(t *testing.T) {
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	calls := 0
	failer := &recordingFailer{}
	c := newTestConsumer(func(context.Context, Task) error {
		calls++
		return nil
	}, failer)

	c.dispatch(context.Background(), Task{JobID: node.Generate()})
	assert.Equal(t, 1, calls)
	assert.Empty(t, failer.jobIDs)
}

func TestDispatch_RetriesThenSucceeds(t *testing.T) {
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	calls := 0
	failer := &recordingFailer{}
	c := newTestConsumer(func(context.Context, Task) error {
		calls++
		if calls < 3 {
			return errors.New("worker busy")
		}
		return nil
	}, failer)

	c.dispatch(context.Background(), Task{JobID: node.Generate()})
	assert.Equal(t, 3, calls)
	assert.Empty(t, failer.jobIDs, "successful delivery must not force-fail")
}

func TestDispatch_ExhaustionForceFails(t *testing.T) {
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	jobID := node.Generate()

	calls := 0
	failer := &recordingFailer{}
	c := newTestConsumer(func(context.Context, Task) error {
		calls++
		return errors.New("worker down")
	}, failer)

	c.dispatch(context.Background(), Task{JobID: jobID})
	assert.Equal(t, 3, calls)
	require.Len(t, failer.jobIDs, 1)
	assert.Equal(t, jobID, failer.jobIDs[0])
	assert.Contains(t, failer.reasons[0], "delivery failed after 3 attempts")
}

func TestFakeQueue_DedupeByJobID(t *testing.T) {
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	jobID := node.Generate()

	q := NewFake()
	require.NoError(t, q.Enqueue(context.Background(), Task{JobID: jobID}))
	require.NoError(t, q.Enqueue(context.Background(), Task{JobID: jobID}))
	assert.Len(t, q.Pending(), 1)

	removed, err := q.Remove(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = q.Remove(context.Background(), jobID)
	require.NoError(t, err)
	assert.False(t, removed)
}
