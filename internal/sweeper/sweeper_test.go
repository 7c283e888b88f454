package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unmarklabs/unmark/internal/clock"
	"github.com/unmarklabs/unmark/internal/config"
	jobdomain "github.com/unmarklabs/unmark/internal/job/domain"
	"go.uber.org/zap"
)

type stubJobService struct {
	jobdomain.Service

	stale        []jobdomain.Job
	staleErr     error
	forceFailed  []snowflake.ID
	forceFailErr map[snowflake.ID]error
}

func (s *stubJobService) StaleJobs(_ context.Context, _ time.Duration) ([]jobdomain.Job, error) {
	return s.stale, s.staleErr
}

func (s *stubJobService) ForceFail(_ context.Context, jobID snowflake.ID, _ string) error {
	if err := s.forceFailErr[jobID]; err != nil {
		return err
	}
	s.forceFailed = append(s.forceFailed, jobID)
	return nil
}

func newTestSweeper(t *testing.T, stub *stubJobService) *Sweeper {
	t.Helper()
	s, err := New(Params{
		Log:    zap.NewNop(),
		Clock:  clock.NewFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)),
		JobSvc: stub,
		Config: config.Config{Sweeper: config.SweeperConfig{
			RunInterval:    time.Minute,
			StaleThreshold: 10 * time.Minute,
		}},
	})
	require.NoError(t, err)
	return s
}

func TestRunOnce_ForceFailsEveryStaleJob(t *testing.T) {
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	a, b := node.Generate(), node.Generate()
	stub := &stubJobService{stale: []jobdomain.Job{{ID: a}, {ID: b}}}

	s := newTestSweeper(t, stub)
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, []snowflake.ID{a, b}, stub.forceFailed)
}

func TestRunOnce_NoStaleJobsIsQuiet(t *testing.T) {
	stub := &stubJobService{}
	s := newTestSweeper(t, stub)
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Empty(t, stub.forceFailed)
}

func TestRunOnce_OneFailureDoesNotStopTheSweep(t *testing.T) {
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	poisoned, healthy := node.Generate(), node.Generate()
	stub := &stubJobService{
		stale:        []jobdomain.Job{{ID: poisoned}, {ID: healthy}},
		forceFailErr: map[snowflake.ID]error{poisoned: errors.New("db locked")},
	}

	s := newTestSweeper(t, stub)
	err = s.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []snowflake.ID{healthy}, stub.forceFailed)
}

func TestRunOnce_QueryErrorPropagates(t *testing.T) {
	stub := &stubJobService{staleErr: errors.New("db down")}
	s := newTestSweeper(t, stub)
	assert.Error(t, s.RunOnce(context.Background()))
}

func TestNew_RejectsMissingDeps(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
