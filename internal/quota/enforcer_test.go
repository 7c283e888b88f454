package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unmarklabs/unmark/internal/clock"
	"github.com/unmarklabs/unmark/internal/config"
	jobdomain "github.com/unmarklabs/unmark/internal/job/domain"
	"github.com/unmarklabs/unmark/internal/plan"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestEnforcer(t *testing.T, failOpen bool) (*Enforcer, *FakeCounterStore, *gorm.DB, *clock.FakeClock, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&jobdomain.Job{}))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	counters := NewFakeCounterStore()

	e := NewEnforcer(EnforcerParam{
		DB:       db,
		Log:      zap.NewNop(),
		Clock:    clk,
		Counters: counters,
		Config:   config.Config{Quota: config.QuotaConfig{FailOpen: failOpen}},
	})
	return e, counters, db, clk, node
}

func freePlan(t *testing.T) plan.Plan {
	t.Helper()
	p, err := plan.CatalogFor(plan.TierFree)
	require.NoError(t, err)
	return p
}

func TestCheck_DailyLimitAllowsExactlyLimit(t *testing.T) {
	e, _, _, clk, node := newTestEnforcer(t, false)
	ctx := context.Background()
	userID := node.Generate()
	p := freePlan(t)

	for i := 0; i < p.DailyJobLimit; i++ {
		decision, err := e.Check(ctx, userID, p)
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "admission %d of %d", i+1, p.DailyJobLimit)
		require.NoError(t, e.IncrementUsage(ctx, userID))
		e.DecrementConcurrent(ctx, userID)
	}

	decision, err := e.Check(ctx, userID, p)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, DenyDaily, decision.Reason)
	assert.Equal(t, p.DailyJobLimit, decision.Limit)
	assert.Equal(t, p.DailyJobLimit, decision.Used)
	assert.True(t, decision.ResetAt.After(clk.Now()))
	assert.Zero(t, decision.ResetAt.Hour(), "daily window resets at midnight")
}

func TestCheck_ConcurrentBeforeDaily(t *testing.T) {
	e, counters, _, _, node := newTestEnforcer(t, false)
	ctx := context.Background()
	userID := node.Generate()
	p := freePlan(t)

	counters.Set(userID, Usage{Daily: p.DailyJobLimit, Concurrent: p.ConcurrentJobLimit})

	decision, err := e.Check(ctx, userID, p)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, DenyConcurrent, decision.Reason, "concurrent limit is evaluated first")
}

func TestCheck_MonthlyLimit(t *testing.T) {
	e, counters, _, _, node := newTestEnforcer(t, false)
	ctx := context.Background()
	userID := node.Generate()
	p := freePlan(t)

	counters.Set(userID, Usage{Monthly: p.MonthlyJobLimit})

	decision, err := e.Check(ctx, userID, p)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, DenyMonthly, decision.Reason)
	assert.Equal(t, 1, decision.ResetAt.Day(), "monthly window resets on the first")
	assert.True(t, decision.ResetAt.After(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)))
}

func TestCheck_UnlimitedSentinelAlwaysPasses(t *testing.T) {
	e, counters, _, _, node := newTestEnforcer(t, false)
	ctx := context.Background()
	userID := node.Generate()

	p, err := plan.CatalogFor(plan.TierEnterprise)
	require.NoError(t, err)
	counters.Set(userID, Usage{Daily: 100000, Monthly: 100000})

	decision, err := e.Check(ctx, userID, p)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCheck_FallbackCountsJobRows(t *testing.T) {
	e, counters, db, clk, node := newTestEnforcer(t, false)
	ctx := context.Background()
	userID := node.Generate()
	p := freePlan(t)

	counters.Err = errors.New("counter store down")

	now := clk.Now()
	rows := []jobdomain.Job{
		{ID: node.Generate(), UserID: userID, Status: jobdomain.StatusCompleted, Platform: "tiktok", ProcessingMode: jobdomain.ModeInpaint, InputRef: "a", CreatedAt: now.Add(-time.Hour), UpdatedAt: now},
		{ID: node.Generate(), UserID: userID, Status: jobdomain.StatusProcessing, Platform: "tiktok", ProcessingMode: jobdomain.ModeInpaint, InputRef: "b", CreatedAt: now.Add(-30 * time.Minute), UpdatedAt: now},
		{ID: node.Generate(), UserID: userID, Status: jobdomain.StatusQueued, Platform: "tiktok", ProcessingMode: jobdomain.ModeInpaint, InputRef: "c", CreatedAt: now.Add(-5 * time.Minute), UpdatedAt: now},
		// Yesterday's job counts toward monthly only.
		{ID: node.Generate(), UserID: userID, Status: jobdomain.StatusCompleted, Platform: "tiktok", ProcessingMode: jobdomain.ModeInpaint, InputRef: "d", CreatedAt: now.Add(-26 * time.Hour), UpdatedAt: now},
	}
	require.NoError(t, db.Create(&rows).Error)

	decision, err := e.Check(ctx, userID, p)
	require.NoError(t, err)
	assert.False(t, decision.Allowed, "three jobs today hits the free daily limit")
	assert.Equal(t, DenyDaily, decision.Reason)
	assert.Equal(t, 3, decision.Used)
}

func TestCheck_FailOpenWhenAllSourcesDown(t *testing.T) {
	e, counters, db, _, node := newTestEnforcer(t, true)
	ctx := context.Background()
	userID := node.Generate()

	counters.Err = errors.New("counter store down")
	// Dropping the table makes the fallback count query fail too.
	require.NoError(t, db.Migrator().DropTable(&jobdomain.Job{}))

	decision, err := e.Check(ctx, userID, freePlan(t))
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "availability wins when every source is down")
}

func TestCheck_FailClosedWhenConfigured(t *testing.T) {
	e, counters, db, _, node := newTestEnforcer(t, false)
	ctx := context.Background()
	userID := node.Generate()

	counters.Err = errors.New("counter store down")
	require.NoError(t, db.Migrator().DropTable(&jobdomain.Job{}))

	_, err := e.Check(ctx, userID, freePlan(t))
	assert.Error(t, err)
}

func TestDecrementConcurrent_FloorsAtZero(t *testing.T) {
	e, counters, _, _, node := newTestEnforcer(t, false)
	ctx := context.Background()
	userID := node.Generate()

	e.DecrementConcurrent(ctx, userID)
	usage, err := counters.Usage(ctx, userID, time.Now())
	require.NoError(t, err)
	assert.Zero(t, usage.Concurrent)
}
