package quota

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/unmarklabs/unmark/internal/clock"
	"github.com/unmarklabs/unmark/internal/config"
	jobdomain "github.com/unmarklabs/unmark/internal/job/domain"
	obsmetrics "github.com/unmarklabs/unmark/internal/observability/metrics"
	"github.com/unmarklabs/unmark/internal/plan"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DenyReason names the limit a denied request hit.
type DenyReason string

const (
	DenyConcurrent DenyReason = "concurrent"
	DenyDaily      DenyReason = "daily"
	DenyMonthly    DenyReason = "monthly"
)

// Decision is the enforcer verdict. Denied decisions carry enough detail
// for the caller to act: the limit, current usage and when it resets.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	Limit   int
	Used    int
	ResetAt time.Time
}

type usageSource string

const (
	sourceCounters usageSource = "counters"
	sourceFallback usageSource = "fallback"
	sourceFailOpen usageSource = "fail_open"
)

type EnforcerParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Counters CounterStore
	Config   config.Config
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

// Enforcer evaluates plan limits against the counter store, falling back to
// counting job rows when the store is unavailable. The check path is
// side-effect free; callers increment usage as a separate step after
// admission, which tolerates a small overshoot window between two
// concurrent checks.
type Enforcer struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	counters CounterStore
	failOpen bool
	metrics  *obsmetrics.Metrics
}

func NewEnforcer(p EnforcerParam) *Enforcer {
	return &Enforcer{
		db:       p.DB,
		log:      p.Log.Named("quota.enforcer"),
		clock:    p.Clock,
		counters: p.Counters,
		failOpen: p.Config.Quota.FailOpen,
		metrics:  p.Metrics,
	}
}

// Check evaluates concurrent, then daily, then monthly limits in order.
// A plan limit of plan.Unlimited always passes.
func (e *Enforcer) Check(ctx context.Context, userID snowflake.ID, p plan.Plan) (Decision, error) {
	now := e.clock.Now()

	usage, source, err := e.loadUsage(ctx, userID, now)
	if err != nil {
		if !e.failOpen {
			return Decision{}, err
		}
		// Both counter store and fallback are down. Availability wins over
		// strict enforcement; operators need to see this.
		e.log.Error("quota sources unavailable, failing open",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		e.metrics.IncFailOpen()
		return Decision{Allowed: true}, nil
	}
	if source == sourceFallback {
		e.log.Warn("counter store unavailable, quota derived from job rows",
			zap.String("user_id", userID.String()),
		)
	}

	if limited(p.ConcurrentJobLimit) && usage.Concurrent >= p.ConcurrentJobLimit {
		return Decision{
			Allowed: false,
			Reason:  DenyConcurrent,
			Limit:   p.ConcurrentJobLimit,
			Used:    usage.Concurrent,
			ResetAt: now,
		}, nil
	}
	if limited(p.DailyJobLimit) && usage.Daily >= p.DailyJobLimit {
		return Decision{
			Allowed: false,
			Reason:  DenyDaily,
			Limit:   p.DailyJobLimit,
			Used:    usage.Daily,
			ResetAt: nextLocalMidnight(now),
		}, nil
	}
	if limited(p.MonthlyJobLimit) && usage.Monthly >= p.MonthlyJobLimit {
		return Decision{
			Allowed: false,
			Reason:  DenyMonthly,
			Limit:   p.MonthlyJobLimit,
			Used:    usage.Monthly,
			ResetAt: firstOfNextMonth(now),
		}, nil
	}

	return Decision{Allowed: true}, nil
}

func (e *Enforcer) IncrementUsage(ctx context.Context, userID snowflake.ID) error {
	return e.counters.IncrementUsage(ctx, userID, e.clock.Now())
}

// DecrementConcurrent releases one concurrency slot. Errors are logged but
// not returned: the store is lossy by contract and the fallback path
// derives concurrency from job rows anyway.
func (e *Enforcer) DecrementConcurrent(ctx context.Context, userID snowflake.ID) {
	if err := e.counters.DecrementConcurrent(ctx, userID); err != nil {
		e.log.Warn("concurrent counter decrement failed",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}
}

func (e *Enforcer) loadUsage(ctx context.Context, userID snowflake.ID, now time.Time) (Usage, usageSource, error) {
	usage, err := e.counters.Usage(ctx, userID, now)
	if err == nil {
		return usage, sourceCounters, nil
	}

	usage, fbErr := e.usageFromJobRows(ctx, userID, now)
	if fbErr == nil {
		return usage, sourceFallback, nil
	}
	return Usage{}, sourceFailOpen, fbErr
}

// usageFromJobRows derives counters from the authoritative job table:
// created_at windows for daily/monthly, active statuses for concurrency.
func (e *Enforcer) usageFromJobRows(ctx context.Context, userID snowflake.ID, now time.Time) (Usage, error) {
	var usage Usage

	dayStart := startOfLocalDay(now)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	var daily int64
	if err := e.db.WithContext(ctx).Model(&jobdomain.Job{}).
		Where("user_id = ? AND created_at >= ?", userID, dayStart).
		Count(&daily).Error; err != nil {
		return usage, err
	}

	var monthly int64
	if err := e.db.WithContext(ctx).Model(&jobdomain.Job{}).
		Where("user_id = ? AND created_at >= ?", userID, monthStart).
		Count(&monthly).Error; err != nil {
		return usage, err
	}

	var concurrent int64
	if err := e.db.WithContext(ctx).Model(&jobdomain.Job{}).
		Where("user_id = ? AND status IN ?", userID, []jobdomain.Status{jobdomain.StatusQueued, jobdomain.StatusProcessing}).
		Count(&concurrent).Error; err != nil {
		return usage, err
	}

	usage.Daily = int(daily)
	usage.Monthly = int(monthly)
	usage.Concurrent = int(concurrent)
	return usage, nil
}

func limited(limit int) bool {
	return limit != plan.Unlimited
}

func startOfLocalDay(now time.Time) time.Time {
	local := now.Local()
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}

func nextLocalMidnight(now time.Time) time.Time {
	return startOfLocalDay(now).AddDate(0, 0, 1)
}

func firstOfNextMonth(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
