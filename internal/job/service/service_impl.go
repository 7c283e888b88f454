package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/unmarklabs/unmark/internal/clock"
	jobdomain "github.com/unmarklabs/unmark/internal/job/domain"
	ledgerdomain "github.com/unmarklabs/unmark/internal/ledger/domain"
	"github.com/unmarklabs/unmark/internal/observability/metrics"
	"github.com/unmarklabs/unmark/internal/plan"
	"github.com/unmarklabs/unmark/internal/quota"
	"github.com/unmarklabs/unmark/internal/workqueue"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// activeStatuses guard lifecycle updates so a terminal row is never
// overwritten by a late report.
var activeStatuses = []jobdomain.Status{jobdomain.StatusQueued, jobdomain.StatusProcessing}

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Ledger   ledgerdomain.Service
	Enforcer *quota.Enforcer
	Queue    workqueue.Queue
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	ledger   ledgerdomain.Service
	enforcer *quota.Enforcer
	queue    workqueue.Queue
	metrics  *metrics.Metrics
}

func NewService(p ServiceParam) jobdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("job.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		ledger:   p.Ledger,
		enforcer: p.Enforcer,
		queue:    p.Queue,
		metrics:  p.Metrics,
	}
}

// Create runs the admission sequence: validate, quota check, credit
// reservation, persist, enqueue. Any step failing after the reservation
// unwinds it before returning.
func (s *Service) Create(ctx context.Context, req jobdomain.CreateJobRequest) (*jobdomain.Job, error) {
	p, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	decision, err := s.enforcer.Check(ctx, req.UserID, p)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.metrics.IncQuotaDenied(string(decision.Reason))
		return nil, &quota.DeniedError{Decision: decision}
	}

	jobID := s.genID.Generate()
	if err := s.ledger.Reserve(ctx, req.UserID, jobID, p.CreditsPerJob); err != nil {
		return nil, err
	}

	// Usage counters are advisory; the job-row fallback stays correct
	// even when this write is lost.
	if err := s.enforcer.IncrementUsage(ctx, req.UserID); err != nil {
		s.log.Warn("usage counter increment failed",
			zap.String("user_id", req.UserID.String()),
			zap.Error(err),
		)
	}

	now := s.clock.Now().UTC()
	job := &jobdomain.Job{
		ID:              jobID,
		UserID:          req.UserID,
		Status:          jobdomain.StatusQueued,
		CreditsReserved: p.CreditsPerJob,
		Platform:        req.Platform,
		ProcessingMode:  req.ProcessingMode,
		InputRef:        req.VideoRef,
		CropParams:      datatypes.JSONMap(req.CropParams),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.WebhookURL != "" {
		job.WebhookURL = &req.WebhookURL
	}

	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		s.unwindAdmission(ctx, req.UserID, jobID)
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, workqueue.Task{
		JobID:          jobID,
		UserID:         req.UserID,
		InputRef:       req.VideoRef,
		Platform:       req.Platform,
		ProcessingMode: req.ProcessingMode,
		CropParams:     job.CropParams,
		WebhookURL:     req.WebhookURL,
	}); err != nil {
		s.log.Error("enqueue failed, rolling back admission",
			zap.String("job_id", jobID.String()),
			zap.Error(err),
		)
		s.unwindAdmission(ctx, req.UserID, jobID)
		msg := "work queue unavailable at admission"
		s.db.WithContext(ctx).
			Model(&jobdomain.Job{}).
			Where("id = ?", jobID).
			Updates(map[string]any{
				"status":        jobdomain.StatusFailed,
				"error_message": &msg,
				"updated_at":    s.clock.Now().UTC(),
			})
		return nil, fmt.Errorf("%w: %v", jobdomain.ErrQueueUnavailable, err)
	}

	s.metrics.IncAdmitted(string(p.Tier))
	s.log.Info("job admitted",
		zap.String("job_id", jobID.String()),
		zap.String("user_id", req.UserID.String()),
		zap.String("plan", string(p.Tier)),
		zap.String("mode", string(req.ProcessingMode)),
	)
	return job, nil
}

func (s *Service) Get(ctx context.Context, jobID snowflake.ID) (*jobdomain.Job, error) {
	var job jobdomain.Job
	err := s.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, jobdomain.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (s *Service) ListByUser(ctx context.Context, userID snowflake.ID, limit int) ([]jobdomain.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var jobs []jobdomain.Job
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Cancel pulls the task out of the queue, releases the reservation, then
// flips the row with a compare-and-set on the queued status. Once a worker
// has claimed the task the job is no longer cancellable.
func (s *Service) Cancel(ctx context.Context, jobID snowflake.ID) (*jobdomain.Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != jobdomain.StatusQueued {
		return nil, jobdomain.ErrNotCancellable
	}

	removed, err := s.queue.Remove(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, jobdomain.ErrNotCancellable
	}

	// The refund must land before the row turns terminal; Release is
	// idempotent, so losing the status race below cannot double-refund.
	// The task is already out of the queue at this point, so a failed
	// release parks the job for an operator instead of leaking the
	// reservation.
	if err := s.ledger.Release(ctx, job.UserID, jobID); err != nil {
		s.log.Error("cancel could not release reservation, flagging for reconciliation",
			zap.String("job_id", jobID.String()),
			zap.String("user_id", job.UserID.String()),
			zap.Error(err),
		)
		if ferr := s.markNeedsReconciliation(ctx, jobID); ferr != nil {
			s.log.Error("reconciliation flag write failed",
				zap.String("job_id", jobID.String()),
				zap.Error(ferr),
			)
		}
		return nil, err
	}

	now := s.clock.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&jobdomain.Job{}).
		Where("id = ? AND status = ?", jobID, jobdomain.StatusQueued).
		Updates(map[string]any{
			"status":       jobdomain.StatusCancelled,
			"completed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, jobdomain.ErrNotCancellable
	}

	s.enforcer.DecrementConcurrent(ctx, job.UserID)

	s.log.Info("job cancelled",
		zap.String("job_id", jobID.String()),
		zap.String("user_id", job.UserID.String()),
	)
	return s.Get(ctx, jobID)
}

func (s *Service) ReportProgress(ctx context.Context, jobID snowflake.ID, percent int, stage string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		s.log.Info("progress report for terminal job ignored",
			zap.String("job_id", jobID.String()),
			zap.String("status", string(job.Status)),
		)
		return nil
	}

	now := s.clock.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&jobdomain.Job{}).
		Where("id = ? AND status IN ?", jobID, activeStatuses).
		Updates(map[string]any{
			"status":           jobdomain.StatusProcessing,
			"progress_percent": percent,
			"progress_stage":   stage,
			"last_report_at":   now,
			"updated_at":       now,
		}).Error
}

func (s *Service) ReportCompleted(ctx context.Context, jobID snowflake.ID, outputRef string, finalCost int64) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		s.log.Info("duplicate terminal report ignored",
			zap.String("job_id", jobID.String()),
			zap.String("status", string(job.Status)),
			zap.String("report", "completed"),
		)
		return nil
	}

	if err := s.ledger.Finalize(ctx, job.UserID, jobID, finalCost); err != nil {
		switch {
		case errors.Is(err, ledgerdomain.ErrAlreadyFinalized):
			// Lost the settlement race to a concurrent completion; the
			// ledger is consistent and the winner owns the row.
			s.log.Info("duplicate terminal report ignored",
				zap.String("job_id", jobID.String()),
				zap.String("report", "completed"),
			)
			return nil
		case isSettlementViolation(err):
			if latest, gerr := s.Get(ctx, jobID); gerr == nil && latest.Status.Terminal() {
				s.log.Info("duplicate terminal report ignored",
					zap.String("job_id", jobID.String()),
					zap.String("status", string(latest.Status)),
					zap.String("report", "completed"),
				)
				return nil
			}
			return s.flagReconciliation(ctx, job, "completed", err)
		default:
			return err
		}
	}

	now := s.clock.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&jobdomain.Job{}).
		Where("id = ? AND status IN ?", jobID, activeStatuses).
		Updates(map[string]any{
			"status":           jobdomain.StatusCompleted,
			"credits_final":    finalCost,
			"output_ref":       outputRef,
			"progress_percent": 100,
			"last_report_at":   now,
			"completed_at":     now,
			"updated_at":       now,
		})
	if result.Error != nil {
		return result.Error
	}

	s.enforcer.DecrementConcurrent(ctx, job.UserID)
	s.metrics.IncSettlement("completed")
	s.log.Info("job completed",
		zap.String("job_id", jobID.String()),
		zap.String("user_id", job.UserID.String()),
		zap.Int64("final_cost", finalCost),
	)
	return nil
}

func (s *Service) ReportFailed(ctx context.Context, jobID snowflake.ID, errorMessage string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		s.log.Info("duplicate terminal report ignored",
			zap.String("job_id", jobID.String()),
			zap.String("status", string(job.Status)),
			zap.String("report", "failed"),
		)
		return nil
	}

	if err := s.ledger.Release(ctx, job.UserID, jobID); err != nil {
		if isSettlementViolation(err) {
			if latest, gerr := s.Get(ctx, jobID); gerr == nil && latest.Status.Terminal() {
				s.log.Info("duplicate terminal report ignored",
					zap.String("job_id", jobID.String()),
					zap.String("status", string(latest.Status)),
					zap.String("report", "failed"),
				)
				return nil
			}
			return s.flagReconciliation(ctx, job, "failed", err)
		}
		return err
	}

	now := s.clock.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&jobdomain.Job{}).
		Where("id = ? AND status IN ?", jobID, activeStatuses).
		Updates(map[string]any{
			"status":         jobdomain.StatusFailed,
			"error_message":  errorMessage,
			"last_report_at": now,
			"completed_at":   now,
			"updated_at":     now,
		})
	if result.Error != nil {
		return result.Error
	}

	s.enforcer.DecrementConcurrent(ctx, job.UserID)
	s.metrics.IncSettlement("failed")
	s.log.Info("job failed",
		zap.String("job_id", jobID.String()),
		zap.String("user_id", job.UserID.String()),
		zap.String("error", errorMessage),
	)
	return nil
}

func (s *Service) ForceFail(ctx context.Context, jobID snowflake.ID, reason string) error {
	s.log.Warn("force failing job",
		zap.String("job_id", jobID.String()),
		zap.String("reason", reason),
	)
	if err := s.ReportFailed(ctx, jobID, reason); err != nil {
		return err
	}
	s.metrics.IncForceFailed()
	return nil
}

func (s *Service) StaleJobs(ctx context.Context, olderThan time.Duration) ([]jobdomain.Job, error) {
	cutoff := s.clock.Now().UTC().Add(-olderThan)
	var jobs []jobdomain.Job
	err := s.db.WithContext(ctx).
		Where("status = ? AND COALESCE(last_report_at, updated_at) < ?", jobdomain.StatusProcessing, cutoff).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Service) validate(req jobdomain.CreateJobRequest) (plan.Plan, error) {
	if req.UserID == 0 || req.VideoRef == "" || req.Platform == "" {
		return plan.Plan{}, jobdomain.ErrInvalidInput
	}

	p, err := plan.CatalogFor(req.PlanTier)
	if err != nil {
		return plan.Plan{}, err
	}

	switch req.ProcessingMode {
	case jobdomain.ModeInpaint:
	case jobdomain.ModeCrop:
		if !p.Allows(plan.FeatureCrop) {
			return plan.Plan{}, jobdomain.ErrFeatureNotAllowed
		}
		if len(req.CropParams) == 0 {
			return plan.Plan{}, jobdomain.ErrInvalidInput
		}
	default:
		return plan.Plan{}, jobdomain.ErrInvalidMode
	}

	if req.FileSizeBytes <= 0 || req.FileSizeBytes > p.MaxFileSizeBytes {
		return plan.Plan{}, jobdomain.ErrFileTooLarge
	}
	if req.DurationSeconds <= 0 || req.DurationSeconds > p.MaxDurationSeconds {
		return plan.Plan{}, jobdomain.ErrDurationTooLong
	}
	return p, nil
}

// unwindAdmission reverses the reservation and the concurrency slot after
// a post-reserve step failed. Release is idempotent, so a partial unwind
// retried later stays safe.
func (s *Service) unwindAdmission(ctx context.Context, userID, jobID snowflake.ID) {
	if err := s.ledger.Release(ctx, userID, jobID); err != nil {
		s.log.Error("admission unwind could not release reservation",
			zap.String("user_id", userID.String()),
			zap.String("job_id", jobID.String()),
			zap.Error(err),
		)
	}
	s.enforcer.DecrementConcurrent(ctx, userID)
}

// flagReconciliation acknowledges a terminal report whose settlement hit a
// ledger protocol violation. The job is parked for an operator rather than
// guessed at, and the worker gets an ack so it stops retrying.
func (s *Service) flagReconciliation(ctx context.Context, job *jobdomain.Job, report string, cause error) error {
	s.log.Error("settlement protocol violation, flagging for reconciliation",
		zap.String("job_id", job.ID.String()),
		zap.String("user_id", job.UserID.String()),
		zap.String("report", report),
		zap.Error(cause),
	)
	return s.markNeedsReconciliation(ctx, job.ID)
}

func (s *Service) markNeedsReconciliation(ctx context.Context, jobID snowflake.ID) error {
	return s.db.WithContext(ctx).
		Model(&jobdomain.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"needs_reconciliation": true,
			"updated_at":           s.clock.Now().UTC(),
		}).Error
}

func isSettlementViolation(err error) bool {
	return errors.Is(err, ledgerdomain.ErrAlreadyFinalized) ||
		errors.Is(err, ledgerdomain.ErrNoReservation) ||
		errors.Is(err, ledgerdomain.ErrCostExceedsReservation)
}
