package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/unmarklabs/unmark/internal/plan"
)

type CreateJobRequest struct {
	UserID          snowflake.ID
	PlanTier        plan.Tier
	VideoRef        string
	Platform        string
	ProcessingMode  ProcessingMode
	FileSizeBytes   int64
	DurationSeconds int
	CropParams      map[string]any
	WebhookURL      string
}

// Service is the job admission and lifecycle tracker. Create admits a job
// (quota check, credit reservation, enqueue); the Report methods are driven
// by worker callbacks and settle the reservation exactly once.
type Service interface {
	Create(ctx context.Context, req CreateJobRequest) (*Job, error)
	Get(ctx context.Context, jobID snowflake.ID) (*Job, error)
	ListByUser(ctx context.Context, userID snowflake.ID, limit int) ([]Job, error)

	// Cancel is valid only while the job is still queued.
	Cancel(ctx context.Context, jobID snowflake.ID) (*Job, error)

	// ReportProgress is safe under out-of-order delivery; it never regresses
	// a terminal status.
	ReportProgress(ctx context.Context, jobID snowflake.ID, percent int, stage string) error

	// ReportCompleted finalizes the reservation at finalCost, then marks the
	// job completed. Duplicate terminal reports are logged and ignored.
	ReportCompleted(ctx context.Context, jobID snowflake.ID, outputRef string, finalCost int64) error

	// ReportFailed releases the reservation in full, then marks the job
	// failed with the worker's error message passed through verbatim.
	ReportFailed(ctx context.Context, jobID snowflake.ID, errorMessage string) error

	// ForceFail synthesizes a failed terminal report, used on retry
	// exhaustion and by the staleness sweep.
	ForceFail(ctx context.Context, jobID snowflake.ID, reason string) error

	// StaleJobs returns processing jobs without any report for longer than
	// olderThan.
	StaleJobs(ctx context.Context, olderThan time.Duration) ([]Job, error)
}

var (
	ErrNotFound         = errors.New("job_not_found")
	ErrNotCancellable   = errors.New("not_cancellable")
	ErrQueueUnavailable = errors.New("queue_unavailable")

	ErrInvalidInput      = errors.New("invalid_input")
	ErrInvalidMode       = errors.New("invalid_processing_mode")
	ErrFeatureNotAllowed = errors.New("feature_not_allowed")
	ErrFileTooLarge      = errors.New("file_too_large")
	ErrDurationTooLong   = errors.New("duration_too_long")
)
