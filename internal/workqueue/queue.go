// Package workqueue is the intake side of the external worker pipeline:
// at-least-once delivery keyed by job id, so duplicate submissions with the
// same id collapse into one task.
package workqueue

import (
	"context"

	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/unmarklabs/unmark/internal/job/domain"
	"gorm.io/datatypes"
)

// Task is the payload handed to the worker pool.
type Task struct {
	JobID          snowflake.ID             `json:"job_id"`
	UserID         snowflake.ID             `json:"user_id"`
	InputRef       string                   `json:"input_ref"`
	Platform       string                   `json:"platform"`
	ProcessingMode jobdomain.ProcessingMode `json:"processing_mode"`
	CropParams     datatypes.JSONMap        `json:"crop_params,omitempty"`
	WebhookURL     string                   `json:"webhook_url,omitempty"`
}

type Queue interface {
	// Enqueue is idempotent per job id: a task already pending or recently
	// enqueued with the same id is dropped.
	Enqueue(ctx context.Context, task Task) error

	// Remove pulls a still-pending task out of the queue. It reports false
	// when the task was already claimed by a worker.
	Remove(ctx context.Context, jobID snowflake.ID) (bool, error)
}
