// Package domain contains the job lifecycle models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the job state machine. Terminal states never transition again.
//
//	queued → processing → completed
//	queued → processing → failed
//	queued → cancelled
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ProcessingMode selects how the watermark region is handled.
type ProcessingMode string

const (
	// ModeInpaint reconstructs the region with the ML worker.
	ModeInpaint ProcessingMode = "inpaint"
	// ModeCrop cuts the region away instead of reconstructing it.
	ModeCrop ProcessingMode = "crop"
)

// Job records one unit of requested work from admission to terminal state.
type Job struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	UserID          snowflake.ID      `gorm:"not null;index"`
	Status          Status            `gorm:"type:text;not null;index"`
	CreditsReserved int64             `gorm:"not null"`
	CreditsFinal    *int64            ``
	Platform        string            `gorm:"type:text;not null"`
	ProcessingMode  ProcessingMode    `gorm:"type:text;not null"`
	InputRef        string            `gorm:"type:text;not null"`
	OutputRef       *string           `gorm:"type:text"`
	ProgressPercent int               `gorm:"not null;default:0"`
	ProgressStage   string            `gorm:"type:text"`
	LastReportAt    *time.Time        ``
	CropParams      datatypes.JSONMap `gorm:"type:jsonb"`
	WebhookURL      *string           `gorm:"type:text"`
	ErrorMessage    *string           `gorm:"type:text"`
	// NeedsReconciliation marks jobs whose settlement hit a protocol
	// violation; they are left for an operator instead of mutated further.
	NeedsReconciliation bool       `gorm:"not null;default:false"`
	CreatedAt           time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
	UpdatedAt           time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	CompletedAt         *time.Time ``
}

// TableName sets the database table name.
func (Job) TableName() string { return "jobs" }
