package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	jobdomain "github.com/unmarklabs/unmark/internal/job/domain"
	"github.com/unmarklabs/unmark/internal/usercontext"
)

type createJobRequest struct {
	VideoRef        string         `json:"videoRef"`
	Platform        string         `json:"platform"`
	ProcessingMode  string         `json:"processingMode"`
	FileSizeBytes   int64          `json:"fileSizeBytes"`
	DurationSeconds int            `json:"durationSeconds"`
	CropParams      map[string]any `json:"cropParams,omitempty"`
	WebhookURL      string         `json:"webhookUrl,omitempty"`
}

type createJobResponse struct {
	JobID          string    `json:"jobId"`
	Status         string    `json:"status"`
	CreditsCharged int64     `json:"creditsCharged"`
	CreatedAt      time.Time `json:"createdAt"`
}

type jobResponse struct {
	JobID           string         `json:"jobId"`
	Status          string         `json:"status"`
	Platform        string         `json:"platform"`
	ProcessingMode  string         `json:"processingMode"`
	ProgressPercent int            `json:"progressPercent"`
	ProgressStage   string         `json:"progressStage,omitempty"`
	CreditsReserved int64          `json:"creditsReserved"`
	CreditsFinal    *int64         `json:"creditsFinal,omitempty"`
	OutputRef       *string        `json:"outputRef,omitempty"`
	ErrorMessage    *string        `json:"errorMessage,omitempty"`
	CropParams      map[string]any `json:"cropParams,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
}

func toJobResponse(job *jobdomain.Job) jobResponse {
	return jobResponse{
		JobID:           job.ID.String(),
		Status:          string(job.Status),
		Platform:        job.Platform,
		ProcessingMode:  string(job.ProcessingMode),
		ProgressPercent: job.ProgressPercent,
		ProgressStage:   job.ProgressStage,
		CreditsReserved: job.CreditsReserved,
		CreditsFinal:    job.CreditsFinal,
		OutputRef:       job.OutputRef,
		ErrorMessage:    job.ErrorMessage,
		CropParams:      job.CropParams,
		CreatedAt:       job.CreatedAt,
		CompletedAt:     job.CompletedAt,
	}
}

func (s *Server) CreateJob(c *gin.Context) {
	userID, ok := usercontext.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrNoToken)
		return
	}

	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, jobdomain.ErrInvalidInput)
		return
	}

	job, err := s.jobSvc.Create(c.Request.Context(), jobdomain.CreateJobRequest{
		UserID:          userID,
		PlanTier:        planTierFromContext(c),
		VideoRef:        req.VideoRef,
		Platform:        req.Platform,
		ProcessingMode:  jobdomain.ProcessingMode(req.ProcessingMode),
		FileSizeBytes:   req.FileSizeBytes,
		DurationSeconds: req.DurationSeconds,
		CropParams:      req.CropParams,
		WebhookURL:      req.WebhookURL,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, createJobResponse{
		JobID:          job.ID.String(),
		Status:         string(job.Status),
		CreditsCharged: job.CreditsReserved,
		CreatedAt:      job.CreatedAt,
	})
}

func (s *Server) GetJob(c *gin.Context) {
	userID, ok := usercontext.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrNoToken)
		return
	}

	jobID, err := parseJobID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	job, err := s.jobSvc.Get(c.Request.Context(), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	// Jobs are private to their owner.
	if job.UserID != userID {
		AbortWithError(c, jobdomain.ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, toJobResponse(job))
}

func (s *Server) ListJobs(c *gin.Context) {
	userID, ok := usercontext.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrNoToken)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	jobs, err := s.jobSvc.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, toJobResponse(&jobs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (s *Server) CancelJob(c *gin.Context) {
	userID, ok := usercontext.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrNoToken)
		return
	}

	jobID, err := parseJobID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	job, err := s.jobSvc.Get(c.Request.Context(), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if job.UserID != userID {
		AbortWithError(c, jobdomain.ErrNotFound)
		return
	}

	cancelled, err := s.jobSvc.Cancel(c.Request.Context(), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(cancelled.Status)})
}

func parseJobID(c *gin.Context) (snowflake.ID, error) {
	raw, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || raw <= 0 {
		return 0, jobdomain.ErrNotFound
	}
	return snowflake.ID(raw), nil
}
