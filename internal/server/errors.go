package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	jobdomain "github.com/unmarklabs/unmark/internal/job/domain"
	ledgerdomain "github.com/unmarklabs/unmark/internal/ledger/domain"
	"github.com/unmarklabs/unmark/internal/plan"
	"github.com/unmarklabs/unmark/internal/quota"
	"github.com/unmarklabs/unmark/pkg/db"
	"gorm.io/gorm"
)

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Quota denials carry enough detail for a client to back off sensibly.
	Limit   *int       `json:"limit,omitempty"`
	Used    *int       `json:"used,omitempty"`
	ResetAt *time.Time `json:"resetAt,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNoToken      = errors.New("no_token")
	ErrInvalidToken = errors.New("invalid_token")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var denied *quota.DeniedError
	if errors.As(err, &denied) {
		d := denied.Decision
		return http.StatusTooManyRequests, errorPayload{
			Code:    quotaCode(d.Reason),
			Message: denied.Error(),
			Limit:   &d.Limit,
			Used:    &d.Used,
			ResetAt: &d.ResetAt,
		}
	}

	switch {
	case errors.Is(err, ErrNoToken):
		return http.StatusUnauthorized, errorPayload{Code: "NO_TOKEN", Message: "missing bearer token"}
	case errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized, errorPayload{Code: "INVALID_TOKEN", Message: "invalid bearer token"}
	case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, errorPayload{Code: "INSUFFICIENT_CREDITS", Message: "not enough credits"}
	case errors.Is(err, jobdomain.ErrQueueUnavailable):
		return http.StatusServiceUnavailable, errorPayload{Code: "QUEUE_UNAVAILABLE", Message: "work queue unavailable"}
	case errors.Is(err, jobdomain.ErrNotCancellable):
		return http.StatusConflict, errorPayload{Code: "NOT_CANCELLABLE", Message: "job is no longer cancellable"}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{Code: "NOT_FOUND", Message: "not found"}
	case isInvalidInputError(err):
		return http.StatusBadRequest, errorPayload{Code: "INVALID_INPUT", Message: err.Error()}
	case db.IsDuplicateKeyErr(err):
		return http.StatusConflict, errorPayload{Code: "CONFLICT", Message: "conflict"}
	default:
		return http.StatusInternalServerError, errorPayload{Code: "INTERNAL", Message: "internal server error"}
	}
}

func quotaCode(reason quota.DenyReason) string {
	switch reason {
	case quota.DenyDaily:
		return "QUOTA_DAILY"
	case quota.DenyMonthly:
		return "QUOTA_MONTHLY"
	case quota.DenyConcurrent:
		return "QUOTA_CONCURRENT"
	default:
		return "QUOTA"
	}
}

func isNotFoundError(err error) bool {
	return errors.Is(err, jobdomain.ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}

func isInvalidInputError(err error) bool {
	switch {
	case errors.Is(err, jobdomain.ErrInvalidInput),
		errors.Is(err, jobdomain.ErrInvalidMode),
		errors.Is(err, jobdomain.ErrFeatureNotAllowed),
		errors.Is(err, jobdomain.ErrFileTooLarge),
		errors.Is(err, jobdomain.ErrDurationTooLong),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidReason),
		errors.Is(err, plan.ErrUnknownTier):
		return true
	default:
		return false
	}
}
