package server

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/unmarklabs/unmark/internal/plan"
	"github.com/unmarklabs/unmark/internal/usercontext"
)

const planTierKey = "planTier"

// RequestID tags every request so worker callbacks and user requests can be
// correlated across logs.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

// AuthRequired resolves the caller from the bearer token. The token is the
// user's opaque API token, which for this service maps directly to the user
// id; the plan tier rides on a header set by the gateway. A real identity
// provider slots in here without touching the handlers.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			AbortWithError(c, ErrNoToken)
			return
		}

		raw, err := strconv.ParseInt(token, 10, 64)
		if err != nil || raw <= 0 {
			AbortWithError(c, ErrInvalidToken)
			return
		}

		tier, err := plan.ParseTier(headerOrDefault(c, "X-Plan-Tier", string(plan.TierFree)))
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := usercontext.WithUserID(c.Request.Context(), snowflake.ID(raw))
		c.Request = c.Request.WithContext(ctx)
		c.Set(planTierKey, tier)
		c.Next()
	}
}

// WorkerAuthRequired gates the internal callback surface with the shared
// worker token.
func (s *Server) WorkerAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			AbortWithError(c, ErrNoToken)
			return
		}
		expected := s.cfg.WorkerAuthToken
		if expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			AbortWithError(c, ErrInvalidToken)
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

func headerOrDefault(c *gin.Context, key, def string) string {
	if v := c.GetHeader(key); v != "" {
		return v
	}
	return def
}

func planTierFromContext(c *gin.Context) plan.Tier {
	if v, ok := c.Get(planTierKey); ok {
		if tier, ok := v.(plan.Tier); ok {
			return tier
		}
	}
	return plan.TierFree
}
