package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/unmarklabs/unmark/internal/ledger/domain"
	"github.com/unmarklabs/unmark/internal/usercontext"
)

type creditEntryResponse struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId,omitempty"`
	Delta     int64     `json:"delta"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

type purchaseCreditsRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) GetCreditBalance(c *gin.Context) {
	userID, ok := usercontext.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrNoToken)
		return
	}

	balance, err := s.ledgerSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

func (s *Server) ListCreditEntries(c *gin.Context) {
	userID, ok := usercontext.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrNoToken)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := s.ledgerSvc.ListEntries(c.Request.Context(), ledgerdomain.ListEntriesRequest{
		UserID: userID,
		Limit:  limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]creditEntryResponse, 0, len(entries))
	for _, entry := range entries {
		resp := creditEntryResponse{
			ID:        entry.ID.String(),
			Delta:     entry.Delta,
			Reason:    string(entry.Reason),
			CreatedAt: entry.CreatedAt,
		}
		if entry.JobID != 0 {
			resp.JobID = entry.JobID.String()
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

// PurchaseCredits records a paid top-up. Payment capture happens upstream;
// this endpoint only moves the ledger.
func (s *Server) PurchaseCredits(c *gin.Context) {
	userID, ok := usercontext.UserIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrNoToken)
		return
	}

	var req purchaseCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ledgerdomain.ErrInvalidAmount)
		return
	}

	if err := s.ledgerSvc.Grant(c.Request.Context(), userID, req.Amount, ledgerdomain.ReasonPurchase); err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.ledgerSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}
