package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	jobdomain "github.com/unmarklabs/unmark/internal/job/domain"
)

type progressReportRequest struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage"`
}

type completeReportRequest struct {
	OutputRef string `json:"outputRef"`
	FinalCost int64  `json:"finalCost"`
}

type failReportRequest struct {
	Error string `json:"error"`
}

func (s *Server) ReportJobProgress(c *gin.Context) {
	jobID, err := parseJobID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req progressReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, jobdomain.ErrInvalidInput)
		return
	}

	if err := s.jobSvc.ReportProgress(c.Request.Context(), jobID, req.Percent, req.Stage); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

func (s *Server) ReportJobCompleted(c *gin.Context) {
	jobID, err := parseJobID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req completeReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, jobdomain.ErrInvalidInput)
		return
	}
	if req.OutputRef == "" || req.FinalCost < 0 {
		AbortWithError(c, jobdomain.ErrInvalidInput)
		return
	}

	if err := s.jobSvc.ReportCompleted(c.Request.Context(), jobID, req.OutputRef, req.FinalCost); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

func (s *Server) ReportJobFailed(c *gin.Context) {
	jobID, err := parseJobID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req failReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, jobdomain.ErrInvalidInput)
		return
	}
	if req.Error == "" {
		req.Error = "worker reported failure"
	}

	if err := s.jobSvc.ReportFailed(c.Request.Context(), jobID, req.Error); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}
