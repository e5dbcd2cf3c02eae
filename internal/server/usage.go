package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
)

type ingestRequest struct {
	Events []usagedomain.EventInput `json:"events"`
}

// IngestUsage accepts a batch of usage events. Per-event outcomes come back
// in input order; a rejected event never fails the batch.
func (s *Server) IngestUsage(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}
	if len(req.Events) == 0 {
		AbortWithError(c, usagedomain.ErrEmptyBatch)
		return
	}

	result, err := s.usagesvc.IngestBatch(c.Request.Context(), usagedomain.BatchRequest{
		Events:    req.Events,
		HeaderKey: strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if result.RequestID == "" {
		result.RequestID = requestID(c)
	}
	c.JSON(http.StatusOK, result)
}
