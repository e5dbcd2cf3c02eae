package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	backfilldomain "github.com/smallbiznis/meterflow/internal/backfill/domain"
)

// CreateBackfill registers a backfill operation and enqueues it for
// asynchronous replay through the ingestion gateway.
func (s *Server) CreateBackfill(c *gin.Context) {
	var req backfilldomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	op, err := s.backfillSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, op)
}

func (s *Server) GetBackfill(c *gin.Context) {
	operationID := strings.TrimSpace(c.Param("id"))
	if operationID == "" {
		AbortWithError(c, newValidationError("id", "invalid_operation_id", "operation id is required"))
		return
	}

	op, err := s.backfillSvc.Get(c.Request.Context(), operationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, op)
}
