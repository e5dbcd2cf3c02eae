package server

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	recondomain "github.com/smallbiznis/meterflow/internal/reconcile/domain"
	"github.com/smallbiznis/meterflow/internal/tenantctx"
)

// TriggerReconciliation schedules an immediate reconciliation run. The run
// happens asynchronously; 202 means scheduled, 409 means one is in flight.
func (s *Server) TriggerReconciliation(c *gin.Context) {
	tenantID, _ := tenantctx.TenantIDFromContext(c.Request.Context())

	if !s.reconcile.Trigger(tenantID) {
		AbortWithError(c, recondomain.ErrRunInFlight)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":    "scheduled",
		"tenant_id": tenantID,
	})
}

func (s *Server) ListReconciliationReports(c *gin.Context) {
	tenantID, ok := tenantctx.TenantIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	req := recondomain.ListReportsRequest{TenantID: tenantID}

	if period := strings.TrimSpace(c.Query("period")); period != "" {
		parsed, err := time.Parse("2006-01", period)
		if err != nil {
			AbortWithError(c, newValidationError("period", "invalid_period", "period must be YYYY-MM"))
			return
		}
		req.PeriodStart = &parsed
	}
	if size := strings.TrimSpace(c.Query("page_size")); size != "" {
		parsed, err := strconv.Atoi(size)
		if err != nil || parsed < 1 {
			AbortWithError(c, newValidationError("page_size", "invalid_page_size", "page_size must be a positive integer"))
			return
		}
		req.PageSize = parsed
	}
	req.PageToken = strings.TrimSpace(c.Query("page_token"))

	reports, pageInfo, err := s.reconcile.ListReports(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if wantsCSV(c) {
		s.writeReportsCSV(c, reports)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reports":   reports,
		"page_info": pageInfo,
	})
}

func wantsCSV(c *gin.Context) bool {
	if strings.EqualFold(strings.TrimSpace(c.Query("format")), "csv") {
		return true
	}
	return strings.Contains(c.GetHeader("Accept"), "text/csv")
}

func (s *Server) writeReportsCSV(c *gin.Context, reports []recondomain.ReconciliationReport) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="reconciliation_reports.csv"`)
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"tenant_id", "metric", "customer_ref", "period_start", "local_total", "provider_total", "diff", "diff_pct", "created_at"})
	for _, r := range reports {
		_ = w.Write([]string{
			r.TenantID,
			r.Metric,
			r.CustomerRef,
			r.PeriodStart.UTC().Format("2006-01-02"),
			r.LocalTotal.String(),
			r.ProviderTotal.String(),
			r.Diff.String(),
			strconv.FormatFloat(r.DiffPct, 'f', 6, 64),
			r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	w.Flush()
}
