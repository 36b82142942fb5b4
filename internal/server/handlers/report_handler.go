package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mamadbah2/stocksync/internal/domain/models"
	"github.com/mamadbah2/stocksync/internal/service/reporting"
	"github.com/mamadbah2/stocksync/pkg/clients/printer"
)

const dateLayout = "2006-01-02"

// ReportService builds and reads back stock reports.
type ReportService interface {
	GenerateStockReport(ctx context.Context, now time.Time) (models.StockReport, error)
	ExportedReports(ctx context.Context, start, end time.Time) ([]models.StockReport, error)
}

// ReportHandler serves stock reports.
type ReportHandler struct {
	reports ReportService
	printer printer.Printer
	now     func() time.Time
	logger  *zap.Logger
}

// NewReportHandler constructs the HTTP handler adapter.
func NewReportHandler(reports ReportService, p printer.Printer, logger *zap.Logger) *ReportHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportHandler{reports: reports, printer: p, now: time.Now, logger: logger}
}

// Print generates today's report and sends it to the printer.
func (h *ReportHandler) Print(c *gin.Context) {
	ctx := c.Request.Context()
	report, err := h.reports.GenerateStockReport(ctx, h.now())
	if err != nil {
		h.logger.Error("generate stock report", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if err := h.printer.PrintText(ctx, reporting.FormatStockReport(report)); err != nil {
		h.logger.Warn("stock report not printed", zap.Error(err))
		status := http.StatusBadGateway
		if errors.Is(err, printer.ErrNotConnected) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

// Exported lists reports exported to the spreadsheet between from and to
// (YYYY-MM-DD, inclusive). Both default to the last 30 days.
func (h *ReportHandler) Exported(c *gin.Context) {
	end := h.now()
	start := end.AddDate(0, 0, -30)
	var err error
	if raw := c.Query("from"); raw != "" {
		if start, err = time.Parse(dateLayout, raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be YYYY-MM-DD"})
			return
		}
	}
	if raw := c.Query("to"); raw != "" {
		if end, err = time.Parse(dateLayout, raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be YYYY-MM-DD"})
			return
		}
	}

	reports, err := h.reports.ExportedReports(c.Request.Context(), start, end)
	if err != nil {
		if errors.Is(err, reporting.ErrExportDisabled) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("load exported reports", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "unable to read reports"})
		return
	}
	c.JSON(http.StatusOK, reports)
}
