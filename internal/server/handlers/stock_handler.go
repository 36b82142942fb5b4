package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mamadbah2/stocksync/internal/domain/models"
	"github.com/mamadbah2/stocksync/internal/service/reporting"
	"github.com/mamadbah2/stocksync/pkg/clients/printer"
)

const (
	defaultRecentLimit = 50
	maxWorkbookSize    = 8 << 20
	xlsxContentType    = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// StockService is the sync engine surface used over HTTP.
type StockService interface {
	Get(ctx context.Context, localID int64) (models.StockRecord, error)
	List(ctx context.Context, q models.StockQuery) ([]models.StockRecord, error)
	Stocks(ctx context.Context, q models.StockQuery) <-chan []models.StockRecord
	Insert(ctx context.Context, rec models.StockRecord) (int64, error)
	Update(ctx context.Context, rec models.StockRecord) error
	Delete(ctx context.Context, rec models.StockRecord) error
	RecordSale(ctx context.Context, sale models.Sale) (models.StockRecord, error)
	Summary(ctx context.Context, threshold int) (models.StockSummary, error)
	LowStockThreshold() int
}

// HistoryService reads merged audit history.
type HistoryService interface {
	Snapshot(ctx context.Context, stockID int64) ([]models.HistoryEntry, error)
	Recent(ctx context.Context, limit int) ([]models.HistoryEntry, error)
}

// StockHandler exposes the counter's stock operations.
type StockHandler struct {
	stocks  StockService
	history HistoryService
	printer printer.Printer
	logger  *zap.Logger
}

// NewStockHandler constructs the HTTP handler adapter.
func NewStockHandler(stocks StockService, history HistoryService, p printer.Printer, logger *zap.Logger) *StockHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StockHandler{stocks: stocks, history: history, printer: p, logger: logger}
}

func queryFrom(c *gin.Context) models.StockQuery {
	return models.StockQuery{
		Search: c.Query("q"),
		Sort:   models.ParseSortOrder(c.Query("sort")),
	}
}

// List returns the current read model.
func (h *StockHandler) List(c *gin.Context) {
	records, err := h.stocks.List(c.Request.Context(), queryFrom(c))
	if err != nil {
		h.fail(c, "list stocks", err)
		return
	}
	c.JSON(http.StatusOK, toStockResponses(records))
}

// Stream pushes the read model as server-sent events until the client leaves.
func (h *StockHandler) Stream(c *gin.Context) {
	updates := h.stocks.Stocks(c.Request.Context(), queryFrom(c))

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	for records := range updates {
		c.SSEvent("stocks", toStockResponses(records))
		c.Writer.Flush()
	}
}

// Get returns one stock line.
func (h *StockHandler) Get(c *gin.Context) {
	id, ok := h.localID(c)
	if !ok {
		return
	}
	rec, err := h.stocks.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "get stock", err)
		return
	}
	c.JSON(http.StatusOK, toStockResponse(rec))
}

// Create inserts a stock line.
func (h *StockHandler) Create(c *gin.Context) {
	var req stockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid stock payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	rec, err := req.record(0)
	if err != nil {
		h.fail(c, "create stock", err)
		return
	}

	id, err := h.stocks.Insert(c.Request.Context(), rec)
	if err != nil {
		h.fail(c, "create stock", err)
		return
	}
	rec.LocalID = id
	c.JSON(http.StatusCreated, toStockResponse(rec))
}

// Update overwrites a stock line.
func (h *StockHandler) Update(c *gin.Context) {
	id, ok := h.localID(c)
	if !ok {
		return
	}
	var req stockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid stock payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	rec, err := req.record(id)
	if err != nil {
		h.fail(c, "update stock", err)
		return
	}

	if err := h.stocks.Update(c.Request.Context(), rec); err != nil {
		h.fail(c, "update stock", err)
		return
	}
	h.Get(c)
}

// Delete removes a stock line and its local history.
func (h *StockHandler) Delete(c *gin.Context) {
	id, ok := h.localID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	rec, err := h.stocks.Get(ctx, id)
	if err != nil {
		h.fail(c, "delete stock", err)
		return
	}
	if err := h.stocks.Delete(ctx, rec); err != nil {
		h.fail(c, "delete stock", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Sale records units leaving the shop and prints a receipt. A print failure
// is reported in the response but does not undo the sale.
func (h *StockHandler) Sale(c *gin.Context) {
	id, ok := h.localID(c)
	if !ok {
		return
	}
	var req saleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid sale payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	sale := models.Sale{LocalID: id, RegularQuantity: req.Regular, FreeQuantity: req.Free, InvoiceRef: req.InvoiceRef}
	rec, err := h.stocks.RecordSale(c.Request.Context(), sale)
	if err != nil {
		h.fail(c, "record sale", err)
		return
	}

	resp := gin.H{"stock": toStockResponse(rec), "printed": true}
	if err := h.printer.PrintText(c.Request.Context(), receipt(rec, sale)); err != nil {
		h.logger.Warn("receipt not printed", zap.Int64("stock_id", id), zap.Error(err))
		resp["printed"] = false
		resp["print_error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// Export downloads the matching stock lines as an XLSX workbook.
func (h *StockHandler) Export(c *gin.Context) {
	records, err := h.stocks.List(c.Request.Context(), queryFrom(c))
	if err != nil {
		h.fail(c, "export stocks", err)
		return
	}
	buf, err := reporting.WriteStockWorkbook(records)
	if err != nil {
		h.fail(c, "export stocks", err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="stock.xlsx"`)
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

// Import inserts every line of an uploaded XLSX workbook (form field "file").
// The workbook is validated as a whole before any line is inserted.
func (h *StockHandler) Import(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if header.Size > maxWorkbookSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "workbook too large"})
		return
	}
	file, err := header.Open()
	if err != nil {
		h.fail(c, "import stocks", err)
		return
	}
	defer file.Close()
	payload, err := io.ReadAll(file)
	if err != nil {
		h.fail(c, "import stocks", err)
		return
	}

	records, err := reporting.ParseStockWorkbook(payload)
	if err != nil {
		h.logger.Warn("rejected stock workbook", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created := make([]stockResponse, 0, len(records))
	for _, rec := range records {
		id, err := h.stocks.Insert(c.Request.Context(), rec)
		if err != nil {
			h.fail(c, "import stocks", err)
			return
		}
		rec.LocalID = id
		created = append(created, toStockResponse(rec))
	}
	c.JSON(http.StatusCreated, created)
}

// History returns one merged local and remote snapshot for a stock line.
func (h *StockHandler) History(c *gin.Context) {
	id, ok := h.localID(c)
	if !ok {
		return
	}
	entries, err := h.history.Snapshot(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "load history", err)
		return
	}
	c.JSON(http.StatusOK, toHistoryResponses(entries))
}

// Recent returns the newest local history entries across all stock lines.
func (h *StockHandler) Recent(c *gin.Context) {
	limit := defaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := h.history.Recent(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, "load recent history", err)
		return
	}
	c.JSON(http.StatusOK, toHistoryResponses(entries))
}

// Summary reports totals and low-stock lines.
func (h *StockHandler) Summary(c *gin.Context) {
	threshold := h.stocks.LowStockThreshold()
	if raw := c.Query("threshold"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "threshold must be a non-negative integer"})
			return
		}
		threshold = n
	}
	summary, err := h.stocks.Summary(c.Request.Context(), threshold)
	if err != nil {
		h.fail(c, "summarize stocks", err)
		return
	}
	c.JSON(http.StatusOK, summaryResponse{
		Items:      summary.Items,
		TotalUnits: summary.TotalUnits,
		TotalValue: summary.TotalValue,
		Threshold:  threshold,
		LowStock:   toStockResponses(summary.LowStock),
	})
}

func (h *StockHandler) localID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stock id"})
		return 0, false
	}
	return id, true
}

func (h *StockHandler) fail(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op, zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	h.logger.Debug(op, zap.Error(err))
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidStock), errors.Is(err, models.ErrUnknownCategory):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrStockNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInsufficientStock):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func receipt(rec models.StockRecord, sale models.Sale) string {
	var b strings.Builder
	if sale.InvoiceRef != nil {
		fmt.Fprintf(&b, "Invoice #%d\n", *sale.InvoiceRef)
	}
	fmt.Fprintf(&b, "%s\n", rec.Name)
	fmt.Fprintf(&b, "Qty: %d x %.2f = %.2f\n", sale.RegularQuantity, rec.Price, float64(sale.RegularQuantity)*rec.Price)
	if sale.FreeQuantity > 0 {
		fmt.Fprintf(&b, "Free: %d\n", sale.FreeQuantity)
	}
	fmt.Fprintf(&b, "Remaining: %d\n", rec.Quantity)
	return b.String()
}
