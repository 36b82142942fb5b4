package reporting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mamadbah2/stocksync/internal/domain/models"
	repo "github.com/mamadbah2/stocksync/internal/repository/sheets"
	"github.com/mamadbah2/stocksync/internal/service/guard"
)

const dateLayout = "2006-01-02"

// ErrExportDisabled is returned when no spreadsheet is configured.
var ErrExportDisabled = errors.New("spreadsheet export is not configured")

// Summarizer provides the current stock position.
type Summarizer interface {
	Summary(ctx context.Context, threshold int) (models.StockSummary, error)
	LowStockThreshold() int
}

// ReportSink persists reports in the remote store.
type ReportSink interface {
	SaveStockReport(ctx context.Context, report models.StockReport) error
}

// Service builds daily stock reports and exports them.
type Service struct {
	stocks Summarizer
	sink   ReportSink
	sheet  repo.Repository
	guard  *guard.Guard
	logger *zap.Logger
}

// NewService wires a new reporting service instance. sink and sheet are
// optional.
func NewService(stocks Summarizer, sink ReportSink, sheet repo.Repository, g *guard.Guard, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{stocks: stocks, sink: sink, sheet: sheet, guard: g, logger: logger}
}

// GenerateStockReport snapshots the current stock for the day of now.
func (s *Service) GenerateStockReport(ctx context.Context, now time.Time) (models.StockReport, error) {
	threshold := s.stocks.LowStockThreshold()
	summary, err := s.stocks.Summary(ctx, threshold)
	if err != nil {
		return models.StockReport{}, fmt.Errorf("generate stock report: %w", err)
	}

	report := models.StockReport{
		Date:       time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()),
		Items:      summary.Items,
		TotalUnits: summary.TotalUnits,
		TotalValue: summary.TotalValue,
		Threshold:  threshold,
		CreatedAt:  now,
	}
	for _, r := range summary.LowStock {
		report.LowStock = append(report.LowStock, r.Name)
	}
	return report, nil
}

// SaveStockReport stores the report remotely and appends it to the
// spreadsheet. Both targets are attempted; failures are joined.
func (s *Service) SaveStockReport(ctx context.Context, report models.StockReport) error {
	var errs []error

	if s.sink != nil && s.guard != nil {
		err := s.guard.Do(ctx, "save_report", func(ctx context.Context) error {
			return s.sink.SaveStockReport(ctx, report)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("store report: %w", err))
		}
	}

	if s.sheet != nil {
		row := []interface{}{
			report.Date.Format(dateLayout),
			report.Items,
			report.TotalUnits,
			strconv.FormatFloat(report.TotalValue, 'f', 2, 64),
			strings.Join(report.LowStock, ", "),
		}
		if err := s.sheet.WriteRow(ctx, repo.StockReportRange, row); err != nil {
			errs = append(errs, fmt.Errorf("export report: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("stock report saved",
		zap.String("date", report.Date.Format(dateLayout)),
		zap.Int("items", report.Items),
		zap.Int("low_stock", len(report.LowStock)),
	)
	return nil
}

// FormatStockReport renders a report as receipt text.
func FormatStockReport(report models.StockReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stock report %s\n", report.Date.Format(dateLayout))
	fmt.Fprintf(&b, "Items: %d\n", report.Items)
	fmt.Fprintf(&b, "Units: %d\n", report.TotalUnits)
	fmt.Fprintf(&b, "Value: %.2f\n", report.TotalValue)
	if len(report.LowStock) == 0 {
		fmt.Fprintf(&b, "No item at or below %d units.\n", report.Threshold)
		return b.String()
	}
	fmt.Fprintf(&b, "Low stock (<= %d):\n", report.Threshold)
	for _, name := range report.LowStock {
		fmt.Fprintf(&b, "- %s\n", name)
	}
	return b.String()
}

// ExportedReports reads back the reports exported between start and end,
// inclusive. Rows that do not parse are skipped.
func (s *Service) ExportedReports(ctx context.Context, start, end time.Time) ([]models.StockReport, error) {
	if s.sheet == nil {
		return nil, ErrExportDisabled
	}
	rows, err := s.sheet.ReadRange(ctx, repo.StockReportRange)
	if err != nil {
		return nil, fmt.Errorf("load report range: %w", err)
	}

	var out []models.StockReport
	for _, row := range rows {
		if len(row) < 4 {
			continue
		}
		date, err := parseDate(row[0])
		if err != nil {
			s.logger.Debug("skip report row with invalid date", zap.Any("value", row[0]), zap.Error(err))
			continue
		}
		if date.Before(start) || date.After(end) {
			continue
		}
		items, err1 := parseInt(row[1])
		units, err2 := parseInt(row[2])
		value, err3 := parseFloat(row[3])
		if err := errors.Join(err1, err2, err3); err != nil {
			s.logger.Debug("skip report row with invalid totals", zap.Any("row", row), zap.Error(err))
			continue
		}

		report := models.StockReport{Date: date, Items: items, TotalUnits: units, TotalValue: value}
		if len(row) > 4 {
			for _, name := range strings.Split(fmt.Sprint(row[4]), ",") {
				if name = strings.TrimSpace(name); name != "" {
					report.LowStock = append(report.LowStock, name)
				}
			}
		}
		out = append(out, report)
	}
	return out, nil
}

func parseDate(value interface{}) (time.Time, error) {
	str := fmt.Sprint(value)
	if str == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if len(str) > 10 {
		str = str[:10]
	}
	return time.Parse(dateLayout, str)
}

func parseInt(value interface{}) (int, error) {
	str := fmt.Sprint(value)
	if str == "" {
		return 0, fmt.Errorf("empty numeric value")
	}
	return strconv.Atoi(str)
}

func parseFloat(value interface{}) (float64, error) {
	str := fmt.Sprint(value)
	if str == "" {
		return 0, fmt.Errorf("empty numeric value")
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite numeric value %q", str)
	}
	return f, nil
}
