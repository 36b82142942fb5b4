package sheets

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/mamadbah2/stocksync/internal/config"
)

// StockReportRange is where daily stock reports are appended:
// date, items, total units, total value, low-stock names.
const StockReportRange = "Stock!A:E"

var errEmptyRange = errors.New("sheet range must not be empty")

// Repository is the spreadsheet the daily stock reports are exported to.
type Repository interface {
	WriteRow(ctx context.Context, sheetRange string, values []interface{}) error
	ReadRange(ctx context.Context, sheetRange string) ([][]interface{}, error)
}

// GoogleSheetRepository exports stock reports to a Google spreadsheet.
type GoogleSheetRepository struct {
	service       *sheetsapi.Service
	spreadsheetID string
	logger        *zap.Logger
}

// NewGoogleSheetRepository authenticates with the service account file named
// in cfg. Export must be enabled (a spreadsheet id set).
func NewGoogleSheetRepository(ctx context.Context, cfg config.SheetsConfig, logger *zap.Logger) (*GoogleSheetRepository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled() {
		return nil, errors.New("report export needs a spreadsheet id")
	}

	service, err := sheetsapi.NewService(ctx,
		option.WithCredentialsFile(cfg.CredentialsPath),
		option.WithScopes(sheetsapi.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("init sheets client: %w", err)
	}

	return &GoogleSheetRepository{
		service:       service,
		spreadsheetID: cfg.SpreadsheetID,
		logger:        logger.With(zap.String("spreadsheet_id", cfg.SpreadsheetID)),
	}, nil
}

// WriteRow adds one report line below the last row of sheetRange. Values are
// parsed as if typed by hand, so dates and amounts stay sortable in the sheet.
func (r *GoogleSheetRepository) WriteRow(ctx context.Context, sheetRange string, values []interface{}) error {
	if sheetRange == "" {
		return errEmptyRange
	}

	payload := &sheetsapi.ValueRange{Values: [][]interface{}{values}}
	resp, err := r.service.Spreadsheets.Values.Append(r.spreadsheetID, sheetRange, payload).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("export report row to %s: %w", sheetRange, err)
	}

	written := sheetRange
	if resp.Updates != nil && resp.Updates.UpdatedRange != "" {
		written = resp.Updates.UpdatedRange
	}
	r.logger.Debug("report row exported", zap.String("range", written), zap.Int("cells", len(values)))
	return nil
}

// ReadRange returns the exported report lines in sheetRange as displayed.
func (r *GoogleSheetRepository) ReadRange(ctx context.Context, sheetRange string) ([][]interface{}, error) {
	if sheetRange == "" {
		return nil, errEmptyRange
	}

	resp, err := r.service.Spreadsheets.Values.Get(r.spreadsheetID, sheetRange).
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("read exported reports from %s: %w", sheetRange, err)
	}
	return resp.Values, nil
}
