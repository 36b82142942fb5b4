package reporting

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/mamadbah2/stocksync/internal/domain/models"
)

const stockSheet = "Stock"

var workbookHeader = []string{"Name", "Category", "Price", "Quantity", "Description", "Value"}

// ErrEmptyWorkbook is returned when an imported workbook holds no stock rows.
var ErrEmptyWorkbook = errors.New("workbook has no stock rows")

// WriteStockWorkbook renders the stock list as an XLSX document.
func WriteStockWorkbook(records []models.StockRecord) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", stockSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	rows := make([][]interface{}, 0, len(records)+1)
	header := make([]interface{}, len(workbookHeader))
	for i, h := range workbookHeader {
		header[i] = h
	}
	rows = append(rows, header)
	for _, r := range records {
		rows = append(rows, []interface{}{r.Name, r.Category.String(), r.Price, r.Quantity, r.Description, r.Value()})
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(stockSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("encode workbook: %w", err)
	}
	return buf, nil
}

// ParseStockWorkbook reads stock lines from the first sheet of an XLSX
// document laid out like WriteStockWorkbook's output. The header row is
// required; the Value column is ignored.
func ParseStockWorkbook(payload []byte) ([]models.StockRecord, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyWorkbook
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows from xlsx: %w", err)
	}
	if len(rows) < 2 {
		return nil, ErrEmptyWorkbook
	}

	var out []models.StockRecord
	for i, row := range rows[1:] {
		line := i + 2
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		cell := func(idx int) string {
			if idx < len(row) {
				return strings.TrimSpace(row[idx])
			}
			return ""
		}

		category, err := models.ParseCategory(cell(1))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}
		price, err := strconv.ParseFloat(orZero(cell(2)), 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w: invalid price %q", line, models.ErrInvalidStock, cell(2))
		}
		quantity, err := strconv.Atoi(orZero(cell(3)))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w: invalid quantity %q", line, models.ErrInvalidStock, cell(3))
		}

		rec := models.StockRecord{
			Name:        cell(0),
			Category:    category,
			Price:       price,
			Quantity:    quantity,
			Description: cell(4),
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if len(out) == 0 {
		return nil, ErrEmptyWorkbook
	}
	return out, nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
