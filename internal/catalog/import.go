// Package catalog reads catalog spreadsheets and writes price history exports.
package catalog

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/tealeg/xlsx/v2"

	"github.com/mybookshelf/pricewatch/internal/fetcher"
	"github.com/mybookshelf/pricewatch/internal/model"
)

// Header aliases accepted for each item field.
var columnAliases = map[string]string{
	"id":             "id",
	"item_id":        "id",
	"title":          "title",
	"name":           "title",
	"asin":           "asin",
	"amazon_asin":    "asin",
	"affiliate_link": "affiliate_link",
	"link":           "affiliate_link",
	"url":            "affiliate_link",
	"price":          "price",
	"current_price":  "price",
	"status":         "status",
	"price_status":   "status",
}

// RowError describes a spreadsheet row that could not be imported.
type RowError struct {
	Row int    `json:"row"`
	Err string `json:"error"`
}

// ImportResult is the parsed content of a catalog file.
type ImportResult struct {
	Items   []model.Item `json:"items"`
	Skipped []RowError   `json:"skipped,omitempty"`
}

// ReadFile parses a .csv or .xlsx catalog file by extension.
func ReadFile(path string) (*ImportResult, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "catalog: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		return ReadCSV(f)
	case ".xlsx":
		return ReadXLSX(path)
	default:
		return nil, eris.Errorf("catalog: unsupported file type %q", filepath.Ext(path))
	}
}

// ReadCSV parses a catalog from CSV with a header row.
func ReadCSV(r io.Reader) (*ImportResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "catalog: read csv")
	}
	return parseRows(rows)
}

// ReadXLSX parses a catalog from the first sheet of a workbook.
func ReadXLSX(path string) (*ImportResult, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: open workbook %s", path)
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("catalog: workbook %s has no sheets", path)
	}

	sheet := f.Sheets[0]
	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for i, cell := range row.Cells {
			cells[i] = cell.String()
		}
		rows = append(rows, cells)
	}
	return parseRows(rows)
}

func parseRows(rows [][]string) (*ImportResult, error) {
	if len(rows) == 0 {
		return nil, eris.New("catalog: file is empty")
	}

	index := map[string]int{}
	for i, h := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(h))
		if field, ok := columnAliases[key]; ok {
			if _, dup := index[field]; !dup {
				index[field] = i
			}
		}
	}
	if _, ok := index["title"]; !ok {
		return nil, eris.New("catalog: header has no title column")
	}

	res := &ImportResult{}
	for n, row := range rows[1:] {
		rowNum := n + 2
		get := func(field string) string {
			i, ok := index[field]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		if isBlank(row) {
			continue
		}

		it, err := itemFromRow(get)
		if err != nil {
			res.Skipped = append(res.Skipped, RowError{Row: rowNum, Err: err.Error()})
			continue
		}
		res.Items = append(res.Items, it)
	}
	return res, nil
}

func itemFromRow(get func(string) string) (model.Item, error) {
	it := model.Item{
		ID:            get("id"),
		Title:         get("title"),
		ASIN:          strings.ToUpper(get("asin")),
		AffiliateLink: get("affiliate_link"),
		PriceStatus:   model.PriceStatus(strings.ToLower(get("status"))),
	}
	if it.Title == "" {
		return it, eris.New("missing title")
	}
	if it.ASIN == "" {
		it.ASIN = fetcher.ExtractASIN(it.AffiliateLink)
	}
	if it.PriceStatus == "" {
		it.PriceStatus = model.PriceStatusInStock
	}
	if !it.PriceStatus.Valid() {
		return it, eris.Errorf("unknown status %q", it.PriceStatus)
	}

	if raw := strings.TrimPrefix(get("price"), "$"); raw != "" {
		price, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
		if err != nil {
			return it, eris.Errorf("invalid price %q", raw)
		}
		if price.IsNegative() {
			return it, eris.Errorf("negative price %s", raw)
		}
		it.CurrentPrice = price
	}
	return it, nil
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
