package catalog

import (
	"encoding/csv"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/mybookshelf/pricewatch/internal/model"
)

var historyHeader = []string{
	"recorded_at", "item_id", "old_price", "new_price", "change_amount", "change_percent", "source", "notes",
}

func historyRow(rec model.HistoryRecord) []string {
	pct := ""
	if rec.ChangePercent != nil {
		pct = rec.ChangePercent.StringFixed(2)
	}
	return []string{
		rec.RecordedAt.UTC().Format(time.RFC3339),
		rec.ItemID,
		rec.OldPrice.StringFixed(2),
		rec.NewPrice.StringFixed(2),
		rec.ChangeAmount.StringFixed(2),
		pct,
		string(rec.Source),
		rec.Notes,
	}
}

// WriteHistoryCSV writes history records as CSV with a header row.
func WriteHistoryCSV(w io.Writer, records []model.HistoryRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(historyHeader); err != nil {
		return eris.Wrap(err, "catalog: write csv header")
	}
	for _, rec := range records {
		if err := cw.Write(historyRow(rec)); err != nil {
			return eris.Wrap(err, "catalog: write csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "catalog: flush csv")
}

// WriteHistoryXLSX writes history records to a single-sheet workbook.
func WriteHistoryXLSX(w io.Writer, records []model.HistoryRecord) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("price_history")
	if err != nil {
		return eris.Wrap(err, "catalog: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range historyHeader {
		header.AddCell().SetString(h)
	}
	for _, rec := range records {
		row := sheet.AddRow()
		for _, v := range historyRow(rec) {
			row.AddCell().SetString(v)
		}
	}
	return eris.Wrap(f.Write(w), "catalog: write workbook")
}
