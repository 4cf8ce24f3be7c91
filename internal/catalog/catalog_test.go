package catalog

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/mybookshelf/pricewatch/internal/model"
)

const sampleCSV = `id,Title,affiliate_link,price,status
dune,Dune,https://www.amazon.com/dp/0441172717?tag=shelf-20,"$1,009.99",
emma,Emma,,4.50,out_of_stock
,,https://www.amazon.com/dp/B000000000,3.00,
bad,Bad Price,,abc,
,,,,
odd,Odd Status,,1,discontinued
`

func TestReadCSV(t *testing.T) {
	res, err := ReadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	require.Len(t, res.Items, 2)
	dune := res.Items[0]
	assert.Equal(t, "dune", dune.ID)
	assert.Equal(t, "0441172717", dune.ASIN)
	assert.True(t, dune.CurrentPrice.Equal(decimal.RequireFromString("1009.99")))
	assert.Equal(t, model.PriceStatusInStock, dune.PriceStatus)

	emma := res.Items[1]
	assert.Equal(t, model.PriceStatusOutOfStock, emma.PriceStatus)
	assert.Empty(t, emma.ASIN)

	require.Len(t, res.Skipped, 3)
	assert.Equal(t, RowError{Row: 4, Err: "missing title"}, res.Skipped[0])
	assert.Equal(t, 5, res.Skipped[1].Row)
	assert.Contains(t, res.Skipped[1].Err, "invalid price")
	assert.Equal(t, 7, res.Skipped[2].Row)
	assert.Contains(t, res.Skipped[2].Err, "unknown status")
}

func TestReadCSV_RequiresTitleColumn(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("id,asin\n1,B000000001\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no title column")
}

func TestReadFile_XLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.xlsx")
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("items")
	require.NoError(t, err)
	for _, r := range [][]string{
		{"name", "amazon_asin", "current_price"},
		{"Journal", "b08journal", "12.00"},
	} {
		row := sheet.AddRow()
		for _, v := range r {
			row.AddCell().SetString(v)
		}
	}
	require.NoError(t, f.Save(path))

	res, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Journal", res.Items[0].Title)
	assert.Equal(t, "B08JOURNAL", res.Items[0].ASIN)
	assert.True(t, res.Items[0].CurrentPrice.Equal(decimal.NewFromInt(12)))
}

func TestReadFile_CSVAndUnsupported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "items.csv")
	require.NoError(t, os.WriteFile(path, []byte("title\nDune\n"), 0o600))

	res, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, res.Items, 1)

	_, err = ReadFile(filepath.Join(dir, "items.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")
}

func sampleHistory() []model.HistoryRecord {
	at := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)
	return []model.HistoryRecord{
		model.NewHistoryRecord("dune", decimal.RequireFromString("10"), decimal.RequireFromString("11.5"), model.HistorySourceAutomated, "", at),
		model.NewHistoryRecord("emma", decimal.Zero, decimal.RequireFromString("4.5"), model.HistorySourceAdminApproved, "restock", at),
	}
}

func TestWriteHistoryCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHistoryCSV(&buf, sampleHistory()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "recorded_at,item_id,old_price,new_price,change_amount,change_percent,source,notes", lines[0])
	assert.Equal(t, "2026-04-01T06:00:00Z,dune,10.00,11.50,1.50,15.00,automated,", lines[1])
	assert.Equal(t, "2026-04-01T06:00:00Z,emma,0.00,4.50,4.50,,admin_approved,restock", lines[2])
}

func TestWriteHistoryXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHistoryXLSX(&buf, sampleHistory()))

	f, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, f.Sheets, 1)
	rows := f.Sheets[0].Rows
	require.Len(t, rows, 3)
	assert.Equal(t, "item_id", rows[0].Cells[1].String())
	assert.Equal(t, "11.50", rows[1].Cells[3].String())
}
