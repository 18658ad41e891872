// Package export writes scored products to spreadsheet files.
package export

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/product-scout/internal/store"
)

// SheetName is the worksheet the scores are written to.
const SheetName = "Opportunities"

// Header is the first row of the exported sheet.
var Header = []string{
	"Product ID", "Name", "Category", "Tier", "Composite", "Velocity",
	"Margin", "Saturation", "Confidence", "Signals", "Computed At",
}

// WriteXLSX writes one row per scored product, in the given order.
func WriteXLSX(path string, scores []store.ProductScore) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	row := sheet.AddRow()
	for _, h := range Header {
		row.AddCell().SetString(h)
	}

	for _, ps := range scores {
		snap := ps.Snapshot
		row := sheet.AddRow()
		row.AddCell().SetString(ps.Product.ID)
		row.AddCell().SetString(ps.Product.CanonicalName)
		row.AddCell().SetString(ps.Product.Category)
		row.AddCell().SetString(string(snap.Tier()))
		for _, v := range []float64{snap.Composite, snap.Velocity, snap.Margin, snap.Saturation, snap.Confidence} {
			row.AddCell().SetFloat(v)
		}
		row.AddCell().SetString(strings.Join(snap.Signals, ","))
		row.AddCell().SetString(snap.ComputedAt.UTC().Format(time.RFC3339))
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}

// ReadXLSX returns every row of the export sheet as strings.
func ReadXLSX(path string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "export: open file")
	}
	sheet, ok := f.Sheet[SheetName]
	if !ok {
		return nil, eris.Errorf("export: sheet %q not found", SheetName)
	}

	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}
