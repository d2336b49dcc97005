package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/xuri/excelize/v2"
)

const xlsxSheet = "Results"

// XLSX writes every Append as a new workbook in dir. The header row is the
// sorted union of the rows' columns.
type XLSX struct {
	dir    string
	prefix string
	seq    atomic.Int64
	now    func() time.Time
}

func NewXLSX(dir, prefix string) (*XLSX, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sink dir: %w", err)
	}
	return &XLSX{dir: dir, prefix: prefix, now: time.Now}, nil
}

func (s *XLSX) Append(_ context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	cols := Columns(rows)

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", xlsxSheet); err != nil {
		return err
	}

	for i, c := range cols {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(xlsxSheet, cell, c); err != nil {
			return err
		}
	}
	for r, row := range rows {
		for i, c := range cols {
			v, ok := row[c]
			if !ok || v == nil {
				continue
			}
			cell, _ := excelize.CoordinatesToCellName(i+1, r+2)
			if err := f.SetCellValue(xlsxSheet, cell, cellValue(v)); err != nil {
				return err
			}
		}
	}

	name := fmt.Sprintf("%s-%s-%04d.xlsx", s.prefix, s.now().UTC().Format("20060102T150405"), s.seq.Add(1))
	if err := f.SaveAs(filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

// cellValue flattens nested values to JSON text; scalars pass through.
func cellValue(v any) any {
	switch v.(type) {
	case map[string]any, []any, []string:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return v
}
