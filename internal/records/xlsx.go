package records

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/xuri/excelize/v2"
)

// xlsxBackend stores the full sheet and the public-domain-files subset in
// one workbook.
type xlsxBackend struct{}

func (xlsxBackend) load(path string) (*table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook %s has no sheets", path)
	}
	allSheet := sheets[0]
	hasEligible := false
	for _, name := range sheets {
		switch name {
		case allSheetName:
			allSheet = name
		case eligibleSheetName:
			hasEligible = true
		}
	}

	rows, err := f.GetRows(allSheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", allSheet, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %s has no header row", allSheet)
	}

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.TrimSpace(h)
	}

	t := &table{allSheet: allSheet}
	for _, h := range header {
		if h != "" {
			t.columns = append(t.columns, h)
		}
	}

	for i, row := range rows[1:] {
		if isBlankRow(row) {
			continue
		}
		rec, err := recordFromRow(header, row, i+2)
		if err != nil {
			return nil, err
		}
		t.records = append(t.records, rec)
	}

	if hasEligible {
		ids, err := sheetIDs(f, eligibleSheetName)
		if err != nil {
			return nil, err
		}
		t.eligible = ids
	} else {
		slog.Debug("Workbook has no eligible sheet", "path", path, "sheet", eligibleSheetName)
	}

	return t, nil
}

func recordFromRow(header, row []string, rowNum int) (*Record, error) {
	rec := &Record{}
	for i, col := range header {
		if col == "" {
			continue
		}
		var raw string
		if i < len(row) {
			raw = row[i]
		}
		if isFlagColumn(col) {
			v, err := parseFlag(raw, rowNum, col)
			if err != nil {
				return nil, err
			}
			rec.setFlag(col, v)
			continue
		}
		if isKnownColumn(col) {
			rec.setCell(col, raw)
			continue
		}
		// Unknown columns are kept byte for byte.
		rec.set(col, raw)
	}
	return rec, nil
}

func isKnownColumn(col string) bool {
	return slices.Contains(KnownColumns, col)
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func sheetIDs(f *excelize.File, sheet string) ([]string, error) {
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
	}
	ids := []string{}
	if len(rows) == 0 {
		return ids, nil
	}
	idCol := -1
	for i, h := range rows[0] {
		if strings.TrimSpace(h) == ColUniqueID {
			idCol = i
			break
		}
	}
	if idCol < 0 {
		return nil, fmt.Errorf("sheet %s has no %s column", sheet, ColUniqueID)
	}
	for _, row := range rows[1:] {
		if idCol < len(row) {
			if id := cleanCell(row[idCol]); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (xlsxBackend) save(path string, t *table) error {
	f := excelize.NewFile()
	defer f.Close()

	allSheet := t.allSheet
	if allSheet == "" {
		allSheet = allSheetName
	}
	if err := f.SetSheetName("Sheet1", allSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if err := writeSheet(f, allSheet, t.columns, t.records); err != nil {
		return err
	}

	if t.eligible != nil {
		byID := make(map[string]*Record, len(t.records))
		for _, r := range t.records {
			byID[r.UniqueID] = r
		}
		subset := make([]*Record, 0, len(t.eligible))
		for _, id := range t.eligible {
			if r, ok := byID[id]; ok {
				subset = append(subset, r)
			}
		}
		if _, err := f.NewSheet(eligibleSheetName); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", eligibleSheetName, err)
		}
		if err := writeSheet(f, eligibleSheetName, t.columns, subset); err != nil {
			return err
		}
	}

	return writeAtomic(path, func(out *os.File) error {
		if err := f.Write(out); err != nil {
			return fmt.Errorf("failed to write workbook: %w", err)
		}
		return nil
	})
}

func writeSheet(f *excelize.File, sheet string, columns []string, recs []*Record) error {
	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header of %s: %w", sheet, err)
	}

	for i, rec := range recs {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := make([]any, len(columns))
		for j, col := range columns {
			if isFlagColumn(col) {
				values[j] = rec.flag(col)
				continue
			}
			values[j] = rec.cell(col)
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("failed to write row %d of %s: %w", i+2, sheet, err)
		}
	}
	return nil
}
