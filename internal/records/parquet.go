package records

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/parquet-go/parquet-go"
)

// parquetRow is the on-disk shape of a record in a parquet store. Columns
// unknown to the pipeline travel in the two parallel extra lists.
type parquetRow struct {
	UniqueID        string `parquet:"unique_id"`
	Title           string `parquet:"titel,optional"`
	Creator         string `parquet:"vervaardiger,optional"`
	Date            string `parquet:"datum,optional"`
	Dimensions      string `parquet:"afmetingen,optional"`
	Description     string `parquet:"inhoud,optional"`
	Type            string `parquet:"type,optional"`
	Classification  string `parquet:"classificatie,optional"`
	InstitutionNote string `parquet:"aanwezig_in,optional"`
	OriginalNote    string `parquet:"origineel,optional"`
	ImageURL        string `parquet:"image_url,optional"`
	DetailURL       string `parquet:"detail_url,optional"`
	LocalImagePath  string `parquet:"local_image_path,optional"`
	Filename        string `parquet:"WikiCommonsFilename,optional"`
	ExtraCategories string `parquet:"commons_categories,optional"`

	UploadedURL         string `parquet:"CommonsURL,optional"`
	EntityURL           string `parquet:"CommonsMidURL,optional"`
	CaptionAdded        bool   `parquet:"caption_added"`
	StatementsAdded     bool   `parquet:"statements_added"`
	StructuredDataAdded bool   `parquet:"structured_data_added"`

	// PublicDomain marks the eligible subset.
	PublicDomain bool `parquet:"public_domain"`

	ExtraNames  []string `parquet:"extra_column_names,list"`
	ExtraValues []string `parquet:"extra_column_values,list"`
}

type parquetBackend struct{}

func (parquetBackend) load(path string) (*table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet: %w", err)
	}
	slog.Debug("Parquet store opened", "num_rows", pf.NumRows(), "num_row_groups", len(pf.RowGroups()))

	reader := parquet.NewGenericReader[parquetRow](pf)
	defer reader.Close()

	t := &table{allSheet: allSheetName, columns: append([]string(nil), KnownColumns...), eligible: []string{}}
	seen := make(map[string]bool)
	for _, c := range KnownColumns {
		seen[c] = true
	}

	rows := make([]parquetRow, 128)
	for {
		n, err := reader.Read(rows)
		for _, row := range rows[:n] {
			rec := row.record()
			t.records = append(t.records, rec)
			if row.PublicDomain {
				t.eligible = append(t.eligible, rec.UniqueID)
			}
			for _, name := range row.ExtraNames {
				if !seen[name] {
					seen[name] = true
					t.columns = append(t.columns, name)
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
	}

	return t, nil
}

func (parquetBackend) save(path string, t *table) error {
	eligible := make(map[string]bool, len(t.eligible))
	for _, id := range t.eligible {
		eligible[id] = true
	}

	rows := make([]parquetRow, 0, len(t.records))
	for _, rec := range t.records {
		row := newParquetRow(rec, t.columns)
		row.PublicDomain = eligible[rec.UniqueID]
		rows = append(rows, row)
	}

	return writeAtomic(path, func(out *os.File) error {
		w := parquet.NewGenericWriter[parquetRow](out)
		if _, err := w.Write(rows); err != nil {
			return fmt.Errorf("failed to write parquet rows: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("failed to close parquet writer: %w", err)
		}
		return nil
	})
}

func (row parquetRow) record() *Record {
	rec := &Record{
		UniqueID:            row.UniqueID,
		Title:               row.Title,
		Creator:             row.Creator,
		Date:                row.Date,
		Dimensions:          row.Dimensions,
		Description:         row.Description,
		Type:                row.Type,
		Classification:      row.Classification,
		InstitutionNote:     row.InstitutionNote,
		OriginalNote:        row.OriginalNote,
		ImageURL:            row.ImageURL,
		DetailURL:           row.DetailURL,
		LocalImagePath:      row.LocalImagePath,
		Filename:            row.Filename,
		ExtraCategories:     row.ExtraCategories,
		UploadedURL:         row.UploadedURL,
		EntityURL:           row.EntityURL,
		CaptionAdded:        row.CaptionAdded,
		StatementsAdded:     row.StatementsAdded,
		StructuredDataAdded: row.StructuredDataAdded,
	}
	for i, name := range row.ExtraNames {
		if i < len(row.ExtraValues) {
			rec.set(name, row.ExtraValues[i])
		}
	}
	return rec
}

func newParquetRow(rec *Record, columns []string) parquetRow {
	row := parquetRow{
		UniqueID:            rec.UniqueID,
		Title:               rec.Title,
		Creator:             rec.Creator,
		Date:                rec.Date,
		Dimensions:          rec.Dimensions,
		Description:         rec.Description,
		Type:                rec.Type,
		Classification:      rec.Classification,
		InstitutionNote:     rec.InstitutionNote,
		OriginalNote:        rec.OriginalNote,
		ImageURL:            rec.ImageURL,
		DetailURL:           rec.DetailURL,
		LocalImagePath:      rec.LocalImagePath,
		Filename:            rec.Filename,
		ExtraCategories:     rec.ExtraCategories,
		UploadedURL:         rec.UploadedURL,
		EntityURL:           rec.EntityURL,
		CaptionAdded:        rec.CaptionAdded,
		StatementsAdded:     rec.StatementsAdded,
		StructuredDataAdded: rec.StructuredDataAdded,
	}
	for _, col := range columns {
		if isKnownColumn(col) {
			continue
		}
		if v, ok := rec.Extra[col]; ok {
			row.ExtraNames = append(row.ExtraNames, col)
			row.ExtraValues = append(row.ExtraValues, v)
		}
	}
	return row
}
