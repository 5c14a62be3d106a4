package records

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kbnl/beeldbank-commons/internal/pipeline"
)

// Sheet selects a subset of the store.
type Sheet string

const (
	SheetAll      Sheet = "all"
	SheetEligible Sheet = "eligible"

	allSheetName      = "all"
	eligibleSheetName = "public-domain-files"
)

// ParseSheet accepts "all" or "eligible".
func ParseSheet(s string) (Sheet, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return SheetAll, nil
	case "eligible", eligibleSheetName:
		return SheetEligible, nil
	}
	return "", fmt.Errorf("unknown sheet %q (want all or eligible)", s)
}

// ErrUnknownRecord is returned when an id is not in the store.
var ErrUnknownRecord = errors.New("unknown record")

// backend reads and writes one file format.
type backend interface {
	load(path string) (*table, error)
	save(path string, t *table) error
}

// table is the format independent content of a store file.
type table struct {
	allSheet string
	columns  []string
	records  []*Record
	// eligible lists ids of the eligible subset in file order. Nil means the
	// file has no eligible subset.
	eligible []string
}

// Store is the authoritative record set. It has a single writer.
type Store struct {
	path    string
	backend backend
	table   *table
	byID    map[string]*Record
}

// New creates a store over recs that saves to path. eligible lists the ids
// of the eligible subset; nil means the store has none.
func New(path string, recs []*Record, eligible []string) (*Store, error) {
	b, err := backendFor(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, backend: b, table: &table{
		allSheet: allSheetName,
		columns:  append([]string(nil), KnownColumns...),
		records:  recs,
		eligible: eligible,
	}}
	if err := s.index(); err != nil {
		return nil, err
	}
	for _, r := range recs {
		for col := range r.Extra {
			if !isKnownColumn(col) && !slices.Contains(s.table.columns, col) {
				s.table.columns = append(s.table.columns, col)
			}
		}
	}
	return s, nil
}

// Open loads a store from an .xlsx or .parquet file.
func Open(path string) (*Store, error) {
	b, err := backendFor(path)
	if err != nil {
		return nil, err
	}

	slog.Debug("Opening record store", "path", path)
	t, err := b.load(path)
	if err != nil {
		return nil, err
	}

	s := &Store{path: path, backend: b, table: t}
	if err := s.index(); err != nil {
		return nil, err
	}
	s.table.columns = withKnownColumns(s.table.columns)

	slog.Debug("Record store loaded", "records", len(t.records), "eligible", len(t.eligible))
	return s, nil
}

func backendFor(path string) (backend, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".xlsx":
		return xlsxBackend{}, nil
	case ".parquet":
		return parquetBackend{}, nil
	default:
		return nil, fmt.Errorf("unsupported store format: %s (supported: .xlsx, .parquet)", ext)
	}
}

var validate = validator.New()

// index validates every row and builds the id lookup.
func (s *Store) index() error {
	s.byID = make(map[string]*Record, len(s.table.records))
	for i, rec := range s.table.records {
		// Header is row 1.
		row := i + 2
		if err := validate.Struct(rec); err != nil {
			return fmt.Errorf("invalid record at row %d: %w", row, err)
		}
		if _, dup := s.byID[rec.UniqueID]; dup {
			return fmt.Errorf("duplicate unique_id %q at row %d", rec.UniqueID, row)
		}
		normaliseFlags(rec)
		s.byID[rec.UniqueID] = rec
	}

	var eligible []string
	for _, id := range s.table.eligible {
		if _, ok := s.byID[id]; !ok {
			slog.Warn("Eligible record missing from the full sheet, dropping it", "id", id)
			continue
		}
		eligible = append(eligible, id)
	}
	if s.table.eligible != nil {
		if eligible == nil {
			eligible = []string{}
		}
		s.table.eligible = eligible
	}
	return nil
}

// normaliseFlags keeps StructuredDataAdded equal to the conjunction of the
// two sub-flags. Stores written before the sub-flags existed only carry the
// combined flag.
func normaliseFlags(rec *Record) {
	if rec.StructuredDataAdded && !rec.CaptionAdded && !rec.StatementsAdded {
		rec.CaptionAdded = true
		rec.StatementsAdded = true
	}
	rec.StructuredDataAdded = rec.CaptionAdded && rec.StatementsAdded
}

func withKnownColumns(columns []string) []string {
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		seen[c] = true
	}
	for _, c := range KnownColumns {
		if !seen[c] {
			columns = append(columns, c)
		}
	}
	return columns
}

// Path returns the file the store was loaded from.
func (s *Store) Path() string { return s.path }

// Columns returns the column order used when saving.
func (s *Store) Columns() []string { return append([]string(nil), s.table.columns...) }

// Len returns the number of records on the full sheet.
func (s *Store) Len() int { return len(s.table.records) }

// Get returns the record with the given id.
func (s *Store) Get(id string) (*Record, error) {
	rec, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecord, id)
	}
	return rec, nil
}

// Records returns the records of a sheet in file order.
func (s *Store) Records(sheet Sheet) ([]*Record, error) {
	if sheet != SheetEligible {
		return append([]*Record(nil), s.table.records...), nil
	}
	if s.table.eligible == nil {
		return nil, fmt.Errorf("store %s has no %q sheet", s.path, eligibleSheetName)
	}
	out := make([]*Record, 0, len(s.table.eligible))
	for _, id := range s.table.eligible {
		out = append(out, s.byID[id])
	}
	return out, nil
}

// Range returns records [start, end) of a sheet, clamped to its length.
func (s *Store) Range(sheet Sheet, start, end int) ([]*Record, error) {
	recs, err := s.Records(sheet)
	if err != nil {
		return nil, err
	}
	if start < 0 || end < start {
		return nil, fmt.Errorf("invalid range [%d, %d)", start, end)
	}
	if start > len(recs) {
		start = len(recs)
	}
	if end > len(recs) {
		end = len(recs)
	}
	return recs[start:end], nil
}

// IsEligible reports whether id is on the eligible sheet.
func (s *Store) IsEligible(id string) bool {
	return slices.Contains(s.table.eligible, id)
}

// MarkUploaded records a successful publish. The uploaded URL is set once;
// a second call with a different URL is refused.
func (s *Store) MarkUploaded(id, uploadedURL, entityURL string) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	if rec.IsUploaded() && rec.UploadedURL != uploadedURL {
		return fmt.Errorf("record %s already uploaded as %s", id, rec.UploadedURL)
	}
	rec.UploadedURL = uploadedURL
	if entityURL != "" && rec.EntityURL == "" {
		rec.EntityURL = entityURL
	}
	return nil
}

// SetEntityURL fills in a missing entity URL.
func (s *Store) SetEntityURL(id, entityURL string) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	if rec.EntityURL == "" {
		rec.EntityURL = entityURL
	}
	return nil
}

// MarkCaption sets the caption sub-flag.
func (s *Store) MarkCaption(id string) error {
	return s.SetFlags(id, true, s.flagOr(id, ColStatementsAdded))
}

// MarkStatements sets the statements sub-flag.
func (s *Store) MarkStatements(id string) error {
	return s.SetFlags(id, s.flagOr(id, ColCaptionAdded), true)
}

func (s *Store) flagOr(id, col string) bool {
	if rec, ok := s.byID[id]; ok {
		return rec.flag(col)
	}
	return false
}

// SetFlags overwrites both sub-flags and recomputes the combined flag.
func (s *Store) SetFlags(id string, caption, statements bool) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	rec.CaptionAdded = caption
	rec.StatementsAdded = statements
	rec.StructuredDataAdded = caption && statements
	return nil
}

// Save rewrites the store file atomically. Failures wrap
// pipeline.ErrPersistence.
func (s *Store) Save() error {
	if err := s.backend.save(s.path, s.table); err != nil {
		return fmt.Errorf("failed to save %s: %w: %w", s.path, pipeline.ErrPersistence, err)
	}
	slog.Debug("Record store saved", "path", s.path, "records", len(s.table.records))
	return nil
}

// Export writes the chosen sheet to another file, in the format implied by
// its extension.
func (s *Store) Export(path string, sheet Sheet) error {
	b, err := backendFor(path)
	if err != nil {
		return err
	}
	recs, err := s.Records(sheet)
	if err != nil {
		return err
	}
	t := &table{allSheet: allSheetName, columns: s.table.columns, records: recs}
	if s.table.eligible != nil {
		t.eligible = s.table.eligible
		if sheet == SheetEligible {
			t.eligible = nil
			for _, r := range recs {
				t.eligible = append(t.eligible, r.UniqueID)
			}
		}
	}
	if err := b.save(path, t); err != nil {
		return fmt.Errorf("failed to export to %s: %w", path, err)
	}
	return nil
}

// CheckFilenames verifies that resolve maps the records of universe to
// pairwise distinct filenames. Only collisions involving a record of run
// are reported; a nil run checks everything.
func CheckFilenames(universe, run []*Record, resolve func(*Record) string) error {
	var inRun map[string]bool
	if run != nil {
		inRun = make(map[string]bool, len(run))
		for _, r := range run {
			inRun[r.UniqueID] = true
		}
	}

	owners := make(map[string][]string)
	var order []string
	for _, r := range universe {
		name := resolve(r)
		if strings.TrimSpace(name) == "" {
			if inRun == nil || inRun[r.UniqueID] {
				return fmt.Errorf("record %s resolves to an empty filename: %w", r.UniqueID, pipeline.ErrPrecondition)
			}
			continue
		}
		// Commons treats the first letter case-insensitively.
		key := canonicalTitle(name)
		if _, ok := owners[key]; !ok {
			order = append(order, key)
		}
		owners[key] = append(owners[key], r.UniqueID)
	}

	var dups []*pipeline.DuplicateFilenameError
	for _, key := range order {
		ids := owners[key]
		if len(ids) < 2 || !involves(ids, inRun) {
			continue
		}
		dups = append(dups, &pipeline.DuplicateFilenameError{Filename: key, IDs: ids})
	}
	if len(dups) == 0 {
		return nil
	}
	sort.SliceStable(dups, func(i, j int) bool { return dups[i].Filename < dups[j].Filename })
	for _, d := range dups {
		slog.Error("Duplicate target filename", "filename", d.Filename, "ids", d.IDs)
	}
	return dups[0]
}

func involves(ids []string, inRun map[string]bool) bool {
	if inRun == nil {
		return true
	}
	for _, id := range ids {
		if inRun[id] {
			return true
		}
	}
	return false
}

func canonicalTitle(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "_", " ")
	if name == "" {
		return name
	}
	r := []rune(name)
	return strings.ToUpper(string(r[0])) + string(r[1:])
}

func parseFlag(raw string, row int, col string) (bool, error) {
	raw = cleanCell(raw)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("row %d: column %s: invalid boolean %q", row, col, raw)
	}
	return v, nil
}

// writeAtomic writes through a temp file in the same directory and renames
// it over path.
func writeAtomic(path string, write func(f *os.File) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
