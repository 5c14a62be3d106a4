// Package exclusions loads the curated list of categories that must not be
// applied to specific records.
package exclusions

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
)

// Filter maps a category to the record ids it is excluded from. It is
// read-only after Load. A nil *Filter excludes nothing.
type Filter struct {
	byCategory map[string]map[string]struct{}
}

// exportFile is the shape written by the curation pages.
type exportFile struct {
	CategoryExclusions map[string][]string `json:"category_exclusions"`
}

// Load reads an exclusion file. A missing or malformed file yields an empty
// filter and a warning.
func Load(path string) *Filter {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("Category exclusion file not found, applying no exclusions", "path", path)
		} else {
			slog.Warn("Failed to read category exclusion file, applying no exclusions", "path", path, "error", err)
		}
		return Empty()
	}

	f, err := Parse(data)
	if err != nil {
		slog.Warn("Malformed category exclusion file, applying no exclusions", "path", path, "error", err)
		return Empty()
	}

	slog.Info("Loaded category exclusions", "path", path, "categories", len(f.byCategory), "pairs", f.Len())
	return f
}

// Parse accepts either {"category_exclusions": {cat: [ids]}} or a flat
// {cat: [ids]} object.
func Parse(data []byte) (*Filter, error) {
	var wrapped exportFile
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.CategoryExclusions != nil {
		return New(wrapped.CategoryExclusions), nil
	}

	var flat map[string][]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, err
	}
	return New(flat), nil
}

// New builds a filter from category -> ids.
func New(m map[string][]string) *Filter {
	f := Empty()
	for cat, ids := range m {
		cat = normalise(cat)
		if cat == "" {
			continue
		}
		set := f.byCategory[cat]
		if set == nil {
			set = make(map[string]struct{}, len(ids))
			f.byCategory[cat] = set
		}
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				set[id] = struct{}{}
			}
		}
	}
	return f
}

// Empty returns a filter that excludes nothing.
func Empty() *Filter {
	return &Filter{byCategory: make(map[string]map[string]struct{})}
}

// IsExcluded reports whether category must be dropped for id.
func (f *Filter) IsExcluded(id, category string) bool {
	if f == nil {
		return false
	}
	_, ok := f.byCategory[normalise(category)][id]
	return ok
}

// Apply splits categories into those kept and those dropped for id.
func (f *Filter) Apply(id string, categories []string) (kept, dropped []string) {
	for _, c := range categories {
		if f.IsExcluded(id, c) {
			dropped = append(dropped, c)
			continue
		}
		kept = append(kept, c)
	}
	return kept, dropped
}

// Len returns the number of (category, id) pairs.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	n := 0
	for _, ids := range f.byCategory {
		n += len(ids)
	}
	return n
}

func normalise(category string) string {
	category = strings.TrimSpace(category)
	category = strings.TrimPrefix(category, "Category:")
	return strings.TrimSpace(strings.ReplaceAll(category, "_", " "))
}
