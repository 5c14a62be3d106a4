package wikitext

import (
	"strings"

	"github.com/kbnl/beeldbank-commons/internal/records"
)

// Categories returns the categories of a record before exclusions: the
// collection category, categories mapped from classification codes, then
// the curated commons_categories. Duplicates keep their first position.
func Categories(rec *records.Record, mapping map[string]string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(c string) {
		c = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(c), "Category:"))
		if c == "" || seen[c] {
			return
		}
		seen[c] = true
		out = append(out, c)
	}

	add(BaseCategory)
	for _, code := range ClassificationCodes(rec.Classification) {
		if label, ok := mapping[code]; ok {
			add(label)
		}
	}
	for _, c := range rec.CuratedCategories() {
		add(c)
	}
	return out
}

// ClassificationCodes extracts the codes of a classificatie value such as
// "C: Typografie; D: Drukken".
func ClassificationCodes(raw string) []string {
	var codes []string
	for _, seg := range strings.Split(raw, ";") {
		code, _, _ := strings.Cut(seg, ":")
		code = strings.ToUpper(strings.TrimSpace(code))
		if code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}
