package wikitext

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kbnl/beeldbank-commons/internal/records"
)

// MaxFilenameBytes is the MediaWiki title limit minus room for the namespace.
const MaxFilenameBytes = 240

var yearPattern = regexp.MustCompile(`\b(1[0-9]{3}|20[0-9]{2})\b`)

// ResolveFilename returns the Commons file name for a record. A curated
// WikiCommonsFilename wins; otherwise the name is built as
// "<title>[, <date>] - <unique_id><ext>".
func ResolveFilename(rec *records.Record) string {
	if curated := Sanitize(rec.Filename); curated != "" {
		return curated
	}

	ext := assetExt(rec)
	if ext == "" {
		ext = ".jpg"
	}
	suffix := " - " + Sanitize(rec.UniqueID) + ext

	title := Sanitize(rec.Title)
	if title == "" {
		title = CollectionName
	}
	if date := Sanitize(rec.Date); date != "" && !mentionsDate(title, date) {
		title += ", " + date
	}

	title = truncateBytes(title, MaxFilenameBytes-len(suffix))
	return title + suffix
}

// mentionsDate reports whether title already carries the date's year, or
// the whole date when it has no year.
func mentionsDate(title, date string) bool {
	year := yearPattern.FindString(date)
	if year == "" {
		return strings.Contains(title, date)
	}
	return strings.Contains(title, year)
}

// Sanitize removes characters MediaWiki does not allow in titles, drops
// double quotes and collapses whitespace.
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '#', '<', '>', '[', ']', '|', '{', '}', '/', ':', '"':
			return -1
		}
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func truncateBytes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	cut := 0
	for i, r := range s {
		if i+utf8.RuneLen(r) > limit {
			break
		}
		cut = i + utf8.RuneLen(r)
	}
	return strings.TrimRight(s[:cut], " ,.-")
}
