// Package wikitext renders the Commons file page, the structured data
// statements and the target filename of a record. Everything here is pure.
package wikitext

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kbnl/beeldbank-commons/internal/pipeline"
	"github.com/kbnl/beeldbank-commons/internal/records"
)

const (
	Institution     = "{{Institution:Koninklijke Bibliotheek}}"
	License         = "{{PD-US-expired|PD-old-70}}"
	SourceTemplate  = "{{Koninklijke Bibliotheek}}"
	CollectionName  = "Beeldbank Nederlandse Boekgeschiedenis"
	BaseCategory    = CollectionName
	SourceLanguage  = "nl"
	notesPrefix     = "Origineel: "
	identifierLabel = CollectionName + " Identifier"
)

// param is one "| name = value" line of the Artwork template.
type param struct {
	name  string
	value string
}

// RenderDescription builds the file description page. Optional template
// parameters are left out when their field is blank. The source parameter
// is mandatory.
func RenderDescription(rec *records.Record, categories []string) (string, error) {
	source, err := renderSource(rec)
	if err != nil {
		return "", err
	}

	params := []param{
		{"title", escape(rec.Title)},
		{"artist", escape(rec.Creator)},
		{"description", langTemplate(SourceLanguage, escape(rec.Description))},
		{"date", escape(rec.Date)},
		{"dimensions", escape(rec.Dimensions)},
		{"object type", BilingualType(rec.Type)},
		{"institution", Institution},
		{"source", source},
		{"accession number", escape(rec.InstitutionNote)},
		{"notes", prefixed(notesPrefix, escape(rec.OriginalNote))},
	}

	var b strings.Builder
	b.WriteString("=={{int:filedesc}}==\n")
	b.WriteString("{{Artwork\n")
	for _, p := range params {
		if p.value == "" {
			continue
		}
		b.WriteString("| ")
		b.WriteString(p.name)
		b.WriteString(" = ")
		b.WriteString(p.value)
		b.WriteString("\n")
	}
	b.WriteString("}}\n\n")
	b.WriteString("=={{int:license-header}}==\n")
	b.WriteString(License)
	b.WriteString("\n")

	if len(categories) > 0 {
		b.WriteString("\n")
		for _, c := range categories {
			b.WriteString("[[Category:")
			b.WriteString(c)
			b.WriteString("]]\n")
		}
	}

	return b.String(), nil
}

func renderSource(rec *records.Record) (string, error) {
	image := strings.TrimSpace(rec.ImageURL)
	detail := strings.TrimSpace(rec.DetailURL)
	id := strings.TrimSpace(rec.UniqueID)

	switch {
	case id == "":
		return "", &pipeline.MissingRequiredFieldError{Field: records.ColUniqueID}
	case image == "":
		return "", &pipeline.MissingRequiredFieldError{Field: records.ColImageURL}
	case detail == "":
		return "", &pipeline.MissingRequiredFieldError{Field: records.ColDetailURL}
	}

	return SourceTemplate + "\n" +
		"* Image: " + image + "\n" +
		"* Metadata: " + detail + "\n" +
		"* " + identifierLabel + ": " + Identifier(id), nil
}

// Identifier converts a record id to the catalog notation: the first hyphen
// becomes a colon (BBB-1 -> BBB:1).
func Identifier(uniqueID string) string {
	return strings.Replace(uniqueID, "-", ":", 1)
}

// BilingualType renders "<nl>, <en>" as two language tagged segments.
// Blank segments are dropped.
func BilingualType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	nl, en, _ := strings.Cut(raw, ",")
	var parts []string
	if s := langTemplate(SourceLanguage, escape(capitalize(nl))); s != "" {
		parts = append(parts, s)
	}
	if s := langTemplate("en", escape(capitalize(en))); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

func langTemplate(lang, text string) string {
	if text == "" {
		return ""
	}
	return "{{" + lang + "|1=" + text + "}}"
}

func prefixed(prefix, text string) string {
	if text == "" {
		return ""
	}
	return prefix + text
}

// capitalize upper-cases the first letter and lower-cases the rest.
func capitalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}

// escape keeps field text from breaking out of a template parameter.
func escape(s string) string {
	s = strings.TrimSpace(s)
	return strings.ReplaceAll(s, "|", "{{!}}")
}
