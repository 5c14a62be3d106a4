package records

import (
	"strings"
)

// Column names as written by the scraper and downloader.
const (
	ColUniqueID            = "unique_id"
	ColTitle               = "titel"
	ColCreator             = "vervaardiger"
	ColDate                = "datum"
	ColDimensions          = "afmetingen"
	ColDescription         = "inhoud"
	ColType                = "type"
	ColClassification      = "classificatie"
	ColInstitutionNote     = "aanwezig_in"
	ColOriginalNote        = "origineel"
	ColImageURL            = "image_url"
	ColDetailURL           = "detail_url"
	ColLocalImagePath      = "local_image_path"
	ColFilename            = "WikiCommonsFilename"
	ColExtraCategories     = "commons_categories"
	ColUploadedURL         = "CommonsURL"
	ColEntityURL           = "CommonsMidURL"
	ColCaptionAdded        = "caption_added"
	ColStatementsAdded     = "statements_added"
	ColStructuredDataAdded = "structured_data_added"
)

// KnownColumns is the canonical column order for new workbooks.
var KnownColumns = []string{
	ColUniqueID, ColTitle, ColCreator, ColDate, ColDimensions, ColDescription,
	ColType, ColClassification, ColInstitutionNote, ColOriginalNote,
	ColImageURL, ColDetailURL, ColLocalImagePath, ColFilename, ColExtraCategories,
	ColUploadedURL, ColEntityURL, ColCaptionAdded, ColStatementsAdded, ColStructuredDataAdded,
}

// Record is one catalog item of the Beeldbank.
type Record struct {
	UniqueID        string `validate:"required"`
	Title           string
	Creator         string
	Date            string
	Dimensions      string
	Description     string
	Type            string
	Classification  string
	InstitutionNote string
	OriginalNote    string
	ImageURL        string `validate:"omitempty,url"`
	DetailURL       string `validate:"omitempty,url"`
	LocalImagePath  string
	Filename        string
	ExtraCategories string

	// Processing state, written only through the Store.
	UploadedURL         string `validate:"omitempty,url"`
	EntityURL           string `validate:"omitempty,url"`
	CaptionAdded        bool
	StatementsAdded     bool
	StructuredDataAdded bool

	// Extra holds columns the pipeline does not know about, keyed by header.
	Extra map[string]string

	// raw keeps the cell text of known columns that cleaning changed.
	raw map[string]string
}

// IsUploaded reports whether the record has been published.
func (r *Record) IsUploaded() bool {
	return strings.TrimSpace(r.UploadedURL) != ""
}

// CuratedCategories splits the commons_categories column.
func (r *Record) CuratedCategories() []string {
	var cats []string
	for _, c := range strings.Split(r.ExtraCategories, ";") {
		if c = strings.TrimSpace(c); c != "" {
			cats = append(cats, c)
		}
	}
	return cats
}

func (r *Record) get(col string) (string, bool) {
	switch col {
	case ColUniqueID:
		return r.UniqueID, true
	case ColTitle:
		return r.Title, true
	case ColCreator:
		return r.Creator, true
	case ColDate:
		return r.Date, true
	case ColDimensions:
		return r.Dimensions, true
	case ColDescription:
		return r.Description, true
	case ColType:
		return r.Type, true
	case ColClassification:
		return r.Classification, true
	case ColInstitutionNote:
		return r.InstitutionNote, true
	case ColOriginalNote:
		return r.OriginalNote, true
	case ColImageURL:
		return r.ImageURL, true
	case ColDetailURL:
		return r.DetailURL, true
	case ColLocalImagePath:
		return r.LocalImagePath, true
	case ColFilename:
		return r.Filename, true
	case ColExtraCategories:
		return r.ExtraCategories, true
	case ColUploadedURL:
		return r.UploadedURL, true
	case ColEntityURL:
		return r.EntityURL, true
	}
	v, ok := r.Extra[col]
	return v, ok
}

func (r *Record) set(col, value string) {
	switch col {
	case ColUniqueID:
		r.UniqueID = value
	case ColTitle:
		r.Title = value
	case ColCreator:
		r.Creator = value
	case ColDate:
		r.Date = value
	case ColDimensions:
		r.Dimensions = value
	case ColDescription:
		r.Description = value
	case ColType:
		r.Type = value
	case ColClassification:
		r.Classification = value
	case ColInstitutionNote:
		r.InstitutionNote = value
	case ColOriginalNote:
		r.OriginalNote = value
	case ColImageURL:
		r.ImageURL = value
	case ColDetailURL:
		r.DetailURL = value
	case ColLocalImagePath:
		r.LocalImagePath = value
	case ColFilename:
		r.Filename = value
	case ColExtraCategories:
		r.ExtraCategories = value
	case ColUploadedURL:
		r.UploadedURL = value
	case ColEntityURL:
		r.EntityURL = value
	default:
		if r.Extra == nil {
			r.Extra = make(map[string]string)
		}
		r.Extra[col] = value
	}
}

func isFlagColumn(col string) bool {
	return col == ColCaptionAdded || col == ColStatementsAdded || col == ColStructuredDataAdded
}

func (r *Record) flag(col string) bool {
	switch col {
	case ColCaptionAdded:
		return r.CaptionAdded
	case ColStatementsAdded:
		return r.StatementsAdded
	}
	return r.StructuredDataAdded
}

func (r *Record) setFlag(col string, v bool) {
	switch col {
	case ColCaptionAdded:
		r.CaptionAdded = v
	case ColStatementsAdded:
		r.StatementsAdded = v
	case ColStructuredDataAdded:
		r.StructuredDataAdded = v
	}
}

// setCell stores the cleaned form of a known column and remembers the
// original text so an unchanged value is written back as it was read.
func (r *Record) setCell(col, text string) {
	v := cleanCell(text)
	r.set(col, v)
	if v == text {
		return
	}
	if r.raw == nil {
		r.raw = make(map[string]string)
	}
	r.raw[col] = text
}

// cell returns the text to write for col.
func (r *Record) cell(col string) string {
	v, _ := r.get(col)
	if text, ok := r.raw[col]; ok && cleanCell(text) == v {
		return text
	}
	return v
}

// cleanCell normalises spreadsheet cell text. Empty cells exported by pandas
// sometimes come back as the literal "nan".
func cleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "nan") {
		return ""
	}
	return s
}
