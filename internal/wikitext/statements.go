package wikitext

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/kbnl/beeldbank-commons/internal/records"
)

// Wikidata properties and items used on every file.
const (
	PropInstanceOf      = "P31"
	PropCollection      = "P195"
	PropCopyrightStatus = "P6216"
	PropMIMEType        = "P1163"
	PropTitle           = "P1476"
	PropSourceOfFile    = "P7482"
	PropOperator        = "P137"
	PropFullWorkURL     = "P953"
	PropDescribedAtURL  = "P973"

	ItemDigitalImage   = "Q1250322"
	ItemKB             = "Q1526131"
	ItemPublicDomain   = "Q19652"
	ItemFileOnInternet = "Q74228490"

	// MaxCaptionLength is the Commons limit on a file caption.
	MaxCaptionLength = 250
)

// ValueKind is the datatype of a statement value.
type ValueKind int

const (
	KindItem ValueKind = iota
	KindString
	KindMonolingual
)

// Value is a Wikibase datavalue.
type Value struct {
	Kind     ValueKind
	ID       string
	Text     string
	Language string
}

func Item(id string) Value { return Value{Kind: KindItem, ID: id} }

func String(text string) Value { return Value{Kind: KindString, Text: text} }

func Monolingual(text, lang string) Value {
	return Value{Kind: KindMonolingual, Text: text, Language: lang}
}

// MarshalJSON produces the "value" parameter of wbcreateclaim and
// wbsetqualifier.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindItem:
		n, err := strconv.Atoi(strings.TrimPrefix(v.ID, "Q"))
		if err != nil || !strings.HasPrefix(v.ID, "Q") {
			return nil, fmt.Errorf("invalid item id %q", v.ID)
		}
		return json.Marshal(struct {
			EntityType string `json:"entity-type"`
			NumericID  int    `json:"numeric-id"`
			ID         string `json:"id"`
		}{"item", n, v.ID})
	case KindMonolingual:
		return json.Marshal(struct {
			Text     string `json:"text"`
			Language string `json:"language"`
		}{v.Text, v.Language})
	default:
		return json.Marshal(v.Text)
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindItem:
		return v.ID
	case KindMonolingual:
		return v.Text + "@" + v.Language
	}
	return v.Text
}

// Qualifier is attached to a claim after the claim is created.
type Qualifier struct {
	Property string
	Value    Value
}

// Statement is one claim on the file's media entity.
type Statement struct {
	Property   string
	Value      Value
	Qualifiers []Qualifier
}

// RenderStatements returns the statements for a record in write order.
func RenderStatements(rec *records.Record) []Statement {
	stmts := []Statement{
		{Property: PropInstanceOf, Value: Item(ItemDigitalImage)},
		{Property: PropCollection, Value: Item(ItemKB)},
		{Property: PropCopyrightStatus, Value: Item(ItemPublicDomain)},
		{Property: PropMIMEType, Value: String(MIMEType(rec))},
	}

	if title := strings.TrimSpace(rec.Title); title != "" {
		stmts = append(stmts, Statement{Property: PropTitle, Value: Monolingual(title, SourceLanguage)})
	}

	source := Statement{
		Property:   PropSourceOfFile,
		Value:      Item(ItemFileOnInternet),
		Qualifiers: []Qualifier{{Property: PropOperator, Value: Item(ItemKB)}},
	}
	if u := strings.TrimSpace(rec.ImageURL); u != "" {
		source.Qualifiers = append(source.Qualifiers, Qualifier{Property: PropFullWorkURL, Value: String(u)})
	}
	if u := strings.TrimSpace(rec.DetailURL); u != "" {
		source.Qualifiers = append(source.Qualifiers, Qualifier{Property: PropDescribedAtURL, Value: String(u)})
	}
	return append(stmts, source)
}

// Caption returns the language and text of the file caption. The text is
// empty when the record has no title.
func Caption(rec *records.Record) (string, string) {
	title := strings.Join(strings.Fields(rec.Title), " ")
	if utf8.RuneCountInString(title) > MaxCaptionLength {
		title = string([]rune(title)[:MaxCaptionLength])
	}
	return SourceLanguage, title
}

var mimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".webp": "image/webp",
}

// MIMEType derives the media type from the local asset, defaulting to JPEG.
func MIMEType(rec *records.Record) string {
	if m, ok := mimeTypes[assetExt(rec)]; ok {
		return m
	}
	return "image/jpeg"
}

func assetExt(rec *records.Record) string {
	path := strings.ReplaceAll(rec.LocalImagePath, `\`, "/")
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := mimeTypes[ext]; ok {
		return ext
	}
	return ""
}
