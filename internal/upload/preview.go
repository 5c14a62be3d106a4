package upload

import (
	"fmt"
	"io"
	"strings"

	"github.com/kbnl/beeldbank-commons/internal/pipeline"
	"github.com/kbnl/beeldbank-commons/internal/records"
	"github.com/kbnl/beeldbank-commons/internal/wikitext"
)

// Preview is everything an upload would send, computed without touching
// the network or the store.
type Preview struct {
	ID              string
	Filename        string
	LocalPath       string
	AssetError      error
	AlreadyUploaded bool
	UploadedURL     string
	Categories      []string
	Excluded        []string
	Description     string
	Statements      []wikitext.Statement
}

// Preview renders rec. A record whose description cannot be rendered
// returns the partial preview and the render error.
func (e *Engine) Preview(rec *records.Record) (*Preview, error) {
	kept, dropped := e.categories(rec)
	p := &Preview{
		ID:              rec.UniqueID,
		Filename:        wikitext.ResolveFilename(rec),
		LocalPath:       rec.LocalImagePath,
		AssetError:      checkAsset(rec.LocalImagePath),
		AlreadyUploaded: rec.IsUploaded(),
		UploadedURL:     rec.UploadedURL,
		Categories:      kept,
		Excluded:        dropped,
		Statements:      wikitext.RenderStatements(rec),
	}

	text, err := wikitext.RenderDescription(rec, kept)
	if err != nil {
		return p, pipeline.Wrap(rec.UniqueID, "preview", err)
	}
	p.Description = text
	return p, nil
}

// Print writes a human readable preview.
func (p *Preview) Print(w io.Writer) {
	line := strings.Repeat("=", 80)
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "Record:     %s\n", p.ID)
	fmt.Fprintf(w, "Filename:   %s\n", p.Filename)
	fmt.Fprintf(w, "Local file: %s\n", p.LocalPath)
	if p.AssetError != nil {
		fmt.Fprintf(w, "Asset:      NOT READY (%v)\n", p.AssetError)
	} else {
		fmt.Fprintf(w, "Asset:      ok\n")
	}
	if p.AlreadyUploaded {
		fmt.Fprintf(w, "Status:     already uploaded as %s\n", p.UploadedURL)
	}
	fmt.Fprintf(w, "Categories: %s\n", strings.Join(p.Categories, "; "))
	if len(p.Excluded) > 0 {
		fmt.Fprintf(w, "Excluded:   %s\n", strings.Join(p.Excluded, "; "))
	}
	fmt.Fprintln(w, line)
	fmt.Fprintln(w, p.Description)
	fmt.Fprintln(w, line)
	fmt.Fprintln(w, "Structured data:")
	for _, s := range p.Statements {
		fmt.Fprintf(w, "  %s = %s\n", s.Property, s.Value)
		for _, q := range s.Qualifiers {
			fmt.Fprintf(w, "      %s = %s\n", q.Property, q.Value)
		}
	}
	fmt.Fprintln(w, line)
}
