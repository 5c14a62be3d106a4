package structured

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kbnl/beeldbank-commons/internal/commons"
	"github.com/kbnl/beeldbank-commons/internal/pipeline"
	"github.com/kbnl/beeldbank-commons/internal/records"
	"github.com/kbnl/beeldbank-commons/internal/wikitext"
)

// Verify reads the media entities of the uploaded records in [start, end)
// and rewrites the caption and statements flags to match what Commons has.
// Complete records count as succeeded; incomplete ones as soft failures.
func (e *Engine) Verify(ctx context.Context, start, end int) (*pipeline.Summary, error) {
	recs, err := e.cfg.Store.Range(e.cfg.Sheet, start, end)
	if err != nil {
		return nil, err
	}

	summary := pipeline.NewSummary("verify")
	e.logger.Info("Verifying structured data", "records", len(recs), "sheet", e.cfg.Sheet)

	for i, rec := range recs {
		if ctx.Err() != nil {
			summary.Aborted = true
			break
		}

		started := time.Now()
		result := pipeline.RecordResult{Index: start + i, ID: rec.UniqueID, URL: rec.UploadedURL}
		if !rec.IsUploaded() {
			result.Outcome = pipeline.OutcomeSkipped
			summary.Add(result)
			continue
		}

		caption, statements, err := e.verifyRecord(ctx, rec)
		result.Entity = rec.EntityURL
		result.Duration = time.Since(started)
		switch {
		case err != nil:
			result.Outcome = pipeline.OutcomeFailed
			result.Err = pipeline.Wrap(rec.UniqueID, "verify", err)
		case caption && statements:
			result.Outcome = pipeline.OutcomeSatisfied
		default:
			result.Outcome = pipeline.OutcomePartial
			e.logger.Info("Structured data incomplete", "id", rec.UniqueID, "caption", caption, "statements", statements)
		}
		summary.Add(result)

		if err != nil && pipeline.AbortsBatch(err) {
			summary.Aborted = true
			break
		}
		if i < len(recs)-1 {
			if err := e.cfg.Throttle.Wait(ctx); err != nil {
				summary.Aborted = true
				break
			}
		}
	}

	summary.Finish()
	return summary, nil
}

func (e *Engine) verifyRecord(ctx context.Context, rec *records.Record) (bool, bool, error) {
	mid, err := e.entityID(ctx, rec, e.logger.With("id", rec.UniqueID))
	if err != nil {
		return false, false, err
	}
	entity, err := e.readEntity(ctx, mid)
	if err != nil {
		return false, false, err
	}

	caption, statements := Present(rec, entity)
	if caption != rec.CaptionAdded || statements != rec.StatementsAdded {
		e.logger.Info("Correcting structured data flags", "id", rec.UniqueID,
			"caption", caption, "statements", statements)
		if err := e.cfg.Store.SetFlags(rec.UniqueID, caption, statements); err != nil {
			return false, false, fmt.Errorf("%w: %w", pipeline.ErrPersistence, err)
		}
		if err := e.cfg.Store.Save(); err != nil {
			return false, false, err
		}
	}
	return caption, statements, nil
}

// Present reports whether the caption and every rendered statement, with
// all its qualifiers, are on the entity.
func Present(rec *records.Record, entity *commons.Entity) (caption, statements bool) {
	lang, text := wikitext.Caption(rec)
	caption = text == "" || entity.Labels[lang] != ""

	statements = true
	for _, st := range wikitext.RenderStatements(rec) {
		if !hasStatement(entity.Claims[st.Property], st) {
			statements = false
			break
		}
	}
	return caption, statements
}

func hasStatement(claims []commons.Claim, st wikitext.Statement) bool {
	for _, c := range claims {
		complete := true
		for _, q := range st.Qualifiers {
			if !c.Qualifiers[q.Property] {
				complete = false
				break
			}
		}
		if complete {
			return true
		}
	}
	return false
}

// Preview is the structured data a record would receive.
type Preview struct {
	ID              string
	Uploaded        bool
	EntityURL       string
	CaptionLanguage string
	Caption         string
	Statements      []wikitext.Statement
}

// Preview renders the caption and statements of rec without network use.
func (e *Engine) Preview(rec *records.Record) *Preview {
	lang, text := wikitext.Caption(rec)
	return &Preview{
		ID:              rec.UniqueID,
		Uploaded:        rec.IsUploaded(),
		EntityURL:       rec.EntityURL,
		CaptionLanguage: lang,
		Caption:         text,
		Statements:      wikitext.RenderStatements(rec),
	}
}

func (p *Preview) Print(w io.Writer) {
	line := strings.Repeat("=", 80)
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "Record:  %s\n", p.ID)
	if !p.Uploaded {
		fmt.Fprintln(w, "Status:  not uploaded, structured data cannot be written yet")
	} else if p.EntityURL != "" {
		fmt.Fprintf(w, "Entity:  %s\n", p.EntityURL)
	}
	if p.Caption == "" {
		fmt.Fprintln(w, "Caption: (none, record has no title)")
	} else {
		fmt.Fprintf(w, "Caption: [%s] %s\n", p.CaptionLanguage, p.Caption)
	}
	fmt.Fprintln(w, "Statements:")
	for _, s := range p.Statements {
		fmt.Fprintf(w, "  %s = %s\n", s.Property, s.Value)
		for _, q := range s.Qualifiers {
			fmt.Fprintf(w, "      %s = %s\n", q.Property, q.Value)
		}
	}
	fmt.Fprintln(w, line)
}
