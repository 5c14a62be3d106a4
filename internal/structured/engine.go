// Package structured adds captions and Wikibase statements to uploaded files.
package structured

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kbnl/beeldbank-commons/internal/commons"
	"github.com/kbnl/beeldbank-commons/internal/pipeline"
	"github.com/kbnl/beeldbank-commons/internal/records"
	"github.com/kbnl/beeldbank-commons/internal/wikitext"
)

// Mode selects which half of the structured data is written.
type Mode string

const (
	ModeDescription Mode = "description_only"
	ModeStatements  Mode = "statements_only"
	ModeAll         Mode = "all"
)

// ParseMode accepts the mode names and the short forms used by the CLI.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "description", "description_only", "caption":
		return ModeDescription, nil
	case "statements", "statements_only":
		return ModeStatements, nil
	case "all":
		return ModeAll, nil
	}
	return "", fmt.Errorf("unknown structured data mode %q", s)
}

// Client is the Wikibase side of Commons.
type Client interface {
	MediaID(ctx context.Context, filename string) (string, error)
	EntityURL(mid string) string
	Entity(ctx context.Context, mid string) (*commons.Entity, error)
	SetLabel(ctx context.Context, mid, language, text string) error
	CreateClaim(ctx context.Context, mid, property string, value wikitext.Value) (string, error)
	SetQualifier(ctx context.Context, claimID, property string, value wikitext.Value) error
}

// Store is the part of the record store the engine needs.
type Store interface {
	Get(id string) (*records.Record, error)
	Range(sheet records.Sheet, start, end int) ([]*records.Record, error)
	SetEntityURL(id, entityURL string) error
	MarkCaption(id string) error
	MarkStatements(id string) error
	SetFlags(id string, caption, statements bool) error
	Save() error
}

// Config wires an Engine.
type Config struct {
	Client   Client
	Store    Store
	Retrier  *pipeline.Retrier
	Throttle pipeline.Throttle
	Sheet    records.Sheet
	Logger   *slog.Logger
}

// Engine writes structured data one record at a time.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a structured data engine.
func New(cfg Config) *Engine {
	if cfg.Retrier == nil {
		cfg.Retrier = &pipeline.Retrier{}
	}
	if cfg.Sheet == "" {
		cfg.Sheet = records.SheetAll
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger.With("component", "structured")}
}

// attempt tracks what one record cost.
type attempt struct {
	network bool
	writes  int
}

// AddStatements writes the structured data selected by mode. Halves already
// flagged as done are not attempted again.
func (e *Engine) AddStatements(ctx context.Context, rec *records.Record, mode Mode) (pipeline.Outcome, error) {
	outcome, _, err := e.process(ctx, rec, mode)
	return outcome, err
}

// AddAll writes caption and statements. It is used right after an upload.
func (e *Engine) AddAll(ctx context.Context, rec *records.Record) error {
	_, err := e.AddStatements(ctx, rec, ModeAll)
	return err
}

func (e *Engine) process(ctx context.Context, rec *records.Record, mode Mode) (pipeline.Outcome, *attempt, error) {
	a := &attempt{}
	log := e.logger.With("id", rec.UniqueID, "mode", mode)

	if !rec.IsUploaded() {
		log.Info("Not uploaded yet, skipping")
		return pipeline.OutcomeSkipped, a, pipeline.Wrap(rec.UniqueID, "structured data", pipeline.ErrNotUploaded)
	}

	wantCaption := (mode == ModeDescription || mode == ModeAll) && !rec.CaptionAdded
	wantStatements := (mode == ModeStatements || mode == ModeAll) && !rec.StatementsAdded
	if !wantCaption && !wantStatements {
		log.Debug("Structured data already recorded")
		return pipeline.OutcomeSatisfied, a, nil
	}

	a.network = true
	mid, err := e.entityID(ctx, rec, log)
	if err != nil {
		return pipeline.OutcomeFailed, a, pipeline.Wrap(rec.UniqueID, "structured data", err)
	}
	entity, err := e.readEntity(ctx, mid)
	if err != nil {
		return pipeline.OutcomeFailed, a, pipeline.Wrap(rec.UniqueID, "structured data", err)
	}

	if wantCaption {
		if err := e.addCaption(ctx, rec, entity, a, log); err != nil {
			return pipeline.OutcomeFailed, a, pipeline.Wrap(rec.UniqueID, "caption", err)
		}
		if err := e.commit(e.cfg.Store.MarkCaption, rec.UniqueID); err != nil {
			return pipeline.OutcomeFailed, a, pipeline.Wrap(rec.UniqueID, "caption", err)
		}
	}

	if wantStatements {
		if err := e.addStatements(ctx, rec, entity, a, log); err != nil {
			if mode == ModeAll && rec.CaptionAdded {
				log.Warn("Caption written but statements failed", "error", err)
				return pipeline.OutcomePartial, a, pipeline.Wrap(rec.UniqueID, "statements", &pipeline.PartialSuccessError{ID: rec.UniqueID, Err: err})
			}
			return pipeline.OutcomeFailed, a, pipeline.Wrap(rec.UniqueID, "statements", err)
		}
		if _, ok := entity.Labels[wikitext.SourceLanguage]; ok && !rec.CaptionAdded {
			if err := e.cfg.Store.MarkCaption(rec.UniqueID); err != nil {
				return pipeline.OutcomeFailed, a, pipeline.Wrap(rec.UniqueID, "statements", fmt.Errorf("%w: %w", pipeline.ErrPersistence, err))
			}
		}
		if err := e.commit(e.cfg.Store.MarkStatements, rec.UniqueID); err != nil {
			return pipeline.OutcomeFailed, a, pipeline.Wrap(rec.UniqueID, "statements", err)
		}
	}

	if a.writes == 0 {
		log.Info("Structured data already present on Commons")
		return pipeline.OutcomeSatisfied, a, nil
	}
	log.Info("Structured data written", "writes", a.writes, "entity", mid)
	return pipeline.OutcomeWritten, a, nil
}

// commit applies a flag change and saves the store.
func (e *Engine) commit(mark func(id string) error, id string) error {
	if err := mark(id); err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrPersistence, err)
	}
	return e.cfg.Store.Save()
}

// entityID returns the media entity of rec, looking it up and persisting it
// when the store does not have it yet.
func (e *Engine) entityID(ctx context.Context, rec *records.Record, log *slog.Logger) (string, error) {
	if rec.EntityURL != "" {
		mid, err := commons.MIDFromURL(rec.EntityURL)
		if err == nil {
			return mid, nil
		}
		log.Warn("Ignoring malformed entity URL", "entity_url", rec.EntityURL, "error", err)
	}

	filename := uploadedFilename(rec)
	var mid string
	err := e.cfg.Retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		mid, err = e.cfg.Client.MediaID(ctx, filename)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve media entity of %q: %w", filename, err)
	}

	if err := e.cfg.Store.SetEntityURL(rec.UniqueID, e.cfg.Client.EntityURL(mid)); err != nil {
		return "", fmt.Errorf("%w: %w", pipeline.ErrPersistence, err)
	}
	if err := e.cfg.Store.Save(); err != nil {
		return "", err
	}
	log.Debug("Resolved media entity", "entity", mid)
	return mid, nil
}

// uploadedFilename takes the file name from the upload URL, which is what
// Commons actually stored, and falls back to the rendered name.
func uploadedFilename(rec *records.Record) string {
	u, err := url.Parse(rec.UploadedURL)
	if err == nil {
		if _, name, ok := strings.Cut(u.Path, "/File:"); ok && name != "" {
			return strings.ReplaceAll(name, "_", " ")
		}
	}
	return wikitext.ResolveFilename(rec)
}

func (e *Engine) readEntity(ctx context.Context, mid string) (*commons.Entity, error) {
	var entity *commons.Entity
	err := e.cfg.Retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		entity, err = e.cfg.Client.Entity(ctx, mid)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

func (e *Engine) addCaption(ctx context.Context, rec *records.Record, entity *commons.Entity, a *attempt, log *slog.Logger) error {
	lang, text := wikitext.Caption(rec)
	if text == "" {
		log.Debug("No title, no caption to write")
		return nil
	}
	if entity.Labels[lang] == text {
		return nil
	}

	err := e.write(ctx, func(ctx context.Context) error {
		return e.cfg.Client.SetLabel(ctx, entity.ID, lang, text)
	})
	if errors.Is(err, pipeline.ErrConflict) {
		log.Debug("Caption already present", "language", lang)
		return nil
	}
	if err != nil {
		return err
	}
	a.writes++
	return nil
}

func (e *Engine) addStatements(ctx context.Context, rec *records.Record, entity *commons.Entity, a *attempt, log *slog.Logger) error {
	for _, st := range wikitext.RenderStatements(rec) {
		existing := entity.Claims[st.Property]
		if len(existing) > 0 {
			claim := existing[0]
			for _, q := range st.Qualifiers {
				if claim.Qualifiers[q.Property] {
					continue
				}
				if err := e.setQualifier(ctx, claim.ID, q, a, log); err != nil {
					return err
				}
			}
			continue
		}

		var claimID string
		err := e.write(ctx, func(ctx context.Context) error {
			var err error
			claimID, err = e.cfg.Client.CreateClaim(ctx, entity.ID, st.Property, st.Value)
			return err
		})
		if errors.Is(err, pipeline.ErrConflict) {
			log.Debug("Statement already present", "property", st.Property)
			continue
		}
		if err != nil {
			return err
		}
		a.writes++
		log.Debug("Created claim", "property", st.Property, "claim", claimID)

		for _, q := range st.Qualifiers {
			if err := e.setQualifier(ctx, claimID, q, a, log); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) setQualifier(ctx context.Context, claimID string, q wikitext.Qualifier, a *attempt, log *slog.Logger) error {
	err := e.write(ctx, func(ctx context.Context) error {
		return e.cfg.Client.SetQualifier(ctx, claimID, q.Property, q.Value)
	})
	if errors.Is(err, pipeline.ErrConflict) {
		log.Debug("Qualifier already present", "claim", claimID, "property", q.Property)
		return nil
	}
	if err != nil {
		return err
	}
	a.writes++
	return nil
}

func (e *Engine) write(ctx context.Context, op func(ctx context.Context) error) error {
	return e.cfg.Retrier.Do(ctx, op)
}

// Batch runs AddStatements over records [start, end) of the configured
// sheet. Records that are not uploaded are skipped.
func (e *Engine) Batch(ctx context.Context, start, end int, mode Mode) (*pipeline.Summary, error) {
	recs, err := e.cfg.Store.Range(e.cfg.Sheet, start, end)
	if err != nil {
		return nil, err
	}

	summary := pipeline.NewSummary("structured data")
	e.logger.Info("Starting structured data batch", "records", len(recs), "mode", mode, "sheet", e.cfg.Sheet)

	for i, rec := range recs {
		if ctx.Err() != nil {
			summary.Aborted = true
			break
		}

		e.logger.Info("Processing record", "index", start+i, "position", i+1, "total", len(recs), "id", rec.UniqueID)
		started := time.Now()
		outcome, a, err := e.process(ctx, rec, mode)
		if errors.Is(err, pipeline.ErrNotUploaded) {
			// A skip, not a failure of the batch.
			err = nil
		}
		summary.Add(pipeline.RecordResult{
			Index:    start + i,
			ID:       rec.UniqueID,
			Outcome:  outcome,
			URL:      rec.UploadedURL,
			Entity:   rec.EntityURL,
			Err:      err,
			Duration: time.Since(started),
		})

		if err != nil && pipeline.AbortsBatch(err) {
			e.logger.Error("Aborting batch", "id", rec.UniqueID, "error", err)
			summary.Aborted = true
			break
		}

		if i < len(recs)-1 && a.network {
			if err := e.cfg.Throttle.Wait(ctx); err != nil {
				summary.Aborted = true
				break
			}
		}
	}

	summary.Finish()
	return summary, nil
}
