// Package upload publishes records to Wikimedia Commons.
package upload

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kbnl/beeldbank-commons/internal/commons"
	"github.com/kbnl/beeldbank-commons/internal/config"
	"github.com/kbnl/beeldbank-commons/internal/exclusions"
	"github.com/kbnl/beeldbank-commons/internal/pipeline"
	"github.com/kbnl/beeldbank-commons/internal/records"
	"github.com/kbnl/beeldbank-commons/internal/wikitext"
)

// Publisher is the remote side of an upload.
type Publisher interface {
	Upload(ctx context.Context, req commons.UploadRequest) (*commons.UploadResult, error)
	MediaID(ctx context.Context, filename string) (string, error)
	EntityURL(mid string) string
	FileInfo(ctx context.Context, filename string) (*commons.FileInfo, error)
}

// Store is the part of the record store the engine needs.
type Store interface {
	Get(id string) (*records.Record, error)
	Records(sheet records.Sheet) ([]*records.Record, error)
	Range(sheet records.Sheet, start, end int) ([]*records.Record, error)
	MarkUploaded(id, uploadedURL, entityURL string) error
	Save() error
}

// StructuredData adds caption and statements right after an upload.
type StructuredData interface {
	AddAll(ctx context.Context, rec *records.Record) error
}

// Config wires an Engine.
type Config struct {
	Publisher  Publisher
	Store      Store
	Filter     *exclusions.Filter
	Categories map[string]string
	Retrier    *pipeline.Retrier
	Throttle   pipeline.Throttle
	// Scope is config.ScopeStore or config.ScopeBatch.
	Scope string
	Sheet records.Sheet
	// FollowUp is optional.
	FollowUp StructuredData
	Comment  string
	Logger   *slog.Logger
}

// Engine uploads one record at a time.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an upload engine.
func New(cfg Config) *Engine {
	if cfg.Retrier == nil {
		cfg.Retrier = &pipeline.Retrier{}
	}
	if cfg.Sheet == "" {
		cfg.Sheet = records.SheetAll
	}
	if cfg.Comment == "" {
		cfg.Comment = "Upload from " + wikitext.CollectionName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger.With("component", "upload")}
}

// Upload publishes rec unless it is already uploaded. On success the
// record store is saved before Upload returns.
func (e *Engine) Upload(ctx context.Context, rec *records.Record) (pipeline.Outcome, error) {
	log := e.logger.With("id", rec.UniqueID)

	if rec.IsUploaded() {
		log.Info("Already uploaded, skipping", "url", rec.UploadedURL)
		return pipeline.OutcomeAlreadyUploaded, nil
	}

	if err := checkAsset(rec.LocalImagePath); err != nil {
		return pipeline.OutcomeFailed, pipeline.Wrap(rec.UniqueID, "upload", err)
	}

	kept, dropped := e.categories(rec)
	text, err := wikitext.RenderDescription(rec, kept)
	if err != nil {
		return pipeline.OutcomeFailed, pipeline.Wrap(rec.UniqueID, "upload", err)
	}
	filename := wikitext.ResolveFilename(rec)
	if len(dropped) > 0 {
		log.Info("Excluded categories", "categories", dropped)
	}

	log.Info("Uploading", "filename", filename, "path", rec.LocalImagePath)
	var result *commons.UploadResult
	err = e.cfg.Retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = e.cfg.Publisher.Upload(ctx, commons.UploadRequest{
			Filename: filename,
			Path:     rec.LocalImagePath,
			Text:     text,
			Comment:  e.cfg.Comment,
		})
		return err
	})
	if errors.Is(err, pipeline.ErrConflict) {
		if own, ok := e.ownRemoteFile(ctx, rec, filename, log); ok {
			log.Warn("Target file already holds this asset, recording it as uploaded", "filename", filename, "url", own.URL)
			result, err = &commons.UploadResult{Filename: own.Filename, URL: own.URL}, nil
		}
	}
	if err != nil {
		log.Error("Upload failed", "filename", filename, "error", err)
		return pipeline.OutcomeFailed, pipeline.Wrap(rec.UniqueID, "upload", err)
	}

	entityURL := e.lookupEntity(ctx, result.Filename, log)

	if err := e.cfg.Store.MarkUploaded(rec.UniqueID, result.URL, entityURL); err != nil {
		return pipeline.OutcomeFailed, pipeline.Wrap(rec.UniqueID, "upload", fmt.Errorf("%w: %w", pipeline.ErrPersistence, err))
	}
	if err := e.cfg.Store.Save(); err != nil {
		log.Error("Uploaded but failed to record it, stopping", "url", result.URL, "error", err)
		return pipeline.OutcomeFailed, pipeline.Wrap(rec.UniqueID, "upload", err)
	}

	log.Info("Uploaded", "url", result.URL, "entity", entityURL)
	return pipeline.OutcomeUploaded, nil
}

// ownRemoteFile reports whether filename on Commons is byte-identical to the
// local asset. This happens when an earlier attempt was published but its
// response was lost.
func (e *Engine) ownRemoteFile(ctx context.Context, rec *records.Record, filename string, log *slog.Logger) (*commons.FileInfo, bool) {
	local, err := fileSHA1(rec.LocalImagePath)
	if err != nil {
		log.Warn("Could not hash local asset", "path", rec.LocalImagePath, "error", err)
		return nil, false
	}

	var info *commons.FileInfo
	err = e.cfg.Retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		info, err = e.cfg.Publisher.FileInfo(ctx, filename)
		return err
	})
	if err != nil {
		log.Debug("No existing file to compare with", "filename", filename, "error", err)
		return nil, false
	}
	if !strings.EqualFold(info.SHA1, local) {
		log.Info("Target filename is taken by a different file", "filename", filename, "remote_sha1", info.SHA1, "local_sha1", local)
		return nil, false
	}
	return info, true
}

func fileSHA1(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// lookupEntity resolves the media entity of a fresh upload. Failure leaves
// the entity URL empty; the structured data engine looks it up again.
func (e *Engine) lookupEntity(ctx context.Context, filename string, log *slog.Logger) string {
	var mid string
	err := e.cfg.Retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		mid, err = e.cfg.Publisher.MediaID(ctx, filename)
		return err
	})
	if err != nil {
		log.Warn("Could not resolve media entity after upload", "filename", filename, "error", err)
		return ""
	}
	return e.cfg.Publisher.EntityURL(mid)
}

func (e *Engine) categories(rec *records.Record) (kept, dropped []string) {
	return e.cfg.Filter.Apply(rec.UniqueID, wikitext.Categories(rec, e.cfg.Categories))
}

func checkAsset(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("no local image path: %w", pipeline.ErrPrecondition)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("local image %s: %w: %w", path, pipeline.ErrPrecondition, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("local image %s is not a regular file: %w", path, pipeline.ErrPrecondition)
	}
	if info.Size() == 0 {
		return fmt.Errorf("local image %s is empty: %w", path, pipeline.ErrPrecondition)
	}
	return nil
}

// CheckFilenames verifies that the target filenames of recs are unique,
// against the whole store or only among recs depending on the scope.
func (e *Engine) CheckFilenames(recs []*records.Record) error {
	universe := recs
	if e.cfg.Scope != config.ScopeBatch {
		all, err := e.cfg.Store.Records(records.SheetAll)
		if err != nil {
			return err
		}
		universe = all
	}
	return records.CheckFilenames(universe, recs, wikitext.ResolveFilename)
}

// Batch uploads records [start, end) of the configured sheet.
func (e *Engine) Batch(ctx context.Context, start, end int) (*pipeline.Summary, error) {
	recs, err := e.cfg.Store.Range(e.cfg.Sheet, start, end)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, recs, start)
}

// BatchIDs uploads the listed records in order.
func (e *Engine) BatchIDs(ctx context.Context, ids []string) (*pipeline.Summary, error) {
	recs := make([]*records.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := e.cfg.Store.Get(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", pipeline.ErrPrecondition, err)
		}
		recs = append(recs, rec)
	}
	return e.run(ctx, recs, 0)
}

func (e *Engine) run(ctx context.Context, recs []*records.Record, offset int) (*pipeline.Summary, error) {
	if err := e.CheckFilenames(recs); err != nil {
		return nil, err
	}

	summary := pipeline.NewSummary("upload")
	e.logger.Info("Starting upload batch", "records", len(recs), "sheet", e.cfg.Sheet, "follow_up", e.cfg.FollowUp != nil)

	for i, rec := range recs {
		if ctx.Err() != nil {
			summary.Aborted = true
			break
		}

		e.logger.Info("Processing record", "index", offset+i, "position", i+1, "total", len(recs), "id", rec.UniqueID)
		started := time.Now()
		outcome, err := e.Upload(ctx, rec)
		summary.Add(pipeline.RecordResult{
			Index:    offset + i,
			ID:       rec.UniqueID,
			Outcome:  outcome,
			Filename: wikitext.ResolveFilename(rec),
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

		if outcome == pipeline.OutcomeUploaded && e.cfg.FollowUp != nil {
			if ferr := e.cfg.FollowUp.AddAll(ctx, rec); ferr != nil {
				summary.FollowUpFailed++
				e.logger.Warn("Structured data after upload failed", "id", rec.UniqueID, "error", ferr)
				if pipeline.AbortsBatch(ferr) {
					summary.Aborted = true
					break
				}
			} else {
				summary.FollowUpSucceeded++
			}
		}

		if i < len(recs)-1 && reachedNetwork(outcome, err) {
			if err := e.cfg.Throttle.Wait(ctx); err != nil {
				summary.Aborted = true
				break
			}
		}
	}

	summary.Finish()
	return summary, nil
}

// reachedNetwork reports whether processing a record talked to Commons.
func reachedNetwork(outcome pipeline.Outcome, err error) bool {
	switch outcome {
	case pipeline.OutcomeUploaded:
		return true
	case pipeline.OutcomeFailed:
		return !errors.Is(err, pipeline.ErrPrecondition)
	}
	return false
}
