package upload

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kbnl/beeldbank-commons/internal/commons"
	"github.com/kbnl/beeldbank-commons/internal/config"
	"github.com/kbnl/beeldbank-commons/internal/exclusions"
	"github.com/kbnl/beeldbank-commons/internal/pipeline"
	"github.com/kbnl/beeldbank-commons/internal/records"
)

type fakePublisher struct {
	uploads   []commons.UploadRequest
	lookups   int
	uploadErr func(n int) error
	lookupErr error
	// remote maps filenames already on Commons to their SHA-1.
	remote map[string]string
}

func (p *fakePublisher) Upload(_ context.Context, req commons.UploadRequest) (*commons.UploadResult, error) {
	p.uploads = append(p.uploads, req)
	if p.uploadErr != nil {
		if err := p.uploadErr(len(p.uploads)); err != nil {
			return nil, err
		}
	}
	return &commons.UploadResult{
		Filename: req.Filename,
		URL:      "https://commons.wikimedia.org/wiki/File:" + strings.ReplaceAll(req.Filename, " ", "_"),
	}, nil
}

func (p *fakePublisher) MediaID(context.Context, string) (string, error) {
	p.lookups++
	if p.lookupErr != nil {
		return "", p.lookupErr
	}
	return fmt.Sprintf("M%d", 100+p.lookups), nil
}

func (p *fakePublisher) FileInfo(_ context.Context, filename string) (*commons.FileInfo, error) {
	sum, ok := p.remote[filename]
	if !ok {
		return nil, fmt.Errorf("%w: %s", commons.ErrFileNotFound, filename)
	}
	return &commons.FileInfo{
		Filename: filename,
		SHA1:     sum,
		URL:      "https://commons.wikimedia.org/wiki/File:" + strings.ReplaceAll(filename, " ", "_"),
	}, nil
}

func (p *fakePublisher) EntityURL(mid string) string {
	return "https://commons.wikimedia.org/entity/" + mid
}

type recordingSleeper struct{ waits []time.Duration }

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

type failingSaveStore struct {
	*records.Store
}

func (failingSaveStore) Save() error {
	return fmt.Errorf("disk full: %w", pipeline.ErrPersistence)
}

type fakeFollowUp struct {
	calls []string
	err   error
}

func (f *fakeFollowUp) AddAll(_ context.Context, rec *records.Record) error {
	f.calls = append(f.calls, rec.UniqueID)
	return f.err
}

func asset(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("\xff\xd8\xff\xe0 jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newRecord(t *testing.T, dir, id, title string) *records.Record {
	return &records.Record{
		UniqueID:       id,
		Title:          title,
		Classification: "C: Typografie; D: Drukken",
		ImageURL:       "http://resolver.kb.nl/resolve?urn=urn:" + id,
		DetailURL:      "https://www.nederlandseboekgeschiedenis.nl/nl/beeldbank?id=" + id,
		LocalImagePath: asset(t, dir, id+".jpg"),
	}
}

type fixture struct {
	engine    *Engine
	store     *records.Store
	publisher *fakePublisher
	sleeper   *recordingSleeper
	path      string
}

func newFixture(t *testing.T, recs []*records.Record, mod func(*Config)) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.xlsx")
	store, err := records.New(path, recs, nil)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{store: store, publisher: &fakePublisher{}, sleeper: &recordingSleeper{}, path: path}
	cfg := Config{
		Publisher:  f.publisher,
		Store:      store,
		Filter:     exclusions.Empty(),
		Categories: config.DefaultCategories(),
		Retrier: &pipeline.Retrier{
			Policy:  pipeline.Policy{MaxRetries: 3, BaseDelay: 5 * time.Second, Multiplier: 2},
			Sleeper: f.sleeper,
		},
		Throttle: pipeline.Throttle{Delay: 2 * time.Second, Sleeper: f.sleeper},
		Scope:    config.ScopeStore,
	}
	if mod != nil {
		mod(&cfg)
	}
	f.engine = New(cfg)
	return f
}

func TestUploadSuccessPersistsState(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, []*records.Record{newRecord(t, dir, "BBB-1", "De wolf en de ezel")}, nil)
	rec, _ := f.store.Get("BBB-1")

	outcome, err := f.engine.Upload(context.Background(), rec)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if outcome != pipeline.OutcomeUploaded {
		t.Fatalf("outcome = %s", outcome)
	}

	req := f.publisher.uploads[0]
	if req.Filename != "De wolf en de ezel - BBB-1.jpg" {
		t.Errorf("filename = %q", req.Filename)
	}
	if !strings.Contains(req.Text, "[[Category:Dutch typography]]") {
		t.Errorf("description lacks mapped category:\n%s", req.Text)
	}

	reloaded, err := records.Open(f.path)
	if err != nil {
		t.Fatal(err)
	}
	saved, _ := reloaded.Get("BBB-1")
	if saved.UploadedURL != "https://commons.wikimedia.org/wiki/File:De_wolf_en_de_ezel_-_BBB-1.jpg" {
		t.Errorf("UploadedURL = %q", saved.UploadedURL)
	}
	if saved.EntityURL != "https://commons.wikimedia.org/entity/M101" {
		t.Errorf("EntityURL = %q", saved.EntityURL)
	}
}

func TestUploadIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	rec := newRecord(t, dir, "BBB-1", "De wolf")
	rec.UploadedURL = "https://commons.wikimedia.org/wiki/File:De_wolf_-_BBB-1.jpg"
	rec.EntityURL = "https://commons.wikimedia.org/entity/M7"
	f := newFixture(t, []*records.Record{rec}, nil)
	before := *rec

	for range 2 {
		outcome, err := f.engine.Upload(context.Background(), rec)
		if err != nil || outcome != pipeline.OutcomeAlreadyUploaded {
			t.Fatalf("Upload = %s, %v", outcome, err)
		}
	}

	if len(f.publisher.uploads) != 0 || f.publisher.lookups != 0 {
		t.Errorf("network calls made: uploads=%d lookups=%d", len(f.publisher.uploads), f.publisher.lookups)
	}
	if rec.UploadedURL != before.UploadedURL || rec.EntityURL != before.EntityURL || rec.StructuredDataAdded != before.StructuredDataAdded {
		t.Errorf("state changed: %+v", rec)
	}
	if _, err := os.Stat(f.path); !os.IsNotExist(err) {
		t.Error("a skipped record must not rewrite the store")
	}
}

func TestUploadPreconditions(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		mod  func(r *records.Record)
	}{
		{"missing asset", func(r *records.Record) { r.LocalImagePath = filepath.Join(dir, "nope.jpg") }},
		{"empty asset", func(r *records.Record) {
			r.LocalImagePath = filepath.Join(dir, "empty.jpg")
			os.WriteFile(r.LocalImagePath, nil, 0o644)
		}},
		{"directory", func(r *records.Record) { r.LocalImagePath = dir }},
		{"blank path", func(r *records.Record) { r.LocalImagePath = "" }},
		{"no image url", func(r *records.Record) { r.ImageURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecord(t, dir, "BBB-1", "De wolf")
			tt.mod(rec)
			f := newFixture(t, []*records.Record{rec}, nil)

			outcome, err := f.engine.Upload(context.Background(), rec)
			if outcome != pipeline.OutcomeFailed || !errors.Is(err, pipeline.ErrPrecondition) {
				t.Fatalf("Upload = %s, %v; want precondition failure", outcome, err)
			}
			if len(f.publisher.uploads) != 0 {
				t.Error("precondition failure must not reach the network")
			}
			if rec.IsUploaded() {
				t.Error("state mutated on precondition failure")
			}
		})
	}
}

func TestBatchAbortsOnDuplicateFilenames(t *testing.T) {
	dir := t.TempDir()
	a := newRecord(t, dir, "BBB-1", "Drukkersmerk")
	b := newRecord(t, dir, "BBB-2", "Drukkersmerk")
	b.Filename = "Drukkersmerk - BBB-1.jpg"
	f := newFixture(t, []*records.Record{a, b}, nil)

	_, err := f.engine.Batch(context.Background(), 0, 2)
	var dup *pipeline.DuplicateFilenameError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateFilenameError, got %v", err)
	}
	if len(f.publisher.uploads) != 0 || f.publisher.lookups != 0 {
		t.Error("no network call may happen before the injectivity check passes")
	}
}

func TestBatchScopeStoreSeesRecordsOutsideTheRange(t *testing.T) {
	dir := t.TempDir()
	a := newRecord(t, dir, "BBB-1", "Drukkersmerk")
	b := newRecord(t, dir, "BBB-2", "Other")
	b.Filename = "Drukkersmerk - BBB-1.jpg"

	store := newFixture(t, []*records.Record{a, b}, nil)
	if _, err := store.engine.Batch(context.Background(), 0, 1); err == nil {
		t.Error("store scope should see the collision with BBB-2")
	}

	batch := newFixture(t, []*records.Record{a, b}, func(c *Config) { c.Scope = config.ScopeBatch })
	if _, err := batch.engine.Batch(context.Background(), 0, 1); err != nil {
		t.Errorf("batch scope should ignore records outside the range: %v", err)
	}
}

func TestBatchThrottlesOnlyAfterNetworkUse(t *testing.T) {
	dir := t.TempDir()
	uploaded := newRecord(t, dir, "BBB-2", "Al gedaan")
	uploaded.UploadedURL = "https://commons.wikimedia.org/wiki/File:X.jpg"
	recs := []*records.Record{
		newRecord(t, dir, "BBB-1", "Een"),
		uploaded,
		newRecord(t, dir, "BBB-3", "Drie"),
		newRecord(t, dir, "BBB-4", "Vier"),
	}
	f := newFixture(t, recs, nil)

	summary, err := f.engine.Batch(context.Background(), 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Succeeded != 3 || summary.Skipped != 1 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Err() != nil {
		t.Errorf("unexpected run error: %v", summary.Err())
	}

	// After BBB-1 and BBB-3; not after the skip and not after the last record.
	if len(f.sleeper.waits) != 2 {
		t.Errorf("waits = %v, want two inter-record delays", f.sleeper.waits)
	}
}

func TestBatchContinuesAfterSoftFailure(t *testing.T) {
	dir := t.TempDir()
	recs := []*records.Record{newRecord(t, dir, "BBB-1", "Een"), newRecord(t, dir, "BBB-2", "Twee")}
	f := newFixture(t, recs, nil)
	f.publisher.uploadErr = func(n int) error {
		if n <= 4 {
			return fmt.Errorf("timeout: %w", pipeline.ErrRetryable)
		}
		return nil
	}

	summary, err := f.engine.Batch(context.Background(), 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 || summary.Succeeded != 1 || summary.Fatal != 0 {
		t.Errorf("summary = %+v", summary)
	}
	var exhausted *pipeline.ExhaustedRetriesError
	if !errors.As(summary.Results[0].Err, &exhausted) {
		t.Errorf("first record error = %v, want exhausted retries", summary.Results[0].Err)
	}
	if summary.Err() != nil {
		t.Error("exhausted retries must not fail the run")
	}

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 2 * time.Second}
	if fmt.Sprint(f.sleeper.waits) != fmt.Sprint(want) {
		t.Errorf("waits = %v, want %v", f.sleeper.waits, want)
	}
}

func TestBatchAbortsOnAuthentication(t *testing.T) {
	dir := t.TempDir()
	recs := []*records.Record{newRecord(t, dir, "BBB-1", "Een"), newRecord(t, dir, "BBB-2", "Twee")}
	f := newFixture(t, recs, nil)
	f.publisher.uploadErr = func(int) error {
		return fmt.Errorf("assertuserfailed: %w", pipeline.ErrAuthentication)
	}

	summary, err := f.engine.Batch(context.Background(), 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Aborted || len(f.publisher.uploads) != 1 {
		t.Errorf("aborted=%v uploads=%d, want abort after the first record", summary.Aborted, len(f.publisher.uploads))
	}
	if summary.Err() == nil {
		t.Error("authentication failure must fail the run")
	}
}

func TestBatchConflictFailsOnlyThatRecord(t *testing.T) {
	dir := t.TempDir()
	recs := []*records.Record{newRecord(t, dir, "BBB-1", "Een"), newRecord(t, dir, "BBB-2", "Twee")}
	f := newFixture(t, recs, nil)
	f.publisher.uploadErr = func(n int) error {
		if n == 1 {
			return &commons.UploadWarningError{Filename: "Een - BBB-1.jpg", Warnings: map[string]string{"exists": "Een_-_BBB-1.jpg"}}
		}
		return nil
	}

	summary, err := f.engine.Batch(context.Background(), 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Aborted || summary.Succeeded != 1 || summary.Fatal != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if len(f.publisher.uploads) != 2 {
		t.Errorf("uploads = %d, want 2 (conflicts are not retried)", len(f.publisher.uploads))
	}
}

func TestBatchAbortsWhenStoreCannotBeSaved(t *testing.T) {
	dir := t.TempDir()
	recs := []*records.Record{newRecord(t, dir, "BBB-1", "Een"), newRecord(t, dir, "BBB-2", "Twee")}
	f := newFixture(t, recs, nil)
	f.engine.cfg.Store = failingSaveStore{f.store}

	summary, err := f.engine.Batch(context.Background(), 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Aborted || len(f.publisher.uploads) != 1 {
		t.Errorf("aborted=%v uploads=%d", summary.Aborted, len(f.publisher.uploads))
	}
	if !errors.Is(summary.Results[0].Err, pipeline.ErrPersistence) {
		t.Errorf("error = %v, want persistence failure", summary.Results[0].Err)
	}
}

func TestUploadKeepsGoingWithoutEntity(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, []*records.Record{newRecord(t, dir, "BBB-1", "Een")}, nil)
	f.publisher.lookupErr = fmt.Errorf("lookup: %w", pipeline.ErrRetryable)
	rec, _ := f.store.Get("BBB-1")

	outcome, err := f.engine.Upload(context.Background(), rec)
	if err != nil || outcome != pipeline.OutcomeUploaded {
		t.Fatalf("Upload = %s, %v", outcome, err)
	}
	if !rec.IsUploaded() || rec.EntityURL != "" {
		t.Errorf("UploadedURL=%q EntityURL=%q", rec.UploadedURL, rec.EntityURL)
	}
}

func TestBatchFollowUp(t *testing.T) {
	dir := t.TempDir()
	follow := &fakeFollowUp{}
	recs := []*records.Record{newRecord(t, dir, "BBB-1", "Een"), newRecord(t, dir, "BBB-2", "Twee")}
	f := newFixture(t, recs, func(c *Config) { c.FollowUp = follow })

	summary, err := f.engine.Batch(context.Background(), 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(follow.calls, ",") != "BBB-1,BBB-2" || summary.FollowUpSucceeded != 2 {
		t.Errorf("follow-up calls = %v, summary = %+v", follow.calls, summary)
	}

	follow.err = fmt.Errorf("give up: %w", &pipeline.ExhaustedRetriesError{Attempts: 4, Err: pipeline.ErrRetryable})
	f2 := newFixture(t, []*records.Record{newRecord(t, dir, "BBB-3", "Drie")}, func(c *Config) { c.FollowUp = follow })
	summary, _ = f2.engine.Batch(context.Background(), 0, 1)
	if summary.Succeeded != 1 || summary.FollowUpFailed != 1 {
		t.Errorf("a follow-up failure must not fail the upload: %+v", summary)
	}
}

func TestBatchIDs(t *testing.T) {
	dir := t.TempDir()
	recs := []*records.Record{newRecord(t, dir, "BBB-1", "Een"), newRecord(t, dir, "BBB-2", "Twee")}
	f := newFixture(t, recs, nil)

	summary, err := f.engine.BatchIDs(context.Background(), []string{"BBB-2"})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Succeeded != 1 || f.publisher.uploads[0].Filename != "Twee - BBB-2.jpg" {
		t.Errorf("unexpected run: %+v", summary)
	}

	if _, err := f.engine.BatchIDs(context.Background(), []string{"BBB-9"}); !errors.Is(err, pipeline.ErrPrecondition) {
		t.Errorf("unknown id should be a precondition failure, got %v", err)
	}
}

func TestPreviewAppliesExclusions(t *testing.T) {
	dir := t.TempDir()
	rec := newRecord(t, dir, "BBB-1", "Een")
	f := newFixture(t, []*records.Record{rec}, func(c *Config) {
		c.Filter = exclusions.New(map[string][]string{"Dutch typography": {"BBB-1"}})
	})

	p, err := f.engine.Preview(rec)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(p.Description, "Dutch typography") {
		t.Error("excluded category rendered")
	}
	if !strings.Contains(p.Description, "[[Category:Printing in the Netherlands]]") {
		t.Error("other code-derived category missing")
	}
	if len(p.Excluded) != 1 || p.Excluded[0] != "Dutch typography" {
		t.Errorf("Excluded = %v", p.Excluded)
	}
	if len(f.publisher.uploads) != 0 || rec.IsUploaded() {
		t.Error("preview must not publish or mutate")
	}

	var buf bytes.Buffer
	p.Print(&buf)
	if !strings.Contains(buf.String(), "Een - BBB-1.jpg") {
		t.Errorf("printed preview lacks filename:\n%s", buf.String())
	}
}

func sha1Of(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestUploadRecoversLostResponse(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, []*records.Record{newRecord(t, dir, "BBB-1", "Een")}, nil)
	rec, _ := f.store.Get("BBB-1")
	const name = "Een - BBB-1.jpg"

	// The first attempt times out after Commons stored the file; the retry
	// is refused because the file now exists.
	f.publisher.uploadErr = func(n int) error {
		if n == 1 {
			f.publisher.remote = map[string]string{name: sha1Of(t, rec.LocalImagePath)}
			return fmt.Errorf("timeout: %w", pipeline.ErrRetryable)
		}
		return &commons.UploadWarningError{Filename: name, Warnings: map[string]string{"exists": "Een_-_BBB-1.jpg"}}
	}

	summary, err := f.engine.Batch(context.Background(), 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Results[0].Outcome != pipeline.OutcomeUploaded || summary.Err() != nil {
		t.Fatalf("result = %+v", summary.Results[0])
	}

	reloaded, err := records.Open(f.path)
	if err != nil {
		t.Fatal(err)
	}
	saved, _ := reloaded.Get("BBB-1")
	if saved.UploadedURL != "https://commons.wikimedia.org/wiki/File:Een_-_BBB-1.jpg" {
		t.Errorf("UploadedURL = %q", saved.UploadedURL)
	}
	if saved.EntityURL == "" {
		t.Error("entity of the recovered upload not resolved")
	}

	// A second run skips the record.
	calls := len(f.publisher.uploads)
	if _, err := f.engine.Batch(context.Background(), 0, 1); err != nil {
		t.Fatal(err)
	}
	if len(f.publisher.uploads) != calls {
		t.Error("recovered record uploaded again")
	}
}

func TestUploadConflictWithForeignFileStaysFatal(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, []*records.Record{newRecord(t, dir, "BBB-1", "Een")}, nil)
	rec, _ := f.store.Get("BBB-1")
	f.publisher.remote = map[string]string{"Een - BBB-1.jpg": "da39a3ee5e6b4b0d3255bfef95601890afd80709"}
	f.publisher.uploadErr = func(int) error {
		return &commons.UploadWarningError{Filename: "Een - BBB-1.jpg", Warnings: map[string]string{"exists": "Een_-_BBB-1.jpg"}}
	}

	outcome, err := f.engine.Upload(context.Background(), rec)
	if outcome != pipeline.OutcomeFailed || !errors.Is(err, pipeline.ErrConflict) {
		t.Fatalf("Upload = %s, %v; want conflict", outcome, err)
	}
	if rec.IsUploaded() {
		t.Error("a foreign file must not be recorded as ours")
	}
}
