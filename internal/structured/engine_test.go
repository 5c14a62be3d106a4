package structured

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kbnl/beeldbank-commons/internal/commons"
	"github.com/kbnl/beeldbank-commons/internal/pipeline"
	"github.com/kbnl/beeldbank-commons/internal/records"
	"github.com/kbnl/beeldbank-commons/internal/wikitext"
)

// fakeWikibase keeps one media entity per M-id in memory.
type fakeWikibase struct {
	entities map[string]*commons.Entity
	claims   map[string]*commons.Claim
	calls    []string
	nextID   int

	// failClaims makes every wbcreateclaim fail with this error.
	failClaims error
	// conflictLabel makes wbsetlabel report a conflict.
	conflictLabel bool
}

func newFakeWikibase() *fakeWikibase {
	return &fakeWikibase{entities: map[string]*commons.Entity{}, claims: map[string]*commons.Claim{}}
}

func (f *fakeWikibase) entity(mid string) *commons.Entity {
	e, ok := f.entities[mid]
	if !ok {
		e = &commons.Entity{ID: mid, Missing: true, Labels: map[string]string{}, Claims: map[string][]commons.Claim{}}
		f.entities[mid] = e
	}
	return e
}

func (f *fakeWikibase) MediaID(_ context.Context, filename string) (string, error) {
	f.calls = append(f.calls, "mediaid:"+filename)
	return "M55", nil
}

func (f *fakeWikibase) EntityURL(mid string) string {
	return "https://commons.wikimedia.org/entity/" + mid
}

func (f *fakeWikibase) Entity(_ context.Context, mid string) (*commons.Entity, error) {
	f.calls = append(f.calls, "entity:"+mid)
	e := f.entity(mid)
	// Hand out a copy so engine bookkeeping cannot alter the fake.
	out := &commons.Entity{ID: e.ID, Missing: e.Missing, Labels: map[string]string{}, Claims: map[string][]commons.Claim{}}
	for k, v := range e.Labels {
		out.Labels[k] = v
	}
	for p, cs := range e.Claims {
		for _, c := range cs {
			qs := map[string]bool{}
			for q := range f.claims[c.ID].Qualifiers {
				qs[q] = true
			}
			out.Claims[p] = append(out.Claims[p], commons.Claim{ID: c.ID, Property: p, Qualifiers: qs})
		}
	}
	return out, nil
}

func (f *fakeWikibase) SetLabel(_ context.Context, mid, lang, text string) error {
	f.calls = append(f.calls, "setlabel:"+lang)
	if f.conflictLabel {
		return fmt.Errorf("label: %w", pipeline.ErrConflict)
	}
	e := f.entity(mid)
	e.Missing = false
	e.Labels[lang] = text
	return nil
}

func (f *fakeWikibase) CreateClaim(_ context.Context, mid, prop string, _ wikitext.Value) (string, error) {
	f.calls = append(f.calls, "createclaim:"+prop)
	if f.failClaims != nil {
		return "", f.failClaims
	}
	f.nextID++
	id := fmt.Sprintf("%s$%d", mid, f.nextID)
	c := &commons.Claim{ID: id, Property: prop, Qualifiers: map[string]bool{}}
	f.claims[id] = c
	e := f.entity(mid)
	e.Missing = false
	e.Claims[prop] = append(e.Claims[prop], commons.Claim{ID: id, Property: prop})
	return id, nil
}

func (f *fakeWikibase) SetQualifier(_ context.Context, claimID, prop string, _ wikitext.Value) error {
	f.calls = append(f.calls, "setqualifier:"+prop)
	c, ok := f.claims[claimID]
	if !ok {
		return fmt.Errorf("no such claim %s", claimID)
	}
	c.Qualifiers[prop] = true
	return nil
}

func (f *fakeWikibase) writes() int {
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, "set") || strings.HasPrefix(c, "create") {
			n++
		}
	}
	return n
}

type nopSleeper struct{ waits int }

func (s *nopSleeper) Sleep(context.Context, time.Duration) error {
	s.waits++
	return nil
}

func uploadedRecord(id, title string) *records.Record {
	return &records.Record{
		UniqueID:       id,
		Title:          title,
		ImageURL:       "http://resolver.kb.nl/resolve?urn=urn:" + id,
		DetailURL:      "https://www.nederlandseboekgeschiedenis.nl/nl/beeldbank?id=" + id,
		LocalImagePath: "images/" + id + ".jpg",
		UploadedURL:    "https://commons.wikimedia.org/wiki/File:" + strings.ReplaceAll(title, " ", "_") + "_-_" + id + ".jpg",
	}
}

func newEngine(t *testing.T, recs ...*records.Record) (*Engine, *fakeWikibase, *records.Store, *nopSleeper) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.xlsx")
	store, err := records.New(path, recs, nil)
	if err != nil {
		t.Fatal(err)
	}
	wb := newFakeWikibase()
	sleeper := &nopSleeper{}
	e := New(Config{
		Client:   wb,
		Store:    store,
		Retrier:  &pipeline.Retrier{Policy: pipeline.Policy{MaxRetries: 3, BaseDelay: 5 * time.Second, Multiplier: 2}, Sleeper: sleeper},
		Throttle: pipeline.Throttle{Delay: time.Second, Sleeper: sleeper},
	})
	return e, wb, store, sleeper
}

func TestNotUploadedMakesNoNetworkCall(t *testing.T) {
	rec := uploadedRecord("BBB-1", "Titelpagina")
	rec.UploadedURL = ""
	e, wb, _, _ := newEngine(t, rec)

	for _, mode := range []Mode{ModeDescription, ModeStatements, ModeAll} {
		outcome, err := e.AddStatements(context.Background(), rec, mode)
		if !errors.Is(err, pipeline.ErrNotUploaded) || outcome != pipeline.OutcomeSkipped {
			t.Errorf("%s: got %s, %v", mode, outcome, err)
		}
	}
	if len(wb.calls) != 0 {
		t.Errorf("calls = %v, want none", wb.calls)
	}
	if rec.CaptionAdded || rec.StatementsAdded || rec.StructuredDataAdded {
		t.Error("flags changed for a record that was never uploaded")
	}
}

func TestAddAllWritesEverythingAndPersists(t *testing.T) {
	rec := uploadedRecord("BBB-1", "Titelpagina")
	e, wb, store, _ := newEngine(t, rec)

	outcome, err := e.AddStatements(context.Background(), rec, ModeAll)
	if err != nil || outcome != pipeline.OutcomeWritten {
		t.Fatalf("AddStatements = %s, %v", outcome, err)
	}

	if wb.calls[0] != "mediaid:Titelpagina - BBB-1.jpg" {
		t.Errorf("entity must be looked up by the uploaded filename, calls = %v", wb.calls)
	}
	got := wb.entities["M55"]
	if got.Labels["nl"] != "Titelpagina" {
		t.Errorf("caption = %q", got.Labels["nl"])
	}
	for _, p := range []string{"P31", "P195", "P6216", "P1163", "P1476", "P7482"} {
		if !got.HasProperty(p) {
			t.Errorf("missing %s", p)
		}
	}
	source := wb.claims[got.Claims["P7482"][0].ID]
	for _, q := range []string{"P137", "P953", "P973"} {
		if !source.Qualifiers[q] {
			t.Errorf("source claim lacks qualifier %s", q)
		}
	}

	reloaded, err := records.Open(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	saved, _ := reloaded.Get("BBB-1")
	if !saved.CaptionAdded || !saved.StatementsAdded || !saved.StructuredDataAdded {
		t.Errorf("flags not persisted: %+v", saved)
	}
	if saved.EntityURL != "https://commons.wikimedia.org/entity/M55" {
		t.Errorf("looked up entity not persisted: %q", saved.EntityURL)
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	rec := uploadedRecord("BBB-1", "Titelpagina")
	e, wb, _, _ := newEngine(t, rec)

	if _, err := e.AddStatements(context.Background(), rec, ModeAll); err != nil {
		t.Fatal(err)
	}
	calls := len(wb.calls)

	outcome, err := e.AddStatements(context.Background(), rec, ModeAll)
	if err != nil || outcome != pipeline.OutcomeSatisfied {
		t.Fatalf("rerun = %s, %v", outcome, err)
	}
	if len(wb.calls) != calls {
		t.Errorf("rerun made calls: %v", wb.calls[calls:])
	}
}

func TestExistingDataIsNotWrittenAgain(t *testing.T) {
	rec := uploadedRecord("BBB-1", "Titelpagina")
	rec.EntityURL = "https://commons.wikimedia.org/entity/M55"
	e, wb, _, _ := newEngine(t, rec)

	// Someone else already added everything, but the store does not know.
	if _, err := e.AddStatements(context.Background(), rec, ModeAll); err != nil {
		t.Fatal(err)
	}
	writes := wb.writes()
	if err := e.cfg.Store.SetFlags("BBB-1", false, false); err != nil {
		t.Fatal(err)
	}

	outcome, err := e.AddStatements(context.Background(), rec, ModeAll)
	if err != nil || outcome != pipeline.OutcomeSatisfied {
		t.Fatalf("AddStatements = %s, %v", outcome, err)
	}
	if wb.writes() != writes {
		t.Errorf("writes went from %d to %d", writes, wb.writes())
	}
	if !rec.StructuredDataAdded {
		t.Error("flags not restored from the entity")
	}
}

func TestPartialSuccessRecovery(t *testing.T) {
	rec := uploadedRecord("BBB-1", "Titelpagina")
	e, wb, store, _ := newEngine(t, rec)
	wb.failClaims = fmt.Errorf("readonly: %w", pipeline.ErrRetryable)

	outcome, err := e.AddStatements(context.Background(), rec, ModeAll)
	var partial *pipeline.PartialSuccessError
	if outcome != pipeline.OutcomePartial || !errors.As(err, &partial) {
		t.Fatalf("AddStatements = %s, %v; want partial success", outcome, err)
	}
	if !rec.CaptionAdded || rec.StatementsAdded || rec.StructuredDataAdded {
		t.Errorf("flags = caption %v statements %v combined %v", rec.CaptionAdded, rec.StatementsAdded, rec.StructuredDataAdded)
	}
	reloaded, _ := records.Open(store.Path())
	if saved, _ := reloaded.Get("BBB-1"); !saved.CaptionAdded {
		t.Error("caption flag must be saved before the statements are attempted")
	}

	wb.failClaims = nil
	wb.calls = nil
	outcome, err = e.AddStatements(context.Background(), rec, ModeAll)
	if err != nil || outcome != pipeline.OutcomeWritten {
		t.Fatalf("second run = %s, %v", outcome, err)
	}
	for _, c := range wb.calls {
		if c == "setlabel:nl" {
			t.Error("second run re-attempted the caption")
		}
	}
	if !rec.StructuredDataAdded {
		t.Error("combined flag not set after recovery")
	}
}

func TestStatementsOnlyObservesExistingCaption(t *testing.T) {
	rec := uploadedRecord("BBB-1", "Titelpagina")
	rec.EntityURL = "https://commons.wikimedia.org/entity/M55"
	e, wb, _, _ := newEngine(t, rec)
	wb.entity("M55").Labels["nl"] = "Een andere titel"

	if _, err := e.AddStatements(context.Background(), rec, ModeStatements); err != nil {
		t.Fatal(err)
	}
	if !rec.StatementsAdded || !rec.CaptionAdded {
		t.Errorf("flags = caption %v statements %v", rec.CaptionAdded, rec.StatementsAdded)
	}
	for _, c := range wb.calls {
		if c == "mediaid:Titelpagina - BBB-1.jpg" {
			t.Error("entity URL was known; no lookup expected")
		}
	}
}

func TestMissingQualifiersAreAdded(t *testing.T) {
	rec := uploadedRecord("BBB-1", "Titelpagina")
	rec.EntityURL = "https://commons.wikimedia.org/entity/M55"
	e, wb, _, _ := newEngine(t, rec)

	id, _ := wb.CreateClaim(context.Background(), "M55", "P7482", wikitext.Item(wikitext.ItemFileOnInternet))
	wb.claims[id].Qualifiers["P137"] = true
	wb.calls = nil

	if _, err := e.AddStatements(context.Background(), rec, ModeStatements); err != nil {
		t.Fatal(err)
	}
	if got := len(wb.entities["M55"].Claims["P7482"]); got != 1 {
		t.Errorf("P7482 claims = %d, want the existing one only", got)
	}
	q := wb.claims[id].Qualifiers
	if !q["P953"] || !q["P973"] {
		t.Errorf("qualifiers = %v", q)
	}
	for _, c := range wb.calls {
		if c == "setqualifier:P137" {
			t.Error("present qualifier written again")
		}
	}
}

func TestConflictCountsAsSatisfied(t *testing.T) {
	rec := uploadedRecord("BBB-1", "Titelpagina")
	e, wb, _, _ := newEngine(t, rec)
	wb.conflictLabel = true

	if _, err := e.AddStatements(context.Background(), rec, ModeDescription); err != nil {
		t.Fatalf("conflict should be swallowed: %v", err)
	}
	if !rec.CaptionAdded {
		t.Error("caption flag not set")
	}
}

func TestBlankTitleNeedsNoCaption(t *testing.T) {
	rec := uploadedRecord("BBB-1", "Titelpagina")
	rec.Title = ""
	e, wb, _, _ := newEngine(t, rec)

	if _, err := e.AddStatements(context.Background(), rec, ModeDescription); err != nil {
		t.Fatal(err)
	}
	if !rec.CaptionAdded || wb.writes() != 0 {
		t.Errorf("caption=%v writes=%d", rec.CaptionAdded, wb.writes())
	}
}

func TestBatchSkipsAndThrottles(t *testing.T) {
	notUploaded := uploadedRecord("BBB-2", "Twee")
	notUploaded.UploadedURL = ""
	e, _, _, sleeper := newEngine(t,
		uploadedRecord("BBB-1", "Een"),
		notUploaded,
		uploadedRecord("BBB-3", "Drie"),
	)

	summary, err := e.Batch(context.Background(), 0, 3, ModeAll)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Succeeded != 2 || summary.Skipped != 1 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Err() != nil {
		t.Errorf("skips must not fail the run: %v", summary.Err())
	}
	if sleeper.waits != 1 {
		t.Errorf("waits = %d, want 1 (after BBB-1 only)", sleeper.waits)
	}
}

func TestBatchAbortsOnAuthentication(t *testing.T) {
	e, wb, _, _ := newEngine(t, uploadedRecord("BBB-1", "Een"), uploadedRecord("BBB-2", "Twee"))
	wb.failClaims = fmt.Errorf("assertuserfailed: %w", pipeline.ErrAuthentication)

	summary, err := e.Batch(context.Background(), 0, 2, ModeStatements)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Aborted || len(summary.Results) != 1 {
		t.Errorf("aborted=%v results=%d", summary.Aborted, len(summary.Results))
	}
}

func TestVerifyCorrectsFlags(t *testing.T) {
	done := uploadedRecord("BBB-1", "Een")
	stale := uploadedRecord("BBB-2", "Twee")
	e, _, store, _ := newEngine(t, done, stale)

	if _, err := e.AddStatements(context.Background(), done, ModeAll); err != nil {
		t.Fatal(err)
	}
	// BBB-2 is flagged as done but its entity is empty.
	stale.EntityURL = "https://commons.wikimedia.org/entity/M99"
	if err := store.SetFlags("BBB-2", true, true); err != nil {
		t.Fatal(err)
	}

	summary, err := e.Verify(context.Background(), 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Results[0].Outcome != pipeline.OutcomeSatisfied {
		t.Errorf("BBB-1 outcome = %s", summary.Results[0].Outcome)
	}
	if summary.Results[1].Outcome != pipeline.OutcomePartial {
		t.Errorf("BBB-2 outcome = %s", summary.Results[1].Outcome)
	}
	if stale.CaptionAdded || stale.StatementsAdded || stale.StructuredDataAdded {
		t.Error("stale flags not cleared")
	}
	if summary.Fatal != 0 {
		t.Error("incomplete records are not fatal")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"", ModeDescription},
		{"description_only", ModeDescription},
		{"statements", ModeStatements},
		{"statements_only", ModeStatements},
		{"ALL", ModeAll},
	}
	for _, tt := range tests {
		if got, err := ParseMode(tt.in); err != nil || got != tt.want {
			t.Errorf("ParseMode(%q) = %s, %v", tt.in, got, err)
		}
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Error("expected error")
	}
}

func TestPreview(t *testing.T) {
	rec := uploadedRecord("BBB-1", "Titelpagina")
	e, wb, _, _ := newEngine(t, rec)

	var buf bytes.Buffer
	e.Preview(rec).Print(&buf)
	out := buf.String()
	if !strings.Contains(out, "Caption: [nl] Titelpagina") || !strings.Contains(out, "P7482 = Q74228490") {
		t.Errorf("unexpected preview:\n%s", out)
	}
	if len(wb.calls) != 0 {
		t.Error("preview must not use the network")
	}
}

// captionFailStore refuses to record captions.
type captionFailStore struct {
	*records.Store
}

func (captionFailStore) MarkCaption(string) error {
	return errors.New("disk full")
}

func TestObservedCaptionFlagFailureAbortsBatch(t *testing.T) {
	first := uploadedRecord("BBB-1", "Een")
	first.EntityURL = "https://commons.wikimedia.org/entity/M55"
	_, wb, store, sleeper := newEngine(t, first, uploadedRecord("BBB-2", "Twee"))
	wb.entity("M55").Labels["nl"] = "Een"

	e := New(Config{
		Client:   wb,
		Store:    captionFailStore{store},
		Retrier:  &pipeline.Retrier{Policy: pipeline.Policy{MaxRetries: 3, BaseDelay: 5 * time.Second, Multiplier: 2}, Sleeper: sleeper},
		Throttle: pipeline.Throttle{Delay: time.Second, Sleeper: sleeper},
	})

	summary, err := e.Batch(context.Background(), 0, 2, ModeStatements)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Aborted || len(summary.Results) != 1 {
		t.Fatalf("aborted=%v results=%d", summary.Aborted, len(summary.Results))
	}
	if !errors.Is(summary.Results[0].Err, pipeline.ErrPersistence) {
		t.Errorf("err = %v, want persistence failure", summary.Results[0].Err)
	}
	if first.StatementsAdded {
		t.Error("statements flag set after the caption flag failed")
	}
}
