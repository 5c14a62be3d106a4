package runreport

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kbnl/beeldbank-commons/internal/pipeline"
	"gopkg.in/yaml.v3"
)

func TestSaveWritesYAML(t *testing.T) {
	s := pipeline.NewSummary("upload")
	s.Add(pipeline.RecordResult{Index: 0, ID: "BBB-1", Outcome: pipeline.OutcomeUploaded, Filename: "Een - BBB-1.jpg", URL: "https://commons.wikimedia.org/wiki/File:Een_-_BBB-1.jpg", Duration: 1500 * time.Millisecond})
	s.Add(pipeline.RecordResult{Index: 1, ID: "BBB-2", Outcome: pipeline.OutcomeFailed, Err: fmt.Errorf("upload BBB-2: %w", pipeline.ErrConflict)})
	s.Finish()

	r := New(RunConfig{Command: "upload", Store: "records.xlsx", Start: 0, End: 2, Delay: "2s", MaxRetries: 3}, s)

	dir := filepath.Join(t.TempDir(), "runs")
	now := time.Date(2024, 6, 1, 14, 30, 0, 0, time.UTC)
	path, err := r.Save(dir, "structured data", now)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if filepath.Base(path) != "structured-data-2024-06-01_14-30-00.yaml" {
		t.Errorf("path = %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got Report
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("report is not valid YAML: %v", err)
	}

	if got.Totals.Succeeded != 1 || got.Totals.Failed != 1 || got.Totals.Fatal != 1 {
		t.Errorf("totals = %+v", got.Totals)
	}
	if len(got.Records) != 2 || got.Records[1].Error != "upload BBB-2: conflict" {
		t.Errorf("records = %+v", got.Records)
	}
	if got.Records[0].Seconds != 1.5 {
		t.Errorf("seconds = %v", got.Records[0].Seconds)
	}
}

func TestSaveFailsOnUnwritableDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "occupied")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	r := New(RunConfig{}, pipeline.NewSummary("verify"))
	if _, err := r.Save(file, "verify", time.Now()); err == nil {
		t.Error("expected an error when the report directory is a file")
	}
}
