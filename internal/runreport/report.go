// Package runreport writes a YAML record of each batch run.
package runreport

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kbnl/beeldbank-commons/internal/pipeline"
	"gopkg.in/yaml.v3"
)

// RunConfig is the configuration section of a run report.
type RunConfig struct {
	Command    string  `yaml:"command"`
	Store      string  `yaml:"store"`
	Sheet      string  `yaml:"sheet,omitempty"`
	Mode       string  `yaml:"mode,omitempty"`
	Start      int     `yaml:"start"`
	End        int     `yaml:"end"`
	IDs        int     `yaml:"ids,omitempty"`
	Delay      string  `yaml:"delay"`
	MaxRetries int     `yaml:"maxretries"`
	BaseDelay  string  `yaml:"basedelay"`
	Multiplier float64 `yaml:"multiplier"`
	Scope      string  `yaml:"uniquenessscope,omitempty"`
}

// Totals mirrors the counters of a pipeline.Summary.
type Totals struct {
	Succeeded         int  `yaml:"succeeded"`
	Skipped           int  `yaml:"skipped"`
	Failed            int  `yaml:"failed"`
	Fatal             int  `yaml:"fatal"`
	Aborted           bool `yaml:"aborted"`
	FollowUpSucceeded int  `yaml:"followupsucceeded,omitempty"`
	FollowUpFailed    int  `yaml:"followupfailed,omitempty"`
}

// Entry is one processed record.
type Entry struct {
	Index    int     `yaml:"index"`
	ID       string  `yaml:"id"`
	Outcome  string  `yaml:"outcome"`
	Filename string  `yaml:"filename,omitempty"`
	URL      string  `yaml:"url,omitempty"`
	Entity   string  `yaml:"entity,omitempty"`
	Error    string  `yaml:"error,omitempty"`
	Seconds  float64 `yaml:"seconds"`
}

// Report is the complete document.
type Report struct {
	Config   RunConfig `yaml:"config"`
	Started  string    `yaml:"started"`
	Finished string    `yaml:"finished"`
	Totals   Totals    `yaml:"totals"`
	Records  []Entry   `yaml:"records"`
}

// New builds a report from a finished summary.
func New(cfg RunConfig, s *pipeline.Summary) *Report {
	r := &Report{
		Config:   cfg,
		Started:  s.Started.Format(time.RFC3339),
		Finished: s.Finished.Format(time.RFC3339),
		Totals: Totals{
			Succeeded:         s.Succeeded,
			Skipped:           s.Skipped,
			Failed:            s.Failed,
			Fatal:             s.Fatal,
			Aborted:           s.Aborted,
			FollowUpSucceeded: s.FollowUpSucceeded,
			FollowUpFailed:    s.FollowUpFailed,
		},
		Records: make([]Entry, 0, len(s.Results)),
	}
	for _, res := range s.Results {
		e := Entry{
			Index:    res.Index,
			ID:       res.ID,
			Outcome:  string(res.Outcome),
			Filename: res.Filename,
			URL:      res.URL,
			Entity:   res.Entity,
			Seconds:  res.Duration.Round(time.Millisecond).Seconds(),
		}
		if res.Err != nil {
			e.Error = res.Err.Error()
		}
		r.Records = append(r.Records, e)
	}
	return r
}

// Save writes the report to dir/<kind>-<timestamp>.yaml and returns the path.
func (r *Report) Save(dir, kind string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s.yaml", strings.ReplaceAll(kind, " ", "-"), now.Format("2006-01-02_15-04-05"))
	path := filepath.Join(dir, name)

	data, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write YAML file: %w", err)
	}
	return path, nil
}
