package pipeline

import (
	"fmt"
	"time"
)

// Outcome is the per-record result of an engine call.
type Outcome string

const (
	OutcomeUploaded        Outcome = "uploaded"
	OutcomeAlreadyUploaded Outcome = "already_uploaded"
	OutcomePreview         Outcome = "preview"
	OutcomeWritten         Outcome = "written"
	OutcomeSatisfied       Outcome = "already_satisfied"
	OutcomePartial         Outcome = "partial"
	OutcomeSkipped         Outcome = "skipped"
	OutcomeFailed          Outcome = "failed"
)

// RecordResult is one line of a batch summary.
type RecordResult struct {
	Index    int
	ID       string
	Outcome  Outcome
	Filename string
	URL      string
	Entity   string
	Err      error
	Duration time.Duration
}

// Summary aggregates a batch run.
type Summary struct {
	Kind      string
	Started   time.Time
	Finished  time.Time
	Succeeded int
	Skipped   int
	Failed    int
	Fatal     int
	Aborted   bool

	// Follow-up structured data writes made after uploads.
	FollowUpSucceeded int
	FollowUpFailed    int

	Results []RecordResult
}

// NewSummary starts a summary for a run of the given kind.
func NewSummary(kind string) *Summary {
	return &Summary{Kind: kind, Started: time.Now()}
}

// Add records a result and updates the counters.
func (s *Summary) Add(r RecordResult) {
	switch r.Outcome {
	case OutcomeUploaded, OutcomeWritten, OutcomeSatisfied, OutcomePreview:
		s.Succeeded++
	case OutcomeAlreadyUploaded, OutcomeSkipped:
		s.Skipped++
	default:
		s.Failed++
		if IsFatal(r.Err) {
			s.Fatal++
		}
	}
	s.Results = append(s.Results, r)
}

// Finish stamps the end time.
func (s *Summary) Finish() {
	s.Finished = time.Now()
}

// Err returns a non-nil error when the run must exit nonzero.
func (s *Summary) Err() error {
	if s.Aborted || s.Fatal > 0 {
		return fmt.Errorf("%s run finished with %d fatal failures (aborted=%t)", s.Kind, s.Fatal, s.Aborted)
	}
	return nil
}

// Print writes the human readable summary.
func (s *Summary) Print() {
	fmt.Println("\n========================================")
	fmt.Printf("%s complete\n", s.Kind)
	fmt.Println("========================================")
	fmt.Printf("Duration:    %s\n", s.Finished.Sub(s.Started).Round(time.Second))
	fmt.Printf("Succeeded:   %d\n", s.Succeeded)
	fmt.Printf("Skipped:     %d\n", s.Skipped)
	fmt.Printf("Failed:      %d (fatal: %d)\n", s.Failed, s.Fatal)
	if s.FollowUpSucceeded+s.FollowUpFailed > 0 {
		fmt.Printf("Structured data: %d successful, %d failed\n", s.FollowUpSucceeded, s.FollowUpFailed)
	}
	if s.Aborted {
		fmt.Println("Batch ABORTED before reaching the end of the range")
	}
	for _, r := range s.Results {
		if r.Err != nil {
			fmt.Printf("  %s: %v\n", r.ID, r.Err)
		}
	}
	fmt.Println("========================================")
}
