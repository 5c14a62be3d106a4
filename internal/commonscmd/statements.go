package commonscmd

import (
	"errors"
	"os"

	"github.com/kbnl/beeldbank-commons/internal/config"
	"github.com/kbnl/beeldbank-commons/internal/pipeline"
	"github.com/kbnl/beeldbank-commons/internal/records"
	"github.com/kbnl/beeldbank-commons/internal/runreport"
	"github.com/kbnl/beeldbank-commons/internal/structured"
	"github.com/spf13/cobra"
)

// NewStatementsCmd creates the statements command.
func NewStatementsCmd(opts *Options) *cobra.Command {
	var (
		statementsOnly bool
		all            bool
		batch          bool
		preview        bool
		delay          float64
		sheet          string
	)

	cmd := &cobra.Command{
		Use:   "statements [<id> | --batch <start> <end>]",
		Short: "Add captions and structured data statements to uploaded files",
		Long: `Add structured data to files that were already uploaded.

By default only the caption is written. --statements writes the Wikibase
statements instead, --all writes both. Values already present on Commons are
not written again, and records that were never uploaded are skipped.`,
		Example: `  # Caption only
  beeldbank statements BBB-1234

  # Caption and statements for rows 0 to 99
  beeldbank statements --all --batch 0 100

  # Show what would be written
  beeldbank statements --preview BBB-1234`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if statementsOnly && all {
				return errors.New("--statements and --all cannot be combined")
			}
			mode := structured.ModeDescription
			switch {
			case statementsOnly:
				mode = structured.ModeStatements
			case all:
				mode = structured.ModeAll
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("delay") {
				cfg.Structured.Delay = seconds(delay)
			}
			if cmd.Flags().Changed("sheet") {
				cfg.Store.Sheet = sheet
			}
			sh, err := records.ParseSheet(cfg.Store.Sheet)
			if err != nil {
				return err
			}

			if preview {
				if len(args) != 1 {
					return errors.New("--preview needs exactly one record id")
				}
				store, err := openStore(cfg)
				if err != nil {
					return err
				}
				rec, err := store.Get(args[0])
				if err != nil {
					return err
				}
				structured.New(structured.Config{Store: store}).Preview(rec).Print(os.Stdout)
				return nil
			}
			if !batch && len(args) != 1 {
				return errors.New("give a record id or --batch <start> <end>")
			}

			engine, err := newStructuredEngine(cmd, cfg, sh)
			if err != nil {
				return err
			}
			run := runreport.RunConfig{
				Command: "statements",
				Sheet:   string(sh),
				Mode:    string(mode),
				Delay:   cfg.Structured.Delay.String(),
			}

			if !batch {
				return engine.addOne(cmd, cfg, args[0], mode, run)
			}

			start, end, err := parseRange(args)
			if err != nil {
				return err
			}
			run.Start, run.End = start, end
			summary, err := engine.Batch(cmd.Context(), start, end, mode)
			if err != nil {
				return err
			}
			return finish(cfg, run, summary)
		},
	}

	cmd.Flags().BoolVar(&statementsOnly, "statements", false, "Write statements only")
	cmd.Flags().BoolVar(&all, "all", false, "Write caption and statements")
	cmd.Flags().BoolVar(&batch, "batch", false, "Process the records in [<start>, <end>) of the sheet")
	cmd.Flags().BoolVar(&preview, "preview", false, "Render the structured data of one record without network access")
	cmd.Flags().Float64Var(&delay, "delay", config.DefaultStructuredDelay.Seconds(), "Seconds to wait between records")
	cmd.Flags().StringVar(&sheet, "sheet", "all", "Sheet to read batches from (all or eligible)")

	return cmd
}

// structuredEngine keeps the store next to the engine built on it.
type structuredEngine struct {
	*structured.Engine
	store *records.Store
}

// newStructuredEngine checks credentials, then opens the store and logs in.
func newStructuredEngine(cmd *cobra.Command, cfg *config.Config, sheet records.Sheet) (*structuredEngine, error) {
	if err := cfg.RequireCredentials(); err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	client, err := connect(cmd.Context(), cfg)
	if err != nil {
		return nil, err
	}
	return &structuredEngine{
		Engine: structured.New(structured.Config{
			Client:   client,
			Store:    store,
			Retrier:  retrier(cfg),
			Throttle: pipeline.Throttle{Delay: cfg.Structured.Delay, Jitter: cfg.Structured.Jitter},
			Sheet:    sheet,
		}),
		store: store,
	}, nil
}

func (e *structuredEngine) addOne(cmd *cobra.Command, cfg *config.Config, id string, mode structured.Mode, run runreport.RunConfig) error {
	rec, err := e.store.Get(id)
	if err != nil {
		return err
	}
	summary := pipeline.NewSummary("structured data")
	outcome, err := e.AddStatements(cmd.Context(), rec, mode)
	summary.Add(pipeline.RecordResult{
		ID:      rec.UniqueID,
		Outcome: outcome,
		URL:     rec.UploadedURL,
		Entity:  rec.EntityURL,
		Err:     err,
	})
	summary.Finish()
	run.IDs = 1
	return finish(cfg, run, summary)
}
