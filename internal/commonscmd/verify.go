package commonscmd

import (
	"github.com/kbnl/beeldbank-commons/internal/records"
	"github.com/kbnl/beeldbank-commons/internal/runreport"
	"github.com/spf13/cobra"
)

// NewVerifyCmd creates the verify command.
func NewVerifyCmd(opts *Options) *cobra.Command {
	var (
		batch bool
		sheet string
	)

	cmd := &cobra.Command{
		Use:   "verify [--batch <start> <end>]",
		Short: "Check structured data on Commons and correct the store flags",
		Long: `Read the media entities of uploaded records and set caption_added,
statements_added and structured_data_added to what Commons actually has.
Nothing is written to Commons.`,
		Example: `  beeldbank verify
  beeldbank verify --batch 0 500`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("sheet") {
				cfg.Store.Sheet = sheet
			}
			sh, err := records.ParseSheet(cfg.Store.Sheet)
			if err != nil {
				return err
			}

			engine, err := newStructuredEngine(cmd, cfg, sh)
			if err != nil {
				return err
			}

			start, end := 0, engine.store.Len()
			if batch {
				if start, end, err = parseRange(args); err != nil {
					return err
				}
			}

			summary, err := engine.Verify(cmd.Context(), start, end)
			if err != nil {
				return err
			}
			return finish(cfg, runreport.RunConfig{
				Command: "verify",
				Sheet:   string(sh),
				Start:   start,
				End:     end,
				Delay:   cfg.Structured.Delay.String(),
			}, summary)
		},
	}

	cmd.Flags().BoolVar(&batch, "batch", false, "Verify the records in [<start>, <end>) of the sheet")
	cmd.Flags().StringVar(&sheet, "sheet", "all", "Sheet to read (all or eligible)")

	return cmd
}
