package commonscmd

import (
	"fmt"

	"github.com/kbnl/beeldbank-commons/internal/records"
	"github.com/spf13/cobra"
)

// NewExportCmd creates the export command.
func NewExportCmd(opts *Options) *cobra.Command {
	var (
		out   string
		sheet string
	)

	cmd := &cobra.Command{
		Use:   "export --out <file>",
		Short: "Write the record store to a parquet or xlsx file",
		Example: `  beeldbank export --out records.parquet
  beeldbank export --out public_domain.parquet --sheet eligible`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			sh, err := records.ParseSheet(sheet)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			if err := store.Export(out, sh); err != nil {
				return err
			}
			fmt.Printf("Exported %s sheet of %s to %s\n", sh, store.Path(), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "Output file (.parquet or .xlsx)")
	cmd.Flags().StringVar(&sheet, "sheet", "all", "Sheet to export (all or eligible)")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}
