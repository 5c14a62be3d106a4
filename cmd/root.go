package cmd

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/kbnl/beeldbank-commons/internal/commonscmd"
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	opts := &commonscmd.Options{}

	cmd := &cobra.Command{
		Use:   "beeldbank",
		Short: "Upload the Beeldbank Nederlandse Boekgeschiedenis to Wikimedia Commons",
		Long: `beeldbank publishes the public domain images of the Beeldbank Nederlandse
Boekgeschiedenis to Wikimedia Commons, one record at a time.

The record store (an .xlsx workbook or a .parquet file) is the source of
truth: every upload and structured data write is recorded in it right away,
so an interrupted run can simply be started again.

Credentials are read from COMMONS_USERNAME, COMMONS_PASSWORD and
COMMONS_USER_AGENT, optionally via a .env file.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()

			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "beeldbank.yaml", "Optional YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.StorePath, "store", "", "Record store (.xlsx or .parquet); overrides BEELDBANK_STORE")
	cmd.PersistentFlags().StringVar(&opts.ExclusionsPath, "exclusions", "", "Category exclusion JSON; overrides BEELDBANK_EXCLUSIONS")
	cmd.PersistentFlags().BoolVar(&opts.Verbose, "verbose", false, "Verbose logging")

	cmd.AddCommand(commonscmd.NewUploadCmd(opts))
	cmd.AddCommand(commonscmd.NewStatementsCmd(opts))
	cmd.AddCommand(commonscmd.NewVerifyCmd(opts))
	cmd.AddCommand(commonscmd.NewExportCmd(opts))

	return cmd
}
