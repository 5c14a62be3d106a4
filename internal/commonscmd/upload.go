package commonscmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/kbnl/beeldbank-commons/internal/config"
	"github.com/kbnl/beeldbank-commons/internal/exclusions"
	"github.com/kbnl/beeldbank-commons/internal/pipeline"
	"github.com/kbnl/beeldbank-commons/internal/records"
	"github.com/kbnl/beeldbank-commons/internal/runreport"
	"github.com/kbnl/beeldbank-commons/internal/structured"
	"github.com/kbnl/beeldbank-commons/internal/upload"
	"github.com/spf13/cobra"
)

// NewUploadCmd creates the upload command.
func NewUploadCmd(opts *Options) *cobra.Command {
	var (
		preview        bool
		batch          bool
		delay          float64
		sheet          string
		idsFile        string
		structuredData bool
	)

	cmd := &cobra.Command{
		Use:   "upload [<id> | --batch <start> <end> | --ids-file <path>]",
		Short: "Upload images and their description pages to Wikimedia Commons",
		Long: `Upload records from the record store to Wikimedia Commons.

Each file gets an Artwork description page with source attribution, license
and categories derived from the classification. Records that already have an
upload URL are skipped. After a successful upload the store is saved before
the next record is processed.

Unless --structured-data=false is given, caption and statements are added
right after each upload.`,
		Example: `  # Show what would be uploaded, without network access
  beeldbank upload --preview BBB-1234

  # Upload one record
  beeldbank upload BBB-1234

  # Upload rows 0 to 49 of the public domain sheet with a 5 second delay
  beeldbank upload --batch 0 50 --sheet eligible --delay 5

  # Upload the ids listed in a file
  beeldbank upload --ids-file batch_upload_ids.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("delay") {
				cfg.Upload.Delay = seconds(delay)
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
				return previewUpload(cfg, sh, args[0])
			}

			switch {
			case batch && idsFile != "":
				return errors.New("--batch and --ids-file cannot be combined")
			case !batch && idsFile == "" && len(args) != 1:
				return errors.New("give a record id, --batch <start> <end> or --ids-file <path>")
			}

			if err := cfg.RequireCredentials(); err != nil {
				return err
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			filter := exclusions.Load(cfg.ExclusionsPath)

			ctx := cmd.Context()
			client, err := connect(ctx, cfg)
			if err != nil {
				return err
			}

			ucfg := upload.Config{
				Publisher:  client,
				Store:      store,
				Filter:     filter,
				Categories: cfg.Categories,
				Retrier:    retrier(cfg),
				Throttle:   pipeline.Throttle{Delay: cfg.Upload.Delay, Jitter: cfg.Upload.Jitter},
				Scope:      cfg.UniquenessScope,
				Sheet:      sh,
			}
			if structuredData {
				ucfg.FollowUp = structured.New(structured.Config{
					Client:  client,
					Store:   store,
					Retrier: retrier(cfg),
				})
			}
			engine := upload.New(ucfg)

			run := runreport.RunConfig{
				Command: "upload",
				Sheet:   string(sh),
				Delay:   cfg.Upload.Delay.String(),
				Scope:   cfg.UniquenessScope,
			}

			var summary *pipeline.Summary
			switch {
			case batch:
				start, end, err := parseRange(args)
				if err != nil {
					return err
				}
				run.Start, run.End = start, end
				summary, err = engine.Batch(ctx, start, end)
				if err != nil {
					return err
				}
			case idsFile != "":
				ids, err := readIDs(idsFile)
				if err != nil {
					return err
				}
				run.IDs = len(ids)
				slog.Info("Uploading listed records", "file", idsFile, "ids", len(ids))
				summary, err = engine.BatchIDs(ctx, ids)
				if err != nil {
					return err
				}
			default:
				run.IDs = 1
				summary, err = engine.BatchIDs(ctx, args)
				if err != nil {
					return err
				}
			}

			return finish(cfg, run, summary)
		},
	}

	cmd.Flags().BoolVar(&preview, "preview", false, "Render the upload of one record without network access")
	cmd.Flags().BoolVar(&batch, "batch", false, "Upload the records in [<start>, <end>) of the sheet")
	cmd.Flags().Float64Var(&delay, "delay", config.DefaultUploadDelay.Seconds(), "Seconds to wait between records")
	cmd.Flags().StringVar(&sheet, "sheet", "all", "Sheet to read batches from (all or eligible)")
	cmd.Flags().StringVar(&idsFile, "ids-file", "", "Upload the record ids listed in this file, one per line")
	cmd.Flags().BoolVar(&structuredData, "structured-data", true, "Add caption and statements after each upload")

	return cmd
}

func previewUpload(cfg *config.Config, sheet records.Sheet, id string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	rec, err := store.Get(id)
	if err != nil {
		return err
	}

	engine := upload.New(upload.Config{
		Store:      store,
		Filter:     exclusions.Load(cfg.ExclusionsPath),
		Categories: cfg.Categories,
		Sheet:      sheet,
	})
	p, err := engine.Preview(rec)
	if p != nil {
		p.Print(os.Stdout)
	}
	if err != nil {
		return fmt.Errorf("record cannot be uploaded: %w", err)
	}
	return nil
}
