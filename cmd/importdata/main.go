package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rpattn/importdata/internal/audit"
	"github.com/rpattn/importdata/internal/config"
	"github.com/rpattn/importdata/internal/db"
	"github.com/rpattn/importdata/internal/importer"
	"github.com/rpattn/importdata/internal/repository"
)

var (
	configPath     string
	migrationsPath string
	verbose        bool

	importOpts  importer.Options
	rowNumbers  []int
	startIndex  int
	endIndex    int
	sampleLimit float64
)

func main() {
	root := &cobra.Command{
		Use:   "importdata",
		Short: "Import tabular files with a full audit trail",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml")
	root.PersistentFlags().StringVar(&migrationsPath, "migrations", "./migrations", "directory containing SQL migrations")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	importCmd := &cobra.Command{
		Use:   "import [files or directories...]",
		Short: "Import files, creating one batch covering all of them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, cleanup, err := newService(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			opts := importOpts
			opts.Selection = importer.RowSelection{
				Rows:           rowNumbers,
				Start:          startIndex,
				End:            endIndex,
				SampleFraction: sampleLimit,
			}
			if opts.ImportedBy == "" {
				opts.ImportedBy = defaultImportedBy()
			}

			result, err := service.ImportBatch(cmd.Context(), args, opts)
			if result != nil && result.Batch != nil {
				printBatch(result)
			}
			return err
		},
	}
	importCmd.Flags().BoolVar(&importOpts.DurableErrors, "durable", false, "keep importing after a row fails")
	importCmd.Flags().BoolVar(&importOpts.DryRun, "dry-run", false, "run the batch and roll it back without persisting anything")
	importCmd.Flags().BoolVar(&importOpts.Overwrite, "overwrite", false, "delete a previously imported file's records and import it again")
	importCmd.Flags().BoolVar(&importOpts.Skip, "skip", false, "leave previously imported files untouched")
	importCmd.Flags().BoolVar(&importOpts.NoTransaction, "no-transaction", false, "persist each write immediately instead of one batch transaction")
	importCmd.Flags().BoolVar(&importOpts.NoFileDuplicateCheck, "no-file-duplicate-check", false, "import files even when their content duplicates another file in the batch")
	importCmd.Flags().BoolVar(&importOpts.Propagate, "propagate", false, "re-derive ancestor statuses after every row")
	importCmd.Flags().StringVar(&importOpts.ImportedBy, "imported-by", "", "operator recorded on audit records (default: current user)")
	importCmd.Flags().StringVar(&importOpts.Pattern, "pattern", "", "regexp filter for files found under directories")
	importCmd.Flags().Float64Var(&importOpts.Threshold, "threshold", 0, "unmapped-header ratio above which a file is flagged")
	importCmd.Flags().IntSliceVar(&rowNumbers, "rows", nil, "explicit row numbers to import")
	importCmd.Flags().IntVar(&startIndex, "start-index", 0, "first data row index to import")
	importCmd.Flags().IntVar(&endIndex, "end-index", 0, "data row index to stop at (0 = all)")
	importCmd.Flags().Float64Var(&sampleLimit, "limit", 0, "random fraction of rows to import, in (0, 1)")
	importCmd.MarkFlagsMutuallyExclusive("overwrite", "skip")

	reimportCmd := &cobra.Command{
		Use:   "reimport <batch-id>",
		Short: "Delete everything a batch created, then rerun its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, cleanup, err := newService(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			opts := importOpts
			if opts.ImportedBy == "" {
				opts.ImportedBy = defaultImportedBy()
			}
			result, err := service.Reimport(cmd.Context(), args[0], opts)
			if result != nil && result.Batch != nil {
				printBatch(result)
			}
			return err
		},
	}
	reimportCmd.Flags().BoolVar(&importOpts.DurableErrors, "durable", false, "keep importing after a row fails")
	reimportCmd.Flags().StringVar(&importOpts.ImportedBy, "imported-by", "", "operator recorded on audit records (default: current user)")

	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-check every tracked file on disk and report missing or changed files",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, cleanup, err := newService(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			stale, err := service.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			for _, fileImporter := range stale {
				state := "changed"
				if fileImporter.FileMissing() {
					state = "missing"
				}
				fmt.Printf("%s\t%s\n", state, fileImporter.FilePath)
			}
			return nil
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDBConfig(configPath)
			if err != nil {
				return err
			}
			return db.RunMigrations(cfg, migrationsPath)
		},
	}

	root.AddCommand(importCmd, reimportCmd, refreshCmd, migrateCmd)

	if err := root.Execute(); err != nil {
		log.WithError(err).Fatal("command failed")
	}
}

func newService(ctx context.Context) (*importer.Service, func(), error) {
	cfg, err := config.LoadDBConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	conn, err := db.NewConnection(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	if err := db.RunMigrations(cfg, migrationsPath); err != nil {
		conn.Close()
		return nil, nil, err
	}

	formMapSet, err := buildFormMapSet()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	var store audit.Store = repository.NewAuditStore(conn.Pool)
	service := importer.NewService(store, formMapSet, "person_case_importer")
	return service, conn.Close, nil
}

func defaultImportedBy() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "importdata"
}

func printBatch(result *importer.BatchResult) {
	fmt.Printf("batch %s: %s\n", result.Batch.ID, result.Batch.Status)
	for _, file := range result.Files {
		switch {
		case file.Skipped:
			fmt.Printf("  %s: skipped (previously imported)\n", file.Path)
		case file.Attempt != nil:
			fmt.Printf("  %s: %s creations=%v\n", file.Path, file.Attempt.Status, file.Attempt.Creations)
		default:
			fmt.Printf("  %s: no attempt recorded\n", file.Path)
		}
	}
}
