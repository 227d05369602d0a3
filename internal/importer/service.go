package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/rpattn/importdata/internal/audit"
	"github.com/rpattn/importdata/internal/domain"
	"github.com/rpattn/importdata/internal/mapping"
)

// Options controls one driver invocation.
type Options struct {
	// DurableErrors keeps going after a row fails instead of aborting the
	// file on the first rejected row.
	DurableErrors bool
	// DryRun runs the full import and then rolls the transaction back so
	// nothing is persisted. Stores without transaction support import into a
	// throwaway in-memory copy instead.
	DryRun bool
	// Overwrite deletes the records a file's previous attempt created, then
	// imports the file again.
	Overwrite bool
	// Skip leaves previously imported files untouched. Without Skip or
	// Overwrite, a previously imported file is an error.
	Skip bool
	// NoTransaction runs the batch without a wrapping transaction, so each
	// write is persisted as it happens.
	NoTransaction bool
	// NoFileDuplicateCheck disables the up-front content hashing that drops
	// same-content files from the batch.
	NoFileDuplicateCheck bool
	// Propagate re-derives ancestor statuses after every saved row instead
	// of waiting for the single bulk pass at the end of the batch.
	Propagate bool
	// ImportedBy identifies the operator on every audit record.
	ImportedBy string
	// Pattern filters files discovered under directory arguments.
	Pattern string
	// Threshold overrides the unmapped-header ratio above which a file is
	// flagged. Zero means the default.
	Threshold float64
	// Selection narrows which data rows are imported.
	Selection RowSelection
}

func (o Options) threshold() float64 {
	if o.Threshold > 0 {
		return o.Threshold
	}
	return mapping.DefaultUnmappedThreshold
}

func (o Options) asMap() map[string]any {
	return map[string]any{
		"durable_errors":          o.DurableErrors,
		"dry_run":                 o.DryRun,
		"overwrite":               o.Overwrite,
		"skip":                    o.Skip,
		"no_transaction":          o.NoTransaction,
		"no_file_duplicate_check": o.NoFileDuplicateCheck,
		"propagate":               o.Propagate,
		"imported_by":             o.ImportedBy,
		"pattern":                 o.Pattern,
		"threshold":               o.threshold(),
	}
}

// FileResult reports the outcome for one file.
type FileResult struct {
	Path    string
	Skipped bool
	Attempt *domain.FileImportAttempt
}

// BatchResult reports the outcome of a driver invocation.
type BatchResult struct {
	Batch *domain.FileImporterBatch
	Files []FileResult
}

// ErrRowRejected aborts a non-durable import on the first failed row.
var ErrRowRejected = errors.New("row rejected")

// errDryRunRollback forces a dry-run transaction to roll back after the
// batch has run to completion.
var errDryRunRollback = errors.New("dry run rollback")

// Service is the import driver. It owns the per-file loop: find-or-create
// the file importer, detect duplicates by content hash, snapshot rows, and
// run the form map set against each row with full audit recording.
type Service struct {
	store   audit.Store
	set     *mapping.FormMapSet
	name    string
	command string
}

// NewService wires a driver for one importer (one form map set).
func NewService(store audit.Store, set *mapping.FormMapSet, name string) *Service {
	return &Service{store: store, set: set, name: name, command: "import"}
}

// ImportBatch imports every file reachable from paths as one batch. The
// whole batch runs in a single transaction when the store supports one and
// NoTransaction is not set; any error rolls everything back.
func (s *Service) ImportBatch(ctx context.Context, paths []string, opts Options) (*BatchResult, error) {
	transactor, transactional := s.store.(audit.Transactor)
	if !transactional || opts.NoTransaction {
		if opts.DryRun {
			log.Warn("dry run: importing into a throwaway store, nothing will be persisted")
			return s.runBatch(ctx, audit.NewMemoryStore(), paths, opts)
		}
		return s.runBatch(ctx, s.store, paths, opts)
	}

	var result *BatchResult
	var runErr error
	err := transactor.InTransaction(ctx, func(store audit.Store) error {
		result, runErr = s.runBatch(ctx, store, paths, opts)
		if runErr != nil {
			return runErr
		}
		if opts.DryRun {
			return errDryRunRollback
		}
		return nil
	})
	if opts.DryRun && errors.Is(err, errDryRunRollback) {
		log.Warn("dry run: batch transaction rolled back, nothing was persisted")
		return result, nil
	}
	if err != nil {
		return result, err
	}
	return result, nil
}

func (s *Service) runBatch(ctx context.Context, store audit.Store, paths []string, opts Options) (*BatchResult, error) {
	tracker := audit.NewTracker(store)

	batch := domain.NewFileImporterBatch(s.command, paths, opts.asMap())
	if err := store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	files, err := DiscoverFiles(paths, opts.Pattern)
	if err != nil {
		return nil, err
	}
	if !opts.NoFileDuplicateCheck {
		files = dropDuplicateFiles(batch, files)
	}
	log.WithFields(log.Fields{"batch": batch.ID, "files": len(files)}).Info("starting import batch")

	result := &BatchResult{Batch: batch}
	var rowErr error
	for _, path := range files {
		fileResult, err := s.importFile(ctx, store, tracker, batch, path, opts)
		if fileResult.Attempt != nil {
			batch.ErrorSummary.Merge(fileResult.Attempt.ErrorSummary)
		}
		if err != nil {
			if errors.Is(err, ErrRowRejected) && !opts.DurableErrors {
				result.Files = append(result.Files, fileResult)
				rowErr = err
				break
			}
			batch.Errors.Add("files", fmt.Sprintf("%s: %v", path, err))
			log.WithError(err).WithField("file", path).Error("file import failed")
			if !opts.DurableErrors {
				rowErr = err
				break
			}
			continue
		}
		result.Files = append(result.Files, fileResult)
	}

	if err := store.UpdateBatch(ctx, batch); err != nil {
		return result, err
	}
	if err := tracker.DeriveBatch(ctx, batch.ID); err != nil {
		return result, err
	}
	refreshed, err := store.GetBatch(ctx, batch.ID)
	if err != nil {
		return result, err
	}
	result.Batch = refreshed

	log.WithFields(log.Fields{"batch": batch.ID, "status": refreshed.Status}).Info("import batch finished")
	return result, rowErr
}

func (s *Service) importFile(ctx context.Context, store audit.Store, tracker *audit.Tracker, batch *domain.FileImporterBatch, path string, opts Options) (FileResult, error) {
	result := FileResult{Path: path}

	importer, err := store.GetFileImporterByPath(ctx, path)
	if errors.Is(err, audit.ErrNotFound) {
		importer = domain.NewFileImporter(batch.ID, path, s.name)
		if err := store.CreateFileImporter(ctx, importer); err != nil {
			return result, err
		}
	} else if err != nil {
		return result, err
	} else {
		importer.BatchID = batch.ID
	}

	now := time.Now().UTC()
	importer.HashCheckedAt = &now
	hash := ""
	if info, statErr := os.Stat(path); statErr == nil {
		modified := info.ModTime().UTC()
		importer.FileModifiedAt = &modified
		if hashed, hashErr := HashFile(path); hashErr == nil {
			hash = hashed
		}
	}
	importer.HashOnDisk = hash
	if err := store.UpdateFileImporter(ctx, importer); err != nil {
		return result, err
	}

	latest, err := store.LatestFileImportAttempt(ctx, importer.ID)
	if err != nil {
		return result, err
	}
	if latest != nil {
		switch {
		case opts.Skip:
			log.WithField("file", path).Info("skipping previously imported file")
			result.Skipped = true
			result.Attempt = latest
			return result, nil
		case opts.Overwrite:
			report, err := tracker.DeleteImportedModels(ctx, latest.ID, s.set.TargetTypes())
			if err != nil {
				return result, err
			}
			log.WithFields(log.Fields{"file": path, "deleted": report.Total}).Info("overwriting previous import")
		default:
			return result, fmt.Errorf("%s was already imported; pass overwrite to replace it or skip to leave it", path)
		}
	}

	attempt := domain.NewFileImportAttempt(importer.ID, path, opts.ImportedBy)
	attempt.HashWhenImported = hash

	if hash == "" {
		attempt.Errors.Add("misc", "file_missing")
		if err := store.CreateFileImportAttempt(ctx, attempt); err != nil {
			return result, err
		}
		if err := tracker.DeriveFileImportAttempt(ctx, attempt.ID, true); err != nil {
			return result, err
		}
		result.Attempt = attempt
		return result, nil
	}

	table, err := ReadTable(path)
	if err != nil {
		attempt.Errors.Add("misc", err.Error())
		if createErr := store.CreateFileImportAttempt(ctx, attempt); createErr != nil {
			return result, createErr
		}
		if deriveErr := tracker.DeriveFileImportAttempt(ctx, attempt.ID, true); deriveErr != nil {
			return result, deriveErr
		}
		result.Attempt = attempt
		return result, nil
	}

	s.checkHeaders(attempt, table.Headers, opts.threshold())

	if err := store.CreateFileImportAttempt(ctx, attempt); err != nil {
		return result, err
	}
	result.Attempt = attempt

	rows := opts.Selection.Apply(table.Rows)
	creations := map[string]int{}
	summary := domain.ErrorSummary{}

	for _, row := range rows {
		rowData := domain.NewRowData(attempt.ID, row.Num, table.Headers, row.Values)
		if err := store.CreateRowData(ctx, rowData); err != nil {
			return result, err
		}

		importees, modelAttempts, err := s.set.SaveWithAudit(ctx, store, rowData, opts.ImportedBy)
		if err != nil {
			return result, err
		}
		for _, importee := range importees {
			creations[importee.TargetType]++
		}
		rowFailed := accumulateSummary(summary, modelAttempts)

		if opts.Propagate {
			for _, modelAttempt := range modelAttempts {
				if err := tracker.PropagateFromAttempt(ctx, modelAttempt.ModelImporterID); err != nil {
					return result, err
				}
			}
		}

		if rowFailed && !opts.DurableErrors {
			s.finalizeAttempt(ctx, store, attempt, len(table.Rows), len(rows), creations, summary)
			return result, fmt.Errorf("%w: row %d of %s", ErrRowRejected, row.Num, path)
		}
	}

	s.finalizeAttempt(ctx, store, attempt, len(table.Rows), len(rows), creations, summary)
	log.WithFields(log.Fields{
		"file":      path,
		"rows":      len(rows),
		"creations": creations,
	}).Info("file imported")
	return result, nil
}

// dropDuplicateFiles hashes every discovered file and keeps the first path
// seen per content hash. Later paths with identical content are recorded on
// the batch under "duplicate_paths" and never imported.
func dropDuplicateFiles(batch *domain.FileImporterBatch, files []string) []string {
	seen := map[string]string{}
	kept := make([]string, 0, len(files))
	for _, path := range files {
		hash, err := HashFile(path)
		if err != nil {
			// Missing or unreadable files get their own attempt record in
			// the per-file loop.
			kept = append(kept, path)
			continue
		}
		if first, ok := seen[hash]; ok {
			batch.Errors.Add("duplicate_paths", fmt.Sprintf("%s duplicates %s", path, first))
			log.WithFields(log.Fields{"file": path, "duplicate_of": first}).Warn("skipping file with duplicate content")
			continue
		}
		seen[hash] = path
		kept = append(kept, path)
	}
	return kept
}

// checkHeaders records which headers no form map recognizes and flags the
// file when their share exceeds the threshold.
func (s *Service) checkHeaders(attempt *domain.FileImportAttempt, headers []string, threshold float64) {
	known := map[string]struct{}{}
	for _, formMap := range s.set.FormMaps() {
		for field := range formMap.KnownFromFields() {
			known[field] = struct{}{}
		}
	}

	var ignored []string
	for _, header := range headers {
		if _, ok := known[header]; !ok {
			ignored = append(ignored, header)
		}
	}
	sort.Strings(ignored)
	attempt.IgnoredHeaders = ignored

	if len(headers) == 0 {
		return
	}
	ratio := float64(len(ignored)) / float64(len(headers))
	if ratio > threshold {
		attempt.Errors.Add("too_many_unmapped_headers", fmt.Sprintf(
			"%d of %d headers (%.0f%%) have no mapping", len(ignored), len(headers), ratio*100,
		))
	}
}

func (s *Service) finalizeAttempt(ctx context.Context, store audit.Store, attempt *domain.FileImportAttempt, totalRows, importedRows int, creations map[string]int, summary domain.ErrorSummary) {
	attempt.Creations = creations
	attempt.ErrorSummary = summary
	attempt.Info["total_rows"] = totalRows
	attempt.Info["imported_rows"] = importedRows
	if err := store.UpdateFileImportAttempt(ctx, attempt); err != nil {
		log.WithError(err).WithField("attempt", attempt.ID).Error("failed to finalize file import attempt")
	}
}

// accumulateSummary folds the per-model attempts of one row into the
// file-level error summary and reports whether any attempt failed.
func accumulateSummary(summary domain.ErrorSummary, attempts map[string]*domain.ModelImportAttempt) bool {
	failed := false
	for _, attempt := range attempts {
		if !attempt.HasErrors() {
			continue
		}
		failed = true

		byCategory := summary[attempt.TargetType]
		if byCategory == nil {
			byCategory = map[string]*domain.CategoryErrorSummary{}
			summary[attempt.TargetType] = byCategory
		}

		if len(attempt.ConversionErrors) > 0 {
			category := byCategory["conversion_errors"]
			if category == nil {
				category = &domain.CategoryErrorSummary{}
				byCategory["conversion_errors"] = category
			}
			for _, conversionError := range attempt.ConversionErrors {
				category.Count++
				category.Fields = appendUnique(category.Fields, conversionError.FromFields...)
			}
		}
		if len(attempt.FormErrors) > 0 {
			category := byCategory["form_errors"]
			if category == nil {
				category = &domain.CategoryErrorSummary{}
				byCategory["form_errors"] = category
			}
			for _, formError := range attempt.FormErrors {
				category.Count++
				category.Fields = appendUnique(category.Fields, formError.Field)
			}
		}
	}
	return failed
}

func appendUnique(fields []string, additions ...string) []string {
	for _, addition := range additions {
		found := false
		for _, field := range fields {
			if field == addition {
				found = true
				break
			}
		}
		if !found {
			fields = append(fields, addition)
		}
	}
	sort.Strings(fields)
	return fields
}

func parseUUID(value string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid batch id %q: %w", value, err)
	}
	return id, nil
}

// Reimport deletes every record a batch created, then reruns the batch's
// original file list with overwrite forced so unchanged files import again.
func (s *Service) Reimport(ctx context.Context, batchID string, opts Options) (*BatchResult, error) {
	id, err := parseUUID(batchID)
	if err != nil {
		return nil, err
	}

	batch, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}

	tracker := audit.NewTracker(s.store)
	report, err := tracker.DeleteImportedModelsForBatch(ctx, id, s.set.TargetTypes())
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"batch": id, "deleted": report.Total}).Info("deleted previously imported records")

	opts.Overwrite = true
	return s.ImportBatch(ctx, batch.Args, opts)
}

// Refresh re-checks every tracked file on disk, updating hashes and modified
// times without importing anything. Files that have gone missing or changed
// since their last import show up in the returned list.
func (s *Service) Refresh(ctx context.Context) ([]*domain.FileImporter, error) {
	importers, err := s.store.ListAllFileImporters(ctx)
	if err != nil {
		return nil, err
	}

	var stale []*domain.FileImporter
	for _, importer := range importers {
		now := time.Now().UTC()
		importer.HashCheckedAt = &now

		hash := ""
		if info, statErr := os.Stat(importer.FilePath); statErr == nil {
			modified := info.ModTime().UTC()
			importer.FileModifiedAt = &modified
			if hashed, hashErr := HashFile(importer.FilePath); hashErr == nil {
				hash = hashed
			}
		}
		previous := importer.HashOnDisk
		importer.HashOnDisk = hash

		if err := s.store.UpdateFileImporter(ctx, importer); err != nil {
			return stale, err
		}

		if hash == "" {
			log.WithField("file", importer.FilePath).Warn("tracked file missing from disk")
			stale = append(stale, importer)
		} else if previous != "" && previous != hash {
			log.WithField("file", importer.FilePath).Info("tracked file changed on disk")
			stale = append(stale, importer)
		}
	}
	return stale, nil
}
