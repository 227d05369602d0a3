package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rpattn/importdata/internal/domain"
)

// Tracker derives import statuses bottom-up through the hierarchy. Every
// derivation recomputes an entity's status from its own live children rather
// than trusting a value pushed from below, so concurrent driver invocations
// racing on the same store converge on the same roll-up.
type Tracker struct {
	store Store
}

// NewTracker wires a tracker over a store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// PropagateFromAttempt re-derives the full ancestor chain above a freshly
// saved ModelImportAttempt: its ModelImporter, RowData, FileImportAttempt,
// FileImporter, and batch.
func (t *Tracker) PropagateFromAttempt(ctx context.Context, modelImporterID uuid.UUID) error {
	return t.DeriveModelImporter(ctx, modelImporterID, true)
}

// DeriveModelImporter sets the importer's status to that of its most
// recently created attempt: only the latest attempt counts, so a reimport
// supersedes an old rejection without losing history.
func (t *Tracker) DeriveModelImporter(ctx context.Context, id uuid.UUID, propagate bool) error {
	modelImporter, err := t.store.GetModelImporter(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load model importer: %w", err)
	}

	latest, err := t.store.LatestModelImportAttempt(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load latest attempt: %w", err)
	}
	status := domain.StatusEmpty
	if latest != nil {
		status = latest.Status
	}
	if err := t.store.UpdateModelImporterStatus(ctx, id, status); err != nil {
		return fmt.Errorf("failed to update model importer status: %w", err)
	}

	if !propagate {
		return nil
	}
	return t.DeriveRowData(ctx, modelImporter.RowDataID, true)
}

// DeriveRowData sets the row's status to the most severe status among its
// model importers, or empty when it has none.
func (t *Tracker) DeriveRowData(ctx context.Context, id uuid.UUID, propagate bool) error {
	rowData, err := t.store.GetRowData(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load row data: %w", err)
	}

	modelImporters, err := t.store.ListModelImporters(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list model importers: %w", err)
	}
	statuses := make([]domain.ImportStatus, len(modelImporters))
	for i, modelImporter := range modelImporters {
		statuses[i] = modelImporter.Status
	}
	status := domain.MostSevere(domain.StatusEmpty, statuses...)
	if err := t.store.UpdateRowDataStatus(ctx, id, status); err != nil {
		return fmt.Errorf("failed to update row data status: %w", err)
	}

	if !propagate {
		return nil
	}
	return t.DeriveFileImportAttempt(ctx, rowData.FileImportAttemptID, true)
}

// DeriveFileImportAttempt sets the attempt's status to the most severe
// status among its rows, or empty when it has none, then adjusts for
// file-level errors: a clean attempt with file-level errors becomes
// created_dirty, and a missing source file rejects the attempt outright.
func (t *Tracker) DeriveFileImportAttempt(ctx context.Context, id uuid.UUID, propagate bool) error {
	attempt, err := t.store.GetFileImportAttempt(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load file import attempt: %w", err)
	}

	rows, err := t.store.ListRowData(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list row data: %w", err)
	}
	statuses := make([]domain.ImportStatus, len(rows))
	for i, row := range rows {
		statuses[i] = row.Status
	}
	status := domain.MostSevere(domain.StatusEmpty, statuses...)

	if status == domain.StatusCreatedClean && !attempt.Errors.IsEmpty() {
		status = domain.StatusCreatedDirty
	}
	if fileMissing(attempt.Errors) {
		status = domain.StatusRejected
	}

	attempt.Status = status
	if err := t.store.UpdateFileImportAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to update file import attempt: %w", err)
	}

	if !propagate {
		return nil
	}
	return t.DeriveFileImporter(ctx, attempt.FileImporterID, true)
}

func fileMissing(errors domain.FileErrors) bool {
	for _, message := range errors["misc"] {
		if message == "file_missing" {
			return true
		}
	}
	return false
}

// DeriveFileImporter sets the importer's status to that of its most recent
// attempt: older attempts have been superseded and no longer matter.
func (t *Tracker) DeriveFileImporter(ctx context.Context, id uuid.UUID, propagate bool) error {
	importer, err := t.store.GetFileImporter(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load file importer: %w", err)
	}

	latest, err := t.store.LatestFileImportAttempt(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load latest file import attempt: %w", err)
	}
	status := domain.StatusEmpty
	if latest != nil {
		status = latest.Status
	}
	importer.Status = status
	if err := t.store.UpdateFileImporter(ctx, importer); err != nil {
		return fmt.Errorf("failed to update file importer: %w", err)
	}

	if !propagate {
		return nil
	}
	return t.DeriveBatchStatus(ctx, importer.BatchID)
}

// DeriveBatchStatus sets the batch's status to the most severe status among
// its file importers, or empty when it has none.
func (t *Tracker) DeriveBatchStatus(ctx context.Context, id uuid.UUID) error {
	batch, err := t.store.GetBatch(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load batch: %w", err)
	}

	importers, err := t.store.ListFileImporters(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list file importers: %w", err)
	}
	statuses := make([]domain.ImportStatus, len(importers))
	for i, importer := range importers {
		statuses[i] = importer.Status
	}
	batch.Status = domain.MostSevere(domain.StatusEmpty, statuses...)
	if err := t.store.UpdateBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	return nil
}

// DeriveBatch is the bulk derivation pass: it re-derives every member of the
// batch bottom-up without per-item propagation, then derives each ancestor
// level exactly once. Per-item propagation during a large import would
// re-derive the same parents once per row.
func (t *Tracker) DeriveBatch(ctx context.Context, batchID uuid.UUID) error {
	importers, err := t.store.ListFileImporters(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to list file importers: %w", err)
	}

	for _, importer := range importers {
		attempts, err := t.store.ListFileImportAttempts(ctx, importer.ID)
		if err != nil {
			return fmt.Errorf("failed to list file import attempts: %w", err)
		}
		for _, attempt := range attempts {
			rows, err := t.store.ListRowData(ctx, attempt.ID)
			if err != nil {
				return fmt.Errorf("failed to list row data: %w", err)
			}
			for _, row := range rows {
				modelImporters, err := t.store.ListModelImporters(ctx, row.ID)
				if err != nil {
					return fmt.Errorf("failed to list model importers: %w", err)
				}
				for _, modelImporter := range modelImporters {
					if err := t.DeriveModelImporter(ctx, modelImporter.ID, false); err != nil {
						return err
					}
				}
				if err := t.DeriveRowData(ctx, row.ID, false); err != nil {
					return err
				}
			}
			if err := t.DeriveFileImportAttempt(ctx, attempt.ID, false); err != nil {
				return err
			}
		}
		if err := t.DeriveFileImporter(ctx, importer.ID, false); err != nil {
			return err
		}
	}

	return t.DeriveBatchStatus(ctx, batchID)
}

// Acknowledge flips the operator acknowledgement sub-state of a file import
// attempt without touching its historical import status.
func (t *Tracker) Acknowledge(ctx context.Context, fileImportAttemptID uuid.UUID, acknowledged bool) error {
	attempt, err := t.store.GetFileImportAttempt(ctx, fileImportAttemptID)
	if err != nil {
		return fmt.Errorf("failed to load file import attempt: %w", err)
	}
	if attempt.CurrentStatus == domain.CurrentStatusDeleted {
		return fmt.Errorf("cannot acknowledge deleted attempt %s", fileImportAttemptID)
	}
	if acknowledged {
		attempt.CurrentStatus = domain.CurrentStatusAcknowledged
	} else {
		attempt.CurrentStatus = domain.CurrentStatusActive
	}
	if err := t.store.UpdateFileImportAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to update file import attempt: %w", err)
	}
	return nil
}

// DeleteImportedModels bulk-deletes every target record created under the
// file import attempt and marks its current status as deleted. When the
// caller supplies an allow-list of target types it is preferred over
// introspection of recorded attempts, which can miss types a converter
// produced indirectly.
func (t *Tracker) DeleteImportedModels(ctx context.Context, fileImportAttemptID uuid.UUID, allowTypes []string) (domain.DeletionReport, error) {
	report := domain.DeletionReport{ByType: map[string]int{}}

	targetTypes := allowTypes
	if len(targetTypes) == 0 {
		recorded, err := t.store.ListTargetTypes(ctx, fileImportAttemptID)
		if err != nil {
			return report, fmt.Errorf("failed to list target types: %w", err)
		}
		targetTypes = recorded
	}

	for _, targetType := range targetTypes {
		count, err := t.store.DeleteImporteesByType(ctx, fileImportAttemptID, targetType)
		if err != nil {
			return report, fmt.Errorf("failed to delete %s records: %w", targetType, err)
		}
		if count > 0 {
			report.ByType[targetType] = count
			report.Total += count
		}
	}

	attempt, err := t.store.GetFileImportAttempt(ctx, fileImportAttemptID)
	if err != nil {
		return report, fmt.Errorf("failed to load file import attempt: %w", err)
	}
	attempt.CurrentStatus = domain.CurrentStatusDeleted
	if err := t.store.UpdateFileImportAttempt(ctx, attempt); err != nil {
		return report, fmt.Errorf("failed to mark attempt deleted: %w", err)
	}

	return report, nil
}

// DeleteImportedModelsForBatch cascades DeleteImportedModels across every
// file importer in the batch.
func (t *Tracker) DeleteImportedModelsForBatch(ctx context.Context, batchID uuid.UUID, allowTypes []string) (domain.DeletionReport, error) {
	report := domain.DeletionReport{ByType: map[string]int{}}

	importers, err := t.store.ListFileImporters(ctx, batchID)
	if err != nil {
		return report, fmt.Errorf("failed to list file importers: %w", err)
	}
	for _, importer := range importers {
		attempts, err := t.store.ListFileImportAttempts(ctx, importer.ID)
		if err != nil {
			return report, fmt.Errorf("failed to list file import attempts: %w", err)
		}
		for _, attempt := range attempts {
			attemptReport, err := t.DeleteImportedModels(ctx, attempt.ID, allowTypes)
			if err != nil {
				return report, err
			}
			report.Merge(attemptReport)
		}
	}

	return report, nil
}
