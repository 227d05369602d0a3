package audit

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/importdata/internal/domain"
)

type fixture struct {
	store    *MemoryStore
	tracker  *Tracker
	batch    *domain.FileImporterBatch
	importer *domain.FileImporter
	attempt  *domain.FileImportAttempt
	row      *domain.RowData
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore()

	batch := domain.NewFileImporterBatch("import", []string{"people.csv"}, nil)
	require.NoError(t, store.CreateBatch(ctx, batch))
	importer := domain.NewFileImporter(batch.ID, "people.csv", "people")
	require.NoError(t, store.CreateFileImporter(ctx, importer))
	attempt := domain.NewFileImportAttempt(importer.ID, "people.csv", "tester")
	require.NoError(t, store.CreateFileImportAttempt(ctx, attempt))
	row := domain.NewRowData(attempt.ID, 2, []string{"name"}, map[string]string{"name": "Foo"})
	require.NoError(t, store.CreateRowData(ctx, row))

	return &fixture{
		store:    store,
		tracker:  NewTracker(store),
		batch:    batch,
		importer: importer,
		attempt:  attempt,
		row:      row,
	}
}

func (f *fixture) addModelAttempt(t *testing.T, targetType string, status domain.ImportStatus) *domain.ModelImportAttempt {
	t.Helper()
	ctx := context.Background()
	modelImporter, err := f.store.EnsureModelImporter(ctx, f.row.ID, targetType)
	require.NoError(t, err)
	attempt := &domain.ModelImportAttempt{
		ID:              uuid.New(),
		ModelImporterID: modelImporter.ID,
		TargetType:      targetType,
		ImportedBy:      "tester",
		Status:          status,
	}
	if status == domain.StatusRejected {
		attempt.FormErrors = []domain.FormError{{Field: "email", Message: "failed validation"}}
	}
	require.NoError(t, f.store.CreateModelImportAttempt(ctx, attempt))
	if status == domain.StatusCreatedClean {
		importee := &domain.Importee{
			ID:                   uuid.New(),
			ModelImportAttemptID: attempt.ID,
			TargetType:           targetType,
			Fields:               map[string]any{"name": "Foo"},
		}
		require.NoError(t, f.store.CreateImportee(ctx, importee))
		attempt.ImporteeID = &importee.ID
	}
	return attempt
}

func (f *fixture) statuses(t *testing.T) (row, attempt, importer, batch domain.ImportStatus) {
	t.Helper()
	ctx := context.Background()
	rowData, err := f.store.GetRowData(ctx, f.row.ID)
	require.NoError(t, err)
	fileAttempt, err := f.store.GetFileImportAttempt(ctx, f.attempt.ID)
	require.NoError(t, err)
	fileImporter, err := f.store.GetFileImporter(ctx, f.importer.ID)
	require.NoError(t, err)
	batchRecord, err := f.store.GetBatch(ctx, f.batch.ID)
	require.NoError(t, err)
	return rowData.Status, fileAttempt.Status, fileImporter.Status, batchRecord.Status
}

func TestPropagateRollsUpMostSevere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	clean := f.addModelAttempt(t, "person", domain.StatusCreatedClean)
	require.NoError(t, f.tracker.PropagateFromAttempt(ctx, clean.ModelImporterID))
	row, attempt, importer, batch := f.statuses(t)
	assert.Equal(t, domain.StatusCreatedClean, row)
	assert.Equal(t, domain.StatusCreatedClean, attempt)
	assert.Equal(t, domain.StatusCreatedClean, importer)
	assert.Equal(t, domain.StatusCreatedClean, batch)

	// A rejected sibling drags every ancestor up to rejected.
	rejected := f.addModelAttempt(t, "case", domain.StatusRejected)
	require.NoError(t, f.tracker.PropagateFromAttempt(ctx, rejected.ModelImporterID))
	row, attempt, importer, batch = f.statuses(t)
	assert.Equal(t, domain.StatusRejected, row)
	assert.Equal(t, domain.StatusRejected, attempt)
	assert.Equal(t, domain.StatusRejected, importer)
	assert.Equal(t, domain.StatusRejected, batch)
}

func TestLatestAttemptSupersedesOlderOnes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rejected := f.addModelAttempt(t, "person", domain.StatusRejected)
	require.NoError(t, f.tracker.PropagateFromAttempt(ctx, rejected.ModelImporterID))
	row, _, _, _ := f.statuses(t)
	require.Equal(t, domain.StatusRejected, row)

	// A newer clean attempt on the same model importer wins outright.
	clean := f.addModelAttempt(t, "person", domain.StatusCreatedClean)
	require.NoError(t, f.tracker.PropagateFromAttempt(ctx, clean.ModelImporterID))
	row, attempt, _, _ := f.statuses(t)
	assert.Equal(t, domain.StatusCreatedClean, row)
	assert.Equal(t, domain.StatusCreatedClean, attempt)
}

func TestFileErrorsDirtyACleanAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	clean := f.addModelAttempt(t, "person", domain.StatusCreatedClean)
	f.attempt.Errors.Add("too_many_unmapped_headers", "7 of 9 headers have no mapping")
	require.NoError(t, f.store.UpdateFileImportAttempt(ctx, f.attempt))

	require.NoError(t, f.tracker.PropagateFromAttempt(ctx, clean.ModelImporterID))
	_, attempt, _, _ := f.statuses(t)
	assert.Equal(t, domain.StatusCreatedDirty, attempt)
}

func TestMissingFileRejectsAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.attempt.Errors.Add("misc", "file_missing")
	require.NoError(t, f.store.UpdateFileImportAttempt(ctx, f.attempt))
	require.NoError(t, f.tracker.DeriveFileImportAttempt(ctx, f.attempt.ID, true))
	_, attempt, importer, batch := f.statuses(t)
	assert.Equal(t, domain.StatusRejected, attempt)
	assert.Equal(t, domain.StatusRejected, importer)
	assert.Equal(t, domain.StatusRejected, batch)
}

func TestDeriveBatchBulkPass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.addModelAttempt(t, "person", domain.StatusCreatedClean)
	f.addModelAttempt(t, "case", domain.StatusRejected)

	// No per-attempt propagation happened; one bulk pass settles everything.
	require.NoError(t, f.tracker.DeriveBatch(ctx, f.batch.ID))
	row, attempt, importer, batch := f.statuses(t)
	assert.Equal(t, domain.StatusRejected, row)
	assert.Equal(t, domain.StatusRejected, attempt)
	assert.Equal(t, domain.StatusRejected, importer)
	assert.Equal(t, domain.StatusRejected, batch)
}

func TestRowWithoutAttemptsDerivesEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.tracker.DeriveBatch(ctx, f.batch.ID))
	row, attempt, _, _ := f.statuses(t)
	assert.Equal(t, domain.StatusEmpty, row)
	assert.Equal(t, domain.StatusEmpty, attempt)
}

func TestAcknowledge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.tracker.Acknowledge(ctx, f.attempt.ID, true))
	attempt, err := f.store.GetFileImportAttempt(ctx, f.attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CurrentStatusAcknowledged, attempt.CurrentStatus)
	assert.Equal(t, domain.StatusPending, attempt.Status, "acknowledging must not rewrite import status")

	require.NoError(t, f.tracker.Acknowledge(ctx, f.attempt.ID, false))
	attempt, err = f.store.GetFileImportAttempt(ctx, f.attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CurrentStatusActive, attempt.CurrentStatus)
}

func TestAcknowledgeDeletedAttemptFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.attempt.CurrentStatus = domain.CurrentStatusDeleted
	require.NoError(t, f.store.UpdateFileImportAttempt(ctx, f.attempt))
	require.Error(t, f.tracker.Acknowledge(ctx, f.attempt.ID, true))
}

func TestDeleteImportedModels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	person := f.addModelAttempt(t, "person", domain.StatusCreatedClean)
	f.addModelAttempt(t, "case", domain.StatusCreatedClean)

	report, err := f.tracker.DeleteImportedModels(ctx, f.attempt.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.ByType["person"])
	assert.Equal(t, 1, report.ByType["case"])

	attempt, err := f.store.GetFileImportAttempt(ctx, f.attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CurrentStatusDeleted, attempt.CurrentStatus)
	assert.Empty(t, f.store.Importees(""))

	// The model attempts that owned the importees must drop their link and
	// carry the deleted sub-state.
	modelAttempt, err := f.store.LatestModelImportAttempt(ctx, person.ModelImporterID)
	require.NoError(t, err)
	assert.Nil(t, modelAttempt.ImporteeID)
	assert.Equal(t, domain.CurrentStatusDeleted, modelAttempt.CurrentStatus)
}

func TestDeleteImportedModelsHonorsAllowList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	person := f.addModelAttempt(t, "person", domain.StatusCreatedClean)
	kept := f.addModelAttempt(t, "case", domain.StatusCreatedClean)

	report, err := f.tracker.DeleteImportedModels(ctx, f.attempt.ID, []string{"person"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.ByType["person"])
	assert.Len(t, f.store.Importees("case"), 1, "allow-listed delete must spare other types")

	personAttempt, err := f.store.LatestModelImportAttempt(ctx, person.ModelImporterID)
	require.NoError(t, err)
	assert.Nil(t, personAttempt.ImporteeID)
	assert.Equal(t, domain.CurrentStatusDeleted, personAttempt.CurrentStatus)

	caseAttempt, err := f.store.LatestModelImportAttempt(ctx, kept.ModelImporterID)
	require.NoError(t, err)
	assert.NotNil(t, caseAttempt.ImporteeID)
	assert.Equal(t, domain.CurrentStatusActive, caseAttempt.CurrentStatus)
}

func TestDeleteFileImportAttemptCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.addModelAttempt(t, "person", domain.StatusCreatedClean)
	f.addModelAttempt(t, "case", domain.StatusCreatedClean)

	report, err := f.store.DeleteFileImportAttempt(ctx, f.attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.ByType["person"])
	assert.Equal(t, 1, report.ByType["case"])

	_, err = f.store.GetFileImportAttempt(ctx, f.attempt.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.store.GetRowData(ctx, f.row.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, f.store.Importees(""))
}
