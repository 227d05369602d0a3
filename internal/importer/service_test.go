package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/importdata/internal/audit"
	"github.com/rpattn/importdata/internal/domain"
	"github.com/rpattn/importdata/internal/mapping"
)

func testFormMapSet(t *testing.T) *mapping.FormMapSet {
	t.Helper()

	personSchema := mapping.NewRecordSchema("person", []mapping.FieldSpec{
		{Name: "name", Required: true},
		{Name: "email", Rule: "email"},
	})
	nameMap, err := mapping.NewManyToOne(
		[]mapping.FromField{
			{Name: "first_name"},
			{Name: "middle_name"},
			{Name: "last_name"},
		},
		"name",
		func(values map[string]string) (any, error) {
			parts := make([]string, 0, 3)
			for _, field := range []string{"first_name", "middle_name", "last_name"} {
				if part := strings.TrimSpace(values[field]); part != "" {
					parts = append(parts, part)
				}
			}
			return strings.Join(parts, " "), nil
		},
		"personName",
	)
	require.NoError(t, err)
	emailMap, err := mapping.NewOneToOne(mapping.FromField{Name: "email"}, "email", nil, "")
	require.NoError(t, err)
	personMap, err := mapping.NewFormMap(personSchema, []*mapping.FieldMap{nameMap, emailMap})
	require.NoError(t, err)

	caseSchema := mapping.NewRecordSchema("case", []mapping.FieldSpec{
		{Name: "case_number", Required: true},
		{Name: "location"},
		{Name: "person", Rule: "uuid"},
	})
	caseNumberMap, err := mapping.NewOneToOne(
		mapping.FromField{Name: "case_number", Aliases: []string{"CASE_NUM"}},
		"case_number", nil, "",
	)
	require.NoError(t, err)
	locationMap, err := mapping.NewManyToOne(
		[]mapping.FromField{
			{Name: "latitude", Aliases: []string{"LAT"}},
			{Name: "longitude", Aliases: []string{"LONG"}},
		},
		"location",
		func(values map[string]string) (any, error) {
			rawLatitude := strings.TrimSpace(values["latitude"])
			rawLongitude := strings.TrimSpace(values["longitude"])
			if rawLatitude == "" && rawLongitude == "" {
				return nil, nil
			}
			latitude, err := strconv.ParseFloat(rawLatitude, 64)
			if err != nil {
				return nil, errors.New("invalid latitude")
			}
			longitude, err := strconv.ParseFloat(rawLongitude, 64)
			if err != nil {
				return nil, errors.New("invalid longitude")
			}
			return []float64{latitude, longitude}, nil
		},
		"coordinates",
	)
	require.NoError(t, err)
	caseMap, err := mapping.NewFormMap(caseSchema, []*mapping.FieldMap{caseNumberMap, locationMap},
		mapping.WithExcludedFields("person"))
	require.NoError(t, err)

	set, err := mapping.NewFormMapSet(
		map[string]*mapping.FormMap{"person": personMap, "case": caseMap},
		map[string][]string{"case": {"person"}},
	)
	require.NoError(t, err)
	return set
}

const testCSV = `first_name,middle_name,last_name,email,CASE_NUM,LAT,LONG
Foo,Bar,Baz,foo@bar.baz,42,30.1,30.2
Bad,,Email,not an email,43,1,2
`

func writeCSV(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func writeTestCSV(t *testing.T, contents string) string {
	t.Helper()
	return writeCSV(t, "cases.csv", contents)
}

func newTestService(t *testing.T) (*Service, *audit.MemoryStore) {
	t.Helper()
	store := audit.NewMemoryStore()
	return NewService(store, testFormMapSet(t), "case_importer"), store
}

// stubTransactor hands each batch a scratch store, standing in for a
// transaction scope, and counts outcomes.
type stubTransactor struct {
	*audit.MemoryStore
	scratch   *audit.MemoryStore
	commits   int
	rollbacks int
}

func (s *stubTransactor) InTransaction(ctx context.Context, fn func(audit.Store) error) error {
	s.scratch = audit.NewMemoryStore()
	if err := fn(s.scratch); err != nil {
		s.rollbacks++
		return err
	}
	s.commits++
	return nil
}

func TestImportBatchDurableCompletesWithErrors(t *testing.T) {
	ctx := context.Background()
	service, store := newTestService(t)
	path := writeTestCSV(t, testCSV)

	result, err := service.ImportBatch(ctx, []string{path}, Options{
		DurableErrors: true,
		ImportedBy:    "tester",
	})
	require.NoError(t, err)
	require.Len(t, result.Files, 1)

	attempt := result.Files[0].Attempt
	assert.Equal(t, 1, attempt.Creations["person"])
	assert.Equal(t, 2, attempt.Creations["case"])

	personSummary := attempt.ErrorSummary["person"]
	require.NotNil(t, personSummary)
	require.NotNil(t, personSummary["form_errors"])
	assert.Equal(t, 1, personSummary["form_errors"].Count)
	assert.Equal(t, []string{"email"}, personSummary["form_errors"].Fields)

	people := store.Importees("person")
	require.Len(t, people, 1)
	assert.Equal(t, "Foo Bar Baz", people[0].Fields["name"])

	assert.Equal(t, domain.StatusRejected, result.Batch.Status)

	rows, err := store.ListRowData(ctx, attempt.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.StatusCreatedClean, rows[0].Status)
	assert.Equal(t, domain.StatusRejected, rows[1].Status)
}

func TestImportBatchConsolidatesErrorSummary(t *testing.T) {
	ctx := context.Background()
	service, store := newTestService(t)
	first := writeCSV(t, "a.csv", testCSV)
	second := writeCSV(t, "b.csv", testCSV+"Also,,Bad,still not an email,44,3,4\n")

	result, err := service.ImportBatch(ctx, []string{first, second}, Options{
		DurableErrors: true,
		ImportedBy:    "tester",
	})
	require.NoError(t, err)
	require.Len(t, result.Files, 2)

	batchSummary := result.Batch.ErrorSummary["person"]
	require.NotNil(t, batchSummary)
	require.NotNil(t, batchSummary["form_errors"])
	assert.Equal(t, 3, batchSummary["form_errors"].Count)
	assert.Equal(t, []string{"email"}, batchSummary["form_errors"].Fields)

	stored, err := store.GetBatch(ctx, result.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Batch.ErrorSummary, stored.ErrorSummary)
}

func TestImportBatchFailFastStopsOnFirstBadRow(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)
	path := writeTestCSV(t, testCSV)

	_, err := service.ImportBatch(ctx, []string{path}, Options{ImportedBy: "tester"})
	require.ErrorIs(t, err, ErrRowRejected)
}

func TestImportBatchPreviousAttemptRequiresDecision(t *testing.T) {
	ctx := context.Background()
	service, store := newTestService(t)
	path := writeTestCSV(t, testCSV)
	opts := Options{DurableErrors: true, ImportedBy: "tester"}

	_, err := service.ImportBatch(ctx, []string{path}, opts)
	require.NoError(t, err)
	require.Len(t, store.Importees("person"), 1)

	_, err = service.ImportBatch(ctx, []string{path}, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already imported")

	skip := opts
	skip.Skip = true
	second, err := service.ImportBatch(ctx, []string{path}, skip)
	require.NoError(t, err)
	require.Len(t, second.Files, 1)
	assert.True(t, second.Files[0].Skipped)
	assert.Len(t, store.Importees("person"), 1)
}

func TestImportBatchOverwriteReplacesPreviousRecords(t *testing.T) {
	ctx := context.Background()
	service, store := newTestService(t)
	path := writeTestCSV(t, testCSV)
	opts := Options{DurableErrors: true, ImportedBy: "tester"}

	_, err := service.ImportBatch(ctx, []string{path}, opts)
	require.NoError(t, err)

	opts.Overwrite = true
	result, err := service.ImportBatch(ctx, []string{path}, opts)
	require.NoError(t, err)
	assert.False(t, result.Files[0].Skipped)

	assert.Len(t, store.Importees("person"), 1, "overwrite must delete the superseded records")
	assert.Len(t, store.Importees("case"), 2)
}

func TestImportBatchDropsDuplicateFileContent(t *testing.T) {
	ctx := context.Background()
	service, store := newTestService(t)
	first := writeCSV(t, "a.csv", testCSV)
	second := writeCSV(t, "b.csv", testCSV)

	result, err := service.ImportBatch(ctx, []string{first, second}, Options{
		DurableErrors: true,
		ImportedBy:    "tester",
	})
	require.NoError(t, err)

	require.Len(t, result.Files, 1)
	assert.Equal(t, first, result.Files[0].Path)
	require.Len(t, result.Batch.Errors["duplicate_paths"], 1)
	assert.Contains(t, result.Batch.Errors["duplicate_paths"][0], second)
	assert.Len(t, store.Importees("person"), 1)
}

func TestImportBatchDuplicateCheckCanBeDisabled(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)
	first := writeCSV(t, "a.csv", testCSV)
	second := writeCSV(t, "b.csv", testCSV)

	result, err := service.ImportBatch(ctx, []string{first, second}, Options{
		DurableErrors:        true,
		NoFileDuplicateCheck: true,
		ImportedBy:           "tester",
	})
	require.NoError(t, err)
	assert.Len(t, result.Files, 2)
	assert.Empty(t, result.Batch.Errors["duplicate_paths"])
}

func TestImportBatchRunsInOneTransaction(t *testing.T) {
	ctx := context.Background()
	outer := &stubTransactor{MemoryStore: audit.NewMemoryStore()}
	service := NewService(outer, testFormMapSet(t), "case_importer")
	path := writeTestCSV(t, testCSV)

	_, err := service.ImportBatch(ctx, []string{path}, Options{
		DurableErrors: true,
		ImportedBy:    "tester",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, outer.commits)
	assert.Zero(t, outer.rollbacks)
	assert.Len(t, outer.scratch.Importees("person"), 1, "all writes must go through the transaction store")
	assert.Empty(t, outer.MemoryStore.Importees(""), "no write may bypass the transaction")
}

func TestImportBatchRolledBackOnFailure(t *testing.T) {
	ctx := context.Background()
	outer := &stubTransactor{MemoryStore: audit.NewMemoryStore()}
	service := NewService(outer, testFormMapSet(t), "case_importer")
	path := writeTestCSV(t, testCSV)

	_, err := service.ImportBatch(ctx, []string{path}, Options{ImportedBy: "tester"})
	require.ErrorIs(t, err, ErrRowRejected)
	assert.Zero(t, outer.commits)
	assert.Equal(t, 1, outer.rollbacks)
}

func TestImportBatchNoTransactionUsesBareStore(t *testing.T) {
	ctx := context.Background()
	outer := &stubTransactor{MemoryStore: audit.NewMemoryStore()}
	service := NewService(outer, testFormMapSet(t), "case_importer")
	path := writeTestCSV(t, testCSV)

	_, err := service.ImportBatch(ctx, []string{path}, Options{
		DurableErrors: true,
		NoTransaction: true,
		ImportedBy:    "tester",
	})
	require.NoError(t, err)
	assert.Zero(t, outer.commits)
	assert.Len(t, outer.MemoryStore.Importees("person"), 1)
}

func TestImportBatchDryRunRollsBackTransaction(t *testing.T) {
	ctx := context.Background()
	outer := &stubTransactor{MemoryStore: audit.NewMemoryStore()}
	service := NewService(outer, testFormMapSet(t), "case_importer")
	path := writeTestCSV(t, testCSV)

	result, err := service.ImportBatch(ctx, []string{path}, Options{
		DurableErrors: true,
		DryRun:        true,
		ImportedBy:    "tester",
	})
	require.NoError(t, err)
	assert.Zero(t, outer.commits)
	assert.Equal(t, 1, outer.rollbacks)
	assert.Equal(t, 1, result.Files[0].Attempt.Creations["person"])
}

func TestImportBatchDryRunPersistsNothing(t *testing.T) {
	ctx := context.Background()
	service, store := newTestService(t)
	path := writeTestCSV(t, testCSV)

	result, err := service.ImportBatch(ctx, []string{path}, Options{
		DurableErrors: true,
		DryRun:        true,
		ImportedBy:    "tester",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Files[0].Attempt.Creations["person"])

	importers, err := store.ListAllFileImporters(ctx)
	require.NoError(t, err)
	assert.Empty(t, importers, "dry run must not leak file importers into the real store")
	assert.Empty(t, store.Importees(""), "dry run must not leak importees into the real store")
}

func TestImportBatchMissingFile(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)
	missing := filepath.Join(t.TempDir(), "ghost.csv")

	result, err := service.ImportBatch(ctx, []string{missing}, Options{
		DurableErrors: true,
		ImportedBy:    "tester",
	})
	require.NoError(t, err)
	attempt := result.Files[0].Attempt
	require.NotEmpty(t, attempt.Errors["misc"])
	assert.Equal(t, "file_missing", attempt.Errors["misc"][0])
	assert.Equal(t, domain.StatusRejected, result.Batch.Status)
}

func TestImportBatchFlagsUnmappedHeaders(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)
	contents := `first_name,unknown_a,unknown_b,unknown_c,unknown_d
Foo,1,2,3,4
`
	path := writeTestCSV(t, contents)

	result, err := service.ImportBatch(ctx, []string{path}, Options{
		DurableErrors: true,
		ImportedBy:    "tester",
	})
	require.NoError(t, err)
	attempt := result.Files[0].Attempt
	assert.NotEmpty(t, attempt.Errors["too_many_unmapped_headers"])
	assert.Len(t, attempt.IgnoredHeaders, 4)
}

func TestImportBatchRowSelection(t *testing.T) {
	ctx := context.Background()
	service, store := newTestService(t)
	path := writeTestCSV(t, testCSV)

	result, err := service.ImportBatch(ctx, []string{path}, Options{
		DurableErrors: true,
		ImportedBy:    "tester",
		Selection:     RowSelection{Rows: []int{2}},
	})
	require.NoError(t, err)

	rows, err := store.ListRowData(ctx, result.Files[0].Attempt.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].RowNum)
}

func TestReimportDeletesAndReruns(t *testing.T) {
	ctx := context.Background()
	service, store := newTestService(t)
	path := writeTestCSV(t, testCSV)
	opts := Options{DurableErrors: true, ImportedBy: "tester"}

	first, err := service.ImportBatch(ctx, []string{path}, opts)
	require.NoError(t, err)
	require.Len(t, store.Importees("person"), 1)

	second, err := service.Reimport(ctx, first.Batch.ID.String(), opts)
	require.NoError(t, err)
	assert.False(t, second.Files[0].Skipped, "reimport must force files through")
	assert.Len(t, store.Importees("person"), 1, "reimport must not duplicate records")
}

func TestRefreshReportsMissingFiles(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t)
	path := writeTestCSV(t, testCSV)
	opts := Options{DurableErrors: true, ImportedBy: "tester"}

	_, err := service.ImportBatch(ctx, []string{path}, opts)
	require.NoError(t, err)

	stale, err := service.Refresh(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale)

	require.NoError(t, os.Remove(path))
	stale, err = service.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.True(t, stale[0].FileMissing())
}
