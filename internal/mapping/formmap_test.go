package mapping

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/importdata/internal/audit"
	"github.com/rpattn/importdata/internal/domain"
)

func personSchema() *RecordSchema {
	return NewRecordSchema("person", []FieldSpec{
		{Name: "name", Required: true},
		{Name: "email", Rule: "email"},
	})
}

func nameFieldMap(t *testing.T) *FieldMap {
	t.Helper()
	fieldMap, err := NewManyToOne(
		[]FromField{
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
	return fieldMap
}

func emailFieldMap(t *testing.T) *FieldMap {
	t.Helper()
	fieldMap, err := NewOneToOne(FromField{Name: "email", Aliases: []string{"EMAIL"}}, "email", nil, "")
	require.NoError(t, err)
	return fieldMap
}

func personFormMap(t *testing.T, opts ...FormMapOption) *FormMap {
	t.Helper()
	formMap, err := NewFormMap(personSchema(), []*FieldMap{nameFieldMap(t), emailFieldMap(t)}, opts...)
	require.NoError(t, err)
	return formMap
}

func TestNewFormMapRejectsOverloadedToFields(t *testing.T) {
	first, err := NewOneToOne(FromField{Name: "a"}, "x", nil, "")
	require.NoError(t, err)
	second, err := NewOneToOne(FromField{Name: "b"}, "x", nil, "")
	require.NoError(t, err)

	schema := NewRecordSchema("thing", []FieldSpec{{Name: "x"}})
	_, err = NewFormMap(schema, []*FieldMap{first, second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x")
}

func TestNewFormMapRejectsFieldsOutsideSchema(t *testing.T) {
	fieldMap, err := NewOneToOne(FromField{Name: "a"}, "mystery", nil, "")
	require.NoError(t, err)

	schema := NewRecordSchema("thing", []FieldSpec{{Name: "x"}})
	_, err = NewFormMap(schema, []*FieldMap{fieldMap})
	require.Error(t, err)
}

func TestNewFormMapRequiresCoverage(t *testing.T) {
	fieldMap, err := NewOneToOne(FromField{Name: "a"}, "x", nil, "")
	require.NoError(t, err)

	schema := NewRecordSchema("thing", []FieldSpec{{Name: "x"}, {Name: "y"}})
	_, err = NewFormMap(schema, []*FieldMap{fieldMap})
	require.Error(t, err)

	// Excluding the uncovered field makes the same layout valid.
	_, err = NewFormMap(schema, []*FieldMap{fieldMap}, WithExcludedFields("y"))
	require.NoError(t, err)

	// A default covers it too.
	_, err = NewFormMap(schema, []*FieldMap{fieldMap}, WithDefaults(map[string]any{"y": 1}))
	require.NoError(t, err)
}

func TestRenderMergesDefaultsAndExtra(t *testing.T) {
	schema := NewRecordSchema("thing", []FieldSpec{{Name: "x"}, {Name: "source"}, {Name: "parent"}})
	fieldMap, err := NewOneToOne(FromField{Name: "a"}, "x", nil, "")
	require.NoError(t, err)
	formMap, err := NewFormMap(schema, []*FieldMap{fieldMap},
		WithDefaults(map[string]any{"source": "import"}),
		WithExcludedFields("parent"),
	)
	require.NoError(t, err)

	rendered, conversionErrors, err := formMap.Render(
		map[string]string{"a": "1"},
		map[string]any{"parent": "p-1"},
	)
	require.NoError(t, err)
	require.Empty(t, conversionErrors)
	require.NotNil(t, rendered)
	assert.Equal(t, map[string]any{"x": "1", "source": "import", "parent": "p-1"}, rendered.Fields)
}

func TestRenderSkipsAllEmptyRows(t *testing.T) {
	formMap := personFormMap(t)

	rendered, conversionErrors, err := formMap.Render(
		map[string]string{"first_name": "", "email": ""},
		nil,
	)
	require.NoError(t, err)
	assert.Empty(t, conversionErrors)
	assert.Nil(t, rendered)
}

func TestRenderFieldsRejectsUnknownHeadersWhenStrict(t *testing.T) {
	formMap := personFormMap(t)
	row := map[string]string{"first_name": "Foo", "mystery": "1"}

	// Strict mode rejects the same row every time; rendering holds no state.
	_, _, err := formMap.RenderFields(row, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery")
	_, _, err = formMap.RenderFields(row, false)
	require.Error(t, err)

	_, _, err = formMap.RenderFields(row, true)
	require.NoError(t, err)
}

func TestSaveWithAuditCreatesPerson(t *testing.T) {
	ctx := context.Background()
	store := audit.NewMemoryStore()
	formMap := personFormMap(t)

	rowData := domain.NewRowData(uuid.New(), 2,
		[]string{"first_name", "middle_name", "last_name", "email"},
		map[string]string{
			"first_name":  "Foo",
			"middle_name": "Bar",
			"last_name":   "Baz",
			"email":       "foo@bar.baz",
		},
	)
	require.NoError(t, store.CreateRowData(ctx, rowData))

	importee, attempt, err := formMap.SaveWithAudit(ctx, store, rowData, "tester", nil)
	require.NoError(t, err)
	require.NotNil(t, importee)
	require.NotNil(t, attempt)

	assert.Equal(t, "Foo Bar Baz", importee.Fields["name"])
	assert.Equal(t, domain.StatusCreatedClean, attempt.Status)
	require.NotNil(t, attempt.ImporteeID)
	assert.Equal(t, importee.ID, *attempt.ImporteeID)
	assert.Len(t, store.Importees("person"), 1)
}

func TestSaveWithAuditRejectsBadEmail(t *testing.T) {
	ctx := context.Background()
	store := audit.NewMemoryStore()
	formMap := personFormMap(t)

	rowData := domain.NewRowData(uuid.New(), 2,
		[]string{"first_name", "email"},
		map[string]string{"first_name": "Foo", "email": "not an email"},
	)
	require.NoError(t, store.CreateRowData(ctx, rowData))

	importee, attempt, err := formMap.SaveWithAudit(ctx, store, rowData, "tester", nil)
	require.NoError(t, err)
	assert.Nil(t, importee)
	require.NotNil(t, attempt)

	assert.Equal(t, domain.StatusRejected, attempt.Status)
	assert.Nil(t, attempt.ImporteeID)
	require.Len(t, attempt.FormErrors, 1)
	assert.Equal(t, "email", attempt.FormErrors[0].Field)
	assert.Empty(t, store.Importees("person"))
}

func TestSaveWithAuditRecordsNothingForEmptyRows(t *testing.T) {
	ctx := context.Background()
	store := audit.NewMemoryStore()
	formMap := personFormMap(t)

	rowData := domain.NewRowData(uuid.New(), 2,
		[]string{"first_name", "email"},
		map[string]string{"first_name": "", "email": ""},
	)
	require.NoError(t, store.CreateRowData(ctx, rowData))

	importee, attempt, err := formMap.SaveWithAudit(ctx, store, rowData, "tester", nil)
	require.NoError(t, err)
	assert.Nil(t, importee)
	assert.Nil(t, attempt)
}
