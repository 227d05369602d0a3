package mapping

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/rpattn/importdata/internal/domain"
)

// DefaultUnmappedThreshold is the fraction of row headers with no known
// mapping above which a file-level error is raised.
const DefaultUnmappedThreshold = 0.7

// AuditSink is the slice of the audit store a FormMap needs to record a
// create-with-audit outcome.
type AuditSink interface {
	EnsureModelImporter(ctx context.Context, rowDataID uuid.UUID, targetType string) (*domain.ModelImporter, error)
	CreateModelImportAttempt(ctx context.Context, attempt *domain.ModelImportAttempt) error
	CreateImportee(ctx context.Context, importee *domain.Importee) error
}

// FormMapOption customizes FormMap construction.
type FormMapOption func(*FormMap)

// WithDefaults injects default field values merged under every render.
func WithDefaults(defaults map[string]any) FormMapOption {
	return func(m *FormMap) { m.defaults = defaults }
}

// WithExcludedFields names schema fields that intentionally have no FieldMap,
// e.g. foreign keys injected by a FormMapSet dependency.
func WithExcludedFields(fields ...string) FormMapOption {
	return func(m *FormMap) {
		for _, field := range fields {
			m.excluded[field] = struct{}{}
		}
	}
}

// WithAllowEmptyRecords permits creating records whose rendered values are
// all empty. Off by default: an all-empty render is skipped entirely.
func WithAllowEmptyRecords() FormMapOption {
	return func(m *FormMap) { m.allowEmpty = true }
}

// FormMap aggregates FieldMaps against one target record schema and owns the
// create-with-audit lifecycle for that target type. Misconfiguration is
// detected at construction, never at render time.
type FormMap struct {
	schema    TargetSchema
	fieldMaps []*FieldMap
	defaults  map[string]any
	excluded  map[string]struct{}

	allowEmpty bool

	knownFields map[string]struct{}
}

// NewFormMap binds fieldMaps to schema. It fails when two FieldMaps declare
// the same to-field, when a FieldMap targets a field the schema does not
// declare, or when a non-excluded schema field has no FieldMap covering it —
// each of these means silent data loss or a dead mapping at import time.
func NewFormMap(schema TargetSchema, fieldMaps []*FieldMap, opts ...FormMapOption) (*FormMap, error) {
	if schema == nil {
		return nil, errors.New("a target schema is required")
	}

	formMap := &FormMap{
		schema:      schema,
		fieldMaps:   append([]*FieldMap(nil), fieldMaps...),
		excluded:    map[string]struct{}{},
		knownFields: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(formMap)
	}

	if err := formMap.checkOverloadedToFields(); err != nil {
		return nil, err
	}
	if err := formMap.checkFieldMapFieldsInSchema(); err != nil {
		return nil, err
	}
	if err := formMap.checkSchemaFieldsCovered(); err != nil {
		return nil, err
	}

	for _, fieldMap := range formMap.fieldMaps {
		for field := range fieldMap.KnownFields() {
			formMap.knownFields[field] = struct{}{}
		}
	}

	return formMap, nil
}

func (m *FormMap) checkOverloadedToFields() error {
	claimed := map[string][]string{}
	for _, fieldMap := range m.fieldMaps {
		for _, toField := range fieldMap.ToFields() {
			claimed[toField] = append(claimed[toField], fieldMap.String())
		}
	}
	var overloaded []string
	for toField, claimants := range claimed {
		if len(claimants) > 1 {
			overloaded = append(overloaded, toField)
		}
	}
	if len(overloaded) > 0 {
		sort.Strings(overloaded)
		return fmt.Errorf("to fields mapped by multiple FieldMaps: %v", overloaded)
	}
	return nil
}

func (m *FormMap) checkFieldMapFieldsInSchema() error {
	declared := map[string]struct{}{}
	for _, field := range m.schema.FieldNames() {
		declared[field] = struct{}{}
	}
	var missing []string
	for _, fieldMap := range m.fieldMaps {
		for _, toField := range fieldMap.ToFields() {
			if _, ok := declared[toField]; !ok {
				missing = append(missing, toField)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("schema %s does not declare mapped to fields %v", m.schema.Name(), missing)
	}
	return nil
}

func (m *FormMap) checkSchemaFieldsCovered() error {
	covered := map[string]struct{}{}
	for _, fieldMap := range m.fieldMaps {
		for _, toField := range fieldMap.ToFields() {
			covered[toField] = struct{}{}
		}
	}
	for field := range m.defaults {
		covered[field] = struct{}{}
	}
	var uncovered []string
	for _, field := range m.schema.FieldNames() {
		if _, excluded := m.excluded[field]; excluded {
			continue
		}
		if _, ok := covered[field]; !ok {
			uncovered = append(uncovered, field)
		}
	}
	if len(uncovered) > 0 {
		sort.Strings(uncovered)
		return fmt.Errorf("schema %s fields %v have no FieldMap; data for them would be silently lost",
			m.schema.Name(), uncovered)
	}
	return nil
}

// Name identifies the FormMap by its target type.
func (m *FormMap) Name() string {
	return m.schema.Name()
}

// TargetType returns the schema name records are created under.
func (m *FormMap) TargetType() string {
	return m.schema.Name()
}

// KnownFromFields returns every header any FieldMap recognizes, including
// aliases. Used for file-level unmapped-header checks.
func (m *FormMap) KnownFromFields() map[string]struct{} {
	known := make(map[string]struct{}, len(m.knownFields))
	for field := range m.knownFields {
		known[field] = struct{}{}
	}
	return known
}

// UnknownFields returns row headers no FieldMap recognizes.
func (m *FormMap) UnknownFields(row map[string]string) []string {
	var unknown []string
	for header := range row {
		if _, ok := m.knownFields[header]; !ok {
			unknown = append(unknown, header)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// RenderFields runs every FieldMap against row, merging successful results
// and collecting per-FieldMap failures without aborting: one bad field must
// not block the others. When allowUnknown is false, the presence of unknown
// headers is an error. Drivers normally pass true here and run the
// unmapped-header ratio check once per file instead.
func (m *FormMap) RenderFields(row map[string]string, allowUnknown bool) (map[string]any, []domain.ConversionError, error) {
	if !allowUnknown {
		if unknown := m.UnknownFields(row); len(unknown) > 0 {
			return nil, nil, fmt.Errorf("unknown fields: %v", unknown)
		}
	}

	rendered := map[string]any{}
	var conversionErrors []domain.ConversionError
	for _, fieldMap := range m.fieldMaps {
		result, err := fieldMap.Render(row, UnaliasOptions{AllowUnknown: true})
		if err != nil {
			conversionErrors = append(conversionErrors, domain.ConversionError{
				Converter:  fieldMap.ConverterName(),
				FromFields: fieldMap.FromFieldNames(),
				ToFields:   fieldMap.ToFields(),
				Error:      err.Error(),
			})
			continue
		}
		for field, value := range result {
			rendered[field] = value
		}
	}

	return rendered, conversionErrors, nil
}

// Rendered is a candidate record: the merged field values awaiting schema
// validation.
type Rendered struct {
	Fields map[string]any
}

// Render builds a candidate record from row plus injected defaults and
// extras. It returns a nil record when every rendered value is empty and
// empty records are not allowed.
func (m *FormMap) Render(row map[string]string, extra map[string]any) (*Rendered, []domain.ConversionError, error) {
	rendered, conversionErrors, err := m.RenderFields(row, true)
	if err != nil {
		return nil, nil, err
	}

	anyValue := false
	for _, value := range rendered {
		if !isEmptyValue(value) {
			anyValue = true
			break
		}
	}
	if !anyValue && !m.allowEmpty {
		return nil, conversionErrors, nil
	}

	fields := map[string]any{}
	for field, value := range m.defaults {
		fields[field] = value
	}
	for field, value := range extra {
		fields[field] = value
	}
	for field, value := range rendered {
		fields[field] = value
	}

	return &Rendered{Fields: fields}, conversionErrors, nil
}

// SaveWithAudit is the central transactional operation: it renders row data,
// validates it against the schema, and records exactly one
// ModelImportAttempt capturing whatever went wrong. Only when both error
// categories are empty is the target record created and linked one-to-one to
// the attempt. Data-quality problems never surface as an error return; only
// programmer errors and storage failures do. A render that produces neither
// values nor errors records nothing and returns (nil, nil, nil).
func (m *FormMap) SaveWithAudit(ctx context.Context, sink AuditSink, rowData *domain.RowData, importedBy string, extra map[string]any) (*domain.Importee, *domain.ModelImportAttempt, error) {
	if rowData == nil {
		return nil, nil, errors.New("row data is required")
	}
	if importedBy == "" {
		return nil, nil, errors.New("imported by is required")
	}

	candidate, conversionErrors, err := m.Render(rowData.Values, extra)
	if err != nil {
		return nil, nil, err
	}
	if candidate == nil && len(conversionErrors) == 0 {
		return nil, nil, nil
	}

	var formErrors []domain.FormError
	fieldData := map[string]any{}
	if candidate != nil {
		fieldData = candidate.Fields
		formErrors = m.schema.Validate(candidate.Fields)
	}

	modelImporter, err := sink.EnsureModelImporter(ctx, rowData.ID, m.schema.Name())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to ensure model importer: %w", err)
	}

	attempt := &domain.ModelImportAttempt{
		ID:               uuid.New(),
		ModelImporterID:  modelImporter.ID,
		TargetType:       m.schema.Name(),
		ImportedBy:       importedBy,
		FieldData:        fieldData,
		ConversionErrors: conversionErrors,
		FormErrors:       formErrors,
		CurrentStatus:    domain.CurrentStatusActive,
	}
	if attempt.HasErrors() {
		attempt.Status = domain.StatusRejected
	} else {
		attempt.Status = domain.StatusCreatedClean
	}

	if attempt.HasErrors() {
		if err := sink.CreateModelImportAttempt(ctx, attempt); err != nil {
			return nil, nil, fmt.Errorf("failed to record import attempt: %w", err)
		}
		return nil, attempt, nil
	}

	importee := &domain.Importee{
		ID:                   uuid.New(),
		ModelImportAttemptID: attempt.ID,
		TargetType:           m.schema.Name(),
		Fields:               fieldData,
	}
	attempt.ImporteeID = &importee.ID
	if err := sink.CreateModelImportAttempt(ctx, attempt); err != nil {
		return nil, nil, fmt.Errorf("failed to record import attempt: %w", err)
	}
	if err := sink.CreateImportee(ctx, importee); err != nil {
		return nil, nil, fmt.Errorf("failed to create %s record: %w", m.schema.Name(), err)
	}
	return importee, attempt, nil
}
