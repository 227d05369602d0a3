package domain

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// FileImporterBatch represents one driver invocation. Args and Options are
// stored verbatim so the batch can be reproduced or reimported later.
type FileImporterBatch struct {
	ID           uuid.UUID      `json:"id"`
	Command      string         `json:"command"`
	Args         []string       `json:"args"`
	Options      map[string]any `json:"options"`
	Errors       FileErrors     `json:"errors"`
	ErrorSummary ErrorSummary   `json:"error_summary"`
	Status       ImportStatus   `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// NewFileImporterBatch builds a batch record for a driver run.
func NewFileImporterBatch(command string, args []string, options map[string]any) *FileImporterBatch {
	return &FileImporterBatch{
		ID:           uuid.New(),
		Command:      command,
		Args:         args,
		Options:      options,
		Errors:       FileErrors{},
		ErrorSummary: ErrorSummary{},
		Status:       StatusPending,
	}
}

// FileImporter tracks every attempt ever made against one file path. The
// path is unique; reruns attach new attempts to the same importer.
type FileImporter struct {
	ID             uuid.UUID    `json:"id"`
	BatchID        uuid.UUID    `json:"batch_id"`
	FilePath       string       `json:"file_path"`
	ImporterName   string       `json:"importer_name"`
	HashOnDisk     string       `json:"hash_on_disk"`
	FileModifiedAt *time.Time   `json:"file_modified_at,omitempty"`
	HashCheckedAt  *time.Time   `json:"hash_checked_at,omitempty"`
	Status         ImportStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// NewFileImporter builds an importer record for a path.
func NewFileImporter(batchID uuid.UUID, path, importerName string) *FileImporter {
	return &FileImporter{
		ID:           uuid.New(),
		BatchID:      batchID,
		FilePath:     path,
		ImporterName: importerName,
		Status:       StatusPending,
	}
}

// Name returns the base name of the tracked file.
func (f *FileImporter) Name() string {
	return filepath.Base(f.FilePath)
}

// FileMissing reports whether the file was absent at the last hash check.
func (f *FileImporter) FileMissing() bool {
	return f.HashOnDisk == ""
}

// FileImportAttempt is one execution attempt against one file.
type FileImportAttempt struct {
	ID               uuid.UUID      `json:"id"`
	FileImporterID   uuid.UUID      `json:"file_importer_id"`
	ImportedFrom     string         `json:"imported_from"`
	ImportedBy       string         `json:"imported_by"`
	Info             map[string]any `json:"info"`
	Errors           FileErrors     `json:"errors"`
	ErrorSummary     ErrorSummary   `json:"error_summary"`
	Creations        map[string]int `json:"creations"`
	IgnoredHeaders   []string       `json:"ignored_headers"`
	HashWhenImported string         `json:"hash_when_imported"`
	Status           ImportStatus   `json:"status"`
	CurrentStatus    CurrentStatus  `json:"current_status"`
	CreatedAt        time.Time      `json:"created_at"`
}

// NewFileImportAttempt builds an attempt record against a file importer.
func NewFileImportAttempt(fileImporterID uuid.UUID, path, importedBy string) *FileImportAttempt {
	return &FileImportAttempt{
		ID:             uuid.New(),
		FileImporterID: fileImporterID,
		ImportedFrom:   path,
		ImportedBy:     importedBy,
		Info:           map[string]any{},
		Errors:         FileErrors{},
		Status:         StatusPending,
		CurrentStatus:  CurrentStatusActive,
	}
}

// Name returns the base name of the imported file.
func (a *FileImportAttempt) Name() string {
	return filepath.Base(a.ImportedFrom)
}

// RowData is a verbatim, immutable snapshot of one source row. Values holds
// the row as originally encountered; Headers preserves column order.
type RowData struct {
	ID                  uuid.UUID         `json:"id"`
	FileImportAttemptID uuid.UUID         `json:"file_import_attempt_id"`
	RowNum              int               `json:"row_num"`
	Headers             []string          `json:"headers"`
	Values              map[string]string `json:"values"`
	Status              ImportStatus      `json:"status"`
	CreatedAt           time.Time         `json:"created_at"`
}

// NewRowData snapshots one source row. The values map is copied so later
// mutation of the source cannot alter the audit record.
func NewRowData(fileImportAttemptID uuid.UUID, rowNum int, headers []string, values map[string]string) *RowData {
	copied := make(map[string]string, len(values))
	for key, value := range values {
		copied[key] = value
	}
	return &RowData{
		ID:                  uuid.New(),
		FileImportAttemptID: fileImportAttemptID,
		RowNum:              rowNum,
		Headers:             append([]string(nil), headers...),
		Values:              copied,
		Status:              StatusPending,
	}
}

// ModelImporter groups all attempts at building one target type from one row.
// Only its most recent attempt determines its status, so a reimport can
// supersede a rejection without losing history.
type ModelImporter struct {
	ID         uuid.UUID    `json:"id"`
	RowDataID  uuid.UUID    `json:"row_data_id"`
	TargetType string       `json:"target_type"`
	Status     ImportStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
}

// ModelImportAttempt is one attempt at building one target record. Exactly
// one is written per save-with-audit call that has anything to record; a
// successful attempt carries a one-to-one link to the created importee.
type ModelImportAttempt struct {
	ID               uuid.UUID         `json:"id"`
	ModelImporterID  uuid.UUID         `json:"model_importer_id"`
	TargetType       string            `json:"target_type"`
	ImportedBy       string            `json:"imported_by"`
	FieldData        map[string]any    `json:"field_data"`
	ConversionErrors []ConversionError `json:"conversion_errors"`
	FormErrors       []FormError       `json:"form_errors"`
	ImporteeID       *uuid.UUID        `json:"importee_id,omitempty"`
	Status           ImportStatus      `json:"status"`
	CurrentStatus    CurrentStatus     `json:"current_status"`
	CreatedAt        time.Time         `json:"created_at"`
}

// HasErrors reports whether any conversion or form errors were recorded.
func (a *ModelImportAttempt) HasErrors() bool {
	return len(a.ConversionErrors) > 0 || len(a.FormErrors) > 0
}

// Importee is the target record created by a successful attempt. Records are
// stored as a tagged type name plus field values rather than via runtime
// reflection over concrete model types.
type Importee struct {
	ID                   uuid.UUID      `json:"id"`
	ModelImportAttemptID uuid.UUID      `json:"model_import_attempt_id"`
	TargetType           string         `json:"target_type"`
	Fields               map[string]any `json:"fields"`
	CreatedAt            time.Time      `json:"created_at"`
}
