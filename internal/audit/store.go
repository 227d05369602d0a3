// Package audit implements the six-level import audit hierarchy: persistence
// boundaries for every entity, derived status roll-up, acknowledgement, and
// cascading deletion of imported records.
package audit

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/rpattn/importdata/internal/domain"
)

// ErrNotFound is returned when a hierarchy entity does not exist.
var ErrNotFound = errors.New("audit record not found")

// Transactor is implemented by stores that can scope a group of writes to a
// single transaction. The store passed to fn sees uncommitted writes; a
// non-nil error from fn rolls everything back.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(Store) error) error
}

// Store is the persistence boundary for the audit hierarchy. Implementations
// must offer parent→children queries, latest-by-creation retrieval, and
// cascading deletes; the engine never assumes anything else about the
// underlying storage.
type Store interface {
	// Batches
	CreateBatch(ctx context.Context, batch *domain.FileImporterBatch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*domain.FileImporterBatch, error)
	UpdateBatch(ctx context.Context, batch *domain.FileImporterBatch) error

	// File importers
	CreateFileImporter(ctx context.Context, importer *domain.FileImporter) error
	GetFileImporter(ctx context.Context, id uuid.UUID) (*domain.FileImporter, error)
	GetFileImporterByPath(ctx context.Context, path string) (*domain.FileImporter, error)
	UpdateFileImporter(ctx context.Context, importer *domain.FileImporter) error
	ListFileImporters(ctx context.Context, batchID uuid.UUID) ([]*domain.FileImporter, error)
	ListAllFileImporters(ctx context.Context) ([]*domain.FileImporter, error)

	// File import attempts
	CreateFileImportAttempt(ctx context.Context, attempt *domain.FileImportAttempt) error
	GetFileImportAttempt(ctx context.Context, id uuid.UUID) (*domain.FileImportAttempt, error)
	UpdateFileImportAttempt(ctx context.Context, attempt *domain.FileImportAttempt) error
	ListFileImportAttempts(ctx context.Context, fileImporterID uuid.UUID) ([]*domain.FileImportAttempt, error)
	// LatestFileImportAttempt returns the most recently created attempt for
	// the importer, or (nil, nil) when none exists.
	LatestFileImportAttempt(ctx context.Context, fileImporterID uuid.UUID) (*domain.FileImportAttempt, error)
	// DeleteFileImportAttempt removes the attempt and, by cascade, all of its
	// row data, model importers, model import attempts, and importees. The
	// report covers the cascaded importee deletions per target type.
	DeleteFileImportAttempt(ctx context.Context, id uuid.UUID) (domain.DeletionReport, error)

	// Row data
	CreateRowData(ctx context.Context, rowData *domain.RowData) error
	GetRowData(ctx context.Context, id uuid.UUID) (*domain.RowData, error)
	UpdateRowDataStatus(ctx context.Context, id uuid.UUID, status domain.ImportStatus) error
	ListRowData(ctx context.Context, fileImportAttemptID uuid.UUID) ([]*domain.RowData, error)

	// Model importers
	// EnsureModelImporter returns the importer for (row, target type),
	// creating it with pending status when absent.
	EnsureModelImporter(ctx context.Context, rowDataID uuid.UUID, targetType string) (*domain.ModelImporter, error)
	GetModelImporter(ctx context.Context, id uuid.UUID) (*domain.ModelImporter, error)
	UpdateModelImporterStatus(ctx context.Context, id uuid.UUID, status domain.ImportStatus) error
	ListModelImporters(ctx context.Context, rowDataID uuid.UUID) ([]*domain.ModelImporter, error)

	// Model import attempts
	CreateModelImportAttempt(ctx context.Context, attempt *domain.ModelImportAttempt) error
	// LatestModelImportAttempt returns the most recently created attempt for
	// the model importer, or (nil, nil) when none exists.
	LatestModelImportAttempt(ctx context.Context, modelImporterID uuid.UUID) (*domain.ModelImportAttempt, error)
	ListModelImportAttempts(ctx context.Context, modelImporterID uuid.UUID) ([]*domain.ModelImportAttempt, error)
	// ListTargetTypes returns the distinct target types recorded by attempts
	// under the file import attempt.
	ListTargetTypes(ctx context.Context, fileImportAttemptID uuid.UUID) ([]string, error)

	// Importees
	CreateImportee(ctx context.Context, importee *domain.Importee) error
	GetImportee(ctx context.Context, id uuid.UUID) (*domain.Importee, error)
	// DeleteImporteesByType removes every importee of targetType created
	// under the file import attempt and returns the deletion count.
	DeleteImporteesByType(ctx context.Context, fileImportAttemptID uuid.UUID, targetType string) (int, error)
}
