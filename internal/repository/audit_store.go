// Package repository provides the postgres persistence layer for the import
// audit hierarchy, backed by pgxpool with JSONB columns for structured
// payloads such as row values, field data, and error collections.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/importdata/internal/audit"
	"github.com/rpattn/importdata/internal/domain"
)

// querier is the slice of pgx shared by *pgxpool.Pool and pgx.Tx, so the same
// store implementation runs against the bare pool or inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type auditStore struct {
	db querier
}

// poolAuditStore is the pool-backed store handed to callers. It can also open
// a transaction and run a function against a transaction-scoped store.
type poolAuditStore struct {
	auditStore
	pool *pgxpool.Pool
}

// NewAuditStore wires an audit store backed by pgxpool.
func NewAuditStore(pool *pgxpool.Pool) audit.Store {
	return &poolAuditStore{auditStore: auditStore{db: pool}, pool: pool}
}

var (
	_ audit.Store      = (*poolAuditStore)(nil)
	_ audit.Transactor = (*poolAuditStore)(nil)
)

// InTransaction runs fn against a store whose writes all commit together. A
// non-nil error from fn rolls the transaction back and is returned unchanged.
func (s *poolAuditStore) InTransaction(ctx context.Context, fn func(audit.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&auditStore{db: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("transaction error: %v, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func marshalJSON(value any) ([]byte, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json payload: %w", err)
	}
	return payload, nil
}

func unmarshalJSON(payload []byte, target any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("failed to unmarshal json payload: %w", err)
	}
	return nil
}

func (s *auditStore) CreateBatch(ctx context.Context, batch *domain.FileImporterBatch) error {
	args, err := marshalJSON(batch.Args)
	if err != nil {
		return err
	}
	options, err := marshalJSON(batch.Options)
	if err != nil {
		return err
	}
	fileErrors, err := marshalJSON(batch.Errors)
	if err != nil {
		return err
	}
	summary, err := marshalJSON(batch.ErrorSummary)
	if err != nil {
		return err
	}

	row := s.db.QueryRow(
		ctx,
		`INSERT INTO file_importer_batches (id, command, args, options, errors, error_summary, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		batch.ID, batch.Command, args, options, fileErrors, summary, int(batch.Status),
	)
	if err := row.Scan(&batch.CreatedAt, &batch.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

func (s *auditStore) GetBatch(ctx context.Context, id uuid.UUID) (*domain.FileImporterBatch, error) {
	row := s.db.QueryRow(
		ctx,
		`SELECT id, command, args, options, errors, error_summary, status, created_at, updated_at
		 FROM file_importer_batches
		 WHERE id = $1`,
		id,
	)
	return scanBatch(row)
}

func scanBatch(row pgx.Row) (*domain.FileImporterBatch, error) {
	var (
		batch      domain.FileImporterBatch
		status     int
		args       []byte
		options    []byte
		fileErrors []byte
		summary    []byte
	)
	if err := row.Scan(&batch.ID, &batch.Command, &args, &options, &fileErrors, &summary, &status, &batch.CreatedAt, &batch.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, audit.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan batch: %w", err)
	}
	batch.Status = domain.ImportStatus(status)
	if err := unmarshalJSON(args, &batch.Args); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(options, &batch.Options); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(fileErrors, &batch.Errors); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(summary, &batch.ErrorSummary); err != nil {
		return nil, err
	}
	return &batch, nil
}

func (s *auditStore) UpdateBatch(ctx context.Context, batch *domain.FileImporterBatch) error {
	fileErrors, err := marshalJSON(batch.Errors)
	if err != nil {
		return err
	}
	summary, err := marshalJSON(batch.ErrorSummary)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(
		ctx,
		`UPDATE file_importer_batches
		 SET errors = $2, error_summary = $3, status = $4, updated_at = now()
		 WHERE id = $1`,
		batch.ID, fileErrors, summary, int(batch.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return audit.ErrNotFound
	}
	return nil
}

func (s *auditStore) CreateFileImporter(ctx context.Context, importer *domain.FileImporter) error {
	row := s.db.QueryRow(
		ctx,
		`INSERT INTO file_importers (id, batch_id, file_path, importer_name, hash_on_disk, file_modified_at, hash_checked_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at, updated_at`,
		importer.ID, importer.BatchID, importer.FilePath, importer.ImporterName,
		importer.HashOnDisk, importer.FileModifiedAt, importer.HashCheckedAt, int(importer.Status),
	)
	if err := row.Scan(&importer.CreatedAt, &importer.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create file importer: %w", err)
	}
	return nil
}

const fileImporterColumns = `id, batch_id, file_path, importer_name, hash_on_disk, file_modified_at, hash_checked_at, status, created_at, updated_at`

func scanFileImporter(row pgx.Row) (*domain.FileImporter, error) {
	var (
		importer   domain.FileImporter
		status     int
		modifiedAt pgtype.Timestamptz
		checkedAt  pgtype.Timestamptz
	)
	if err := row.Scan(
		&importer.ID, &importer.BatchID, &importer.FilePath, &importer.ImporterName,
		&importer.HashOnDisk, &modifiedAt, &checkedAt, &status,
		&importer.CreatedAt, &importer.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, audit.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan file importer: %w", err)
	}
	importer.Status = domain.ImportStatus(status)
	if modifiedAt.Valid {
		value := modifiedAt.Time
		importer.FileModifiedAt = &value
	}
	if checkedAt.Valid {
		value := checkedAt.Time
		importer.HashCheckedAt = &value
	}
	return &importer, nil
}

func (s *auditStore) GetFileImporter(ctx context.Context, id uuid.UUID) (*domain.FileImporter, error) {
	row := s.db.QueryRow(
		ctx,
		`SELECT `+fileImporterColumns+` FROM file_importers WHERE id = $1`,
		id,
	)
	return scanFileImporter(row)
}

func (s *auditStore) GetFileImporterByPath(ctx context.Context, path string) (*domain.FileImporter, error) {
	row := s.db.QueryRow(
		ctx,
		`SELECT `+fileImporterColumns+` FROM file_importers WHERE file_path = $1`,
		path,
	)
	return scanFileImporter(row)
}

func (s *auditStore) UpdateFileImporter(ctx context.Context, importer *domain.FileImporter) error {
	tag, err := s.db.Exec(
		ctx,
		`UPDATE file_importers
		 SET batch_id = $2, hash_on_disk = $3, file_modified_at = $4, hash_checked_at = $5, status = $6, updated_at = now()
		 WHERE id = $1`,
		importer.ID, importer.BatchID, importer.HashOnDisk,
		importer.FileModifiedAt, importer.HashCheckedAt, int(importer.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to update file importer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return audit.ErrNotFound
	}
	return nil
}

func (s *auditStore) ListFileImporters(ctx context.Context, batchID uuid.UUID) ([]*domain.FileImporter, error) {
	rows, err := s.db.Query(
		ctx,
		`SELECT `+fileImporterColumns+` FROM file_importers WHERE batch_id = $1 ORDER BY created_at`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list file importers: %w", err)
	}
	defer rows.Close()
	return collectFileImporters(rows)
}

func (s *auditStore) ListAllFileImporters(ctx context.Context) ([]*domain.FileImporter, error) {
	rows, err := s.db.Query(
		ctx,
		`SELECT `+fileImporterColumns+` FROM file_importers ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list file importers: %w", err)
	}
	defer rows.Close()
	return collectFileImporters(rows)
}

func collectFileImporters(rows pgx.Rows) ([]*domain.FileImporter, error) {
	var importers []*domain.FileImporter
	for rows.Next() {
		importer, err := scanFileImporter(rows)
		if err != nil {
			return nil, err
		}
		importers = append(importers, importer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate file importers: %w", err)
	}
	return importers, nil
}

func (s *auditStore) CreateFileImportAttempt(ctx context.Context, attempt *domain.FileImportAttempt) error {
	info, err := marshalJSON(attempt.Info)
	if err != nil {
		return err
	}
	fileErrors, err := marshalJSON(attempt.Errors)
	if err != nil {
		return err
	}
	summary, err := marshalJSON(attempt.ErrorSummary)
	if err != nil {
		return err
	}
	creations, err := marshalJSON(attempt.Creations)
	if err != nil {
		return err
	}
	ignored, err := marshalJSON(attempt.IgnoredHeaders)
	if err != nil {
		return err
	}

	row := s.db.QueryRow(
		ctx,
		`INSERT INTO file_import_attempts
		   (id, file_importer_id, imported_from, imported_by, info, errors, error_summary,
		    creations, ignored_headers, hash_when_imported, status, current_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING created_at`,
		attempt.ID, attempt.FileImporterID, attempt.ImportedFrom, attempt.ImportedBy,
		info, fileErrors, summary, creations, ignored,
		attempt.HashWhenImported, int(attempt.Status), int(attempt.CurrentStatus),
	)
	if err := row.Scan(&attempt.CreatedAt); err != nil {
		return fmt.Errorf("failed to create file import attempt: %w", err)
	}
	return nil
}

const fileImportAttemptColumns = `id, file_importer_id, imported_from, imported_by, info, errors, error_summary, creations, ignored_headers, hash_when_imported, status, current_status, created_at`

func scanFileImportAttempt(row pgx.Row) (*domain.FileImportAttempt, error) {
	var (
		attempt       domain.FileImportAttempt
		status        int
		currentStatus int
		info          []byte
		fileErrors    []byte
		summary       []byte
		creations     []byte
		ignored       []byte
	)
	if err := row.Scan(
		&attempt.ID, &attempt.FileImporterID, &attempt.ImportedFrom, &attempt.ImportedBy,
		&info, &fileErrors, &summary, &creations, &ignored,
		&attempt.HashWhenImported, &status, &currentStatus, &attempt.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, audit.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan file import attempt: %w", err)
	}
	attempt.Status = domain.ImportStatus(status)
	attempt.CurrentStatus = domain.CurrentStatus(currentStatus)
	if err := unmarshalJSON(info, &attempt.Info); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(fileErrors, &attempt.Errors); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(summary, &attempt.ErrorSummary); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(creations, &attempt.Creations); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(ignored, &attempt.IgnoredHeaders); err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (s *auditStore) GetFileImportAttempt(ctx context.Context, id uuid.UUID) (*domain.FileImportAttempt, error) {
	row := s.db.QueryRow(
		ctx,
		`SELECT `+fileImportAttemptColumns+` FROM file_import_attempts WHERE id = $1`,
		id,
	)
	return scanFileImportAttempt(row)
}

func (s *auditStore) UpdateFileImportAttempt(ctx context.Context, attempt *domain.FileImportAttempt) error {
	info, err := marshalJSON(attempt.Info)
	if err != nil {
		return err
	}
	fileErrors, err := marshalJSON(attempt.Errors)
	if err != nil {
		return err
	}
	summary, err := marshalJSON(attempt.ErrorSummary)
	if err != nil {
		return err
	}
	creations, err := marshalJSON(attempt.Creations)
	if err != nil {
		return err
	}
	ignored, err := marshalJSON(attempt.IgnoredHeaders)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(
		ctx,
		`UPDATE file_import_attempts
		 SET info = $2, errors = $3, error_summary = $4, creations = $5, ignored_headers = $6,
		     hash_when_imported = $7, status = $8, current_status = $9
		 WHERE id = $1`,
		attempt.ID, info, fileErrors, summary, creations, ignored,
		attempt.HashWhenImported, int(attempt.Status), int(attempt.CurrentStatus),
	)
	if err != nil {
		return fmt.Errorf("failed to update file import attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return audit.ErrNotFound
	}
	return nil
}

func (s *auditStore) ListFileImportAttempts(ctx context.Context, fileImporterID uuid.UUID) ([]*domain.FileImportAttempt, error) {
	rows, err := s.db.Query(
		ctx,
		`SELECT `+fileImportAttemptColumns+` FROM file_import_attempts WHERE file_importer_id = $1 ORDER BY created_at`,
		fileImporterID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list file import attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*domain.FileImportAttempt
	for rows.Next() {
		attempt, err := scanFileImportAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate file import attempts: %w", err)
	}
	return attempts, nil
}

func (s *auditStore) LatestFileImportAttempt(ctx context.Context, fileImporterID uuid.UUID) (*domain.FileImportAttempt, error) {
	row := s.db.QueryRow(
		ctx,
		`SELECT `+fileImportAttemptColumns+`
		 FROM file_import_attempts
		 WHERE file_importer_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`,
		fileImporterID,
	)
	attempt, err := scanFileImportAttempt(row)
	if errors.Is(err, audit.ErrNotFound) {
		return nil, nil
	}
	return attempt, err
}

func (s *auditStore) DeleteFileImportAttempt(ctx context.Context, id uuid.UUID) (domain.DeletionReport, error) {
	report := domain.DeletionReport{ByType: map[string]int{}}

	rows, err := s.db.Query(
		ctx,
		`SELECT i.target_type, count(*)
		 FROM importees i
		 JOIN model_import_attempts mia ON mia.id = i.model_import_attempt_id
		 JOIN model_importers mi ON mi.id = mia.model_importer_id
		 JOIN row_data rd ON rd.id = mi.row_data_id
		 WHERE rd.file_import_attempt_id = $1
		 GROUP BY i.target_type`,
		id,
	)
	if err != nil {
		return report, fmt.Errorf("failed to count importees: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			targetType string
			count      int
		)
		if err := rows.Scan(&targetType, &count); err != nil {
			return report, fmt.Errorf("failed to scan importee count: %w", err)
		}
		report.ByType[targetType] = count
		report.Total += count
	}
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("failed to iterate importee counts: %w", err)
	}

	// Child tables cascade from the attempt delete.
	tag, err := s.db.Exec(ctx, `DELETE FROM file_import_attempts WHERE id = $1`, id)
	if err != nil {
		return report, fmt.Errorf("failed to delete file import attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.DeletionReport{ByType: map[string]int{}}, audit.ErrNotFound
	}
	return report, nil
}

func (s *auditStore) CreateRowData(ctx context.Context, rowData *domain.RowData) error {
	headers, err := marshalJSON(rowData.Headers)
	if err != nil {
		return err
	}
	values, err := marshalJSON(rowData.Values)
	if err != nil {
		return err
	}

	row := s.db.QueryRow(
		ctx,
		`INSERT INTO row_data (id, file_import_attempt_id, row_num, headers, row_values, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		rowData.ID, rowData.FileImportAttemptID, rowData.RowNum, headers, values, int(rowData.Status),
	)
	if err := row.Scan(&rowData.CreatedAt); err != nil {
		return fmt.Errorf("failed to create row data: %w", err)
	}
	return nil
}

const rowDataColumns = `id, file_import_attempt_id, row_num, headers, row_values, status, created_at`

func scanRowData(row pgx.Row) (*domain.RowData, error) {
	var (
		rowData domain.RowData
		status  int
		headers []byte
		values  []byte
	)
	if err := row.Scan(&rowData.ID, &rowData.FileImportAttemptID, &rowData.RowNum, &headers, &values, &status, &rowData.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, audit.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan row data: %w", err)
	}
	rowData.Status = domain.ImportStatus(status)
	if err := unmarshalJSON(headers, &rowData.Headers); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(values, &rowData.Values); err != nil {
		return nil, err
	}
	return &rowData, nil
}

func (s *auditStore) GetRowData(ctx context.Context, id uuid.UUID) (*domain.RowData, error) {
	row := s.db.QueryRow(
		ctx,
		`SELECT `+rowDataColumns+` FROM row_data WHERE id = $1`,
		id,
	)
	return scanRowData(row)
}

func (s *auditStore) UpdateRowDataStatus(ctx context.Context, id uuid.UUID, status domain.ImportStatus) error {
	tag, err := s.db.Exec(ctx, `UPDATE row_data SET status = $2 WHERE id = $1`, id, int(status))
	if err != nil {
		return fmt.Errorf("failed to update row data status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return audit.ErrNotFound
	}
	return nil
}

func (s *auditStore) ListRowData(ctx context.Context, fileImportAttemptID uuid.UUID) ([]*domain.RowData, error) {
	rows, err := s.db.Query(
		ctx,
		`SELECT `+rowDataColumns+` FROM row_data WHERE file_import_attempt_id = $1 ORDER BY row_num`,
		fileImportAttemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list row data: %w", err)
	}
	defer rows.Close()

	var collected []*domain.RowData
	for rows.Next() {
		rowData, err := scanRowData(rows)
		if err != nil {
			return nil, err
		}
		collected = append(collected, rowData)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate row data: %w", err)
	}
	return collected, nil
}

func (s *auditStore) EnsureModelImporter(ctx context.Context, rowDataID uuid.UUID, targetType string) (*domain.ModelImporter, error) {
	row := s.db.QueryRow(
		ctx,
		`INSERT INTO model_importers (id, row_data_id, target_type, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (row_data_id, target_type) DO UPDATE SET target_type = EXCLUDED.target_type
		 RETURNING id, row_data_id, target_type, status, created_at`,
		uuid.New(), rowDataID, targetType, int(domain.StatusPending),
	)
	return scanModelImporter(row)
}

func scanModelImporter(row pgx.Row) (*domain.ModelImporter, error) {
	var (
		importer domain.ModelImporter
		status   int
	)
	if err := row.Scan(&importer.ID, &importer.RowDataID, &importer.TargetType, &status, &importer.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, audit.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan model importer: %w", err)
	}
	importer.Status = domain.ImportStatus(status)
	return &importer, nil
}

func (s *auditStore) GetModelImporter(ctx context.Context, id uuid.UUID) (*domain.ModelImporter, error) {
	row := s.db.QueryRow(
		ctx,
		`SELECT id, row_data_id, target_type, status, created_at FROM model_importers WHERE id = $1`,
		id,
	)
	return scanModelImporter(row)
}

func (s *auditStore) UpdateModelImporterStatus(ctx context.Context, id uuid.UUID, status domain.ImportStatus) error {
	tag, err := s.db.Exec(ctx, `UPDATE model_importers SET status = $2 WHERE id = $1`, id, int(status))
	if err != nil {
		return fmt.Errorf("failed to update model importer status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return audit.ErrNotFound
	}
	return nil
}

func (s *auditStore) ListModelImporters(ctx context.Context, rowDataID uuid.UUID) ([]*domain.ModelImporter, error) {
	rows, err := s.db.Query(
		ctx,
		`SELECT id, row_data_id, target_type, status, created_at
		 FROM model_importers
		 WHERE row_data_id = $1
		 ORDER BY created_at`,
		rowDataID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list model importers: %w", err)
	}
	defer rows.Close()

	var importers []*domain.ModelImporter
	for rows.Next() {
		importer, err := scanModelImporter(rows)
		if err != nil {
			return nil, err
		}
		importers = append(importers, importer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate model importers: %w", err)
	}
	return importers, nil
}

func (s *auditStore) CreateModelImportAttempt(ctx context.Context, attempt *domain.ModelImportAttempt) error {
	fieldData, err := marshalJSON(attempt.FieldData)
	if err != nil {
		return err
	}
	conversionErrors, err := marshalJSON(attempt.ConversionErrors)
	if err != nil {
		return err
	}
	formErrors, err := marshalJSON(attempt.FormErrors)
	if err != nil {
		return err
	}

	row := s.db.QueryRow(
		ctx,
		`INSERT INTO model_import_attempts
		   (id, model_importer_id, target_type, imported_by, field_data, conversion_errors,
		    form_errors, importee_id, status, current_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at`,
		attempt.ID, attempt.ModelImporterID, attempt.TargetType, attempt.ImportedBy,
		fieldData, conversionErrors, formErrors, attempt.ImporteeID,
		int(attempt.Status), int(attempt.CurrentStatus),
	)
	if err := row.Scan(&attempt.CreatedAt); err != nil {
		return fmt.Errorf("failed to create model import attempt: %w", err)
	}
	return nil
}

const modelImportAttemptColumns = `id, model_importer_id, target_type, imported_by, field_data, conversion_errors, form_errors, importee_id, status, current_status, created_at`

func scanModelImportAttempt(row pgx.Row) (*domain.ModelImportAttempt, error) {
	var (
		attempt          domain.ModelImportAttempt
		status           int
		currentStatus    int
		fieldData        []byte
		conversionErrors []byte
		formErrors       []byte
		importeeID       pgtype.UUID
	)
	if err := row.Scan(
		&attempt.ID, &attempt.ModelImporterID, &attempt.TargetType, &attempt.ImportedBy,
		&fieldData, &conversionErrors, &formErrors, &importeeID,
		&status, &currentStatus, &attempt.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, audit.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan model import attempt: %w", err)
	}
	attempt.Status = domain.ImportStatus(status)
	attempt.CurrentStatus = domain.CurrentStatus(currentStatus)
	if importeeID.Valid {
		value := uuid.UUID(importeeID.Bytes)
		attempt.ImporteeID = &value
	}
	if err := unmarshalJSON(fieldData, &attempt.FieldData); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(conversionErrors, &attempt.ConversionErrors); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(formErrors, &attempt.FormErrors); err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (s *auditStore) LatestModelImportAttempt(ctx context.Context, modelImporterID uuid.UUID) (*domain.ModelImportAttempt, error) {
	row := s.db.QueryRow(
		ctx,
		`SELECT `+modelImportAttemptColumns+`
		 FROM model_import_attempts
		 WHERE model_importer_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`,
		modelImporterID,
	)
	attempt, err := scanModelImportAttempt(row)
	if errors.Is(err, audit.ErrNotFound) {
		return nil, nil
	}
	return attempt, err
}

func (s *auditStore) ListModelImportAttempts(ctx context.Context, modelImporterID uuid.UUID) ([]*domain.ModelImportAttempt, error) {
	rows, err := s.db.Query(
		ctx,
		`SELECT `+modelImportAttemptColumns+`
		 FROM model_import_attempts
		 WHERE model_importer_id = $1
		 ORDER BY created_at`,
		modelImporterID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list model import attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*domain.ModelImportAttempt
	for rows.Next() {
		attempt, err := scanModelImportAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate model import attempts: %w", err)
	}
	return attempts, nil
}

func (s *auditStore) ListTargetTypes(ctx context.Context, fileImportAttemptID uuid.UUID) ([]string, error) {
	rows, err := s.db.Query(
		ctx,
		`SELECT DISTINCT mia.target_type
		 FROM model_import_attempts mia
		 JOIN model_importers mi ON mi.id = mia.model_importer_id
		 JOIN row_data rd ON rd.id = mi.row_data_id
		 WHERE rd.file_import_attempt_id = $1
		 ORDER BY mia.target_type`,
		fileImportAttemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list target types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var targetType string
		if err := rows.Scan(&targetType); err != nil {
			return nil, fmt.Errorf("failed to scan target type: %w", err)
		}
		types = append(types, targetType)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate target types: %w", err)
	}
	return types, nil
}

func (s *auditStore) CreateImportee(ctx context.Context, importee *domain.Importee) error {
	fields, err := marshalJSON(importee.Fields)
	if err != nil {
		return err
	}

	row := s.db.QueryRow(
		ctx,
		`INSERT INTO importees (id, model_import_attempt_id, target_type, fields)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		importee.ID, importee.ModelImportAttemptID, importee.TargetType, fields,
	)
	if err := row.Scan(&importee.CreatedAt); err != nil {
		return fmt.Errorf("failed to create importee: %w", err)
	}
	return nil
}

func (s *auditStore) GetImportee(ctx context.Context, id uuid.UUID) (*domain.Importee, error) {
	row := s.db.QueryRow(
		ctx,
		`SELECT id, model_import_attempt_id, target_type, fields, created_at
		 FROM importees
		 WHERE id = $1`,
		id,
	)
	var (
		importee domain.Importee
		fields   []byte
	)
	if err := row.Scan(&importee.ID, &importee.ModelImportAttemptID, &importee.TargetType, &fields, &importee.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, audit.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan importee: %w", err)
	}
	if err := unmarshalJSON(fields, &importee.Fields); err != nil {
		return nil, err
	}
	return &importee, nil
}

func (s *auditStore) DeleteImporteesByType(ctx context.Context, fileImportAttemptID uuid.UUID, targetType string) (int, error) {
	// Mark the owning attempts first: once the importee is gone they must
	// carry the deleted sub-state and no dangling link.
	_, err := s.db.Exec(
		ctx,
		`UPDATE model_import_attempts mia
		 SET importee_id = NULL, current_status = $3
		 FROM importees i, model_importers mi, row_data rd
		 WHERE i.model_import_attempt_id = mia.id
		   AND mia.model_importer_id = mi.id
		   AND mi.row_data_id = rd.id
		   AND rd.file_import_attempt_id = $1
		   AND i.target_type = $2`,
		fileImportAttemptID, targetType, int(domain.CurrentStatusDeleted),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark attempts deleted: %w", err)
	}

	tag, err := s.db.Exec(
		ctx,
		`DELETE FROM importees i
		 USING model_import_attempts mia, model_importers mi, row_data rd
		 WHERE i.model_import_attempt_id = mia.id
		   AND mia.model_importer_id = mi.id
		   AND mi.row_data_id = rd.id
		   AND rd.file_import_attempt_id = $1
		   AND i.target_type = $2`,
		fileImportAttemptID, targetType,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete importees: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
