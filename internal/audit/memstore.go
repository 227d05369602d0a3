package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/importdata/internal/domain"
)

// MemoryStore is a complete in-memory Store. It backs the unit tests and is
// handy for validation-only runs where no database is available. Creation
// order is tracked with a monotonic sequence so latest-by-creation queries
// are stable even when two records share a timestamp.
type MemoryStore struct {
	mu  sync.Mutex
	seq int64

	batches       map[uuid.UUID]*domain.FileImporterBatch
	fileImporters map[uuid.UUID]*domain.FileImporter
	fileAttempts  map[uuid.UUID]*domain.FileImportAttempt
	rowData       map[uuid.UUID]*domain.RowData
	importers     map[uuid.UUID]*domain.ModelImporter
	attempts      map[uuid.UUID]*domain.ModelImportAttempt
	importees     map[uuid.UUID]*domain.Importee

	order map[uuid.UUID]int64
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:       map[uuid.UUID]*domain.FileImporterBatch{},
		fileImporters: map[uuid.UUID]*domain.FileImporter{},
		fileAttempts:  map[uuid.UUID]*domain.FileImportAttempt{},
		rowData:       map[uuid.UUID]*domain.RowData{},
		importers:     map[uuid.UUID]*domain.ModelImporter{},
		attempts:      map[uuid.UUID]*domain.ModelImportAttempt{},
		importees:     map[uuid.UUID]*domain.Importee{},
		order:         map[uuid.UUID]int64{},
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) stamp(id uuid.UUID) {
	s.seq++
	s.order[id] = s.seq
}

func (s *MemoryStore) CreateBatch(ctx context.Context, batch *domain.FileImporterBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch.CreatedAt = time.Now().UTC()
	batch.UpdatedAt = batch.CreatedAt
	s.batches[batch.ID] = batch
	s.stamp(batch.ID)
	return nil
}

func (s *MemoryStore) GetBatch(ctx context.Context, id uuid.UUID) (*domain.FileImporterBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return batch, nil
}

func (s *MemoryStore) UpdateBatch(ctx context.Context, batch *domain.FileImporterBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.ID]; !ok {
		return ErrNotFound
	}
	batch.UpdatedAt = time.Now().UTC()
	s.batches[batch.ID] = batch
	return nil
}

func (s *MemoryStore) CreateFileImporter(ctx context.Context, importer *domain.FileImporter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	importer.CreatedAt = time.Now().UTC()
	importer.UpdatedAt = importer.CreatedAt
	s.fileImporters[importer.ID] = importer
	s.stamp(importer.ID)
	return nil
}

func (s *MemoryStore) GetFileImporter(ctx context.Context, id uuid.UUID) (*domain.FileImporter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	importer, ok := s.fileImporters[id]
	if !ok {
		return nil, ErrNotFound
	}
	return importer, nil
}

func (s *MemoryStore) GetFileImporterByPath(ctx context.Context, path string) (*domain.FileImporter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, importer := range s.fileImporters {
		if importer.FilePath == path {
			return importer, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateFileImporter(ctx context.Context, importer *domain.FileImporter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fileImporters[importer.ID]; !ok {
		return ErrNotFound
	}
	importer.UpdatedAt = time.Now().UTC()
	s.fileImporters[importer.ID] = importer
	return nil
}

func (s *MemoryStore) ListFileImporters(ctx context.Context, batchID uuid.UUID) ([]*domain.FileImporter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var importers []*domain.FileImporter
	for _, importer := range s.fileImporters {
		if importer.BatchID == batchID {
			importers = append(importers, importer)
		}
	}
	sortByCreation(s.order, importers, func(i *domain.FileImporter) uuid.UUID { return i.ID })
	return importers, nil
}

func (s *MemoryStore) ListAllFileImporters(ctx context.Context) ([]*domain.FileImporter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	importers := make([]*domain.FileImporter, 0, len(s.fileImporters))
	for _, importer := range s.fileImporters {
		importers = append(importers, importer)
	}
	sortByCreation(s.order, importers, func(i *domain.FileImporter) uuid.UUID { return i.ID })
	return importers, nil
}

func (s *MemoryStore) CreateFileImportAttempt(ctx context.Context, attempt *domain.FileImportAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt.CreatedAt = time.Now().UTC()
	s.fileAttempts[attempt.ID] = attempt
	s.stamp(attempt.ID)
	return nil
}

func (s *MemoryStore) GetFileImportAttempt(ctx context.Context, id uuid.UUID) (*domain.FileImportAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.fileAttempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return attempt, nil
}

func (s *MemoryStore) UpdateFileImportAttempt(ctx context.Context, attempt *domain.FileImportAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fileAttempts[attempt.ID]; !ok {
		return ErrNotFound
	}
	s.fileAttempts[attempt.ID] = attempt
	return nil
}

func (s *MemoryStore) ListFileImportAttempts(ctx context.Context, fileImporterID uuid.UUID) ([]*domain.FileImportAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var attempts []*domain.FileImportAttempt
	for _, attempt := range s.fileAttempts {
		if attempt.FileImporterID == fileImporterID {
			attempts = append(attempts, attempt)
		}
	}
	sortByCreation(s.order, attempts, func(a *domain.FileImportAttempt) uuid.UUID { return a.ID })
	return attempts, nil
}

func (s *MemoryStore) LatestFileImportAttempt(ctx context.Context, fileImporterID uuid.UUID) (*domain.FileImportAttempt, error) {
	attempts, err := s.ListFileImportAttempts(ctx, fileImporterID)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, nil
	}
	return attempts[len(attempts)-1], nil
}

func (s *MemoryStore) DeleteFileImportAttempt(ctx context.Context, id uuid.UUID) (domain.DeletionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := domain.DeletionReport{ByType: map[string]int{}}
	if _, ok := s.fileAttempts[id]; !ok {
		return report, ErrNotFound
	}

	for rowID, row := range s.rowData {
		if row.FileImportAttemptID != id {
			continue
		}
		for importerID, modelImporter := range s.importers {
			if modelImporter.RowDataID != rowID {
				continue
			}
			for attemptID, attempt := range s.attempts {
				if attempt.ModelImporterID != importerID {
					continue
				}
				for importeeID, importee := range s.importees {
					if importee.ModelImportAttemptID == attemptID {
						report.ByType[importee.TargetType]++
						report.Total++
						delete(s.importees, importeeID)
					}
				}
				delete(s.attempts, attemptID)
			}
			delete(s.importers, importerID)
		}
		delete(s.rowData, rowID)
	}
	delete(s.fileAttempts, id)
	return report, nil
}

func (s *MemoryStore) CreateRowData(ctx context.Context, rowData *domain.RowData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rowData.CreatedAt = time.Now().UTC()
	s.rowData[rowData.ID] = rowData
	s.stamp(rowData.ID)
	return nil
}

func (s *MemoryStore) GetRowData(ctx context.Context, id uuid.UUID) (*domain.RowData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rowData, ok := s.rowData[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rowData, nil
}

func (s *MemoryStore) UpdateRowDataStatus(ctx context.Context, id uuid.UUID, status domain.ImportStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rowData, ok := s.rowData[id]
	if !ok {
		return ErrNotFound
	}
	rowData.Status = status
	return nil
}

func (s *MemoryStore) ListRowData(ctx context.Context, fileImportAttemptID uuid.UUID) ([]*domain.RowData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*domain.RowData
	for _, rowData := range s.rowData {
		if rowData.FileImportAttemptID == fileImportAttemptID {
			rows = append(rows, rowData)
		}
	}
	sortByCreation(s.order, rows, func(r *domain.RowData) uuid.UUID { return r.ID })
	return rows, nil
}

func (s *MemoryStore) EnsureModelImporter(ctx context.Context, rowDataID uuid.UUID, targetType string) (*domain.ModelImporter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, importer := range s.importers {
		if importer.RowDataID == rowDataID && importer.TargetType == targetType {
			return importer, nil
		}
	}
	importer := &domain.ModelImporter{
		ID:         uuid.New(),
		RowDataID:  rowDataID,
		TargetType: targetType,
		Status:     domain.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	s.importers[importer.ID] = importer
	s.stamp(importer.ID)
	return importer, nil
}

func (s *MemoryStore) GetModelImporter(ctx context.Context, id uuid.UUID) (*domain.ModelImporter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	importer, ok := s.importers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return importer, nil
}

func (s *MemoryStore) UpdateModelImporterStatus(ctx context.Context, id uuid.UUID, status domain.ImportStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	importer, ok := s.importers[id]
	if !ok {
		return ErrNotFound
	}
	importer.Status = status
	return nil
}

func (s *MemoryStore) ListModelImporters(ctx context.Context, rowDataID uuid.UUID) ([]*domain.ModelImporter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var importers []*domain.ModelImporter
	for _, importer := range s.importers {
		if importer.RowDataID == rowDataID {
			importers = append(importers, importer)
		}
	}
	sortByCreation(s.order, importers, func(i *domain.ModelImporter) uuid.UUID { return i.ID })
	return importers, nil
}

func (s *MemoryStore) CreateModelImportAttempt(ctx context.Context, attempt *domain.ModelImportAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt.CreatedAt = time.Now().UTC()
	s.attempts[attempt.ID] = attempt
	s.stamp(attempt.ID)
	return nil
}

func (s *MemoryStore) LatestModelImportAttempt(ctx context.Context, modelImporterID uuid.UUID) (*domain.ModelImportAttempt, error) {
	attempts, err := s.ListModelImportAttempts(ctx, modelImporterID)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, nil
	}
	return attempts[len(attempts)-1], nil
}

func (s *MemoryStore) ListModelImportAttempts(ctx context.Context, modelImporterID uuid.UUID) ([]*domain.ModelImportAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var attempts []*domain.ModelImportAttempt
	for _, attempt := range s.attempts {
		if attempt.ModelImporterID == modelImporterID {
			attempts = append(attempts, attempt)
		}
	}
	sortByCreation(s.order, attempts, func(a *domain.ModelImportAttempt) uuid.UUID { return a.ID })
	return attempts, nil
}

func (s *MemoryStore) ListTargetTypes(ctx context.Context, fileImportAttemptID uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]struct{}{}
	for _, attempt := range s.attempts {
		importer, ok := s.importers[attempt.ModelImporterID]
		if !ok {
			continue
		}
		row, ok := s.rowData[importer.RowDataID]
		if !ok || row.FileImportAttemptID != fileImportAttemptID {
			continue
		}
		seen[attempt.TargetType] = struct{}{}
	}
	types := make([]string, 0, len(seen))
	for targetType := range seen {
		types = append(types, targetType)
	}
	sort.Strings(types)
	return types, nil
}

func (s *MemoryStore) CreateImportee(ctx context.Context, importee *domain.Importee) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	importee.CreatedAt = time.Now().UTC()
	s.importees[importee.ID] = importee
	s.stamp(importee.ID)
	return nil
}

func (s *MemoryStore) GetImportee(ctx context.Context, id uuid.UUID) (*domain.Importee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	importee, ok := s.importees[id]
	if !ok {
		return nil, ErrNotFound
	}
	return importee, nil
}

func (s *MemoryStore) DeleteImporteesByType(ctx context.Context, fileImportAttemptID uuid.UUID, targetType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for importeeID, importee := range s.importees {
		if importee.TargetType != targetType {
			continue
		}
		attempt, ok := s.attempts[importee.ModelImportAttemptID]
		if !ok {
			continue
		}
		importer, ok := s.importers[attempt.ModelImporterID]
		if !ok {
			continue
		}
		row, ok := s.rowData[importer.RowDataID]
		if !ok || row.FileImportAttemptID != fileImportAttemptID {
			continue
		}
		delete(s.importees, importeeID)
		attempt.ImporteeID = nil
		attempt.CurrentStatus = domain.CurrentStatusDeleted
		count++
	}
	return count, nil
}

// Importees returns every stored importee of the given type in creation
// order. Exposed for tests and summaries.
func (s *MemoryStore) Importees(targetType string) []*domain.Importee {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []*domain.Importee
	for _, importee := range s.importees {
		if targetType == "" || importee.TargetType == targetType {
			records = append(records, importee)
		}
	}
	sortByCreation(s.order, records, func(i *domain.Importee) uuid.UUID { return i.ID })
	return records
}

// sortByCreation orders entities by insertion sequence, oldest first.
func sortByCreation[T any](order map[uuid.UUID]int64, items []T, id func(T) uuid.UUID) {
	sort.Slice(items, func(i, j int) bool {
		return order[id(items[i])] < order[id(items[j])]
	})
}
