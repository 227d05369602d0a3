package mapping

import (
	"context"
	"fmt"
	"sort"

	"github.com/rpattn/importdata/internal/domain"
)

// FormMapSet executes a group of FormMaps against one row in dependency
// order: a FormMap runs only after every FormMap it depends on has produced a
// record, and each created record's ID is injected into the dependent's extra
// context under the dependency's name.
type FormMapSet struct {
	formMaps map[string]*FormMap
	order    []string
	deps     map[string][]string
}

// NewFormMapSet orders formMaps by the dependency adjacency (name → names it
// depends on). Unknown names and cycles are construction-time errors.
func NewFormMapSet(formMaps map[string]*FormMap, dependencies map[string][]string) (*FormMapSet, error) {
	for name, deps := range dependencies {
		if _, ok := formMaps[name]; !ok {
			return nil, fmt.Errorf("dependency declared for unknown form map %q", name)
		}
		for _, dep := range deps {
			if _, ok := formMaps[dep]; !ok {
				return nil, fmt.Errorf("form map %q depends on unknown form map %q", name, dep)
			}
		}
	}

	order, err := topoSort(formMaps, dependencies)
	if err != nil {
		return nil, err
	}

	deps := make(map[string][]string, len(dependencies))
	for name, names := range dependencies {
		deps[name] = append([]string(nil), names...)
	}

	return &FormMapSet{formMaps: formMaps, order: order, deps: deps}, nil
}

// topoSort returns a deterministic topological ordering, failing on cycles.
func topoSort(formMaps map[string]*FormMap, dependencies map[string][]string) ([]string, error) {
	names := make([]string, 0, len(formMaps))
	for name := range formMaps {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(names))
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle involving form map %q", name)
		}
		state[name] = visiting
		deps := append([]string(nil), dependencies[name]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Order returns the execution order.
func (s *FormMapSet) Order() []string {
	return append([]string(nil), s.order...)
}

// FormMaps returns the member FormMaps keyed by name.
func (s *FormMapSet) FormMaps() map[string]*FormMap {
	return s.formMaps
}

// TargetTypes returns the target type of every member, for deletion
// allow-lists.
func (s *FormMapSet) TargetTypes() []string {
	types := make([]string, 0, len(s.order))
	for _, name := range s.order {
		types = append(types, s.formMaps[name].TargetType())
	}
	return types
}

// SaveWithAudit runs every member FormMap against rowData in dependency
// order, wiring each created record's ID into its dependents. The returned
// attempts are keyed by FormMap name; importees only appear for successful
// creations. A dependency that fails to produce a record does not stop its
// dependents — they simply render without the injected ID and record their
// own validation failures.
func (s *FormMapSet) SaveWithAudit(ctx context.Context, sink AuditSink, rowData *domain.RowData, importedBy string) (map[string]*domain.Importee, map[string]*domain.ModelImportAttempt, error) {
	importees := map[string]*domain.Importee{}
	attempts := map[string]*domain.ModelImportAttempt{}

	for _, name := range s.order {
		extra := map[string]any{}
		for _, dep := range s.deps[name] {
			if created, ok := importees[dep]; ok {
				extra[dep] = created.ID.String()
			}
		}

		importee, attempt, err := s.formMaps[name].SaveWithAudit(ctx, sink, rowData, importedBy, extra)
		if err != nil {
			return importees, attempts, fmt.Errorf("form map %s: %w", name, err)
		}
		if attempt != nil {
			attempts[name] = attempt
		}
		if importee != nil {
			importees[name] = importee
		}
	}

	return importees, attempts, nil
}
