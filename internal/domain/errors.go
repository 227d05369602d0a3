package domain

import "sort"

// ConversionError records a converter failure for one FieldMap while
// rendering a row. The row itself keeps processing; the error ends up on the
// eventual ModelImportAttempt.
type ConversionError struct {
	Converter  string   `json:"converter"`
	FromFields []string `json:"from_fields"`
	ToFields   []string `json:"to_fields"`
	Error      string   `json:"error"`
}

// FormError records a target-schema validation failure for one field.
type FormError struct {
	Field   string `json:"field"`
	Value   any    `json:"value"`
	Message string `json:"message"`
}

// FileErrors holds file-level errors keyed by category, e.g.
// {"too_many_unmapped_headers": [...], "misc": ["file_missing"]}.
type FileErrors map[string][]string

// Add appends a message under the given category.
func (e FileErrors) Add(category, message string) {
	e[category] = append(e[category], message)
}

// IsEmpty reports whether no errors have been recorded.
func (e FileErrors) IsEmpty() bool {
	return len(e) == 0
}

// CategoryErrorSummary aggregates one category of row-level errors for a
// file-level report: how many occurred and which fields were implicated.
type CategoryErrorSummary struct {
	Count  int      `json:"count"`
	Fields []string `json:"fields"`
}

// ErrorSummary is a roll-up of row errors, keyed by target schema name, then
// by error category (conversion_errors / form_errors). Files carry one each;
// a batch carries the merge of all its files'.
type ErrorSummary map[string]map[string]*CategoryErrorSummary

// Merge folds other into s, summing counts and unioning field lists.
func (s ErrorSummary) Merge(other ErrorSummary) {
	for targetType, categories := range other {
		byCategory := s[targetType]
		if byCategory == nil {
			byCategory = map[string]*CategoryErrorSummary{}
			s[targetType] = byCategory
		}
		for category, summary := range categories {
			existing := byCategory[category]
			if existing == nil {
				existing = &CategoryErrorSummary{}
				byCategory[category] = existing
			}
			existing.Count += summary.Count
			existing.Fields = mergeFields(existing.Fields, summary.Fields)
		}
	}
}

func mergeFields(fields, additions []string) []string {
	for _, addition := range additions {
		found := false
		for _, field := range fields {
			if field == addition {
				found = true
				break
			}
		}
		if !found {
			fields = append(fields, addition)
		}
	}
	sort.Strings(fields)
	return fields
}

// DeletionReport describes what a cascading delete removed, per target type.
type DeletionReport struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
}

// Merge folds other into r.
func (r *DeletionReport) Merge(other DeletionReport) {
	r.Total += other.Total
	if r.ByType == nil {
		r.ByType = map[string]int{}
	}
	for targetType, count := range other.ByType {
		r.ByType[targetType] += count
	}
}
