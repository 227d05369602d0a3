package mapping

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rpattn/importdata/internal/domain"
)

// TargetSchema is the record-schema boundary a FormMap is bound to. The core
// treats it as an opaque collaborator: it declares its persisted fields and
// can validate a rendered value set into either a savable record or a set of
// field-level errors.
type TargetSchema interface {
	Name() string
	FieldNames() []string
	Validate(values map[string]any) []domain.FormError
}

// FieldSpec declares one schema field. Rule is a validator tag (e.g. "email",
// "numeric") applied when the value is present; Required rejects missing or
// empty values outright.
type FieldSpec struct {
	Name     string
	Required bool
	Rule     string
}

// RecordSchema is the standard TargetSchema implementation: a named set of
// field specs validated with go-playground rules.
type RecordSchema struct {
	name     string
	fields   []FieldSpec
	validate *validator.Validate
}

// NewRecordSchema builds a schema from field specs.
func NewRecordSchema(name string, fields []FieldSpec) *RecordSchema {
	return &RecordSchema{
		name:     name,
		fields:   append([]FieldSpec(nil), fields...),
		validate: validator.New(),
	}
}

// Name returns the schema (target type) name.
func (s *RecordSchema) Name() string { return s.name }

// FieldNames returns the declared field names in order.
func (s *RecordSchema) FieldNames() []string {
	names := make([]string, len(s.fields))
	for i, field := range s.fields {
		names[i] = field.Name
	}
	return names
}

// Validate checks values against the field specs and returns one FormError
// per failing field. An empty result means the values are savable.
func (s *RecordSchema) Validate(values map[string]any) []domain.FormError {
	var formErrors []domain.FormError
	for _, field := range s.fields {
		value, present := values[field.Name]
		if isEmptyValue(value) {
			if field.Required {
				formErrors = append(formErrors, domain.FormError{
					Field:   field.Name,
					Value:   value,
					Message: "this field is required",
				})
			}
			continue
		}
		if !present || field.Rule == "" {
			continue
		}
		if err := s.validate.Var(value, field.Rule); err != nil {
			formErrors = append(formErrors, domain.FormError{
				Field:   field.Name,
				Value:   value,
				Message: ruleMessage(field.Rule, err),
			})
		}
	}
	return formErrors
}

func ruleMessage(rule string, err error) string {
	if fieldErrors, ok := err.(validator.ValidationErrors); ok && len(fieldErrors) > 0 {
		return fmt.Sprintf("failed %q validation", fieldErrors[0].Tag())
	}
	return fmt.Sprintf("failed %q validation", rule)
}

func isEmptyValue(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	default:
		return false
	}
}
