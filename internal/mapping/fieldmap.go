// Package mapping implements the declarative header→field mapping DSL: a
// FieldMap resolves aliased input columns to canonical fields and composes
// them through a converter, a FormMap aggregates FieldMaps against one target
// record schema, and a FormMapSet executes FormMaps in dependency order.
package mapping

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// MapType is the multiplicity of a FieldMap, fixed at construction as a pure
// function of the from/to field cardinalities.
type MapType string

const (
	OneToOne   MapType = "1:1"
	OneToMany  MapType = "1:*"
	ManyToOne  MapType = "*:1"
	ManyToMany MapType = "*:*"
)

// SingleConverter converts unaliased field values into a single value for the
// lone to-field of a 1:1 or *:1 map. The caller wraps the result.
type SingleConverter func(values map[string]string) (any, error)

// MultiConverter converts unaliased field values into values keyed by
// to-field name, for 1:* and *:* maps.
type MultiConverter func(values map[string]string) (map[string]any, error)

// FromField is one canonical input field plus the header aliases it may
// appear under in a data row.
type FromField struct {
	Name    string
	Aliases []string
}

// UnaliasOptions adjust how a row is filtered down to known fields.
type UnaliasOptions struct {
	// AllowUnknown permits row headers outside the FieldMap's known set.
	// When false, Unalias fails on the first unrecognized header.
	AllowUnknown bool
	// AllowMultipleAliases permits the same canonical field to be matched by
	// more than one simultaneously present alias; the last match in header
	// order wins. When false this is an error.
	AllowMultipleAliases bool
}

// FieldMap maps N aliased input fields to M target fields through a
// converter. Instances are immutable once constructed and are reused across
// every row of an import.
type FieldMap struct {
	fromFields []FromField
	toFields   []string
	mapType    MapType

	converterName string
	single        SingleConverter
	multi         MultiConverter

	// alias (or canonical name) → canonical name
	aliases map[string]string
}

// NewOneToOne maps a single input field to a single target field. The
// converter may be nil, in which case the value passes through unchanged.
func NewOneToOne(from FromField, to string, converter SingleConverter, converterName string) (*FieldMap, error) {
	return newFieldMap([]FromField{from}, []string{to}, converter, nil, converterName)
}

// NewManyToOne composes several input fields into one target field. The
// converter is required.
func NewManyToOne(from []FromField, to string, converter SingleConverter, converterName string) (*FieldMap, error) {
	return newFieldMap(from, []string{to}, converter, nil, converterName)
}

// NewOneToMany splits one input field across several target fields. The
// converter is required and must return values keyed by to-field name.
func NewOneToMany(from FromField, to []string, converter MultiConverter, converterName string) (*FieldMap, error) {
	return newFieldMap([]FromField{from}, to, nil, converter, converterName)
}

// NewManyToMany maps several input fields to several target fields. The
// converter is required and must return values keyed by to-field name.
func NewManyToMany(from []FromField, to []string, converter MultiConverter, converterName string) (*FieldMap, error) {
	return newFieldMap(from, to, nil, converter, converterName)
}

// Must panics on a non-nil error. Intended for package-level FieldMap
// declarations, where a construction failure is a programming defect.
func Must(fieldMap *FieldMap, err error) *FieldMap {
	if err != nil {
		panic(err)
	}
	return fieldMap
}

func newFieldMap(from []FromField, to []string, single SingleConverter, multi MultiConverter, converterName string) (*FieldMap, error) {
	if len(from) == 0 {
		return nil, errors.New("at least one from field must be provided")
	}
	if len(to) == 0 {
		return nil, errors.New("at least one to field must be provided")
	}

	fromMany := len(from) > 1
	toMany := len(to) > 1

	var mapType MapType
	switch {
	case fromMany && toMany:
		mapType = ManyToMany
	case fromMany:
		mapType = ManyToOne
	case toMany:
		mapType = OneToMany
	default:
		mapType = OneToOne
	}

	if toMany && multi == nil {
		return nil, fmt.Errorf("a %s map requires a converter returning values keyed by to field", mapType)
	}
	if mapType == ManyToOne && single == nil {
		return nil, fmt.Errorf("a %s map requires a converter to compose its from fields", mapType)
	}
	if mapType == OneToOne && single == nil && multi == nil {
		single = nopConverter
		if converterName == "" {
			converterName = "nop"
		}
	}
	if converterName == "" {
		converterName = "anonymous"
	}

	aliases := make(map[string]string)
	for _, field := range from {
		if field.Name == "" {
			return nil, errors.New("from field name must not be empty")
		}
		if existing, ok := aliases[field.Name]; ok && existing != field.Name {
			return nil, fmt.Errorf("field %q is already an alias of %q", field.Name, existing)
		}
		aliases[field.Name] = field.Name
		for _, alias := range field.Aliases {
			if existing, ok := aliases[alias]; ok && existing != field.Name {
				return nil, fmt.Errorf("alias %q maps to both %q and %q", alias, existing, field.Name)
			}
			aliases[alias] = field.Name
		}
	}

	return &FieldMap{
		fromFields:    append([]FromField(nil), from...),
		toFields:      append([]string(nil), to...),
		mapType:       mapType,
		converterName: converterName,
		single:        single,
		multi:         multi,
		aliases:       aliases,
	}, nil
}

func nopConverter(values map[string]string) (any, error) {
	for _, value := range values {
		return value, nil
	}
	return nil, errors.New("no value to convert")
}

// Type returns the fixed multiplicity of the map.
func (f *FieldMap) Type() MapType { return f.mapType }

// ConverterName returns the registered converter name, used in error reports.
func (f *FieldMap) ConverterName() string { return f.converterName }

// FromFieldNames returns the canonical from-field names in declaration order.
func (f *FieldMap) FromFieldNames() []string {
	names := make([]string, len(f.fromFields))
	for i, field := range f.fromFields {
		names[i] = field.Name
	}
	return names
}

// ToFields returns the target field names in declaration order.
func (f *FieldMap) ToFields() []string {
	return append([]string(nil), f.toFields...)
}

// KnownFields returns every header this map recognizes: canonical names and
// all aliases.
func (f *FieldMap) KnownFields() map[string]struct{} {
	known := make(map[string]struct{}, len(f.aliases))
	for alias := range f.aliases {
		known[alias] = struct{}{}
	}
	return known
}

// Unalias filters row down to the fields this map recognizes, keyed by
// canonical field name. It fails when one canonical field is matched by
// several simultaneously present aliases (unless allowed) or, in strict
// mode, when the row contains headers outside the known set. Calling it
// twice on the same row yields the same result.
func (f *FieldMap) Unalias(row map[string]string, opts UnaliasOptions) (map[string]string, error) {
	matched := make(map[string]string)
	matchedBy := make(map[string]string)

	// Iterate headers in sorted order so duplicate-alias resolution is
	// deterministic regardless of map iteration order.
	headers := make([]string, 0, len(row))
	for header := range row {
		headers = append(headers, header)
	}
	sort.Strings(headers)

	for _, header := range headers {
		canonical, ok := f.aliases[header]
		if !ok {
			if !opts.AllowUnknown {
				return nil, fmt.Errorf("header %q is not a known field or alias of this map (known: %s)",
					header, strings.Join(f.knownFieldList(), ", "))
			}
			continue
		}
		if previous, dup := matchedBy[canonical]; dup && !opts.AllowMultipleAliases {
			return nil, fmt.Errorf("field %q matched by multiple headers in the same row: %q and %q",
				canonical, previous, header)
		}
		matched[canonical] = row[header]
		matchedBy[canonical] = header
	}

	return matched, nil
}

// Render unaliases row and runs the converter, returning values keyed by
// to-field name. An empty map means nothing relevant was present in the row,
// which is distinct from a field mapped to an empty value.
func (f *FieldMap) Render(row map[string]string, opts UnaliasOptions) (map[string]any, error) {
	opts.AllowUnknown = true // FormMap-level checks own unknown-header policy
	values, err := f.Unalias(row, opts)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return map[string]any{}, nil
	}

	if f.multi != nil {
		converted, err := f.multi(values)
		if err != nil {
			return nil, fmt.Errorf("converter %s(%s): %w",
				f.converterName, strings.Join(f.FromFieldNames(), ", "), err)
		}
		if err := f.checkConvertedKeys(converted); err != nil {
			return nil, err
		}
		return converted, nil
	}

	converted, err := f.single(values)
	if err != nil {
		return nil, fmt.Errorf("converter %s(%s): %w",
			f.converterName, strings.Join(f.FromFieldNames(), ", "), err)
	}
	return map[string]any{f.toFields[0]: converted}, nil
}

func (f *FieldMap) checkConvertedKeys(converted map[string]any) error {
	declared := make(map[string]struct{}, len(f.toFields))
	for _, field := range f.toFields {
		declared[field] = struct{}{}
	}
	var unexpected []string
	for field := range converted {
		if _, ok := declared[field]; !ok {
			unexpected = append(unexpected, field)
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return fmt.Errorf("converter %s returned undeclared to fields %v (declared: %v)",
			f.converterName, unexpected, f.toFields)
	}
	return nil
}

func (f *FieldMap) knownFieldList() []string {
	fields := make([]string, 0, len(f.aliases))
	for alias := range f.aliases {
		fields = append(fields, alias)
	}
	sort.Strings(fields)
	return fields
}

func (f *FieldMap) String() string {
	fromCard, toCard := "1", "1"
	if len(f.fromFields) > 1 {
		fromCard = "*"
	}
	if len(f.toFields) > 1 {
		toCard = "*"
	}
	return fmt.Sprintf("FieldMap %v [%s]-(%s)-[%s] %v",
		f.FromFieldNames(), fromCard, f.converterName, toCard, f.toFields)
}
