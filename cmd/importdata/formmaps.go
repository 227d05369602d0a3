package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rpattn/importdata/internal/mapping"
)

// personName composes the name parts into a single display name, skipping
// whichever parts the row leaves blank.
func personName(values map[string]string) (any, error) {
	parts := make([]string, 0, 3)
	for _, field := range []string{"first_name", "middle_name", "last_name"} {
		if part := strings.TrimSpace(values[field]); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, " "), nil
}

// coordinates composes latitude and longitude into a [lat, long] pair. Blank
// pairs render as nil so an empty row is not a conversion failure.
func coordinates(values map[string]string) (any, error) {
	rawLatitude := strings.TrimSpace(values["latitude"])
	rawLongitude := strings.TrimSpace(values["longitude"])
	if rawLatitude == "" && rawLongitude == "" {
		return nil, nil
	}
	latitude, err := strconv.ParseFloat(rawLatitude, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude %q", values["latitude"])
	}
	longitude, err := strconv.ParseFloat(rawLongitude, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude %q", values["longitude"])
	}
	return []float64{latitude, longitude}, nil
}

// buildFormMapSet declares the person and case form maps. A case depends on
// its applicant, so the person map runs first and the created person's ID is
// injected into the case render as the "person" field.
func buildFormMapSet() (*mapping.FormMapSet, error) {
	personSchema := mapping.NewRecordSchema("person", []mapping.FieldSpec{
		{Name: "name", Required: true},
		{Name: "email", Rule: "email"},
		{Name: "phone"},
	})
	personMap, err := mapping.NewFormMap(personSchema, []*mapping.FieldMap{
		mapping.Must(mapping.NewManyToOne(
			[]mapping.FromField{
				{Name: "first_name", Aliases: []string{"FIRST_NAME", "First Name"}},
				{Name: "middle_name", Aliases: []string{"MIDDLE_NAME", "Middle Name"}},
				{Name: "last_name", Aliases: []string{"LAST_NAME", "Last Name"}},
			},
			"name", personName, "personName",
		)),
		mapping.Must(mapping.NewOneToOne(
			mapping.FromField{Name: "email", Aliases: []string{"EMAIL", "E-mail"}},
			"email", nil, "",
		)),
		mapping.Must(mapping.NewOneToOne(
			mapping.FromField{Name: "phone", Aliases: []string{"PHONE", "Phone Number"}},
			"phone", nil, "",
		)),
	})
	if err != nil {
		return nil, err
	}

	caseSchema := mapping.NewRecordSchema("case", []mapping.FieldSpec{
		{Name: "case_number", Required: true},
		{Name: "location"},
		{Name: "person", Rule: "uuid"},
	})
	caseMap, err := mapping.NewFormMap(caseSchema, []*mapping.FieldMap{
		mapping.Must(mapping.NewOneToOne(
			mapping.FromField{Name: "case_number", Aliases: []string{"CASE_NUM", "Case No."}},
			"case_number", nil, "",
		)),
		mapping.Must(mapping.NewManyToOne(
			[]mapping.FromField{
				{Name: "latitude", Aliases: []string{"LAT", "lat"}},
				{Name: "longitude", Aliases: []string{"LONG", "long"}},
			},
			"location", coordinates, "coordinates",
		)),
	}, mapping.WithExcludedFields("person"))
	if err != nil {
		return nil, err
	}

	return mapping.NewFormMapSet(
		map[string]*mapping.FormMap{
			"person": personMap,
			"case":   caseMap,
		},
		map[string][]string{
			"case": {"person"},
		},
	)
}
