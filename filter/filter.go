// Package filter is the single record filter used by every list resource:
// a trimmed, case-insensitive substring search across a set of fields, ANDed
// with case-insensitive equality constraints on named fields.
package filter

import (
	"strings"
)

// NoConstraint is the field filter value that matches everything.
const NoConstraint = "all"

type Field[T any] struct {
	Name string
	Get  func(record T) (string, bool)
}

type Spec[T any] struct {
	SearchText string
	// Fields are searched in order for SearchText.
	Fields []Field[T]
	// FieldFilters maps a field name to the value it must equal.
	FieldFilters map[string]string
	// Lookup resolves FieldFilters names. When nil, names resolve through Fields.
	Lookup func(record T, name string) (string, bool)
}

// Apply returns the records matching spec in their original order. The input
// slice is never modified.
func Apply[T any](records []T, spec Spec[T]) []T {
	search := strings.ToLower(strings.TrimSpace(spec.SearchText))
	constraints := activeConstraints(spec.FieldFilters)

	result := make([]T, 0, len(records))
	for _, record := range records {
		if search != "" && !matchesSearch(record, spec.Fields, search) {
			continue
		}
		if !matchesConstraints(record, spec, constraints) {
			continue
		}
		result = append(result, record)
	}

	return result
}

// Match reports whether one record satisfies spec.
func Match[T any](record T, spec Spec[T]) bool {
	return len(Apply([]T{record}, spec)) == 1
}

type constraint struct {
	name  string
	value string
}

func activeConstraints(filters map[string]string) []constraint {
	constraints := make([]constraint, 0, len(filters))
	for name, value := range filters {
		value = strings.TrimSpace(value)
		if value == "" || strings.EqualFold(value, NoConstraint) {
			continue
		}
		constraints = append(constraints, constraint{name: name, value: value})
	}
	return constraints
}

func matchesSearch[T any](record T, fields []Field[T], search string) bool {
	for _, field := range fields {
		value, ok := field.Get(record)
		if !ok {
			value = ""
		}
		if strings.Contains(strings.ToLower(value), search) {
			return true
		}
	}
	return false
}

func matchesConstraints[T any](record T, spec Spec[T], constraints []constraint) bool {
	for _, c := range constraints {
		value, ok := lookup(record, spec, c.name)
		if !ok || !strings.EqualFold(value, c.value) {
			return false
		}
	}
	return true
}

func lookup[T any](record T, spec Spec[T], name string) (string, bool) {
	if spec.Lookup != nil {
		return spec.Lookup(record, name)
	}
	for _, field := range spec.Fields {
		if field.Name == name {
			return field.Get(record)
		}
	}
	return "", false
}
