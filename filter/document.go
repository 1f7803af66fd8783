package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// SearchParam is the query parameter carrying free-text search.
const SearchParam = "search"

type Document = map[string]interface{}

// DocumentValue resolves a dotted path such as "profile.name" inside doc.
// Nil and non-scalar values count as missing.
func DocumentValue(doc Document, path string) (string, bool) {
	var current interface{} = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return "", false
		}
		current, ok = m[part]
		if !ok {
			return "", false
		}
	}

	switch v := current.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprint(v), true
	case fmt.Stringer:
		return v.String(), true
	default:
		return "", false
	}
}

func DocumentField(path string) Field[Document] {
	return Field[Document]{
		Name: path,
		Get: func(doc Document) (string, bool) {
			return DocumentValue(doc, path)
		},
	}
}

// DocumentSpec builds a document filter from request parameters. Only the
// declared filterFields are honoured; anything else in params is ignored.
func DocumentSpec(params map[string]string, searchFields, filterFields []string) Spec[Document] {
	fields := make([]Field[Document], 0, len(searchFields))
	for _, name := range searchFields {
		fields = append(fields, DocumentField(name))
	}

	filters := make(map[string]string, len(filterFields))
	for _, name := range filterFields {
		if value, ok := params[name]; ok {
			filters[name] = value
		}
	}

	return Spec[Document]{
		SearchText:   params[SearchParam],
		Fields:       fields,
		FieldFilters: filters,
		Lookup:       DocumentValue,
	}
}
