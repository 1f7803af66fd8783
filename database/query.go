package database

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/saiset-co/sai-directory/types"
)

const (
	FieldInternalID = "internal_id"
	FieldCreated    = "cr_time"
	FieldChanged    = "ch_time"
)

// lookupPath resolves a dotted path such as "profile.city".
func lookupPath(doc map[string]interface{}, path string) (interface{}, bool) {
	current := doc
	keys := strings.Split(path, ".")

	for i, k := range keys {
		value, exists := current[k]
		if !exists {
			return nil, false
		}
		if i == len(keys)-1 {
			return value, true
		}
		next, ok := value.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current = next
	}

	return nil, false
}

func matchesFilter(doc map[string]interface{}, filter map[string]interface{}) bool {
	for path, expected := range filter {
		value, exists := lookupPath(doc, path)
		if !matchesField(value, exists, expected) {
			return false
		}
	}
	return true
}

// matchesField ANDs every operator of an operator map.
func matchesField(value interface{}, exists bool, expected interface{}) bool {
	ops, isOps := expected.(map[string]interface{})
	if !isOps {
		return exists && equalValues(value, expected)
	}

	for op, operand := range ops {
		var ok bool
		switch op {
		case "$eq":
			ok = exists && equalValues(value, operand)
		case "$ne":
			ok = !exists || !equalValues(value, operand)
		case "$gt", "$gte", "$lt", "$lte":
			ok = exists && compareNumbers(value, operand, op)
		case "$in":
			ok = exists && containsValue(operand, value)
		case "$nin":
			ok = !exists || !containsValue(operand, value)
		case "$exists":
			want, _ := operand.(bool)
			ok = exists == want
		case "$regex":
			ok = exists && matchesPattern(value, operand)
		default:
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

func matchesPattern(value, pattern interface{}) bool {
	s, ok := value.(string)
	p, isString := pattern.(string)
	if !ok || !isString {
		return false
	}
	matched, err := regexp.MatchString(p, s)
	return err == nil && matched
}

// equalValues treats numbers of different Go types as equal when their
// values are, since stored documents round-trip through JSON.
func equalValues(a, b interface{}) bool {
	if af, ok := toFloat64(a); ok {
		if bf, ok := toFloat64(b); ok {
			_, aString := a.(string)
			_, bString := b.(string)
			if !aString && !bString {
				return af == bf
			}
		}
	}
	if a == nil || b == nil {
		return a == b
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return reflect.DeepEqual(a, b)
	}
	return a == b
}

func containsValue(list interface{}, value interface{}) bool {
	switch items := list.(type) {
	case []interface{}:
		for _, item := range items {
			if equalValues(value, item) {
				return true
			}
		}
	case []string:
		for _, item := range items {
			if equalValues(value, item) {
				return true
			}
		}
	}
	return false
}

func compareNumbers(a, b interface{}, op string) bool {
	aVal, aOk := toFloat64(a)
	bVal, bOk := toFloat64(b)
	if !aOk || !bOk {
		return false
	}

	switch op {
	case "$gt":
		return aVal > bVal
	case "$gte":
		return aVal >= bVal
	case "$lt":
		return aVal < bVal
	case "$lte":
		return aVal <= bVal
	}
	return false
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case string:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// applyUpdate applies $set, $unset and $inc; any other top-level key is a
// plain field assignment.
func applyUpdate(doc map[string]interface{}, update interface{}) error {
	updateMap, ok := update.(map[string]interface{})
	if !ok {
		return types.Errorf(types.ErrInvalidParameter, "update data must be a map, got %T", update)
	}

	for op, value := range updateMap {
		switch op {
		case "$set":
			setMap, ok := value.(map[string]interface{})
			if !ok {
				return types.Errorf(types.ErrInvalidParameter, "$set expects a map")
			}
			for key, val := range setMap {
				doc[key] = val
			}
		case "$unset":
			unsetMap, ok := value.(map[string]interface{})
			if !ok {
				return types.Errorf(types.ErrInvalidParameter, "$unset expects a map")
			}
			for key := range unsetMap {
				delete(doc, key)
			}
		case "$inc":
			incMap, ok := value.(map[string]interface{})
			if !ok {
				return types.Errorf(types.ErrInvalidParameter, "$inc expects a map")
			}
			for key, val := range incMap {
				incVal, ok := toFloat64(val)
				if !ok {
					return types.Errorf(types.ErrInvalidParameter, "$inc %s: not a number", key)
				}
				current, _ := toFloat64(doc[key])
				doc[key] = current + incVal
			}
		default:
			doc[op] = value
		}
	}

	return nil
}

// sortFields returns the sort keys in a stable order so that a request with
// several keys sorts the same way every time.
func sortFields(order map[string]int) []string {
	fields := make([]string, 0, len(order))
	for field := range order {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func filterFields(filter map[string]interface{}) []string {
	fields := make([]string, 0, len(filter))
	for field := range filter {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func sortDocuments(docs []map[string]interface{}, order map[string]int) {
	fields := sortFields(order)

	sort.SliceStable(docs, func(i, j int) bool {
		for _, field := range fields {
			a, _ := lookupPath(docs[i], field)
			b, _ := lookupPath(docs[j], field)

			c := compareAny(a, b)
			if c == 0 {
				continue
			}
			if order[field] < 0 {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// compareAny orders missing values first, numbers numerically and
// everything else by its string form.
func compareAny(a, b interface{}) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	_, aString := a.(string)
	_, bString := b.(string)
	if !aString && !bString {
		if af, ok := toFloat64(a); ok {
			if bf, ok := toFloat64(b); ok {
				switch {
				case af < bf:
					return -1
				case af > bf:
					return 1
				}
				return 0
			}
		}
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func deepCopy(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		switch val := v.(type) {
		case map[string]interface{}:
			dst[k] = deepCopy(val)
		case []interface{}:
			items := make([]interface{}, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]interface{}); ok {
					items[i] = deepCopy(m)
				} else {
					items[i] = item
				}
			}
			dst[k] = items
		default:
			dst[k] = v
		}
	}
	return dst
}

func toDocument(data interface{}) (map[string]interface{}, error) {
	dataMap, ok := data.(map[string]interface{})
	if !ok {
		return nil, types.Errorf(types.ErrInvalidParameter, "document must be a map, got %T", data)
	}
	return dataMap, nil
}

// paginate applies skip and limit. A skip past the end yields an empty
// slice and a limit <= 0 means no limit.
func paginate(docs []map[string]interface{}, skip, limit int) []map[string]interface{} {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(docs) {
		return docs[:0]
	}
	docs = docs[skip:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}
