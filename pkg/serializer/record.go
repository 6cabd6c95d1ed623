package serializer

import (
	"fmt"
	"sort"
)

// Flatten splits a record produced by a user function into an ordered
// field list:
//
//   - []any records keep their order and have no field names.
//   - map[string]any records are flattened in sorted key order and the
//     keys are returned as field names.
//   - Anything else is a single-field record.
//
// The per-field format tokens of the flattened fields, in this order,
// form the record's data_format.
func Flatten(record any) (fields []any, names []string, err error) {
	switch r := record.(type) {
	case nil:
		return nil, nil, fmt.Errorf("cannot store a nil record")
	case []any:
		if len(r) == 0 {
			return nil, nil, fmt.Errorf("cannot store an empty record")
		}
		return r, nil, nil
	case map[string]any:
		if len(r) == 0 {
			return nil, nil, fmt.Errorf("cannot store an empty record")
		}
		names = make([]string, 0, len(r))
		for k := range r {
			names = append(names, k)
		}
		sort.Strings(names)
		fields = make([]any, len(names))
		for i, k := range names {
			fields[i] = r[k]
		}
		return fields, names, nil
	default:
		return []any{record}, nil, nil
	}
}

// Unflatten reassembles a record from its decoded fields. It is the
// inverse of Flatten: named fields become a map, a single unnamed
// field becomes a scalar, multiple unnamed fields become a slice.
func Unflatten(fields []any, names []string) any {
	if len(names) > 0 {
		m := make(map[string]any, len(names))
		for i, k := range names {
			m[k] = fields[i]
		}
		return m
	}
	if len(fields) == 1 {
		return fields[0]
	}
	return fields
}
