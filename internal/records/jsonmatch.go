package records

import (
	"encoding/json"
	"reflect"
)

// JSONContains reports whether sub is contained in doc, following the
// Postgres jsonb @> rules: objects match key by key, every element of a
// sub array must be contained in some element of the doc array, and scalars
// compare by value. A nil or empty sub matches any doc.
func JSONContains(doc, sub map[string]any) bool {
	if len(sub) == 0 {
		return true
	}
	return contains(normalize(doc), normalize(sub))
}

func contains(doc, sub any) bool {
	switch s := sub.(type) {
	case map[string]any:
		d, ok := doc.(map[string]any)
		if !ok {
			return false
		}
		for k, sv := range s {
			dv, ok := d[k]
			if !ok || !contains(dv, sv) {
				return false
			}
		}
		return true
	case []any:
		d, ok := doc.([]any)
		if !ok {
			return false
		}
		for _, sv := range s {
			found := false
			for _, dv := range d {
				if contains(dv, sv) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(doc, sub)
	}
}

// normalize round-trips v through encoding/json so numeric types agree.
func normalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
