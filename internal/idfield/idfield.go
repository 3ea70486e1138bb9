// Package idfield resolves a string identity field ("Id", "ID", or
// "Key") on arbitrary struct values via reflection, caching the
// resolved field index per reflect.Type so repeated calls for the same
// type cost a single sync.Map lookup. It is the fallback path for
// values that do not implement acorn.Identifiable.
package idfield

import (
	"fmt"
	"reflect"
	"sync"
)

var candidates = []string{"Id", "ID", "Key"}

var cache sync.Map // reflect.Type -> int (field index, or -1 if none)

// Extract returns the string value of value's identity field. It
// reports an error if value is not a struct (or pointer to struct), or
// has none of the candidate fields, or the field is not a string.
func Extract(value any) (string, error) {
	v := reflect.ValueOf(value)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return "", fmt.Errorf("idfield: nil pointer value")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return "", fmt.Errorf("idfield: %s is not a struct", v.Kind())
	}

	t := v.Type()
	idx, err := fieldIndex(t)
	if err != nil {
		return "", err
	}

	field := v.Field(idx)
	if field.Kind() != reflect.String {
		return "", fmt.Errorf("idfield: field %s.%s is not a string",
			t.Name(), t.Field(idx).Name)
	}
	return field.String(), nil
}

func fieldIndex(t reflect.Type) (int, error) {
	if cached, ok := cache.Load(t); ok {
		idx := cached.(int)
		if idx < 0 {
			return 0, fmt.Errorf("idfield: %s has no Id/ID/Key field", t.Name())
		}
		return idx, nil
	}

	idx := -1
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Name
		for _, candidate := range candidates {
			if name == candidate {
				idx = i
				break
			}
		}
		if idx >= 0 {
			break
		}
	}
	cache.Store(t, idx)
	if idx < 0 {
		return 0, fmt.Errorf("idfield: %s has no Id/ID/Key field", t.Name())
	}
	return idx, nil
}
