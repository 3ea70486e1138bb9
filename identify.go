package acorn

import "github.com/acorndb/acorn/internal/idfield"

// Identifiable is the capability a payload type implements to support
// Stash(value) without an explicit id.
type Identifiable interface {
	ID() string
}

// extractID resolves the id for value: Identifiable first, then a
// cached reflect fallback over an exported Id/ID/Key string field.
func extractID(value any) (string, error) {
	if v, ok := value.(Identifiable); ok {
		id := v.ID()
		if id == "" {
			return "", ErrInvalidInput
		}
		return id, nil
	}

	id, err := idfield.Extract(value)
	if err != nil || id == "" {
		return "", ErrInvalidInput
	}
	return id, nil
}
