package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/lectio-dev/lectio/internal/llm/provider"
)

// ErrNoJSON is returned when a reply contains no JSON object.
var ErrNoJSON = errors.New("llm: no JSON object in reply")

// SchemaFor derives a closed JSON Schema from T's json, enum and description
// tags. Every field is required.
func SchemaFor[T any]() *provider.Schema {
	return provider.SchemaFromStruct(reflect.TypeFor[T]())
}

// DecodeStructured extracts the JSON object from raw, validates it against
// schema and decodes it into T. Unknown fields are rejected.
func DecodeStructured[T any](raw string, schema *provider.Schema) (T, error) {
	var out T

	obj := provider.ExtractJSON(raw)
	if obj == "" {
		return out, ErrNoJSON
	}
	if schema != nil {
		if err := provider.ValidateJSON(schema, []byte(obj)); err != nil {
			return out, err
		}
	}
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return out, fmt.Errorf("decode reply: %w", err)
	}
	return out, nil
}
