package provider

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"
)

// Schema is the subset of JSON Schema used to describe structured replies.
// Objects derived by SchemaFromStruct are closed and require every property,
// which is the form strict structured output accepts.
type Schema struct {
	Type                 string             `json:"type"`
	Description          string             `json:"description,omitempty"`
	Enum                 []string           `json:"enum,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`
}

func (s *Schema) closed() bool {
	return s.AdditionalProperties != nil && !*s.AdditionalProperties
}

// SchemaFromStruct derives a closed object schema from a struct type. Field
// names come from json tags, enums from comma separated enum tags and
// descriptions from description tags. It panics on kinds a reply cannot
// hold, so schemas are built once at package init.
func SchemaFromStruct(t reflect.Type) *Schema {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return &Schema{Type: "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return &Schema{Type: "integer"}
	case reflect.Float32, reflect.Float64:
		return &Schema{Type: "number"}
	case reflect.Bool:
		return &Schema{Type: "boolean"}
	case reflect.Slice, reflect.Array:
		return &Schema{Type: "array", Items: SchemaFromStruct(t.Elem())}
	case reflect.Struct:
		closed := false
		schema := &Schema{
			Type:                 "object",
			Properties:           make(map[string]*Schema, t.NumField()),
			Required:             make([]string, 0, t.NumField()),
			AdditionalProperties: &closed,
		}
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			name, ok := jsonName(field)
			if !ok {
				continue
			}
			prop := SchemaFromStruct(field.Type)
			prop.Description = field.Tag.Get("description")
			if enum := field.Tag.Get("enum"); enum != "" {
				prop.Enum = strings.Split(enum, ",")
			}
			schema.Properties[name] = prop
			schema.Required = append(schema.Required, name)
		}
		return schema
	}
	panic(fmt.Sprintf("provider: no schema for %s", t))
}

func jsonName(f reflect.StructField) (string, bool) {
	if !f.IsExported() {
		return "", false
	}
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false
	}
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name, true
	}
	return f.Name, true
}

// ValidateJSON decodes raw and checks it against schema. The error lists
// every violation found.
func ValidateJSON(schema *Schema, raw []byte) error {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("schema validation failed: root: %w", err)
	}
	var problems []string
	validate(schema, data, "", &problems)
	if len(problems) > 0 {
		return fmt.Errorf("schema validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

func validate(schema *Schema, value any, path string, problems *[]string) {
	if schema == nil {
		return
	}
	if !hasType(schema.Type, value) {
		*problems = append(*problems, fmt.Sprintf("%s: expected type %s, got %T", pathOrRoot(path), schema.Type, value))
		return
	}

	switch v := value.(type) {
	case map[string]any:
		for _, name := range schema.Required {
			if _, ok := v[name]; !ok {
				*problems = append(*problems, fmt.Sprintf("%s: missing required field '%s'", pathOrRoot(path), name))
			}
		}
		for name, prop := range v {
			ps, known := schema.Properties[name]
			if !known {
				if schema.closed() {
					*problems = append(*problems, fmt.Sprintf("%s: unknown property '%s'", pathOrRoot(path), name))
				}
				continue
			}
			validate(ps, prop, joinPath(path, name), problems)
		}
	case []any:
		for i, item := range v {
			validate(schema.Items, item, fmt.Sprintf("%s[%d]", path, i), problems)
		}
	case string:
		if len(schema.Enum) > 0 && !slices.Contains(schema.Enum, v) {
			*problems = append(*problems, fmt.Sprintf("%s: value %q is not one of %v", pathOrRoot(path), v, schema.Enum))
		}
	}
}

// hasType matches values produced by encoding/json against a schema type.
func hasType(schemaType string, value any) bool {
	switch schemaType {
	case "":
		return true
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		n, ok := value.(float64)
		return ok && n == math.Trunc(n)
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	}
	return false
}

func pathOrRoot(path string) string {
	if path == "" {
		return "root"
	}
	return path
}

func joinPath(base, field string) string {
	if base == "" {
		return field
	}
	return base + "." + field
}

// ExtractJSON returns the first balanced JSON object in text, tolerating
// markdown fences and surrounding prose. It returns "" when there is none.
func ExtractJSON(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		c := text[i]

		if escape {
			escape = false
			continue
		}

		switch c {
		case '\\':
			if inString {
				escape = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}

	return ""
}
