package provider

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCorrection struct {
	HasErrors     bool   `json:"has_errors"`
	CorrectedText string `json:"corrected_text" description:"The whole sentence, corrected."`
	Errors        []struct {
		Span     string `json:"span"`
		Category string `json:"category" enum:"grammar,vocabulary,syntax"`
	} `json:"errors"`
	internal int
	Skipped  string `json:"-"`
}

func TestSchemaFromStruct(t *testing.T) {
	schema := SchemaFromStruct(reflect.TypeOf(testCorrection{}))

	assert.Equal(t, "object", schema.Type)
	assert.Equal(t, []string{"has_errors", "corrected_text", "errors"}, schema.Required)
	assert.Len(t, schema.Properties, 3)
	assert.Equal(t, "boolean", schema.Properties["has_errors"].Type)
	assert.Equal(t, "The whole sentence, corrected.", schema.Properties["corrected_text"].Description)

	items := schema.Properties["errors"].Items
	require.NotNil(t, items)
	assert.Equal(t, "object", items.Type)
	assert.Equal(t, []string{"span", "category"}, items.Required)
	assert.Equal(t, []string{"grammar", "vocabulary", "syntax"}, items.Properties["category"].Enum)
}

func TestSchemaFromStruct_StrictForm(t *testing.T) {
	raw, err := json.Marshal(SchemaFromStruct(reflect.TypeOf(testCorrection{})))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, false, doc["additionalProperties"])
	assert.Len(t, doc["required"], 3)

	items := doc["properties"].(map[string]any)["errors"].(map[string]any)["items"].(map[string]any)
	assert.Equal(t, false, items["additionalProperties"])
	assert.NotContains(t, doc["properties"].(map[string]any)["has_errors"], "additionalProperties")
}

func TestSchemaFromStruct_UnsupportedKind(t *testing.T) {
	assert.Panics(t, func() { SchemaFromStruct(reflect.TypeOf(map[string]int{})) })
}

func TestValidateJSON(t *testing.T) {
	schema := SchemaFromStruct(reflect.TypeOf(testCorrection{}))

	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name: "valid",
			raw:  `{"has_errors": true, "corrected_text": "Yo tengo", "errors": [{"span": "Yo tiene", "category": "grammar"}]}`,
		},
		{
			name: "empty errors",
			raw:  `{"has_errors": false, "corrected_text": "Hola", "errors": []}`,
		},
		{
			name:    "missing field",
			raw:     `{"has_errors": false, "errors": []}`,
			wantErr: "missing required field 'corrected_text'",
		},
		{
			name:    "wrong type",
			raw:     `{"has_errors": "no", "corrected_text": "Hola", "errors": []}`,
			wantErr: "has_errors: expected type boolean",
		},
		{
			name:    "category outside enum",
			raw:     `{"has_errors": true, "corrected_text": "x", "errors": [{"span": "y", "category": "spelling"}]}`,
			wantErr: "errors[0].category",
		},
		{
			name:    "integer where boolean expected",
			raw:     `{"has_errors": 1, "corrected_text": "x", "errors": []}`,
			wantErr: "has_errors: expected type boolean",
		},
		{
			name:    "null field",
			raw:     `{"has_errors": false, "corrected_text": null, "errors": []}`,
			wantErr: "corrected_text: expected type string",
		},
		{
			name:    "unknown nested property",
			raw:     `{"has_errors": true, "corrected_text": "x", "errors": [{"span": "y", "category": "grammar", "severity": 2}]}`,
			wantErr: "errors[0]: unknown property 'severity'",
		},
		{
			name:    "unknown property",
			raw:     `{"has_errors": false, "corrected_text": "x", "errors": [], "score": 3}`,
			wantErr: "unknown property 'score'",
		},
		{
			name:    "not json",
			raw:     `has_errors: false`,
			wantErr: "root:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJSON(schema, []byte(tt.raw))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare", `{"a": 1}`, `{"a": 1}`},
		{"fenced", "```json\n{\"a\": {\"b\": 2}}\n```", `{"a": {"b": 2}}`},
		{"prose around", `Here you go: {"summary": "¡Muy bien!"} Hope it helps`, `{"summary": "¡Muy bien!"}`},
		{"braces inside strings", `{"text": "a } b { c"}`, `{"text": "a } b { c"}`},
		{"escaped quote", `{"text": "dijo \"hola}\""}`, `{"text": "dijo \"hola}\""}`},
		{"unterminated", `{"a": 1`, ""},
		{"none", "sin datos", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.input))
		})
	}
}
