// Package schema provides utilities for generating MCP tool input schemas
// from Go structs and validating call arguments against them.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/prism-mcp/prism/protocol"
	"github.com/qri-io/jsonschema"
)

// goTypeToMCPType maps Go kinds to JSON Schema types.
func goTypeToMCPType(kind reflect.Kind) string {
	switch kind {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return "string"
	}
}

// FromStruct generates a protocol.ToolInputSchema from struct tags. Field
// names follow the json tag; `description` and `enum` tags enrich the schema;
// pointer fields and fields tagged omitempty are optional, everything else is
// required.
func FromStruct(v any) protocol.ToolInputSchema {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return protocol.ToolInputSchema{Type: "object"}
	}

	props := map[string]any{}
	var required []string

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue // unexported
		}
		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}
		name := strings.Split(jsonTag, ",")[0]
		if name == "" {
			name = strings.ToLower(field.Name)
		}

		isPtr := field.Type.Kind() == reflect.Ptr
		fieldType := field.Type
		if isPtr {
			fieldType = fieldType.Elem()
		}
		prop := map[string]any{"type": goTypeToMCPType(fieldType.Kind())}
		if desc := field.Tag.Get("description"); desc != "" {
			prop["description"] = desc
		}
		if enumTag := field.Tag.Get("enum"); enumTag != "" {
			values := strings.Split(enumTag, ",")
			enum := make([]any, len(values))
			for j, v := range values {
				enum[j] = strings.TrimSpace(v)
			}
			prop["enum"] = enum
		}
		props[name] = prop

		if !isPtr && !strings.Contains(jsonTag, "omitempty") {
			required = append(required, name)
		}
	}

	return protocol.ToolInputSchema{Type: "object", Properties: props, Required: required}
}

// DecodeArgs decodes raw JSON arguments into a strongly-typed struct using
// mapstructure with json tag names.
func DecodeArgs[T any](raw json.RawMessage) (*T, error) {
	var args T
	argsMap := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &argsMap); err != nil {
			return nil, fmt.Errorf("invalid arguments format: %w", err)
		}
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &args,
		TagName: "json",
	})
	if err != nil {
		return nil, fmt.Errorf("internal error creating argument decoder: %w", err)
	}
	if err := decoder.Decode(argsMap); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return &args, nil
}

// Validator compiles JSON Schemas once and validates raw params against
// them. Compiled schemas are cached by their serialized form.
type Validator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidator creates an empty validator cache.
func NewValidator() *Validator {
	return &Validator{cache: make(map[string]*jsonschema.Schema)}
}

// Compile parses and caches a schema document.
func (v *Validator) Compile(schemaJSON []byte) (*jsonschema.Schema, error) {
	key := string(schemaJSON)
	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	rs := &jsonschema.Schema{}
	if err := json.Unmarshal(schemaJSON, rs); err != nil {
		return nil, fmt.Errorf("invalid JSON schema: %w", err)
	}
	v.mu.Lock()
	v.cache[key] = rs
	v.mu.Unlock()
	return rs, nil
}

// Validate checks params against the schema, returning the first schema
// error. A nil or empty schema accepts everything.
func (v *Validator) Validate(ctx context.Context, schemaJSON, params []byte) error {
	if len(schemaJSON) == 0 {
		return nil
	}
	rs, err := v.Compile(schemaJSON)
	if err != nil {
		return err
	}
	if len(params) == 0 {
		params = []byte("{}")
	}
	errs, err := rs.ValidateBytes(ctx, params)
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if len(errs) > 0 {
		first := errs[0]
		return protocol.NewInvalidParamsError(fmt.Sprintf("%s: %s", first.PropertyPath, first.Message))
	}
	return nil
}

// ValidateToolInput validates params against a tool's input schema.
func (v *Validator) ValidateToolInput(ctx context.Context, schema protocol.ToolInputSchema, params []byte) error {
	if schema.Type == "" && len(schema.Properties) == 0 {
		return nil
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to serialize input schema: %w", err)
	}
	return v.Validate(ctx, schemaJSON, params)
}
