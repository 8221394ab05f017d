package generation

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrSchemaViolation = errors.New("schema violation")

type Type string

const (
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
)

// Schema is the structural contract for model output. It is sent to the
// backend as the response schema and reused to check decoded JSON.
//
// MinItems, MaxItems, Minimum and Maximum are enforced by Check only;
// backends that cannot express them ignore them.
type Schema struct {
	Type        Type
	Description string
	Properties  map[string]*Schema
	Required    []string
	Items       *Schema
	Enum        []string
	MinItems    int
	MaxItems    int
	Minimum     *float64
	Maximum     *float64
}

func Object(required []string, props map[string]*Schema) *Schema {
	return &Schema{Type: TypeObject, Properties: props, Required: required}
}

func ArrayOf(items *Schema) *Schema {
	return &Schema{Type: TypeArray, Items: items}
}

func String(desc string) *Schema {
	return &Schema{Type: TypeString, Description: desc}
}

func Enum(desc string, values ...string) *Schema {
	return &Schema{Type: TypeString, Description: desc, Enum: values}
}

func Integer(desc string, min, max float64) *Schema {
	return &Schema{Type: TypeInteger, Description: desc, Minimum: &min, Maximum: &max}
}

// Check validates a value decoded by encoding/json (map[string]any, []any,
// string, float64, bool) against s. Required properties must be present and
// non-empty.
func (s *Schema) Check(v any) error {
	return s.check("$", v)
}

func (s *Schema) check(path string, v any) error {
	if s == nil {
		return nil
	}
	switch s.Type {
	case TypeObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return violation(path, "expected object")
		}
		for _, name := range s.Required {
			val, present := obj[name]
			if !present || isEmpty(val) {
				return violation(path+"."+name, "required field missing or empty")
			}
		}
		for name, prop := range s.Properties {
			val, present := obj[name]
			if !present || val == nil {
				continue
			}
			if err := prop.check(path+"."+name, val); err != nil {
				return err
			}
		}
	case TypeArray:
		arr, ok := v.([]any)
		if !ok {
			return violation(path, "expected array")
		}
		if s.MinItems > 0 && len(arr) < s.MinItems {
			return violation(path, fmt.Sprintf("expected at least %d items, got %d", s.MinItems, len(arr)))
		}
		if s.MaxItems > 0 && len(arr) > s.MaxItems {
			return violation(path, fmt.Sprintf("expected at most %d items, got %d", s.MaxItems, len(arr)))
		}
		for i, el := range arr {
			if err := s.Items.check(fmt.Sprintf("%s[%d]", path, i), el); err != nil {
				return err
			}
		}
	case TypeString:
		str, ok := v.(string)
		if !ok {
			return violation(path, "expected string")
		}
		if len(s.Enum) > 0 && !contains(s.Enum, str) {
			return violation(path, fmt.Sprintf("value %q not in %v", str, s.Enum))
		}
	case TypeInteger, TypeNumber:
		n, ok := v.(float64)
		if !ok {
			return violation(path, "expected number")
		}
		if s.Type == TypeInteger && n != math.Trunc(n) {
			return violation(path, "expected integer")
		}
		if s.Minimum != nil && n < *s.Minimum {
			return violation(path, fmt.Sprintf("value %v below minimum %v", n, *s.Minimum))
		}
		if s.Maximum != nil && n > *s.Maximum {
			return violation(path, fmt.Sprintf("value %v above maximum %v", n, *s.Maximum))
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return violation(path, "expected boolean")
		}
	}
	return nil
}

func violation(path, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrSchemaViolation, path, msg)
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
