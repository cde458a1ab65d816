package gemini

import (
	"fmt"
	"sort"

	"github.com/google/generative-ai-go/genai"
)

// ToSchema переводит JSON Schema (map) в genai.Schema. Поддерживаются type, description,
// enum, nullable, properties, required, items; type может быть массивом вида ["string","null"].
func ToSchema(m map[string]any) (*genai.Schema, error) {
	if m == nil {
		return nil, nil
	}
	s := &genai.Schema{}

	switch t := m["type"].(type) {
	case string:
		typ, err := schemaType(t)
		if err != nil {
			return nil, err
		}
		s.Type = typ
	case []any:
		for _, v := range t {
			name, _ := v.(string)
			if name == "null" {
				s.Nullable = true
				continue
			}
			typ, err := schemaType(name)
			if err != nil {
				return nil, err
			}
			s.Type = typ
		}
	case nil:
		// anyOf / oneOf genai не умеет: берём первую ветку
		for _, key := range []string{"anyOf", "oneOf"} {
			if alts, ok := m[key].([]any); ok && len(alts) > 0 {
				if first, ok := alts[0].(map[string]any); ok {
					return ToSchema(first)
				}
			}
		}
	default:
		return nil, fmt.Errorf("gemini schema: bad type %T", t)
	}

	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if n, ok := m["nullable"].(bool); ok && n {
		s.Nullable = true
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, v := range enum {
			if str, ok := v.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			pm, ok := props[k].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("gemini schema: property %q is not an object", k)
			}
			ps, err := ToSchema(pm)
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", k, err)
			}
			s.Properties[k] = ps
		}
	}
	if req, ok := m["required"].([]any); ok {
		for _, v := range req {
			if str, ok := v.(string); ok {
				s.Required = append(s.Required, str)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		is, err := ToSchema(items)
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		s.Items = is
	}
	return s, nil
}

func schemaType(t string) (genai.Type, error) {
	switch t {
	case "object":
		return genai.TypeObject, nil
	case "array":
		return genai.TypeArray, nil
	case "string":
		return genai.TypeString, nil
	case "number":
		return genai.TypeNumber, nil
	case "integer":
		return genai.TypeInteger, nil
	case "boolean":
		return genai.TypeBoolean, nil
	}
	return genai.TypeUnspecified, fmt.Errorf("gemini schema: unsupported type %q", t)
}
