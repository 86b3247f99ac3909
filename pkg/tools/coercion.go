package tools

import (
	"strconv"
)

// coerce applies the two controlled coercions spec.md §3 "Function schema"
// permits before validation: a JSON number already satisfies an "integer"
// declaration without help from us (the JSON Schema draft treats a
// zero-fractional float64 as an integer), so the only pre-pass we need to
// do by hand is the one the draft never does on its own: a numeric string
// offered where the schema declares "number" or "integer". Anything that
// doesn't parse is left untouched and allowed to fail validation normally,
// per spec.md §8 scenario S7 ("five" must still be rejected).
func coerce(args map[string]any, schemaDoc map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	props, _ := schemaDoc["properties"].(map[string]any)
	if props == nil {
		return args
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
		propSchema, ok := props[k].(map[string]any)
		if !ok {
			continue
		}
		wantType, _ := propSchema["type"].(string)
		if wantType != "number" && wantType != "integer" {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			out[k] = f
		}
	}
	return out
}
