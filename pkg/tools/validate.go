package tools

import (
	"errors"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var missingPropRe = regexp.MustCompile(`'([^']+)'`)

// enumValueRe pulls the allowed values out of an enum error, which the
// validator prints double-quoted (value must be one of "a", "b").
var enumValueRe = regexp.MustCompile(`"([^"]*)"`)

// validateArgs runs the compiled schema against args and translates any
// failure into the specific structured errors spec.md §4.6 calls for:
// missing required parameter → error listing missing names; type mismatch
// → error listing offending parameters; enum violation → error listing
// allowed values. Unknown (non-schema) parameters are never rejected here —
// additionalProperties is left unset in every tool schema so the validator
// itself treats them as forward-compatible, per spec.md.
func validateArgs(reg *registration, name string, args map[string]any) error {
	err := reg.compiled.Validate(args)
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &Error{Kind: KindTypeMismatch, Function: name, msg: err.Error(), cause: err}
	}

	var missing []string
	var badType []string
	var enumField string
	var allowed []string

	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		keyword := lastSegment(v.KeywordLocation)
		switch keyword {
		case "required":
			for _, m := range missingPropRe.FindAllStringSubmatch(v.Message, -1) {
				missing = append(missing, m[1])
			}
		case "type":
			badType = append(badType, strings.TrimPrefix(v.InstanceLocation, "/"))
		case "enum":
			enumField = strings.TrimPrefix(v.InstanceLocation, "/")
			for _, m := range enumValueRe.FindAllStringSubmatch(v.Message, -1) {
				allowed = append(allowed, m[1])
			}
		}
		for _, cause := range v.Causes {
			walk(cause)
		}
	}
	walk(ve)

	switch {
	case len(missing) > 0:
		return &Error{Kind: KindMissingParam, Function: name, Params: missing,
			msg: "missing_parameter: " + name + " is missing required parameter(s) " + strings.Join(missing, ", ")}
	case enumField != "":
		return &Error{Kind: KindEnumViolation, Function: name, Params: []string{enumField}, Allowed: allowed,
			msg: "enum_violation: " + name + "." + enumField + " must be one of " + strings.Join(allowed, ", ")}
	case len(badType) > 0:
		return &Error{Kind: KindTypeMismatch, Function: name, Params: badType,
			msg: "type_mismatch: " + name + " has badly-typed parameter(s) " + strings.Join(badType, ", ")}
	default:
		return &Error{Kind: KindTypeMismatch, Function: name, msg: err.Error(), cause: err}
	}
}

func lastSegment(keywordLocation string) string {
	parts := strings.Split(keywordLocation, "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}
