// Package summary parses and validates the structured relationship summary
// returned by the assistant.
package summary

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON string

// RequiredFields are the top-level keys every summary must carry.
var RequiredFields = []string{
	"summary",
	"successes",
	"challenges",
	"churn_reasons",
	"relationship_value",
	"next_best_actions",
	"open_questions_for_review",
	"red_flags",
}

// Kind classifies a validation outcome.
type Kind string

// Validation outcomes.
const (
	KindValid        Kind = "valid"
	KindParseError   Kind = "json_parse_error"
	KindNotObject    Kind = "json_not_object"
	KindMissingField Kind = "missing_key"
	KindWrongType    Kind = "wrong_type"
)

// FieldError is one schema violation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult is the typed outcome of Parse.
type ValidationResult struct {
	Kind   Kind         `json:"kind"`
	Field  string       `json:"field,omitempty"`
	Detail string       `json:"detail,omitempty"`
	Errors []FieldError `json:"errors,omitempty"`
}

// OK reports whether the summary passed.
func (r ValidationResult) OK() bool { return r.Kind == KindValid }

// Reason is a short machine-readable reason, e.g. "missing_key:red_flags"
// or "summary_not_dict".
func (r ValidationResult) Reason() string {
	switch r.Kind {
	case KindValid:
		return ""
	case KindMissingField:
		return "missing_key:" + r.Field
	case KindWrongType:
		return r.Field + "_not_dict"
	case KindParseError:
		if r.Detail != "" {
			return "json_parse_error:" + r.Detail
		}
	}
	return string(r.Kind)
}

// Err returns nil for a valid result and a *ValidationError otherwise.
func (r ValidationResult) Err() error {
	if r.OK() {
		return nil
	}
	return &ValidationError{Result: r}
}

// ValidationError wraps a failed ValidationResult.
type ValidationError struct {
	Result ValidationResult
}

func (e *ValidationError) Error() string {
	return "summary: invalid assistant output: " + e.Result.Reason()
}

var schema = mustSchema(schemaJSON)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(eris.Wrap(err, "summary: compile schema"))
	}
	return s
}

// Parse decodes raw assistant output and validates it. The object is
// returned whenever raw decodes to a JSON object, even if validation fails.
func Parse(raw string) (map[string]any, ValidationResult) {
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &v); err != nil {
		return nil, ValidationResult{Kind: KindParseError, Detail: parseDetail(err)}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ValidationResult{Kind: KindNotObject}
	}
	return obj, Validate(obj)
}

// Validate checks an already decoded summary against the schema.
func Validate(obj map[string]any) ValidationResult {
	res, err := schema.Validate(gojsonschema.NewGoLoader(obj))
	if err != nil {
		return ValidationResult{Kind: KindNotObject, Detail: err.Error()}
	}
	if res.Valid() {
		return ValidationResult{Kind: KindValid}
	}

	out := ValidationResult{}
	missing := map[string]bool{}
	for _, e := range res.Errors() {
		field := e.Field()
		if e.Type() == "required" {
			if p, ok := e.Details()["property"].(string); ok {
				field = p
				missing[p] = true
			}
		}
		out.Errors = append(out.Errors, FieldError{Field: field, Message: e.Description()})
	}

	// Report the first missing key in declaration order, then type errors.
	for _, f := range RequiredFields {
		if missing[f] {
			out.Kind, out.Field = KindMissingField, f
			return out
		}
	}
	out.Kind = KindWrongType
	for _, f := range RequiredFields {
		if idx := slices.IndexFunc(out.Errors, func(fe FieldError) bool { return fe.Field == f }); idx >= 0 {
			out.Field = f
			return out
		}
	}
	if len(out.Errors) > 0 {
		out.Field = out.Errors[0].Field
	}
	return out
}

func parseDetail(err error) string {
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return fmt.Sprintf("SyntaxError@%d", syn.Offset)
	}
	return "DecodeError"
}
