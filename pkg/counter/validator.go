package counter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrorDetail is a single validation issue.
type ErrorDetail struct {
	// Path is the JSON pointer of the offending value (e.g. "/Report_Items/3/Platform").
	Path string `json:"path"`

	// Message describes the failure.
	Message string `json:"message"`
}

func (e ErrorDetail) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Result is the outcome of a validation.
type Result struct {
	Valid  bool          `json:"valid"`
	Errors []ErrorDetail `json:"errors,omitempty"`
}

// Err returns nil for a valid result, or an error summarizing the issues.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Details: r.Errors}
}

// ValidationError wraps the details of an invalid payload.
type ValidationError struct {
	Details []ErrorDetail
}

func (e *ValidationError) Error() string {
	switch len(e.Details) {
	case 0:
		return "report validation failed"
	case 1:
		return "report validation failed: " + e.Details[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "report validation failed with %d errors:", len(e.Details))
	for _, d := range e.Details {
		b.WriteString("\n  - ")
		b.WriteString(d.Error())
	}
	return b.String()
}

// Validator checks payloads of one report type against its compiled schema.
type Validator struct {
	version  string
	reportID string
	schema   *jsonschema.Schema
}

func (v *Validator) Version() string  { return v.version }
func (v *Validator) ReportID() string { return v.reportID }

// Validate checks an already decoded JSON document (maps, slices, strings,
// json.Number or float64, bools, nil). The input is never modified.
func (v *Validator) Validate(payload any) Result {
	err := v.schema.Validate(payload)
	if err == nil {
		return Result{Valid: true}
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return Result{Errors: []ErrorDetail{{Message: err.Error()}}}
	}

	var details []ErrorDetail
	collectLeaves(ve, &details)
	if len(details) == 0 {
		details = []ErrorDetail{{Path: ve.InstanceLocation, Message: ve.Message}}
	}
	return Result{Errors: details}
}

// ValidateJSON decodes data and validates it.
func (v *Validator) ValidateJSON(data []byte) Result {
	doc, err := Decode(data)
	if err != nil {
		return Result{Errors: []ErrorDetail{{Message: err.Error()}}}
	}
	return v.Validate(doc)
}

// collectLeaves keeps only the deepest causes, which carry the actionable messages.
func collectLeaves(ve *jsonschema.ValidationError, out *[]ErrorDetail) {
	if len(ve.Causes) == 0 {
		*out = append(*out, ErrorDetail{Path: ve.InstanceLocation, Message: ve.Message})
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}

// Decode parses a JSON document into the generic form expected by Validate.
// Numbers are kept as json.Number so that large counts survive untouched.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode report: trailing data after JSON document")
	}
	return doc, nil
}
