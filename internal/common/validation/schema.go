package validation

import (
	"embed"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Schema names, one per file under schemas/.
const (
	SchemaMomoCallback       = "momo-callback"
	SchemaInitiatePayment    = "initiate-payment"
	SchemaCheckPaymentStatus = "check-payment-status"
	SchemaSettlePayment      = "settle-payment"
)

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Validator holds the compiled schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// New compiles every embedded schema.
func New() (*Validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(entries))}
	for _, e := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", e.Name(), err)
		}
		v.schemas[strings.TrimSuffix(e.Name(), ".json")] = s
	}
	return v, nil
}

// MustNew is New for package-level initialisation.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks a Go value (typically job variables) against a schema.
func (v *Validator) Validate(schema string, doc interface{}) (*ValidationResult, error) {
	return v.validate(schema, gojsonschema.NewGoLoader(doc))
}

// ValidateJSON checks a raw JSON document against a schema. A document that
// is not JSON at all is reported as a single validation error.
func (v *Validator) ValidateJSON(schema string, raw []byte) (*ValidationResult, error) {
	return v.validate(schema, gojsonschema.NewBytesLoader(raw))
}

func (v *Validator) validate(schema string, doc gojsonschema.JSONLoader) (*ValidationResult, error) {
	s, ok := v.schemas[schema]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", schema)
	}
	res, err := s.Validate(doc)
	if err != nil {
		return &ValidationResult{
			Valid:  false,
			Errors: []ValidationError{{Field: "(root)", Message: err.Error(), Code: "INVALID_JSON"}},
		}, nil
	}

	out := &ValidationResult{Valid: res.Valid()}
	for _, re := range res.Errors() {
		out.Errors = append(out.Errors, ValidationError{
			Field:   re.Field(),
			Message: re.Description(),
			Code:    strings.ToUpper(re.Type()),
		})
	}
	return out, nil
}

// GetErrorMessages returns a simple list of error messages
func (vr *ValidationResult) GetErrorMessages() []string {
	messages := make([]string, len(vr.Errors))
	for i, err := range vr.Errors {
		messages[i] = fmt.Sprintf("%s: %s", err.Field, err.Message)
	}
	return messages
}

// HasErrors checks if validation has errors for specific field
func (vr *ValidationResult) HasErrors(field string) bool {
	for _, err := range vr.Errors {
		if err.Field == field {
			return true
		}
	}
	return false
}

var msisdnPattern = regexp.MustCompile(`^\+?[0-9]{9,15}$`)

// ValidatePhone reports whether phone looks like a mobile subscriber number.
func ValidatePhone(phone string) bool {
	return msisdnPattern.MatchString(strings.ReplaceAll(phone, " ", ""))
}
