package validation

import (
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strconv"
	"strings"
	"time"

	"nexflow-crm/backend/pkg/models"
)

// ErrInvalid matches every validation failure.
var ErrInvalid = errors.New("validation failed")

// FieldError is a problem with one input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors aggregates field errors.
type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e Errors) Is(target error) bool { return target == ErrInvalid }

// Add records a problem with field.
func (e *Errors) Add(field, format string, args ...any) {
	*e = append(*e, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Err returns nil when no problem was recorded.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// Required returns an error naming field when value is blank.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return Errors{{Field: field, Message: "is required"}}
	}
	return nil
}

// ValidEmail reports whether s is a bare e-mail address.
func ValidEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

// DateLayout is the wire format of date field values.
const DateLayout = "2006-01-02"

// CardValues validates values against the step field definitions and
// returns the normalized values. Keys without a definition pass through
// unchanged. With partial set, required fields are only checked when
// present in values.
func CardValues(fields []models.StepField, values map[string]any, partial bool) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}

	var errs Errors
	for _, f := range fields {
		raw, present := values[f.Slug]
		if !present || isBlank(raw) {
			if f.Required && (!partial || present) {
				errs.Add(f.Slug, "%s is required", f.Label)
			}
			continue
		}
		v, err := normalize(f, raw)
		if err != nil {
			errs.Add(f.Slug, "%s", err.Error())
			continue
		}
		out[f.Slug] = v
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func normalize(f models.StepField, raw any) (any, error) {
	switch f.Type {
	case models.FieldText, models.FieldTextarea, models.FieldPhone:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be text", f.Label)
		}
		return strings.TrimSpace(s), nil
	case models.FieldEmail:
		s, ok := raw.(string)
		if !ok || !ValidEmail(strings.TrimSpace(s)) {
			return nil, fmt.Errorf("%s must be a valid e-mail", f.Label)
		}
		return strings.TrimSpace(s), nil
	case models.FieldNumber, models.FieldCurrency:
		return toNumber(f, raw)
	case models.FieldDate:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be a date", f.Label)
		}
		if _, err := time.Parse(DateLayout, s); err != nil {
			return nil, fmt.Errorf("%s must use the YYYY-MM-DD format", f.Label)
		}
		return s, nil
	case models.FieldCheckbox:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("%s must be true or false", f.Label)
			}
			return b, nil
		}
		return nil, fmt.Errorf("%s must be true or false", f.Label)
	case models.FieldSelect:
		s, ok := raw.(string)
		if !ok || !slices.Contains(f.Options, s) {
			return nil, fmt.Errorf("%s must be one of %s", f.Label, strings.Join(f.Options, ", "))
		}
		return s, nil
	case models.FieldMultiSelect:
		items, err := toStrings(raw)
		if err != nil {
			return nil, fmt.Errorf("%s must be a list", f.Label)
		}
		for _, it := range items {
			if !slices.Contains(f.Options, it) {
				return nil, fmt.Errorf("%s: %q is not an option", f.Label, it)
			}
		}
		return items, nil
	case models.FieldCPF:
		s, _ := raw.(string)
		if !ValidCPF(s) {
			return nil, fmt.Errorf("%s is not a valid CPF", f.Label)
		}
		return FormatCPF(s), nil
	case models.FieldCNPJ:
		s, _ := raw.(string)
		if !ValidCNPJ(s) {
			return nil, fmt.Errorf("%s is not a valid CNPJ", f.Label)
		}
		return FormatCNPJ(s), nil
	}
	return raw, nil
}

func toNumber(f models.StepField, raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		s := strings.TrimSpace(v)
		if f.Type == models.FieldCurrency {
			s = strings.TrimPrefix(strings.TrimSpace(strings.TrimPrefix(s, "R$")), "$")
			// 1.234,56 -> 1234.56
			if strings.Contains(s, ",") {
				s = strings.ReplaceAll(s, ".", "")
				s = strings.ReplaceAll(s, ",", ".")
			}
		}
		n, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%s must be a number", f.Label)
}

func toStrings(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, it := range v {
			s, ok := it.(string)
			if !ok {
				return nil, errors.New("not a string list")
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		var out []string
		for _, p := range strings.Split(v, ";") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	}
	return nil, errors.New("not a list")
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	return false
}

// Slugify turns a label into a field slug: lower case ASCII letters, digits
// and underscores.
func Slugify(label string) string {
	replacer := strings.NewReplacer(
		"á", "a", "à", "a", "ã", "a", "â", "a", "é", "e", "ê", "e", "í", "i",
		"ó", "o", "õ", "o", "ô", "o", "ú", "u", "ü", "u", "ç", "c",
	)
	s := replacer.Replace(strings.ToLower(strings.TrimSpace(label)))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
