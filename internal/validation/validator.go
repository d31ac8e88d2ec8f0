package validation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("validation failed")

// Validator validates request structs using their `validate` tags.
//
// Supported rules: required, omitempty, min=n, max=n, len=n and hex.
// For strings and slices min, max and len apply to the length, for numbers
// to the value.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return fmt.Errorf("%w: expected a struct, got %s", ErrInvalid, val.Kind())
	}

	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("validate")
		if tag == "" {
			continue
		}
		if err := validateField(val.Field(i), tag); err != nil {
			return fmt.Errorf("%w: %s %v", ErrInvalid, fieldName(field), err)
		}
	}
	return nil
}

// fieldName returns the json name, as that is what clients send
func fieldName(f reflect.StructField) string {
	if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name != "" && name != "-" {
		return name
	}
	return f.Name
}

func validateField(field reflect.Value, tag string) error {
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			if strings.Contains(tag, "required") {
				return errors.New("is required")
			}
			return nil
		}
		field = field.Elem()
	}

	for _, rule := range strings.Split(tag, ",") {
		name, arg, _ := strings.Cut(rule, "=")

		switch name {
		case "required":
			if field.IsZero() {
				return errors.New("is required")
			}
		case "omitempty":
			if field.IsZero() {
				return nil
			}
		case "hex":
			if field.Kind() != reflect.String {
				continue
			}
			if _, err := hex.DecodeString(field.String()); err != nil {
				return errors.New("must be hex encoded")
			}
		case "min", "max", "len":
			n, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return fmt.Errorf("invalid rule %q", rule)
			}
			if err := checkBound(field, name, n); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkBound(field reflect.Value, rule string, n float64) error {
	var got float64
	unit := ""

	switch field.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		got = float64(field.Len())
		unit = " characters"
		if field.Kind() != reflect.String {
			unit = " items"
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		got = float64(field.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		got = float64(field.Uint())
	case reflect.Float32, reflect.Float64:
		got = field.Float()
	default:
		return nil
	}

	switch {
	case rule == "min" && got < n:
		return fmt.Errorf("must be at least %g%s", n, unit)
	case rule == "max" && got > n:
		return fmt.Errorf("must be at most %g%s", n, unit)
	case rule == "len" && got != n:
		return fmt.Errorf("must be exactly %g%s", n, unit)
	}
	return nil
}
