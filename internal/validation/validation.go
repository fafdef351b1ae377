package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Tags for coordinate fields, usable with Var and Coordinate.
const (
	Latitude  = "latitude"
	Longitude = "longitude"
)

// Error is a user-facing input problem. It is reported synchronously and
// never retried.
type Error struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func New(field, message string) *Error { return &Error{Field: field, Message: message} }

func Is(err error) bool {
	var v *Error
	return errors.As(err, &v)
}

// urlPattern is the loose image URL form the front-end has always allowed:
// scheme optional, at least one dot in the host.
var urlPattern = regexp.MustCompile(`^(https?://)?(www\.)?([\w-]+\.)+[\w-]+(/\S*)?$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON name so the 400 body matches the request.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("imageurl", func(fl validator.FieldLevel) bool {
		return urlPattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// Struct checks the validate tags of s and reports the first failing field.
func Struct(s any) error {
	return translate("", validate.Struct(s))
}

// Var checks a single value against a tag expression, reporting failures on
// field.
func Var(field string, v any, tag string) error {
	return translate(field, validate.Var(v, tag))
}

func translate(field string, err error) error {
	var fes validator.ValidationErrors
	if !errors.As(err, &fes) || len(fes) == 0 {
		return err
	}
	fe := fes[0]
	if field == "" {
		field = fe.Field()
	}
	return New(field, message(fe))
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "imageurl":
		return "must be a valid URL"
	case "numeric":
		return "must be numeric"
	case Latitude:
		return "must be between -90 and 90"
	case Longitude:
		return "must be between -180 and 180"
	case "eqfield":
		return "must match " + strings.ToLower(fe.Param())
	case "gt":
		if fe.Param() == "0" {
			return "must be a positive number"
		}
		return "must be greater than " + fe.Param()
	case "min":
		return "must contain at least " + fe.Param()
	}
	return "is invalid"
}

// URL checks v against the loose image URL form.
func URL(field, v string) error {
	return Var(field, v, "imageurl")
}

// Required returns an error for the first blank field, in argument order.
// Arguments alternate field name and value.
func Required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := Var(pairs[i], strings.TrimSpace(pairs[i+1]), "required"); err != nil {
			return err
		}
	}
	return nil
}

// Coordinate checks raw against the Latitude or Longitude tag and parses it.
func Coordinate(field, raw, tag string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if err := Var(field, raw, "required,"+tag); err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, New(field, "must be numeric")
	}
	return v, nil
}
