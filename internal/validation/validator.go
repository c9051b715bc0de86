package validation

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// Validator wraps go-playground/validator to integrate with Gin.
//
// Fields may carry a `msg` tag; when such a field fails validation the tag
// text becomes the client-facing error. Fields are checked in declaration
// order and only the first failure is reported.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return &Validator{v: v}
}

// Validate returns the message for the first invalid field of payload, or
// nil when payload is valid.
func (v *Validator) Validate(payload any) error {
	err := v.v.Struct(payload)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	first := fieldErrs[0]
	if msg := messageFor(payload, first.StructField()); msg != "" {
		return errors.New(msg)
	}
	return first
}

// ValidateStruct renders a 400 response and returns false when payload is
// invalid.
func (v *Validator) ValidateStruct(ctx *gin.Context, payload any) bool {
	if err := v.Validate(payload); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func messageFor(payload any, field string) string {
	t := reflect.TypeOf(payload)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return ""
	}
	f, ok := t.FieldByName(field)
	if !ok {
		return ""
	}
	return f.Tag.Get("msg")
}
