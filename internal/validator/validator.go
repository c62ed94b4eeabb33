package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pauljones0/zdm-digest-bot/internal/models"
)

// Validator checks decoded feed records before they enter the pipeline.
// Field errors are reported under their json names.
type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(dealStructLevel, models.Deal{})
	return &Validator{validate: v}
}

// dealStructLevel rejects titles that are blank after trimming, which the
// required tag lets through.
func dealStructLevel(sl validator.StructLevel) {
	d := sl.Current().Interface().(models.Deal)
	if d.Title != "" && strings.TrimSpace(d.Title) == "" {
		sl.ReportError(d.Title, "title", "Title", "notblank", "")
	}
}

// ValidateDeal validates d and names every offending field in the error.
func (v *Validator) ValidateDeal(d models.Deal) error {
	err := v.validate.Struct(d)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validation failed: %w", err)
	}
	parts := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		parts[i] = fe.Field() + ":" + fe.Tag()
	}
	return fmt.Errorf("deal %q invalid (%s): %w", d.ID, strings.Join(parts, ", "), err)
}
