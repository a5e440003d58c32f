package validator

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/pauljones0/ticket-monitor/internal/models"
)

// Validator is a wrapper around the validator library.
type Validator struct {
	validate *validator.Validate
}

// New creates a new Validator instance with the visitdate tag registered.
func New() *Validator {
	v := validator.New()
	// Registration only fails on an empty tag or nil func.
	_ = v.RegisterValidation("visitdate", func(fl validator.FieldLevel) bool {
		return models.IsVisitDate(fl.Field().String())
	})
	return &Validator{validate: v}
}

// ValidateStruct validates a struct based on its tags.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateTargetDate checks a single DD/MM/YYYY date and reports
// models.ErrInvalidDate on failure.
func (v *Validator) ValidateTargetDate(date string) error {
	if err := v.ValidateStruct(models.TargetDate{Date: date}); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %q", models.ErrInvalidDate, date)
		}
		return err
	}
	return nil
}
