package common

import (
	"errors"
	"net/http"
	"strings"

	validator "github.com/go-playground/validator/v10"
)

var defaultValidate = validator.New(validator.WithRequiredStructEnabled())

// ValidateStruct runs struct tag validation and reports failures as a 400
// AppError whose details map field names to the failed rule. A nil v uses a
// shared validator.
func ValidateStruct(v *validator.Validate, s any) error {
	if v == nil {
		v = defaultValidate
	}
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewAppError("BAD_REQUEST", "invalid payload", http.StatusBadRequest, err)
	}
	details := make(map[string]string, len(verrs))
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := strings.ToLower(fe.Field())
		details[name] = fe.Tag()
		fields = append(fields, name)
	}
	appErr := NewAppError("VALIDATION", "invalid "+strings.Join(fields, ", "), http.StatusBadRequest, err)
	appErr.Details = details
	return appErr
}
