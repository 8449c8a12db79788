package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers the Matrix identifier validators.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("matrix_user_id", validateMatrixUserID); err != nil {
		return fmt.Errorf("failed to register matrix_user_id validator: %w", err)
	}
	if err := v.RegisterValidation("room_id", validateRoomID); err != nil {
		return fmt.Errorf("failed to register room_id validator: %w", err)
	}
	return nil
}

// validateMatrixUserID accepts full user ids of the form @local:server.
func validateMatrixUserID(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if !strings.HasPrefix(value, "@") {
		return false
	}
	local, server, found := strings.Cut(value[1:], ":")
	return found && local != "" && server != ""
}

// validateRoomID accepts room ids of the form !opaque:server.
func validateRoomID(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if !strings.HasPrefix(value, "!") {
		return false
	}
	local, server, found := strings.Cut(value[1:], ":")
	return found && local != "" && server != ""
}

// Validate checks the configuration with struct tags plus the custom
// Matrix identifier rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	if !strings.HasSuffix(c.Homeserver.UserID, ":"+c.Homeserver.Domain) {
		return fmt.Errorf("homeserver.user_id %q does not belong to homeserver.domain %q",
			c.Homeserver.UserID, c.Homeserver.Domain)
	}
	return nil
}

// formatValidationErrors turns validator output into actionable messages.
func formatValidationErrors(err error) error {
	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	messages := make([]string, 0, len(validationErrs))
	for _, fieldErr := range validationErrs {
		messages = append(messages, fmt.Sprintf("%s: failed %q validation (value: %v)",
			fieldErr.Namespace(), fieldErr.Tag(), fieldErr.Value()))
	}
	return fmt.Errorf("invalid configuration:\n  %s", strings.Join(messages, "\n  "))
}
