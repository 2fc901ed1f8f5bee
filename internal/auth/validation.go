package auth

import (
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func validateLogin(email, password string) error {
	return validation.Errors{
		"email":    validation.Validate(email, validation.Required, is.Email),
		"password": validation.Validate(password, validation.Required),
	}.Filter()
}

func validateSignup(email, username, password string) error {
	return validation.Errors{
		"email": validation.Validate(email, validation.Required, is.Email),
		"username": validation.Validate(username,
			validation.Required,
			validation.Length(3, 30),
			validation.Match(usernamePattern).Error("must contain only letters, digits, '_', '.' or '-'"),
		),
		"password": validation.Validate(password, validation.Required, validation.Length(6, 72)),
	}.Filter()
}
