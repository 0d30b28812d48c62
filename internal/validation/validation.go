package validation

import (
	"errors"
	"net/mail"
	"strings"
)

var (
	// ErrEmailRequired is returned when an email is empty
	ErrEmailRequired = errors.New("email is required")

	// ErrEmailTooLong is returned when an email exceeds the RFC length limit
	ErrEmailTooLong = errors.New("email must be at most 320 characters")

	// ErrEmailInvalid is returned when an email doesn't parse as an address
	ErrEmailInvalid = errors.New("invalid email address")

	// ErrOrgNameTooShort is returned when an organization name is too short
	ErrOrgNameTooShort = errors.New("organization name must be at least 2 characters")

	// ErrOrgNameTooLong is returned when an organization name is too long
	ErrOrgNameTooLong = errors.New("organization name must be at most 200 characters")
)

// NormalizeEmail lowercases and trims an email address and validates it.
// Returns the normalized address or a typed validation error.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrEmailRequired
	}
	if len(email) > 320 {
		return "", ErrEmailTooLong
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", ErrEmailInvalid
	}
	return email, nil
}

// NormalizeOrgName trims an organization display name and validates its length.
func NormalizeOrgName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if len(name) < 2 {
		return "", ErrOrgNameTooShort
	}
	if len(name) > 200 {
		return "", ErrOrgNameTooLong
	}
	return name, nil
}
