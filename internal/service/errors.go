package service

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an account, connection or holding does not exist.
var ErrNotFound = errors.New("not found")

// MissingSecretError means the credential behind a connection is gone from
// the secret store. The institution has to be linked again.
type MissingSecretError struct {
	ConnectionID string
	Provider     string
	Ref          string
}

func (e *MissingSecretError) Error() string {
	return fmt.Sprintf("credential %q for %s connection %s is missing: re-link the institution", e.Ref, e.Provider, e.ConnectionID)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
