// Package syncerr defines the error taxonomy shared by the reconciliation
// components. Each typed error matches its sentinel through errors.Is so
// callers can branch on the kind without knowing the concrete type.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrProvider      = errors.New("provider error")
	ErrValidation    = errors.New("validation error")
	ErrSignature     = errors.New("signature error")
)

// ConfigurationError reports missing or invalid tenant credentials. Retrying
// without operator action never changes the outcome.
type ConfigurationError struct {
	TenantID string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.TenantID == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error for tenant %s: %s", e.TenantID, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// NotFoundError reports that a provider record does not exist or was deleted.
type NotFoundError struct {
	Provider string
	Resource string
	ID       string
	Deleted  bool
}

func (e *NotFoundError) Error() string {
	state := "not found"
	if e.Deleted {
		state = "deleted"
	}
	if e.ID == "" {
		return fmt.Sprintf("%s %s %s", e.Provider, e.Resource, state)
	}
	return fmt.Sprintf("%s %s %s %s", e.Provider, e.Resource, e.ID, state)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ProviderError is any upstream failure other than not-found.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(" failed")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status=%d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " message=%s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ValidationError reports malformed caller input, rejected before any
// provider call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// SignatureError reports a webhook whose signature could not be verified.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return "signature error: " + e.Reason
}

func (e *SignatureError) Is(target error) bool {
	return target == ErrSignature
}

// KindOf returns a stable identifier for err, suitable for JSON payloads.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrSignature):
		return "signature"
	case errors.Is(err, ErrProvider):
		return "provider"
	default:
		return "unknown"
	}
}

// Retryable reports whether a later attempt could succeed without operator
// action. Retries themselves are always the caller's decision.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConfiguration) || errors.Is(err, ErrValidation) || errors.Is(err, ErrSignature) {
		return false
	}
	return true
}
