package amocrm

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is matched (via errors.Is) by every ConfigError.
var ErrNotConfigured = errors.New("amocrm: not configured")

// ConfigError reports missing or incomplete integration settings. It is
// fatal and never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "amocrm: configuration: " + e.Reason
}

// Is lets errors.Is(err, ErrNotConfigured) match any ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrNotConfigured
}

// APIError is a non-2xx response from amoCRM.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("amocrm: %s %s: status %d", e.Method, e.Path, e.Status)
}

// IsConfigError reports whether err (or anything it wraps) is a ConfigError.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrNotConfigured)
}

// StatusCode returns the HTTP status of an APIError in err's chain, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
