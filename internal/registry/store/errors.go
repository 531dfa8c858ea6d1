package store

import "fmt"

// NotFoundError indicates no call matched the identity and time-range filter
// when one specific call was requested.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConfigurationError indicates a required startup setting is missing or
// unusable. Fatal at startup, never surfaced per-request.
type ConfigurationError struct {
	Setting string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error on %s: %s", e.Setting, e.Message)
}

// ConnectivityError indicates the backing service could not be reached after
// the retry budget was spent. Fatal at startup.
type ConnectivityError struct {
	Backend string
	Message string
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s unreachable: %s", e.Backend, e.Message)
}
