package ai

import "errors"

var (
	// ErrMissingCredential indicates a provider that requires an API key was
	// configured without one. Surfaced at generator construction, before any
	// network call.
	ErrMissingCredential = errors.New("provider credential required")
	// ErrUnknownProvider indicates an unrecognized provider kind.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrEmptyResponse indicates the backend returned no usable text.
	ErrEmptyResponse = errors.New("empty response from provider")
)
