package services

import "errors"

// Error classes for identity operations. Handlers classify with errors.Is;
// the concrete error text is what the client sees.
var (
	// ErrInvalidInput marks malformed usernames, emails, or missing fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict marks a duplicate username or duplicate federated
	// identity on create.
	ErrConflict = errors.New("conflict")

	// ErrAuthenticationFailed marks credential mismatches, unknown app ids,
	// provider exchange rejections, and missing caller identities. Its
	// messages are deliberately vague where username enumeration matters.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrForbidden marks operations that are administratively disabled.
	ErrForbidden = errors.New("forbidden")

	// ErrUpstream marks an unreachable or misbehaving identity provider.
	ErrUpstream = errors.New("upstream failure")
)

type serviceError struct {
	kind    error
	message string
}

func (e *serviceError) Error() string { return e.message }
func (e *serviceError) Unwrap() error { return e.kind }

func invalidInput(message string) error {
	return &serviceError{kind: ErrInvalidInput, message: message}
}

func conflict(message string) error {
	return &serviceError{kind: ErrConflict, message: message}
}

func authFailed(message string) error {
	return &serviceError{kind: ErrAuthenticationFailed, message: message}
}

func forbidden(message string) error {
	return &serviceError{kind: ErrForbidden, message: message}
}

func upstream(message string) error {
	return &serviceError{kind: ErrUpstream, message: message}
}
