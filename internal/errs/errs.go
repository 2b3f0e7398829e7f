// Package errs defines the error taxonomy shared by the vault, the profile
// index and the detection engine. Callers compare with errors.Is; concrete
// failures wrap one of these sentinels with fmt.Errorf("...: %w").
package errs

import "errors"

// Input errors are surfaced directly to the user action that caused them.
var (
	// ErrValidation indicates bad user input: empty, malformed or mismatched values.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicate indicates an exact (type, value) pair is already registered.
	ErrDuplicate = errors.New("duplicate value")
)

// Authentication and session errors.
var (
	// ErrAuthentication indicates a wrong password or an undecryptable record.
	ErrAuthentication = errors.New("authentication failed")

	// ErrSessionExpired indicates an operation needed the session key while locked.
	ErrSessionExpired = errors.New("session expired: vault is locked")
)

// Vault state errors.
var (
	// ErrNotInitialized indicates no master password has been set yet.
	ErrNotInitialized = errors.New("vault has not been initialized")

	// ErrAlreadyInitialized indicates a master password already exists.
	ErrAlreadyInitialized = errors.New("vault is already initialized")
)

// Infrastructure errors.
var (
	// ErrCrypto indicates invalid inputs to a cryptographic primitive.
	ErrCrypto = errors.New("crypto error")

	// ErrStorage indicates the underlying store failed or is unavailable.
	ErrStorage = errors.New("storage error")
)

// IsUserError reports whether err should be shown to the user as-is.
func IsUserError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrNotInitialized) ||
		errors.Is(err, ErrAlreadyInitialized)
}
