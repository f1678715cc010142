package transfer

import "fmt"

// CanceledError is returned when the context is cancelled mid-transfer. The
// partial file at TempPath is left in place.
type CanceledError struct {
	Filename string
	TempPath string
	Err      error
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("download of %s canceled", e.Filename)
}

func (e *CanceledError) Unwrap() error {
	return e.Err
}

// InvalidContentError represents a CDN response whose body cannot be trusted:
// a missing content length or a body shorter than announced.
type InvalidContentError struct {
	Filename string // Name of the file being downloaded
	Reason   string // Human-readable explanation of why the content is invalid
	Err      error  // Underlying error, if any
}

func (e *InvalidContentError) Error() string {
	return fmt.Sprintf("invalid content for %s: %s", e.Filename, e.Reason)
}

func (e *InvalidContentError) Unwrap() error {
	return e.Err
}

// NetworkError represents transport failures and unexpected status codes from the CDN.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "request", "read_body")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the CDN or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// DirectoryError represents failures preparing or writing the music and lyrics
// directories.
type DirectoryError struct {
	DirectoryName string // The directory that caused the error
	Reason        string // Human-readable explanation of the directory error
	Err           error  // Underlying error, if any
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory error for '%s': %s", e.DirectoryName, e.Reason)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

// AuthenticationError is a 401 or 403 from the CDN, usually an expired vkey
// or a cookie without the required entitlement.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}
