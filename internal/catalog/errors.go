package catalog

import "fmt"

// MalformedResponseError means a response that looked successful did not have
// the expected structure.
type MalformedResponseError struct {
	Operation string // e.g. "search"
	Path      string // gjson path that was expected
	Err       error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed %s response: missing %s", e.Operation, e.Path)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// NetworkError represents transport failures and non-2xx responses from the vendor API.
type NetworkError struct {
	Operation  string
	StatusCode int // 0 for non-HTTP errors
	APIMessage string
	Err        error
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
