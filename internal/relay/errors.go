package relay

import (
	"errors"
	"fmt"
)

// ErrRejected is wrapped by NetworkError when the relay answered but refused the request.
var ErrRejected = errors.New("relay rejected request")

// NetworkError represents transport failures and non-success relay responses.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "add_download", "report_version")
	StatusCode int    // HTTP status code, if applicable (0 for transport errors)
	APIMessage string // Error message from the relay or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("relay error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}
	return fmt.Sprintf("relay error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation later could succeed.
func (e *NetworkError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}
