package cryptobridge

import (
	"errors"
	"fmt"
)

var (
	// ErrExited means the sidecar closed its output before answering.
	ErrExited = errors.New("sidecar process exited")
	// ErrTimeout means the sidecar did not answer within the round-trip deadline.
	ErrTimeout = errors.New("sidecar round trip timed out")
)

// SidecarError describes a failed round trip with the crypto sidecar.
type SidecarError struct {
	Action string // "encrypt" or "decrypt"
	Reason string
	Err    error
}

func (e *SidecarError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crypto sidecar %s: %s: %v", e.Action, e.Reason, e.Err)
	}

	return fmt.Sprintf("crypto sidecar %s: %s", e.Action, e.Reason)
}

func (e *SidecarError) Unwrap() error {
	return e.Err
}
