package bridge

import (
	"errors"
	"fmt"

	"github.com/italolelis/handoff/internal/bus"
)

var (
	ErrNotConnected     = errors.New("extension not connected")
	ErrTimeout          = errors.New("extension command timed out")
	ErrDisconnected     = errors.New("extension disconnected")
	ErrAlreadyConnected = errors.New("extension already connected")
)

// ErrCommandFailed is wrapped by every CommandError.
var ErrCommandFailed = errors.New("extension command failed")

// CommandError is an error reply from the extension.
type CommandError struct {
	Action  bus.Action
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

func (e *CommandError) Unwrap() error {
	return ErrCommandFailed
}
