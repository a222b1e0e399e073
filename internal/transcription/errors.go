package transcription

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady means the engine has not finished loading. It is transient.
	ErrNotReady = errors.New("model not loaded yet")
	// ErrNoFile means the request carried no usable upload.
	ErrNoFile = errors.New("no file provided")
)

// ParamError is a client supplied option outside its allowed values.
type ParamError struct {
	Param   string
	Message string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Message)
}

// InferenceError wraps anything that went wrong once the engine was invoked.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return "transcription failed: " + e.Err.Error()
}

func (e *InferenceError) Unwrap() error { return e.Err }
