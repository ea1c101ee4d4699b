package accelerometer

import (
	"errors"
	"fmt"
)

// ErrStopped is returned by Run when the processor was stopped by its owner.
var ErrStopped = errors.New("accelerometer: processor stopped")

// MalformedPayloadError reports a payload that does not follow the
// {'key': 'value', ...} grammar or lacks a required field.
type MalformedPayloadError struct {
	Payload string
	Reason  string
}

func (e *MalformedPayloadError) Error() string {
	if e.Payload == "" {
		return fmt.Sprintf("malformed payload (%s)", e.Reason)
	}
	return fmt.Sprintf("malformed payload (%s): %q", e.Reason, e.Payload)
}

// InvalidNumericFieldError reports an axis value that is not a float.
type InvalidNumericFieldError struct {
	Field string
	Value string
	Err   error
}

func (e *InvalidNumericFieldError) Error() string {
	return fmt.Sprintf("field %s: invalid number %q: %v", e.Field, e.Value, e.Err)
}

func (e *InvalidNumericFieldError) Unwrap() error { return e.Err }

// failureKind is the metric label for a rejected message.
func failureKind(err error) string {
	var mp *MalformedPayloadError
	var nf *InvalidNumericFieldError
	switch {
	case errors.As(err, &mp):
		return "malformed_payload"
	case errors.As(err, &nf):
		return "invalid_numeric_field"
	default:
		return "other"
	}
}
