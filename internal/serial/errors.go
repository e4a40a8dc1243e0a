package serial

import (
	"errors"
	"fmt"
)

var (
	ErrMissingLength   = errors.New("serial: byte array field has no length annotation")
	ErrLengthMismatch  = errors.New("serial: byte array length does not match annotation")
	ErrInvalidTrailing = errors.New("serial: free-length string must be the last field")
	ErrStringTooLong   = errors.New("serial: BCPL string longer than 255 characters")
	ErrShortBuffer     = errors.New("serial: buffer too short for record")
	ErrUnsupportedType = errors.New("serial: unsupported field type")
)

// UnsupportedFieldTypeError reports a field bound to a type the codec cannot
// handle. It matches ErrUnsupportedType with errors.Is.
type UnsupportedFieldTypeError struct {
	Field string
	Type  string
}

func (e *UnsupportedFieldTypeError) Error() string {
	return fmt.Sprintf("serial: field %q has unsupported type %s", e.Field, e.Type)
}

func (e *UnsupportedFieldTypeError) Is(target error) bool {
	return target == ErrUnsupportedType
}

// fieldError ties a layout error to the field that caused it.
func fieldError(f Field, err error) error {
	return fmt.Errorf("field %q: %w", f.Name, err)
}
