package lookup

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFilter is returned for a nil filter or callback.
	ErrInvalidFilter = errors.New("invalid filter")
	// ErrNoModule is returned when a cache lookup finds nothing.
	ErrNoModule = errors.New("no module matched")
)

// UnresolvedError is returned when a stand-in is read before any module
// matched its filter.
type UnresolvedError struct {
	Description string
}

func (e *UnresolvedError) Error() string {
	return e.Description
}

// PrimitiveValueError is returned when a property of a stand-in is read but the
// resolved value is not object-shaped.
type PrimitiveValueError struct {
	Description string
	Key         string
	Value       any
}

func (e *PrimitiveValueError) Error() string {
	return fmt.Sprintf("%s: cannot read %q of primitive value %v (%T)", e.Description, e.Key, e.Value, e.Value)
}

// TypeMismatchError is returned by As when the resolved value has another type.
type TypeMismatchError struct {
	Want string
	Got  any
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("resolved value has type %T, want %s", e.Got, e.Want)
}
