package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest means a required identifier or name is missing or malformed.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound means the referenced marker, record or group is absent.
	ErrNotFound = errors.New("not found")
	// ErrConflict covers state collisions; see ErrAlreadyExists and ErrNotEmpty.
	ErrConflict = errors.New("conflict")
	// ErrAlreadyExists wraps ErrConflict.
	ErrAlreadyExists = fmt.Errorf("%w: already exists", ErrConflict)
	// ErrNotEmpty wraps ErrConflict and is returned when deleting a group that owns devices.
	ErrNotEmpty = fmt.Errorf("%w: group not empty", ErrConflict)
	// ErrUnauthenticated is returned for operator calls made without an authenticated actor.
	ErrUnauthenticated = errors.New("unauthenticated")
)

func invalid(err error) error { return fmt.Errorf("%w: %v", ErrInvalidRequest, err) }
