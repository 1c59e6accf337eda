package services

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateName      = errors.New("services: duplicate name")
	ErrCapabilityNotFound = errors.New("services: capability not found")
	ErrStructuralMisuse   = errors.New("services: structural misuse")
	ErrServiceNotFound    = errors.New("services: service not found")
	ErrNotCallable        = errors.New("services: not callable")
	ErrForbidden          = errors.New("services: forbidden")

	// ErrStillRunning is returned when removing a child that has not been stopped.
	ErrStillRunning = fmt.Errorf("%w: child still running", ErrStructuralMisuse)
)
