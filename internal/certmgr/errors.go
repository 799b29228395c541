package certmgr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when operating on a network that is not
	// provisioned.
	ErrNotFound = errors.New("network not found")

	// ErrCapacity is returned when provisioning a new network would exceed
	// the configured maximum. Match with errors.Is; use errors.As with
	// *CapacityError to read the limit.
	ErrCapacity = errors.New("network limit reached")
)

// CapacityError carries the configured maximum.
type CapacityError struct {
	Max int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("network limit reached: at most %d networks can be provisioned", e.Max)
}

// Is makes errors.Is(err, ErrCapacity) match.
func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacity
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
