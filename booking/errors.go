package booking

import (
	"errors"
	"fmt"

	"github.com/warp/studio-engine/studio"
)

// ErrInvalidTransition is returned when a Flow step is called out of order.
var ErrInvalidTransition = errors.New("invalid booking flow transition")

// BookingError carries enough context for the caller to pick user-facing
// messaging. Use errors.Is against the studio sentinels for the cause.
type BookingError struct {
	Op             string
	OccurrenceID   studio.OccurrenceID
	CustomerID     studio.CustomerID
	RegistrationID studio.RegistrationID
	Err            error
}

func (e *BookingError) Error() string {
	switch {
	case e.RegistrationID != "":
		return fmt.Sprintf("%s registration %s: %v", e.Op, e.RegistrationID, e.Err)
	case e.CustomerID != "":
		return fmt.Sprintf("%s occurrence %s for customer %s: %v", e.Op, e.OccurrenceID, e.CustomerID, e.Err)
	default:
		return fmt.Sprintf("%s occurrence %s: %v", e.Op, e.OccurrenceID, e.Err)
	}
}

func (e *BookingError) Unwrap() error { return e.Err }
