package status

import (
	"fmt"
)

// Error ties a failure to the status a peer should see for it.
type Error struct {
	cause  error
	Status Status
}

func NewError(err error, status Status) Error {
	return Error{cause: err, Status: status}
}

func (e Error) Error() string {
	cause := ""
	if e.cause != nil {
		cause = e.cause.Error()
	}

	return fmt.Sprintf(
		"%d %s: %q", e.Status.Code, e.Status.ReasonPhrase, cause,
	)
}

func (e Error) Cause() error {
	return e.cause
}

// Unwrap makes errors.Is/As see through to the cause.
func (e Error) Unwrap() error {
	return e.cause
}
