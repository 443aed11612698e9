package arrivals

import (
	"errors"
	"fmt"
)

var (
	// Every agency queried during a nearby-stop search failed.
	ErrAllAgenciesFailed = errors.New("all agencies failed")

	// A newer request for the same stop, or a deselect, made this
	// result obsolete.
	ErrStale = errors.New("result superseded by a newer request")

	ErrUnknownAgency = errors.New("unknown agency")
)

// Failure of a single agency during fan-out. Attached to the result
// as a warning unless all agencies failed.
type AgencyError struct {
	Agency string
	Err    error
}

func (e *AgencyError) Error() string {
	return fmt.Sprintf("agency %s: %v", e.Agency, e.Err)
}

func (e *AgencyError) Unwrap() error {
	return e.Err
}
