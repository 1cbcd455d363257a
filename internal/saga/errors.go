package saga

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// UnexpectedStatusErrorType is the error category carried across process boundaries.
const UnexpectedStatusErrorType = "UnexpectedEntityStatus"

// UnexpectedStatusError reports that an entity is not in a status the requested
// operation can start from. Status holds the entity's current status literal so
// callers can tell "already done" apart from a real failure.
type UnexpectedStatusError struct {
	Entity   string
	ID       string
	Status   string
	Expected []string
}

func (e *UnexpectedStatusError) Error() string {
	msg := fmt.Sprintf("unexpected %s status %s", e.Entity, e.Status)
	if e.ID != "" {
		msg = fmt.Sprintf("unexpected %s %s status %s", e.Entity, e.ID, e.Status)
	}
	if len(e.Expected) > 0 {
		msg += ", expected one of " + strings.Join(e.Expected, ", ")
	}
	return msg
}

// NewUnexpectedStatus builds an UnexpectedStatusError from typed status values.
func NewUnexpectedStatus[S ~string](entity, id string, current S, expected ...S) *UnexpectedStatusError {
	names := make([]string, 0, len(expected))
	for _, s := range expected {
		names = append(names, string(s))
	}
	return &UnexpectedStatusError{Entity: entity, ID: id, Status: string(current), Expected: names}
}

// RecoverStatus turns an UnexpectedStatusError into the status it carries.
// Any other error is returned unchanged.
func RecoverStatus[S ~string](status S, err error) (S, error) {
	if err == nil {
		return status, nil
	}
	var unexpected *UnexpectedStatusError
	if errors.As(err, &unexpected) && unexpected.Status != "" {
		return S(unexpected.Status), nil
	}
	return status, err
}

// NotFound wraps ErrNotFound with the missing entity.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

// InvalidArgument wraps ErrInvalidArgument with a cause.
func InvalidArgument(cause error) error {
	return fmt.Errorf("%w: %v", ErrInvalidArgument, cause)
}
