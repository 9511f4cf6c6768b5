package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateEntity    = errors.New("duplicate entity")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrAlreadyLoaded      = errors.New("already loaded")
	ErrNotLoaded          = errors.New("not loaded")
	ErrInvalidContainment = errors.New("invalid containment")
	ErrLedgerConflict     = errors.New("ledger conflict")
	ErrInvalidArgument    = errors.New("invalid argument")
)

// EntityError ties a failure kind to the entity that caused it.
type EntityError struct {
	Err    error
	Kind   EntityKind
	ID     string
	Detail string
}

func (e *EntityError) Error() string {
	msg := fmt.Sprintf("%s: %s %q", e.Err, e.Kind, e.ID)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *EntityError) Unwrap() error { return e.Err }

func NotFound(kind EntityKind, id string) error {
	return &EntityError{Err: ErrNotFound, Kind: kind, ID: id}
}

func Duplicate(kind EntityKind, id string) error {
	return &EntityError{Err: ErrDuplicateEntity, Kind: kind, ID: id}
}

func Unauthorized(kind EntityKind, id string, detail string) error {
	return &EntityError{Err: ErrUnauthorized, Kind: kind, ID: id, Detail: detail}
}

func AlreadyLoaded(cargoID string, containerID string) error {
	return &EntityError{Err: ErrAlreadyLoaded, Kind: KindCargo, ID: cargoID, Detail: "loaded in container " + containerID}
}

func NotLoaded(cargoID string, containerID string) error {
	return &EntityError{Err: ErrNotLoaded, Kind: KindCargo, ID: cargoID, Detail: "not in container " + containerID}
}

func InvalidContainment(kind EntityKind, id string, detail string) error {
	return &EntityError{Err: ErrInvalidContainment, Kind: kind, ID: id, Detail: detail}
}

// EntityOf returns the kind and id carried by err, if any.
func EntityOf(err error) (EntityKind, string, bool) {
	var ee *EntityError
	if errors.As(err, &ee) {
		return ee.Kind, ee.ID, true
	}
	return "", "", false
}
