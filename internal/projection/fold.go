// Package projection folds ledger records into entity snapshots.
//
// The same Apply functions run when a service stages a change and when a
// snapshot is rebuilt from history, so a stored snapshot always equals the
// fold of the records that touch its key.
package projection

import (
	"encoding/json"
	"fmt"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/ledger"
)

func decode(rec ledger.Record, out any) error {
	if err := json.Unmarshal(rec.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload at seq %d: %w", rec.Type, rec.Seq, err)
	}
	return nil
}

func unexpected(kind domain.EntityKind, rec ledger.Record) error {
	return fmt.Errorf("record %s (seq %d, key %s) does not apply to a %s", rec.Type, rec.Seq, rec.Key, kind)
}

// ApplyParticipant folds one record into p.
func ApplyParticipant(p domain.Participant, rec ledger.Record) (domain.Participant, error) {
	switch domain.RecordType(rec.Type) {
	case domain.RecordParticipantRegistered:
		if p.Revision != 0 {
			return p, domain.Duplicate(domain.KindParticipant, p.ID)
		}
		var payload domain.ParticipantRegistered
		if err := decode(rec, &payload); err != nil {
			return p, err
		}
		p = payload.Participant
		p.Attributes = p.Attributes.Clone()
		p.Meta = domain.Meta{}
	case domain.RecordParticipantAttributes:
		var payload domain.AttributesUpdated
		if err := decode(rec, &payload); err != nil {
			return p, err
		}
		p.Attributes = p.Attributes.Merge(payload.Patch)
	default:
		return p, unexpected(domain.KindParticipant, rec)
	}
	p.Touch(rec.TxID, rec.OccurredAt)
	return p, nil
}

// ApplyContainer folds one record that is keyed to or references the
// container.
func ApplyContainer(c domain.Container, rec ledger.Record) (domain.Container, error) {
	var err error
	switch domain.RecordType(rec.Type) {
	case domain.RecordContainerCreated:
		if c.Revision != 0 {
			return c, domain.Duplicate(domain.KindContainer, c.ID)
		}
		var payload domain.EntityCreated
		if err := decode(rec, &payload); err != nil {
			return c, err
		}
		c = domain.NewContainer(payload.ID, payload.Custodian, payload.Attributes)
	case domain.RecordContainerAttributes:
		var payload domain.AttributesUpdated
		if err := decode(rec, &payload); err != nil {
			return c, err
		}
		c.Attributes = c.Attributes.Merge(payload.Patch)
	case domain.RecordContainmentLoad, domain.RecordContainmentUnload:
		var payload domain.ContainmentChanged
		if err := decode(rec, &payload); err != nil {
			return c, err
		}
		if payload.ContainerID != c.ID {
			return c, unexpected(domain.KindContainer, rec)
		}
		if payload.Action == domain.ActionLoad {
			c, err = c.Load(payload.CargoID)
		} else {
			c, err = c.Unload(payload.CargoID)
		}
		if err != nil {
			return c, err
		}
	case domain.RecordCustodyTransferred:
		var payload domain.CustodyTransferred
		if err := decode(rec, &payload); err != nil {
			return c, err
		}
		if payload.EntityKind != domain.KindContainer || payload.EntityID != c.ID {
			return c, unexpected(domain.KindContainer, rec)
		}
		c.Custodian = payload.Next
	case domain.RecordContainerCoordinates, domain.RecordCargoCoordinates:
		var payload domain.CoordinatesUpdated
		if err := decode(rec, &payload); err != nil {
			return c, err
		}
		target := payload.ID
		if domain.RecordType(rec.Type) == domain.RecordCargoCoordinates {
			target = payload.ContainerID
		}
		if target != c.ID {
			return c, unexpected(domain.KindContainer, rec)
		}
		coords := payload.Coordinates
		c.Coordinates = &coords
	case domain.RecordContainerDispatched:
		if c, err = c.Dispatch(); err != nil {
			return c, err
		}
	default:
		return c, unexpected(domain.KindContainer, rec)
	}
	c.Touch(rec.TxID, rec.OccurredAt)
	return c, nil
}

// ApplyCargo folds one record that is keyed to or references the cargo.
func ApplyCargo(c domain.Cargo, rec ledger.Record) (domain.Cargo, error) {
	var err error
	switch domain.RecordType(rec.Type) {
	case domain.RecordCargoCreated:
		if c.Revision != 0 {
			return c, domain.Duplicate(domain.KindCargo, c.ID)
		}
		var payload domain.EntityCreated
		if err := decode(rec, &payload); err != nil {
			return c, err
		}
		c = domain.NewCargo(payload.ID, payload.Custodian, payload.Attributes)
	case domain.RecordCargoAttributes:
		var payload domain.AttributesUpdated
		if err := decode(rec, &payload); err != nil {
			return c, err
		}
		c.Attributes = c.Attributes.Merge(payload.Patch)
	case domain.RecordContainmentLoad, domain.RecordContainmentUnload:
		var payload domain.ContainmentChanged
		if err := decode(rec, &payload); err != nil {
			return c, err
		}
		if payload.CargoID != c.ID {
			return c, unexpected(domain.KindCargo, rec)
		}
		if payload.Action == domain.ActionLoad {
			c, err = c.AttachTo(payload.ContainerID)
		} else {
			c, err = c.DetachFrom(payload.ContainerID)
		}
		if err != nil {
			return c, err
		}
	case domain.RecordCustodyTransferred:
		var payload domain.CustodyTransferred
		if err := decode(rec, &payload); err != nil {
			return c, err
		}
		if payload.EntityKind != domain.KindCargo || payload.EntityID != c.ID {
			return c, unexpected(domain.KindCargo, rec)
		}
		c.Custodian = payload.Next
	case domain.RecordCargoCoordinates:
		var payload domain.CoordinatesUpdated
		if err := decode(rec, &payload); err != nil {
			return c, err
		}
		if payload.ID != c.ID {
			return c, unexpected(domain.KindCargo, rec)
		}
		coords := payload.Coordinates
		c.Coordinates = &coords
	case domain.RecordCargoDelivered:
		if c, err = c.Deliver(); err != nil {
			return c, err
		}
	default:
		return c, unexpected(domain.KindCargo, rec)
	}
	c.Touch(rec.TxID, rec.OccurredAt)
	return c, nil
}

// FoldParticipant replays the full history of a participant key.
func FoldParticipant(records []ledger.Record) (domain.Participant, error) {
	var p domain.Participant
	var err error
	for _, rec := range records {
		if p, err = ApplyParticipant(p, rec); err != nil {
			return domain.Participant{}, err
		}
	}
	return p, nil
}

func FoldContainer(id string, records []ledger.Record) (domain.Container, error) {
	c := domain.Container{ID: id}
	var err error
	for _, rec := range records {
		if c, err = ApplyContainer(c, rec); err != nil {
			return domain.Container{}, err
		}
	}
	return c, nil
}

func FoldCargo(id string, records []ledger.Record) (domain.Cargo, error) {
	c := domain.Cargo{ID: id}
	var err error
	for _, rec := range records {
		if c, err = ApplyCargo(c, rec); err != nil {
			return domain.Cargo{}, err
		}
	}
	return c, nil
}
