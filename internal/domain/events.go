package domain

import "time"

// RecordType identifies the change a ledger record carries.
type RecordType string

const (
	RecordParticipantRegistered RecordType = "participant.registered"
	RecordParticipantAttributes RecordType = "participant.attributes_updated"
	RecordContainerCreated      RecordType = "container.created"
	RecordCargoCreated          RecordType = "cargo.created"
	RecordContainerAttributes   RecordType = "container.attributes_updated"
	RecordCargoAttributes       RecordType = "cargo.attributes_updated"
	RecordContainmentLoad       RecordType = "containment.load"
	RecordContainmentUnload     RecordType = "containment.unload"
	RecordCustodyTransferred    RecordType = "custody.transferred"
	RecordCargoCoordinates      RecordType = "cargo.coordinates_updated"
	RecordContainerCoordinates  RecordType = "container.coordinates_updated"
	RecordContainerDispatched   RecordType = "container.dispatched"
	RecordCargoDelivered        RecordType = "cargo.delivered"
)

type ContainmentAction string

const (
	ActionLoad   ContainmentAction = "LOAD"
	ActionUnload ContainmentAction = "UNLOAD"
)

// Payloads stored in ledger records, one per record type family.

type ParticipantRegistered struct {
	Participant Participant `json:"participant"`
}

type EntityCreated struct {
	ID         string     `json:"id"`
	Custodian  string     `json:"custodian"`
	Attributes Attributes `json:"attributes"`
}

type AttributesUpdated struct {
	ID    string     `json:"id"`
	Patch Attributes `json:"patch"`
}

type ContainmentChanged struct {
	ContainerID string            `json:"container_id"`
	CargoID     string            `json:"cargo_id"`
	Action      ContainmentAction `json:"action"`
}

type CustodyTransferred struct {
	EntityKind EntityKind `json:"entity_kind"`
	EntityID   string     `json:"entity_id"`
	Previous   string     `json:"previous"`
	Next       string     `json:"next"`
}

type CoordinatesUpdated struct {
	ID          string      `json:"id"`
	ContainerID string      `json:"container_id,omitempty"`
	Coordinates Coordinates `json:"coordinates"`
}

type StatusChanged struct {
	ID string `json:"id"`
}

// CustodyRecord is the immutable trail entry for one hand-off.
type CustodyRecord struct {
	EntityKind        EntityKind `json:"entity_kind"`
	EntityID          string     `json:"entity_id"`
	PreviousCustodian string     `json:"previous_custodian"`
	NewCustodian      string     `json:"new_custodian"`
	Timestamp         time.Time  `json:"timestamp"`
	TxID              string     `json:"tx_id"`
	Seq               int64      `json:"seq"`
}

// ContainmentEvent is the immutable trail entry for one load or unload.
type ContainmentEvent struct {
	ContainerID string            `json:"container_id"`
	CargoID     string            `json:"cargo_id"`
	Action      ContainmentAction `json:"action"`
	Timestamp   time.Time         `json:"timestamp"`
	TxID        string            `json:"tx_id"`
	Seq         int64             `json:"seq"`
}
