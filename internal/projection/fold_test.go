package projection

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/ledger"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func rec(t *testing.T, seq int64, typ domain.RecordType, key string, payload any, refs ...string) ledger.Record {
	t.Helper()
	blob, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return ledger.Record{
		Seq:        seq,
		TxID:       "tx",
		Key:        key,
		Type:       string(typ),
		Refs:       refs,
		Actor:      "participant/P1",
		OccurredAt: t0.Add(time.Duration(seq) * time.Minute),
		Payload:    blob,
	}
}

func TestFoldContainerAndCargo(t *testing.T) {
	records := []ledger.Record{
		rec(t, 1, domain.RecordContainerCreated, "container/C1", domain.EntityCreated{ID: "C1", Custodian: "P1"}),
		rec(t, 2, domain.RecordCargoCreated, "cargo/X1", domain.EntityCreated{ID: "X1", Custodian: "P1", Attributes: domain.Attributes{"sku": "42"}}),
		rec(t, 3, domain.RecordContainmentLoad, "container/C1", domain.ContainmentChanged{ContainerID: "C1", CargoID: "X1", Action: domain.ActionLoad}, "cargo/X1"),
		rec(t, 4, domain.RecordCustodyTransferred, "container/C1", domain.CustodyTransferred{EntityKind: domain.KindContainer, EntityID: "C1", Previous: "P1", Next: "P2"}),
		rec(t, 5, domain.RecordCargoCoordinates, "cargo/X1", domain.CoordinatesUpdated{ID: "X1", ContainerID: "C1", Coordinates: domain.Coordinates{Location: "Rotterdam"}}, "container/C1"),
	}

	var containerRecs, cargoRecs []ledger.Record
	for _, r := range records {
		if r.Touches("container/C1") {
			containerRecs = append(containerRecs, r)
		}
		if r.Touches("cargo/X1") {
			cargoRecs = append(cargoRecs, r)
		}
	}

	c, err := FoldContainer("C1", containerRecs)
	if err != nil {
		t.Fatalf("FoldContainer: %v", err)
	}
	if c.Status != domain.ContainerLoaded || c.Custodian != "P2" || !c.Holds("X1") {
		t.Fatalf("container=%+v", c)
	}
	if c.Coordinates == nil || c.Coordinates.Location != "Rotterdam" {
		t.Fatalf("container location did not follow cargo: %+v", c.Coordinates)
	}
	if c.Revision != 4 || !c.CreatedAt.Equal(t0.Add(time.Minute)) || !c.UpdatedAt.Equal(t0.Add(5*time.Minute)) {
		t.Fatalf("container meta=%+v", c.Meta)
	}

	x, err := FoldCargo("X1", cargoRecs)
	if err != nil {
		t.Fatalf("FoldCargo: %v", err)
	}
	if x.Status != domain.CargoLoaded || x.Container != "C1" || x.Custodian != "P1" || x.Attributes["sku"] != "42" {
		t.Fatalf("cargo=%+v", x)
	}
	if err := x.CheckReciprocal(&c); err != nil {
		t.Fatalf("CheckReciprocal: %v", err)
	}
}

func TestFoldRejectsSecondCreate(t *testing.T) {
	created := rec(t, 1, domain.RecordCargoCreated, "cargo/X1", domain.EntityCreated{ID: "X1", Custodian: "P1"})
	_, err := FoldCargo("X1", []ledger.Record{created, created})
	if !errors.Is(err, domain.ErrDuplicateEntity) {
		t.Fatalf("expected ErrDuplicateEntity, got %v", err)
	}
}

func TestApplyRejectsForeignRecord(t *testing.T) {
	r := rec(t, 1, domain.RecordParticipantRegistered, "participant/P1", domain.ParticipantRegistered{})
	if _, err := ApplyCargo(domain.Cargo{ID: "X1"}, r); err == nil {
		t.Fatalf("expected error applying a participant record to cargo")
	}
}

func TestFoldParticipantMergesAttributes(t *testing.T) {
	p, err := FoldParticipant([]ledger.Record{
		rec(t, 1, domain.RecordParticipantRegistered, "participant/P1", domain.ParticipantRegistered{
			Participant: domain.Participant{ID: "P1", Role: "shipper", Attributes: domain.Attributes{"a": "1", "b": "2"}},
		}),
		rec(t, 2, domain.RecordParticipantAttributes, "participant/P1", domain.AttributesUpdated{ID: "P1", Patch: domain.Attributes{"a": "", "c": "3"}}),
	})
	if err != nil {
		t.Fatalf("FoldParticipant: %v", err)
	}
	if _, ok := p.Attributes["a"]; ok || p.Attributes["b"] != "2" || p.Attributes["c"] != "3" || p.Revision != 2 {
		t.Fatalf("participant=%+v", p)
	}
}
