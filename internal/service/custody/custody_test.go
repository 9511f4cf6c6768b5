package custody

import (
	"context"
	"errors"
	"testing"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/ledger"
	"github.com/animus-labs/cargo-custody/internal/ledger/memstore"
	"github.com/animus-labs/cargo-custody/internal/projection/snapcache"
	"github.com/animus-labs/cargo-custody/internal/service/authz"
	"github.com/animus-labs/cargo-custody/internal/service/ledgertx"
)

// newService seeds P1 and P2, container C1 held by P1 and cargo X1 held by
// P1 and loaded in C1.
func newService(t *testing.T, cfg authz.Config) (*Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	reader := snapcache.NewReader(store, nil, nil)
	runner, err := ledgertx.NewRunner(store, ledgertx.DefaultConfig(), nil, ledgertx.WithPublisher(reader))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	a, err := authz.New(cfg, nil)
	if err != nil {
		t.Fatalf("authz.New: %v", err)
	}
	svc, err := New(runner, a, reader, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = runner.Run(context.Background(), ledgertx.Request{Operation: "seed", TxID: "seed", Actor: "P1"}, func(tx *ledgertx.Tx) error {
		for _, p := range []domain.Participant{{ID: "P1", Role: domain.RoleShipper}, {ID: "P2", Role: domain.RoleCarrier}} {
			if err := tx.Emit(domain.RecordParticipantRegistered, ledgertx.ParticipantRef(p.ID), domain.ParticipantRegistered{Participant: p}); err != nil {
				return err
			}
		}
		if err := tx.Emit(domain.RecordContainerCreated, ledgertx.ContainerRef("C1"), domain.EntityCreated{ID: "C1", Custodian: "P1"}); err != nil {
			return err
		}
		if err := tx.Emit(domain.RecordCargoCreated, ledgertx.CargoRef("X1"), domain.EntityCreated{ID: "X1", Custodian: "P1"}); err != nil {
			return err
		}
		return tx.Emit(domain.RecordContainmentLoad, ledgertx.ContainerRef("C1"),
			domain.ContainmentChanged{ContainerID: "C1", CargoID: "X1", Action: domain.ActionLoad}, ledgertx.CargoRef("X1"))
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return svc, store
}

func TestContainerCustodyDoesNotCascade(t *testing.T) {
	s, store := newService(t, authz.Config{Mode: authz.ModeCustodian})
	ctx := context.Background()

	rec, err := s.ChangeContainerCustody(ctx, authz.Caller{Actor: "P1", TxID: "tx-1"}, "C1", "P2")
	if err != nil {
		t.Fatalf("ChangeContainerCustody: %v", err)
	}
	if rec.EntityKind != domain.KindContainer || rec.PreviousCustodian != "P1" || rec.NewCustodian != "P2" || rec.TxID != "tx-1" || rec.Seq == 0 {
		t.Fatalf("record=%+v", rec)
	}
	st, err := store.Current(ctx, ledger.Key("cargo", "X1"))
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if st.Version != 1 {
		t.Fatalf("cargo state was rewritten: version %d", st.Version)
	}
}

func TestCustodyReplayReturnsOriginalRecord(t *testing.T) {
	s, store := newService(t, authz.Config{Mode: authz.ModeCustodian})
	ctx := context.Background()
	caller := authz.Caller{Actor: "P1", TxID: "handoff"}

	first, err := s.ChangeCargoCustody(ctx, caller, "X1", "P2")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	head, _ := store.Head(ctx)
	// After the hand-off P1 would be rejected; the replay never re-runs the check.
	second, err := s.ChangeCargoCustody(ctx, caller, "X1", "P2")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.Seq != first.Seq || second.TxID != first.TxID {
		t.Fatalf("replay=%+v first=%+v", second, first)
	}
	if got, _ := store.Head(ctx); got != head {
		t.Fatalf("replay appended: head %d -> %d", head, got)
	}
	// Reusing the id for a different entity is a caller bug.
	if _, err := s.ChangeContainerCustody(ctx, caller, "C1", "P2"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestCustodyRequiresHolder(t *testing.T) {
	s, _ := newService(t, authz.Config{Mode: authz.ModeCustodian})
	ctx := context.Background()
	_, err := s.ChangeCargoCustody(ctx, authz.Caller{Actor: "P2", TxID: "tx-1"}, "X1", "P2")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	open, _ := newService(t, authz.Config{Mode: authz.ModeOpen})
	if _, err := open.ChangeCargoCustody(ctx, authz.Caller{Actor: "P2", TxID: "tx-1"}, "X1", "P2"); err != nil {
		t.Fatalf("open mode: %v", err)
	}
}

func TestCoordinatesFollowContainer(t *testing.T) {
	s, store := newService(t, authz.Config{Mode: authz.ModeCustodian})
	ctx := context.Background()

	x, err := s.UpdateCargoCoordinates(ctx, authz.Caller{Actor: "P1", TxID: "tx-1"}, "X1", domain.Coordinates{Location: "DEHAM"})
	if err != nil {
		t.Fatalf("UpdateCargoCoordinates: %v", err)
	}
	if x.Coordinates == nil || x.Coordinates.Location != "DEHAM" {
		t.Fatalf("cargo=%+v", x)
	}
	rec, err := store.History(ctx, "container/C1", ledger.HistoryQuery{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	last := rec[len(rec)-1]
	if domain.RecordType(last.Type) != domain.RecordCargoCoordinates || last.Key != "cargo/X1" {
		t.Fatalf("last container record=%s %s", last.Type, last.Key)
	}

	if _, err := s.UpdateCargoCoordinates(ctx, authz.Caller{Actor: "P1", TxID: "tx-2"}, "X1", domain.Coordinates{}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	lat := 91.0
	lon := 0.0
	if _, err := s.UpdateContainerCoordinates(ctx, authz.Caller{Actor: "P1", TxID: "tx-3"}, "C1", domain.Coordinates{Latitude: &lat, Longitude: &lon}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestDeliverCargo(t *testing.T) {
	s, _ := newService(t, authz.Config{Mode: authz.ModeCustodian})
	ctx := context.Background()
	if _, err := s.DeliverCargo(ctx, authz.Caller{Actor: "P1", TxID: "tx-1"}, "X1"); !errors.Is(err, domain.ErrInvalidContainment) {
		t.Fatalf("expected ErrInvalidContainment, got %v", err)
	}
	if _, err := s.DeliverCargo(ctx, authz.Caller{Actor: "P1", TxID: "tx-2"}, "X404"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecords(t *testing.T) {
	if _, err := Records([]ledger.Record{{Type: string(domain.RecordCustodyTransferred), Payload: []byte("{")}}); err == nil {
		t.Fatalf("expected decode error")
	}
	out, err := Records([]ledger.Record{{Type: string(domain.RecordCargoCreated), Payload: []byte("{}")}})
	if err != nil || len(out) != 0 {
		t.Fatalf("out=%v err=%v", out, err)
	}
}
