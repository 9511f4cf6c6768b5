package projection

import (
	"context"
	"testing"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/ledger"
	"github.com/animus-labs/cargo-custody/internal/ledger/memstore"
)

// commitContainer appends r for container C1 and stores snapshot as its state.
func commitContainer(t *testing.T, store *memstore.Store, txID string, expected int64, r ledger.Record, snapshot domain.Container) {
	t.Helper()
	value, err := Encode(snapshot)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	r.TxID = txID
	_, err = store.Commit(context.Background(), ledger.Txn{
		ID:      txID,
		Records: []ledger.Record{r},
		Writes: []ledger.Write{{
			Key:             r.Key,
			Kind:            string(domain.KindContainer),
			ExpectedVersion: expected,
			Value:           value,
		}},
	})
	if err != nil {
		t.Fatalf("Commit %s: %v", txID, err)
	}
}

func seedContainer(t *testing.T, store *memstore.Store) domain.Container {
	t.Helper()
	created := rec(t, 1, domain.RecordContainerCreated, "container/C1", domain.EntityCreated{ID: "C1", Custodian: "P1"})
	created.TxID = "tx-1"
	c, err := ApplyContainer(domain.Container{ID: "C1"}, created)
	if err != nil {
		t.Fatalf("ApplyContainer: %v", err)
	}
	commitContainer(t, store, "tx-1", 0, created, c)
	return c
}

func TestRebuildReplaysHistory(t *testing.T) {
	store := memstore.New()
	seedContainer(t, store)

	snaps, err := Rebuild(context.Background(), store)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	c, ok := snaps.Containers["C1"]
	if !ok || c.Custodian != "P1" || c.Status != domain.ContainerEmpty {
		t.Fatalf("containers=%+v", snaps.Containers)
	}
	if snaps.HeadSeq != 1 || snaps.Heads["container/C1"] == "" {
		t.Fatalf("head=%d heads=%v", snaps.HeadSeq, snaps.Heads)
	}
}

func TestVerifyMatchesLedger(t *testing.T) {
	store := memstore.New()
	seedContainer(t, store)

	report, err := Verify(context.Background(), store, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.Verified || report.Checked != 1 || len(report.Drift) != 0 {
		t.Fatalf("report=%+v", report)
	}
}

func TestVerifyReportsStaleSnapshot(t *testing.T) {
	store := memstore.New()
	c := seedContainer(t, store)

	// The record is appended but the stored snapshot is not advanced.
	patch := rec(t, 2, domain.RecordContainerAttributes, "container/C1", domain.AttributesUpdated{ID: "C1", Patch: domain.Attributes{"seal": "A7"}})
	commitContainer(t, store, "tx-2", 1, patch, c)

	report, err := Verify(context.Background(), store, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.Verified || len(report.Drift) != 1 {
		t.Fatalf("report=%+v", report)
	}
	if got := report.Drift[0]; got.Key != "container/C1" || got.Problem != "stored snapshot differs from ledger fold" {
		t.Fatalf("drift=%+v", got)
	}
}
