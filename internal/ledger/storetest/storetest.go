// Package storetest holds behavioural tests shared by every ledger.Store
// backend.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/cargo-custody/internal/ledger"
)

// Run exercises a fresh store returned by open for each subtest.
func Run(t *testing.T, open func(t *testing.T) ledger.Store) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"CommitAndRead", testCommitAndRead},
		{"ConflictLeavesNoTrace", testConflictLeavesNoTrace},
		{"ReplayIsIdempotent", testReplayIsIdempotent},
		{"HistoryIncludesRefs", testHistoryIncludesRefs},
		{"StatesScan", testStatesScan},
		{"ConcurrentWritersOneWins", testConcurrentWritersOneWins},
		{"ChainVerifies", testChainVerifies},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

var epoch = time.Date(2024, 5, 1, 8, 30, 0, 123456789, time.UTC)

func record(key string, typ string, refs ...string) ledger.Record {
	return ledger.Record{
		Key:        key,
		Type:       typ,
		Refs:       refs,
		Actor:      "participant/P1",
		OccurredAt: epoch,
		Payload:    json.RawMessage(fmt.Sprintf(`{"type":%q}`, typ)),
	}
}

func write(key string, kind string, expected int64, value string) ledger.Write {
	return ledger.Write{Key: key, Kind: kind, ExpectedVersion: expected, Value: json.RawMessage(value)}
}

func mustCommit(t *testing.T, s ledger.Store, txn ledger.Txn) ledger.Commit {
	t.Helper()
	out, err := s.Commit(context.Background(), txn)
	if err != nil {
		t.Fatalf("Commit(%s): %v", txn.ID, err)
	}
	return out
}

func testCommitAndRead(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	out := mustCommit(t, s, ledger.Txn{
		ID:      "tx-1",
		Writes:  []ledger.Write{write("container/C1", "container", 0, `{"id":"C1","status":"EMPTY"}`)},
		Records: []ledger.Record{record("container/C1", "container.created")},
	})
	if out.Replayed || len(out.Records) != 1 || out.Records[0].Seq != 1 {
		t.Fatalf("unexpected commit: %+v", out)
	}

	st, err := s.Current(ctx, "container/C1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if st.Version != 1 || st.Kind != "container" || st.HeadCID != out.Records[0].CID || st.UpdatedSeq != 1 {
		t.Fatalf("unexpected state: %+v", st)
	}
	var value map[string]string
	if err := json.Unmarshal(st.Value, &value); err != nil || value["status"] != "EMPTY" {
		t.Fatalf("value=%s err=%v", st.Value, err)
	}

	if _, err := s.Current(ctx, "container/missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Transaction(ctx, "tx-missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	head, err := s.Head(ctx)
	if err != nil || head != 1 {
		t.Fatalf("Head=%d err=%v", head, err)
	}
	recs, err := s.Records(ctx, 0, 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("Records=%d err=%v", len(recs), err)
	}
	if !recs[0].OccurredAt.Equal(epoch) {
		t.Fatalf("occurred_at=%s want %s", recs[0].OccurredAt, epoch)
	}
	if err := ledger.VerifyRecord(recs[0]); err != nil {
		t.Fatalf("VerifyRecord: %v", err)
	}
}

func testConflictLeavesNoTrace(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	mustCommit(t, s, ledger.Txn{
		ID:      "tx-1",
		Writes:  []ledger.Write{write("cargo/X1", "cargo", 0, `{"v":1}`)},
		Records: []ledger.Record{record("cargo/X1", "cargo.created")},
	})

	_, err := s.Commit(ctx, ledger.Txn{
		ID: "tx-2",
		Writes: []ledger.Write{
			write("container/C1", "container", 0, `{"v":1}`),
			write("cargo/X1", "cargo", 0, `{"v":2}`),
		},
		Records: []ledger.Record{
			record("container/C1", "container.created"),
			record("cargo/X1", "cargo.attributes_updated"),
		},
	})
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if _, err := s.Current(ctx, "container/C1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("partial write visible: %v", err)
	}
	if _, err := s.Transaction(ctx, "tx-2"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("failed transaction recorded: %v", err)
	}
	head, _ := s.Head(ctx)
	if head != 1 {
		t.Fatalf("head=%d after conflict", head)
	}
}

func testReplayIsIdempotent(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	txn := ledger.Txn{
		ID:        "tx-1",
		Operation: "register_participant",
		Scope:     []string{"participant/P1", "participant/P1"},
		Writes:    []ledger.Write{write("participant/P1", "participant", 0, `{"id":"P1"}`)},
		Records:   []ledger.Record{record("participant/P1", "participant.registered")},
	}
	first := mustCommit(t, s, txn)
	second := mustCommit(t, s, txn)
	if !second.Replayed {
		t.Fatalf("second commit not marked replayed")
	}
	if len(second.Records) != 1 || second.Records[0].CID != first.Records[0].CID {
		t.Fatalf("replay returned different records: %+v", second.Records)
	}
	head, _ := s.Head(ctx)
	if head != 1 {
		t.Fatalf("replay appended records: head=%d", head)
	}
	got, err := s.Transaction(ctx, "tx-1")
	if err != nil || len(got.Records) != 1 || len(got.States) != 1 {
		t.Fatalf("Transaction=%+v err=%v", got, err)
	}
	for _, c := range []ledger.Commit{first, second, got} {
		if c.Operation != "register_participant" || len(c.Scope) != 1 || c.Scope[0] != "participant/P1" {
			t.Fatalf("commit lost its command: op=%q scope=%v", c.Operation, c.Scope)
		}
	}
	if got.Matches("load_container", []string{"participant/P1"}) || got.Matches("register_participant", []string{"participant/P2"}) {
		t.Fatalf("Matches accepted a different command")
	}
}

func testHistoryIncludesRefs(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	mustCommit(t, s, ledger.Txn{
		ID: "tx-1",
		Writes: []ledger.Write{
			write("container/C1", "container", 0, `{}`),
			write("cargo/X1", "cargo", 0, `{}`),
		},
		Records: []ledger.Record{
			record("container/C1", "container.created"),
			record("cargo/X1", "cargo.created"),
		},
	})
	mustCommit(t, s, ledger.Txn{
		ID: "tx-2",
		Writes: []ledger.Write{
			write("container/C1", "container", 1, `{}`),
			write("cargo/X1", "cargo", 1, `{}`),
		},
		Records: []ledger.Record{
			record("container/C1", "containment.load", "cargo/X1"),
		},
	})
	mustCommit(t, s, ledger.Txn{
		ID:      "tx-3",
		Writes:  []ledger.Write{write("container/C1", "container", 2, `{}`)},
		Records: []ledger.Record{record("container/C1", "custody.transferred")},
	})

	cargo, err := s.History(ctx, "cargo/X1", ledger.HistoryQuery{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(cargo) != 2 || cargo[0].Type != "cargo.created" || cargo[1].Type != "containment.load" {
		t.Fatalf("cargo history=%+v", cargo)
	}

	container, err := s.History(ctx, "container/C1", ledger.HistoryQuery{AfterSeq: 1, UpToSeq: 3})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(container) != 1 || container[0].Seq != 3 {
		t.Fatalf("bounded container history=%+v", container)
	}

	limited, err := s.History(ctx, "container/C1", ledger.HistoryQuery{Limit: 2})
	if err != nil || len(limited) != 2 {
		t.Fatalf("limited history=%d err=%v", len(limited), err)
	}

	// The load record kept the cargo's state write but is keyed to the
	// container, so the cargo chain only has its creation record.
	st, err := s.Current(ctx, "cargo/X1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if st.Version != 2 || st.HeadCID != cargo[0].CID {
		t.Fatalf("cargo state=%+v", st)
	}
}

func testStatesScan(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	for i, id := range []string{"C3", "C1", "C2"} {
		mustCommit(t, s, ledger.Txn{
			ID:      fmt.Sprintf("tx-%d", i),
			Writes:  []ledger.Write{write("container/"+id, "container", 0, `{}`)},
			Records: []ledger.Record{record("container/"+id, "container.created")},
		})
	}
	mustCommit(t, s, ledger.Txn{
		ID:      "tx-cargo",
		Writes:  []ledger.Write{write("cargo/C0", "cargo", 0, `{}`)},
		Records: []ledger.Record{record("cargo/C0", "cargo.created")},
	})

	page, err := s.States(ctx, "container", ledger.ScanQuery{Limit: 2})
	if err != nil {
		t.Fatalf("States: %v", err)
	}
	if len(page) != 2 || page[0].Key != "container/C1" || page[1].Key != "container/C2" {
		t.Fatalf("first page=%+v", page)
	}
	rest, err := s.States(ctx, "container", ledger.ScanQuery{AfterKey: page[1].Key})
	if err != nil {
		t.Fatalf("States: %v", err)
	}
	if len(rest) != 1 || rest[0].Key != "container/C3" {
		t.Fatalf("second page=%+v", rest)
	}
}

func testConcurrentWritersOneWins(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	mustCommit(t, s, ledger.Txn{
		ID:      "tx-0",
		Writes:  []ledger.Write{write("cargo/X1", "cargo", 0, `{}`)},
		Records: []ledger.Record{record("cargo/X1", "cargo.created")},
	})

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Commit(ctx, ledger.Txn{
				ID:      fmt.Sprintf("tx-w%d", i),
				Writes:  []ledger.Write{write("cargo/X1", "cargo", 1, fmt.Sprintf(`{"w":%d}`, i))},
				Records: []ledger.Record{record("cargo/X1", "custody.transferred")},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ledger.ErrConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins=%d, want exactly one", wins)
	}
	st, err := s.Current(ctx, "cargo/X1")
	if err != nil || st.Version != 2 {
		t.Fatalf("state=%+v err=%v", st, err)
	}
}

func testChainVerifies(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	version := int64(0)
	for i := 0; i < 4; i++ {
		mustCommit(t, s, ledger.Txn{
			ID:      fmt.Sprintf("tx-%d", i),
			Writes:  []ledger.Write{write("cargo/X1", "cargo", version, `{}`)},
			Records: []ledger.Record{record("cargo/X1", "cargo.attributes_updated")},
		})
		version++
	}
	recs, err := s.History(ctx, "cargo/X1", ledger.HistoryQuery{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	st, err := s.Current(ctx, "cargo/X1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if _, err := ledger.VerifyChain("cargo/X1", recs, st.HeadCID); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
}
