package ledger

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func testRecord(key string, typ string) Record {
	return Record{
		Key:        key,
		Type:       typ,
		Actor:      "participant/alice",
		OccurredAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:    json.RawMessage(`{ "id": "x" }`),
	}
}

func TestKeyRoundTrip(t *testing.T) {
	kind, id, ok := SplitKey(Key("cargo", "X1"))
	if !ok || kind != "cargo" || id != "X1" {
		t.Fatalf("SplitKey=%q,%q,%v", kind, id, ok)
	}
	for _, bad := range []string{"", "cargo", "cargo/", "/X1"} {
		if _, _, ok := SplitKey(bad); ok {
			t.Fatalf("SplitKey(%q) accepted", bad)
		}
	}
}

func TestTxnValidate(t *testing.T) {
	good := Txn{
		ID:      "tx-1",
		Writes:  []Write{{Key: "cargo/X1", Kind: "cargo", Value: json.RawMessage(`{}`)}},
		Records: []Record{testRecord("cargo/X1", "cargo.created")},
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cases := map[string]func(*Txn){
		"missing id":      func(tx *Txn) { tx.ID = " " },
		"no records":      func(tx *Txn) { tx.Records = nil },
		"unwritten key":   func(tx *Txn) { tx.Records[0].Key = "cargo/X2" },
		"duplicate write": func(tx *Txn) { tx.Writes = append(tx.Writes, tx.Writes[0]) },
		"bad value":       func(tx *Txn) { tx.Writes[0].Value = json.RawMessage(`{`) },
		"missing actor":   func(tx *Txn) { tx.Records[0].Actor = "" },
		"bad ref":         func(tx *Txn) { tx.Records[0].Refs = []string{"nokind"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			tx := Txn{
				ID:      good.ID,
				Writes:  append([]Write(nil), good.Writes...),
				Records: []Record{good.Records[0].Clone()},
			}
			mutate(&tx)
			if err := tx.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestPlanChainsRecordsPerKey(t *testing.T) {
	txn := Txn{
		ID: "tx-1",
		Writes: []Write{
			{Key: "container/C1", Kind: "container", ExpectedVersion: 2, Value: json.RawMessage(`{"id":"C1"}`)},
			{Key: "cargo/X1", Kind: "cargo", Value: json.RawMessage(`{"id":"X1"}`)},
		},
		Records: []Record{
			testRecord("cargo/X1", "cargo.created"),
			testRecord("container/C1", "containment.load"),
			testRecord("container/C1", "custody.transferred"),
		},
	}
	current := map[string]State{
		"container/C1": {Key: "container/C1", Kind: "container", Version: 2, HeadCID: "bafkprev"},
	}

	records, states, err := Plan(txn, current)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(records) != 3 || len(states) != 2 {
		t.Fatalf("records=%d states=%d", len(records), len(states))
	}
	if records[0].PrevCID != "" || records[0].Version != 1 || records[0].Kind != "cargo" {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[1].PrevCID != "bafkprev" || records[1].Version != 3 {
		t.Fatalf("unexpected container record: %+v", records[1])
	}
	if records[2].PrevCID != records[1].CID {
		t.Fatalf("second container record not chained to first")
	}
	for _, st := range states {
		switch st.Key {
		case "container/C1":
			if st.Version != 3 || st.HeadCID != records[2].CID {
				t.Fatalf("container state=%+v", st)
			}
		case "cargo/X1":
			if st.Version != 1 || st.HeadCID != records[0].CID {
				t.Fatalf("cargo state=%+v", st)
			}
		}
	}
	if string(records[0].Payload) != `{"id":"x"}` {
		t.Fatalf("payload not compacted: %s", records[0].Payload)
	}
}

func TestPlanRejectsStaleVersion(t *testing.T) {
	txn := Txn{
		ID:      "tx-1",
		Writes:  []Write{{Key: "cargo/X1", Kind: "cargo", ExpectedVersion: 0, Value: json.RawMessage(`{}`)}},
		Records: []Record{testRecord("cargo/X1", "cargo.created")},
	}
	_, _, err := Plan(txn, map[string]State{"cargo/X1": {Key: "cargo/X1", Version: 1}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	txn := Txn{
		ID:      "tx-1",
		Writes:  []Write{{Key: "cargo/X1", Kind: "cargo", Value: json.RawMessage(`{}`)}},
		Records: []Record{testRecord("cargo/X1", "cargo.created"), testRecord("cargo/X1", "custody.transferred")},
	}
	records, states, err := Plan(txn, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	records[0].Seq, records[1].Seq = 1, 2

	tip, err := VerifyChain("cargo/X1", records, states[0].HeadCID)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if tip != records[1].CID {
		t.Fatalf("tip=%s want %s", tip, records[1].CID)
	}

	tampered := []Record{records[0].Clone(), records[1].Clone()}
	tampered[1].Actor = "participant/mallory"
	if _, err := VerifyChain("cargo/X1", tampered, ""); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}

	if _, err := VerifyChain("cargo/X1", records[1:], ""); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected broken link to be detected, got %v", err)
	}
}

func TestComputeCIDIgnoresPayloadWhitespace(t *testing.T) {
	a := testRecord("cargo/X1", "cargo.created")
	b := a.Clone()
	b.Payload = json.RawMessage(`{"id":"x"}`)
	ca, err := ComputeCID(a)
	if err != nil {
		t.Fatalf("ComputeCID: %v", err)
	}
	cb, _ := ComputeCID(b)
	if ca != cb {
		t.Fatalf("cids differ: %s vs %s", ca, cb)
	}
}
