package traceexport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"testing"
	"time"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/ledger"
	"github.com/animus-labs/cargo-custody/internal/service/history"
)

type memStore struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func (s *memStore) Put(_ context.Context, bucket, key string, body io.Reader, size int64, ct string) error {
	if s.err != nil {
		return s.err
	}
	blob, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(blob)) != size {
		return errors.New("size mismatch")
	}
	s.objects[bucket+"/"+key] = blob
	s.types[bucket+"/"+key] = ct
	return nil
}

func traceOf(records ...ledger.Record) history.Trace {
	var seq iter.Seq2[ledger.Record, error] = func(yield func(ledger.Record, error) bool) {
		for _, r := range records {
			if !yield(r, nil) {
				return
			}
		}
	}
	return history.Trace{Kind: domain.KindCargo, ID: "X1", HeadSeq: 42, Records: seq}
}

func sampleRecords() []ledger.Record {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return []ledger.Record{
		{Seq: 3, TxID: "tx-1", Key: "cargo/X1", Type: "cargo.created", Actor: "P1", OccurredAt: at, Payload: json.RawMessage(`{"id":"X1"}`), CID: "bafk1"},
		{Seq: 9, TxID: "tx-2", Key: "container/C1", Type: "containment.load", Refs: []string{"cargo/X1"}, Actor: "P1", OccurredAt: at.Add(time.Hour), Payload: json.RawMessage(`{"cargo_id":"X1"}`), CID: "bafk2"},
	}
}

func TestNDJSONOneRecordPerLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewNDJSON(&buf)
	for _, r := range sampleRecords() {
		if err := w.Write(r); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	scanner := bufio.NewScanner(&buf)
	var lines []exportRecord
	for scanner.Scan() {
		var rec exportRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line %d: %v", len(lines), err)
		}
		lines = append(lines, rec)
	}
	if len(lines) != 2 || w.Count() != 2 {
		t.Fatalf("lines=%d count=%d", len(lines), w.Count())
	}
	if lines[1].Refs[0] != "cargo/X1" || lines[1].OccurredAt != "2024-03-01T13:00:00Z" || string(lines[0].Payload) != `{"id":"X1"}` {
		t.Fatalf("lines=%+v", lines)
	}
}

func TestExporterUploads(t *testing.T) {
	store := &memStore{objects: map[string][]byte{}, types: map[string]string{}}
	e := NewExporter(store, "custody-traces", nil)

	res, err := e.Export(context.Background(), traceOf(sampleRecords()...))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if res.Key != "traces/cargo/X1/42.ndjson" || res.Records != 2 || len(res.SHA256) != 64 {
		t.Fatalf("result=%+v", res)
	}
	blob := store.objects["custody-traces/"+res.Key]
	if int64(len(blob)) != res.Bytes || store.types["custody-traces/"+res.Key] != contentType {
		t.Fatalf("stored %d bytes as %q", len(blob), store.types["custody-traces/"+res.Key])
	}

	store.err = errors.New("boom")
	if _, err := e.Export(context.Background(), traceOf(sampleRecords()...)); err == nil {
		t.Fatalf("expected upload error")
	}
}

func TestExporterDisabled(t *testing.T) {
	e := NewExporter(nil, "", nil)
	if e.Enabled() {
		t.Fatalf("exporter without store reports enabled")
	}
	if _, err := e.Export(context.Background(), traceOf()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}
