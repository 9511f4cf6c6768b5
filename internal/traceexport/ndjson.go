// Package traceexport writes entity traces as newline-delimited JSON and
// uploads them to object storage.
package traceexport

import (
	"encoding/json"
	"io"
	"time"

	"github.com/animus-labs/cargo-custody/internal/ledger"
)

// NDJSON writes one ledger record per line.
type NDJSON struct {
	enc *json.Encoder
	n   int
}

func NewNDJSON(w io.Writer) *NDJSON {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	return &NDJSON{enc: enc}
}

func (e *NDJSON) Write(rec ledger.Record) error {
	if err := e.enc.Encode(exportRecordFromLedger(rec)); err != nil {
		return err
	}
	e.n++
	return nil
}

// Count is the number of records written so far.
func (e *NDJSON) Count() int { return e.n }

type exportRecord struct {
	Seq        int64           `json:"seq"`
	TxID       string          `json:"tx_id"`
	Key        string          `json:"key"`
	Kind       string          `json:"kind"`
	Type       string          `json:"type"`
	Refs       []string        `json:"refs,omitempty"`
	Actor      string          `json:"actor"`
	OccurredAt string          `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
	PrevCID    string          `json:"prev_cid,omitempty"`
	CID        string          `json:"cid"`
}

func exportRecordFromLedger(rec ledger.Record) exportRecord {
	return exportRecord{
		Seq:        rec.Seq,
		TxID:       rec.TxID,
		Key:        rec.Key,
		Kind:       rec.Kind,
		Type:       rec.Type,
		Refs:       rec.Refs,
		Actor:      rec.Actor,
		OccurredAt: rec.OccurredAt.UTC().Format(time.RFC3339Nano),
		Payload:    rec.Payload,
		PrevCID:    rec.PrevCID,
		CID:        rec.CID,
	}
}
