package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var ErrIntegrity = errors.New("ledger: integrity check failed")

// Seal links rec to prevCID and stamps its content identifier: a CIDv1 (raw,
// sha2-256) over the canonical JSON of every field except Seq and CID.
func Seal(rec Record, prevCID string) (Record, error) {
	rec.PrevCID = strings.TrimSpace(prevCID)
	rec.OccurredAt = rec.OccurredAt.UTC()
	rec.Payload = compactJSON(rec.Payload)
	id, err := ComputeCID(rec)
	if err != nil {
		return Record{}, err
	}
	rec.CID = id
	return rec, nil
}

func ComputeCID(rec Record) (string, error) {
	type sealInput struct {
		TxID       string          `json:"tx_id"`
		Key        string          `json:"key"`
		Kind       string          `json:"kind"`
		Type       string          `json:"type"`
		Version    int64           `json:"version"`
		Refs       []string        `json:"refs"`
		Actor      string          `json:"actor"`
		OccurredAt time.Time       `json:"occurred_at"`
		Payload    json.RawMessage `json:"payload"`
		PrevCID    string          `json:"prev_cid"`
	}

	refs := rec.Refs
	if refs == nil {
		refs = []string{}
	}
	blob, err := json.Marshal(sealInput{
		TxID:       rec.TxID,
		Key:        rec.Key,
		Kind:       rec.Kind,
		Type:       rec.Type,
		Version:    rec.Version,
		Refs:       refs,
		Actor:      rec.Actor,
		OccurredAt: rec.OccurredAt.UTC(),
		Payload:    compactJSON(rec.Payload),
		PrevCID:    rec.PrevCID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal seal input: %w", err)
	}
	sum, err := multihash.Sum(blob, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hash seal input: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// VerifyRecord recomputes the record's CID.
func VerifyRecord(rec Record) error {
	if _, err := cid.Decode(rec.CID); err != nil {
		return fmt.Errorf("%w: seq %d: malformed cid %q: %v", ErrIntegrity, rec.Seq, rec.CID, err)
	}
	want, err := ComputeCID(rec)
	if err != nil {
		return err
	}
	if want != rec.CID {
		return fmt.Errorf("%w: seq %d: cid %s does not match content (%s)", ErrIntegrity, rec.Seq, rec.CID, want)
	}
	return nil
}

// VerifyChain checks every record's CID and the PrevCID links of the records
// keyed to key. records must be in sequence order and may include records that
// only reference key; those are checked for content but not linkage.
// It returns the CID of the last record keyed to key.
func VerifyChain(key string, records []Record, head string) (string, error) {
	prev := ""
	var lastSeq int64
	for _, rec := range records {
		if rec.Seq <= lastSeq {
			return "", fmt.Errorf("%w: seq %d out of order", ErrIntegrity, rec.Seq)
		}
		lastSeq = rec.Seq
		if err := VerifyRecord(rec); err != nil {
			return "", err
		}
		if rec.Key != key {
			continue
		}
		if rec.PrevCID != prev {
			return "", fmt.Errorf("%w: seq %d links to %q, expected %q", ErrIntegrity, rec.Seq, rec.PrevCID, prev)
		}
		prev = rec.CID
	}
	if head != "" && head != prev {
		return "", fmt.Errorf("%w: state head %s does not match chain tip %q", ErrIntegrity, head, prev)
	}
	return prev, nil
}

func compactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
