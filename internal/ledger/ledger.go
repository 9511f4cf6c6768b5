// Package ledger defines the append-only record store that is the source of
// truth for custody state.
//
// A commit appends one or more immutable records and overwrites the current
// state of the keys it writes, atomically. Every state write names the version
// it was computed from; a commit whose read versions are stale fails with
// ErrConflict and has no effect. Records are content addressed (see Seal) and
// chained per primary key through PrevCID.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("ledger: not found")
	ErrConflict = errors.New("ledger: version conflict")
)

// Record is one immutable ledger entry.
type Record struct {
	Seq        int64           `json:"seq"`
	TxID       string          `json:"tx_id"`
	Key        string          `json:"key"`
	Kind       string          `json:"kind"`
	Type       string          `json:"type"`
	Version    int64           `json:"version"`
	Refs       []string        `json:"refs,omitempty"`
	Actor      string          `json:"actor"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
	PrevCID    string          `json:"prev_cid,omitempty"`
	CID        string          `json:"cid"`
}

// Touches reports whether the record is keyed to key or references it.
func (r Record) Touches(key string) bool {
	return r.Key == key || slices.Contains(r.Refs, key)
}

func (r Record) Clone() Record {
	out := r
	out.Refs = slices.Clone(r.Refs)
	out.Payload = slices.Clone(r.Payload)
	return out
}

// State is the current projection of one key.
type State struct {
	Key        string          `json:"key"`
	Kind       string          `json:"kind"`
	Version    int64           `json:"version"`
	Value      json.RawMessage `json:"value"`
	HeadCID    string          `json:"head_cid,omitempty"`
	UpdatedSeq int64           `json:"updated_seq"`
}

func (s State) Clone() State {
	out := s
	out.Value = slices.Clone(s.Value)
	return out
}

// Write replaces the state of Key. ExpectedVersion is the version the value
// was derived from; zero means the key must not exist yet.
type Write struct {
	Key             string
	Kind            string
	ExpectedVersion int64
	Value           json.RawMessage
}

// Txn is an atomic unit: every record is appended and every write applied, or
// nothing is.
type Txn struct {
	ID string
	// Operation and Scope name the command that produced the transaction and
	// the keys it was run against. They are stored with the transaction so a
	// replay can be matched to the command that committed it.
	Operation string
	Scope     []string
	Writes    []Write
	Records   []Record
}

// Commit describes a committed transaction.
type Commit struct {
	TxID        string
	Operation   string
	Scope       []string
	Records     []Record
	States      []State
	CommittedAt time.Time
	Replayed    bool
}

// NormalizeScope returns the sorted, de-duplicated keys, never nil.
func NormalizeScope(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Matches reports whether the commit was produced by operation over scope.
func (c Commit) Matches(operation string, scope []string) bool {
	return c.Operation == operation && slices.Equal(NormalizeScope(c.Scope), NormalizeScope(scope))
}

type HistoryQuery struct {
	AfterSeq int64
	UpToSeq  int64
	Limit    int
}

type ScanQuery struct {
	AfterKey string
	Limit    int
}

// Store is the boundary to the ledger backend.
type Store interface {
	// Commit applies txn atomically. Committing an already committed
	// transaction id returns the original commit with Replayed set.
	Commit(ctx context.Context, txn Txn) (Commit, error)
	Current(ctx context.Context, key string) (State, error)
	// History returns records keyed to or referencing key in sequence order.
	History(ctx context.Context, key string, q HistoryQuery) ([]Record, error)
	Transaction(ctx context.Context, txID string) (Commit, error)
	States(ctx context.Context, kind string, q ScanQuery) ([]State, error)
	Records(ctx context.Context, afterSeq int64, limit int) ([]Record, error)
	Head(ctx context.Context) (int64, error)
}

// Key builds the ledger key for an entity.
func Key(kind string, id string) string {
	return kind + "/" + id
}

// SplitKey is the inverse of Key.
func SplitKey(key string) (kind string, id string, ok bool) {
	kind, id, ok = strings.Cut(key, "/")
	if !ok || kind == "" || id == "" {
		return "", "", false
	}
	return kind, id, true
}

const (
	DefaultPageSize = 256
	MaxPageSize     = 5000
)

// ClampLimit normalizes a page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func (t Txn) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("ledger: transaction id is required")
	}
	if len(t.Records) == 0 {
		return errors.New("ledger: transaction has no records")
	}
	written := make(map[string]struct{}, len(t.Writes))
	for i, w := range t.Writes {
		if _, _, ok := SplitKey(w.Key); !ok {
			return fmt.Errorf("ledger: writes[%d] key %q is malformed", i, w.Key)
		}
		if strings.TrimSpace(w.Kind) == "" {
			return fmt.Errorf("ledger: writes[%d] kind is required", i)
		}
		if w.ExpectedVersion < 0 {
			return fmt.Errorf("ledger: writes[%d] expected version must be >= 0", i)
		}
		if len(w.Value) == 0 || !json.Valid(w.Value) {
			return fmt.Errorf("ledger: writes[%d] value must be valid json", i)
		}
		if _, dup := written[w.Key]; dup {
			return fmt.Errorf("ledger: key %q written twice", w.Key)
		}
		written[w.Key] = struct{}{}
	}
	for i, r := range t.Records {
		if _, ok := written[r.Key]; !ok {
			return fmt.Errorf("ledger: records[%d] key %q has no state write", i, r.Key)
		}
		if strings.TrimSpace(r.Type) == "" {
			return fmt.Errorf("ledger: records[%d] type is required", i)
		}
		if strings.TrimSpace(r.Actor) == "" {
			return fmt.Errorf("ledger: records[%d] actor is required", i)
		}
		if r.OccurredAt.IsZero() {
			return fmt.Errorf("ledger: records[%d] occurred_at is required", i)
		}
		if len(r.Payload) == 0 || !json.Valid(r.Payload) {
			return fmt.Errorf("ledger: records[%d] payload must be valid json", i)
		}
		for _, ref := range r.Refs {
			if _, _, ok := SplitKey(ref); !ok {
				return fmt.Errorf("ledger: records[%d] ref %q is malformed", i, ref)
			}
		}
	}
	return nil
}

// Plan checks txn against the current states of its written keys and returns
// the sealed records and the resulting states, both without sequence numbers.
// Backends call it inside their own isolation boundary.
func Plan(txn Txn, current map[string]State) ([]Record, []State, error) {
	if err := txn.Validate(); err != nil {
		return nil, nil, err
	}
	next := make(map[string]State, len(txn.Writes))
	states := make([]State, 0, len(txn.Writes))
	for _, w := range txn.Writes {
		cur, exists := current[w.Key]
		var have int64
		if exists {
			have = cur.Version
		}
		if have != w.ExpectedVersion {
			return nil, nil, fmt.Errorf("%w: key %q at version %d, expected %d", ErrConflict, w.Key, have, w.ExpectedVersion)
		}
		st := State{
			Key:     w.Key,
			Kind:    w.Kind,
			Version: have + 1,
			Value:   compactJSON(w.Value),
			HeadCID: cur.HeadCID,
		}
		next[w.Key] = st
		states = append(states, st)
	}

	sealed := make([]Record, 0, len(txn.Records))
	for _, r := range txn.Records {
		st := next[r.Key]
		r.TxID = txn.ID
		r.Version = st.Version
		if r.Kind == "" {
			r.Kind = st.Kind
		}
		rec, err := Seal(r, st.HeadCID)
		if err != nil {
			return nil, nil, err
		}
		st.HeadCID = rec.CID
		next[r.Key] = st
		sealed = append(sealed, rec)
	}
	for i := range states {
		states[i].HeadCID = next[states[i].Key].HeadCID
	}
	return sealed, states, nil
}

// ScanStates walks the states of kind whose key sorts after afterKey, one
// page at a time, until fn returns false or the scan is exhausted.
func ScanStates(ctx context.Context, s Store, kind string, afterKey string, fn func(State) bool) error {
	q := ScanQuery{AfterKey: afterKey, Limit: DefaultPageSize}
	for {
		page, err := s.States(ctx, kind, q)
		if err != nil {
			return err
		}
		for _, st := range page {
			if !fn(st) {
				return nil
			}
		}
		if len(page) < q.Limit {
			return nil
		}
		q.AfterKey = page[len(page)-1].Key
	}
}
