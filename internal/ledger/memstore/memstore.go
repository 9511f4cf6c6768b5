// Package memstore is an in-process ledger.Store used by tests and by the
// "memory" ledger backend.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/cargo-custody/internal/ledger"
)

type txnSpan struct {
	operation   string
	scope       []string
	first       int64
	last        int64
	keys        []string
	committedAt time.Time
}

type Store struct {
	mu      sync.RWMutex
	records []ledger.Record
	states  map[string]ledger.State
	txns    map[string]txnSpan
	touched map[string][]int64
	now     func() time.Time
}

func New() *Store {
	return &Store{
		states:  map[string]ledger.State{},
		txns:    map[string]txnSpan{},
		touched: map[string][]int64{},
		now:     time.Now,
	}
}

var _ ledger.Store = (*Store)(nil)

func (s *Store) Commit(ctx context.Context, txn ledger.Txn) (ledger.Commit, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Commit{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if span, ok := s.txns[txn.ID]; ok {
		out := s.commitLocked(txn.ID, span)
		out.Replayed = true
		return out, nil
	}

	current := make(map[string]ledger.State, len(txn.Writes))
	for _, w := range txn.Writes {
		if st, ok := s.states[w.Key]; ok {
			current[w.Key] = st
		}
	}
	records, states, err := ledger.Plan(txn, current)
	if err != nil {
		return ledger.Commit{}, err
	}

	first := int64(len(s.records)) + 1
	for i := range records {
		records[i].Seq = first + int64(i)
		s.records = append(s.records, records[i].Clone())
		s.index(records[i])
	}
	last := int64(len(s.records))

	keys := make([]string, 0, len(states))
	for i := range states {
		states[i].UpdatedSeq = last
		s.states[states[i].Key] = states[i].Clone()
		keys = append(keys, states[i].Key)
	}
	s.txns[txn.ID] = txnSpan{
		operation:   txn.Operation,
		scope:       ledger.NormalizeScope(txn.Scope),
		first:       first,
		last:        last,
		keys:        keys,
		committedAt: s.now().UTC(),
	}
	return s.commitLocked(txn.ID, s.txns[txn.ID]), nil
}

func (s *Store) index(rec ledger.Record) {
	s.touched[rec.Key] = append(s.touched[rec.Key], rec.Seq)
	for _, ref := range rec.Refs {
		if ref == rec.Key {
			continue
		}
		seqs := s.touched[ref]
		if n := len(seqs); n > 0 && seqs[n-1] == rec.Seq {
			continue
		}
		s.touched[ref] = append(seqs, rec.Seq)
	}
}

// commitLocked rebuilds a commit from stored data. States reflect the values
// written by the transaction's keys as they are now.
func (s *Store) commitLocked(txID string, span txnSpan) ledger.Commit {
	out := ledger.Commit{
		TxID:        txID,
		Operation:   span.operation,
		Scope:       slices.Clone(span.scope),
		CommittedAt: span.committedAt,
	}
	for seq := span.first; seq <= span.last; seq++ {
		out.Records = append(out.Records, s.records[seq-1].Clone())
	}
	for _, key := range span.keys {
		if st, ok := s.states[key]; ok {
			out.States = append(out.States, st.Clone())
		}
	}
	return out
}

func (s *Store) Current(ctx context.Context, key string) (ledger.State, error) {
	if err := ctx.Err(); err != nil {
		return ledger.State{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[key]
	if !ok {
		return ledger.State{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, key)
	}
	return st.Clone(), nil
}

func (s *Store) History(ctx context.Context, key string, q ledger.HistoryQuery) ([]ledger.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seqs := s.touched[key]
	start := sort.Search(len(seqs), func(i int) bool { return seqs[i] > q.AfterSeq })
	limit := ledger.ClampLimit(q.Limit)
	out := make([]ledger.Record, 0, min(limit, len(seqs)-start))
	for _, seq := range seqs[start:] {
		if q.UpToSeq > 0 && seq > q.UpToSeq {
			break
		}
		out = append(out, s.records[seq-1].Clone())
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Transaction(ctx context.Context, txID string) (ledger.Commit, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Commit{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	span, ok := s.txns[txID]
	if !ok {
		return ledger.Commit{}, fmt.Errorf("%w: transaction %s", ledger.ErrNotFound, txID)
	}
	return s.commitLocked(txID, span), nil
}

func (s *Store) States(ctx context.Context, kind string, q ledger.ScanQuery) ([]ledger.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := kind + "/"
	keys := make([]string, 0)
	for key := range s.states {
		if strings.HasPrefix(key, prefix) && key > q.AfterKey {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	limit := ledger.ClampLimit(q.Limit)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]ledger.State, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.states[key].Clone())
	}
	return out, nil
}

func (s *Store) Records(ctx context.Context, afterSeq int64, limit int) ([]ledger.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if afterSeq < 0 {
		afterSeq = 0
	}
	limit = ledger.ClampLimit(limit)
	out := make([]ledger.Record, 0)
	for seq := afterSeq + 1; seq <= int64(len(s.records)) && len(out) < limit; seq++ {
		out = append(out, s.records[seq-1].Clone())
	}
	return out, nil
}

func (s *Store) Head(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}
