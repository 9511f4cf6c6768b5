// Package sqlstore implements ledger.Store over database/sql for postgres
// (pgx stdlib driver) and sqlite (modernc.org/sqlite).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/animus-labs/cargo-custody/internal/ledger"
	"github.com/animus-labs/cargo-custody/internal/ledger/sqlstore/migrations"
	"github.com/animus-labs/cargo-custody/internal/platform/migrate"
)

const (
	recordColumns = `seq, tx_id, record_key, kind, record_type, version, refs, actor, occurred_at_ns, payload, prev_cid, cid`

	selectTxnSQL = `SELECT operation, scope, first_seq, last_seq, state_keys, committed_at_ns FROM ledger_transactions WHERE tx_id = ?`

	selectStateSQL = `SELECT state_key, kind, version, value, head_cid, updated_seq FROM ledger_states WHERE state_key = ?`

	insertRecordSQL = `INSERT INTO ledger_records (
	tx_id, record_key, kind, record_type, version, refs, actor, occurred_at_ns, payload, prev_cid, cid
) VALUES (?,?,?,?,?,?,?,?,?,?,?)
RETURNING seq`

	insertKeyIndexSQL = `INSERT INTO ledger_key_index (entity_key, seq) VALUES (?, ?)`

	insertStateSQL = `INSERT INTO ledger_states (state_key, kind, version, value, head_cid, updated_seq) VALUES (?,?,?,?,?,?)`

	updateStateSQL = `UPDATE ledger_states
SET version = ?, value = ?, head_cid = ?, updated_seq = ?
WHERE state_key = ? AND version = ?`

	insertTxnSQL = `INSERT INTO ledger_transactions (tx_id, operation, scope, first_seq, last_seq, state_keys, committed_at_ns) VALUES (?,?,?,?,?,?,?)`

	historySQL = `SELECT ` + recordColumns + `
FROM ledger_records
WHERE seq IN (SELECT seq FROM ledger_key_index WHERE entity_key = ? AND seq > ? AND seq <= ?)
ORDER BY seq
LIMIT ?`

	txnRecordsSQL = `SELECT ` + recordColumns + `
FROM ledger_records
WHERE tx_id = ? AND seq >= ? AND seq <= ?
ORDER BY seq`

	scanStatesSQL = `SELECT state_key, kind, version, value, head_cid, updated_seq
FROM ledger_states
WHERE kind = ? AND state_key > ?
ORDER BY state_key
LIMIT ?`

	recordsSQL = `SELECT ` + recordColumns + `
FROM ledger_records
WHERE seq > ?
ORDER BY seq
LIMIT ?`

	headSQL = `SELECT COALESCE(MAX(seq), 0) FROM ledger_records`
)

type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var _ ledger.Store = (*Store)(nil)

func New(db *sql.DB, dialect Dialect) (*Store, error) {
	if db == nil {
		return nil, errors.New("sql db is required")
	}
	if dialect.Name == "" {
		return nil, errors.New("sql dialect is required")
	}
	return &Store{db: db, dialect: dialect, now: time.Now}, nil
}

// Migrate applies the embedded schema for the store's dialect.
func (s *Store) Migrate(ctx context.Context) error {
	return migrate.Apply(ctx, s.db, migrations.FS, s.dialect.migrationRoot, s.dialect.bind)
}

// Ping is used as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}

// classify maps driver errors that mean "lost a race" to ledger.ErrConflict.
func (s *Store) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrConflict) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if s.dialect.isUnique(err) || s.dialect.isRetryable(err) {
		return fmt.Errorf("%w: %s: %v", ledger.ErrConflict, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) Commit(ctx context.Context, txn ledger.Txn) (ledger.Commit, error) {
	if err := txn.Validate(); err != nil {
		return ledger.Commit{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Commit{}, s.classify("begin commit", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect.commitLock != "" {
		if _, err := tx.ExecContext(ctx, s.dialect.commitLock); err != nil {
			return ledger.Commit{}, s.classify("acquire commit lock", err)
		}
	}

	var probe int64
	err = tx.QueryRowContext(ctx, s.q(`SELECT first_seq FROM ledger_transactions WHERE tx_id = ?`), txn.ID).Scan(&probe)
	switch {
	case err == nil:
		_ = tx.Rollback()
		return s.replay(ctx, txn.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return ledger.Commit{}, s.classify("lookup transaction", err)
	}

	current := make(map[string]ledger.State, len(txn.Writes))
	for _, w := range txn.Writes {
		st, err := scanState(tx.QueryRowContext(ctx, s.q(selectStateSQL), w.Key))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return ledger.Commit{}, s.classify("read state", err)
		}
		current[w.Key] = st
	}

	records, states, err := ledger.Plan(txn, current)
	if err != nil {
		return ledger.Commit{}, err
	}

	for i := range records {
		seq, err := s.insertRecord(ctx, tx, records[i])
		if err != nil {
			return ledger.Commit{}, err
		}
		records[i].Seq = seq
	}
	first, last := records[0].Seq, records[len(records)-1].Seq

	expected := make(map[string]int64, len(txn.Writes))
	for _, w := range txn.Writes {
		expected[w.Key] = w.ExpectedVersion
	}
	keys := make([]string, 0, len(states))
	for i := range states {
		states[i].UpdatedSeq = last
		if err := s.writeState(ctx, tx, states[i], expected[states[i].Key]); err != nil {
			return ledger.Commit{}, err
		}
		keys = append(keys, states[i].Key)
	}

	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return ledger.Commit{}, fmt.Errorf("marshal state keys: %w", err)
	}
	scope := ledger.NormalizeScope(txn.Scope)
	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		return ledger.Commit{}, fmt.Errorf("marshal scope: %w", err)
	}
	committedAt := s.now().UTC()
	if _, err := tx.ExecContext(ctx, s.q(insertTxnSQL), txn.ID, txn.Operation, string(scopeJSON), first, last, string(keysJSON), committedAt.UnixNano()); err != nil {
		if s.dialect.isUnique(err) {
			_ = tx.Rollback()
			return s.replay(ctx, txn.ID)
		}
		return ledger.Commit{}, s.classify("insert transaction", err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Commit{}, s.classify("commit", err)
	}

	return ledger.Commit{
		TxID:        txn.ID,
		Operation:   txn.Operation,
		Scope:       scope,
		Records:     records,
		States:      states,
		CommittedAt: time.Unix(0, committedAt.UnixNano()).UTC(),
	}, nil
}

func (s *Store) replay(ctx context.Context, txID string) (ledger.Commit, error) {
	out, err := s.Transaction(ctx, txID)
	if err != nil {
		return ledger.Commit{}, err
	}
	out.Replayed = true
	return out, nil
}

func (s *Store) insertRecord(ctx context.Context, tx *sql.Tx, rec ledger.Record) (int64, error) {
	refs := rec.Refs
	if refs == nil {
		refs = []string{}
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return 0, fmt.Errorf("marshal refs: %w", err)
	}
	var seq int64
	err = tx.QueryRowContext(ctx, s.q(insertRecordSQL),
		rec.TxID,
		rec.Key,
		rec.Kind,
		rec.Type,
		rec.Version,
		string(refsJSON),
		rec.Actor,
		rec.OccurredAt.UTC().UnixNano(),
		string(rec.Payload),
		rec.PrevCID,
		rec.CID,
	).Scan(&seq)
	if err != nil {
		return 0, s.classify("insert record", err)
	}

	indexed := map[string]struct{}{}
	for _, key := range append([]string{rec.Key}, rec.Refs...) {
		if _, dup := indexed[key]; dup {
			continue
		}
		indexed[key] = struct{}{}
		if _, err := tx.ExecContext(ctx, s.q(insertKeyIndexSQL), key, seq); err != nil {
			return 0, s.classify("index record", err)
		}
	}
	return seq, nil
}

func (s *Store) writeState(ctx context.Context, tx *sql.Tx, st ledger.State, expected int64) error {
	if expected == 0 {
		_, err := tx.ExecContext(ctx, s.q(insertStateSQL), st.Key, st.Kind, st.Version, string(st.Value), st.HeadCID, st.UpdatedSeq)
		return s.classify("insert state", err)
	}
	res, err := tx.ExecContext(ctx, s.q(updateStateSQL), st.Version, string(st.Value), st.HeadCID, st.UpdatedSeq, st.Key, expected)
	if err != nil {
		return s.classify("update state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update state rows: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: key %q moved past version %d", ledger.ErrConflict, st.Key, expected)
	}
	return nil
}

func (s *Store) Current(ctx context.Context, key string) (ledger.State, error) {
	st, err := scanState(s.db.QueryRowContext(ctx, s.q(selectStateSQL), key))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.State{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, key)
	}
	if err != nil {
		return ledger.State{}, fmt.Errorf("read state: %w", err)
	}
	return st, nil
}

func (s *Store) History(ctx context.Context, key string, q ledger.HistoryQuery) ([]ledger.Record, error) {
	upTo := q.UpToSeq
	if upTo <= 0 {
		upTo = math.MaxInt64
	}
	rows, err := s.db.QueryContext(ctx, s.q(historySQL), key, q.AfterSeq, upTo, ledger.ClampLimit(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return scanRecords(rows)
}

func (s *Store) Transaction(ctx context.Context, txID string) (ledger.Commit, error) {
	var (
		operation   string
		scopeJSON   string
		first, last int64
		keysJSON    string
		committedNS int64
	)
	err := s.db.QueryRowContext(ctx, s.q(selectTxnSQL), txID).Scan(&operation, &scopeJSON, &first, &last, &keysJSON, &committedNS)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Commit{}, fmt.Errorf("%w: transaction %s", ledger.ErrNotFound, txID)
	}
	if err != nil {
		return ledger.Commit{}, fmt.Errorf("read transaction: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.q(txnRecordsSQL), txID, first, last)
	if err != nil {
		return ledger.Commit{}, fmt.Errorf("query transaction records: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return ledger.Commit{}, err
	}

	var keys []string
	if err := json.Unmarshal([]byte(keysJSON), &keys); err != nil {
		return ledger.Commit{}, fmt.Errorf("decode state keys: %w", err)
	}
	scope := []string{}
	if err := json.Unmarshal([]byte(scopeJSON), &scope); err != nil {
		return ledger.Commit{}, fmt.Errorf("decode scope: %w", err)
	}
	out := ledger.Commit{
		TxID:        txID,
		Operation:   operation,
		Scope:       scope,
		Records:     records,
		CommittedAt: time.Unix(0, committedNS).UTC(),
	}
	for _, key := range keys {
		st, err := s.Current(ctx, key)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			return ledger.Commit{}, err
		}
		out.States = append(out.States, st)
	}
	return out, nil
}

func (s *Store) States(ctx context.Context, kind string, q ledger.ScanQuery) ([]ledger.State, error) {
	rows, err := s.db.QueryContext(ctx, s.q(scanStatesSQL), kind, q.AfterKey, ledger.ClampLimit(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}
	defer rows.Close()

	out := make([]ledger.State, 0)
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate states: %w", err)
	}
	return out, nil
}

func (s *Store) Records(ctx context.Context, afterSeq int64, limit int) ([]ledger.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.q(recordsSQL), afterSeq, ledger.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return scanRecords(rows)
}

func (s *Store) Head(ctx context.Context) (int64, error) {
	var head int64
	if err := s.db.QueryRowContext(ctx, headSQL).Scan(&head); err != nil {
		return 0, fmt.Errorf("read head: %w", err)
	}
	return head, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (ledger.State, error) {
	var (
		st    ledger.State
		value string
	)
	if err := row.Scan(&st.Key, &st.Kind, &st.Version, &value, &st.HeadCID, &st.UpdatedSeq); err != nil {
		return ledger.State{}, err
	}
	st.Value = json.RawMessage(value)
	return st, nil
}

func scanRecords(rows *sql.Rows) ([]ledger.Record, error) {
	defer rows.Close()

	out := make([]ledger.Record, 0)
	for rows.Next() {
		var (
			rec        ledger.Record
			refsJSON   string
			occurredNS int64
			payload    string
		)
		if err := rows.Scan(
			&rec.Seq,
			&rec.TxID,
			&rec.Key,
			&rec.Kind,
			&rec.Type,
			&rec.Version,
			&refsJSON,
			&rec.Actor,
			&occurredNS,
			&payload,
			&rec.PrevCID,
			&rec.CID,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(refsJSON), &rec.Refs); err != nil {
			return nil, fmt.Errorf("decode refs of seq %d: %w", rec.Seq, err)
		}
		if len(rec.Refs) == 0 {
			rec.Refs = nil
		}
		rec.OccurredAt = time.Unix(0, occurredNS).UTC()
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}
