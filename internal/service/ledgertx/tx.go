package ledgertx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/ledger"
	"github.com/animus-labs/cargo-custody/internal/projection"
)

type entry struct {
	kind    domain.EntityKind
	id      string
	version int64
	exists  bool
	dirty   bool
	value   any
}

// Tx stages one attempt of a unit of work. Snapshots read through it are
// remembered with their version; records emitted through it are folded into
// those snapshots immediately, so later reads in the same attempt see them.
type Tx struct {
	ctx     context.Context
	store   ledger.Store
	id      string
	op      string
	scope   []string
	actor   string
	at      time.Time
	entries map[string]*entry
	records []ledger.Record
}

func newTx(ctx context.Context, store ledger.Store, req Request, at time.Time) *Tx {
	return &Tx{
		ctx:     ctx,
		store:   store,
		id:      req.TxID,
		op:      req.Operation,
		scope:   req.scope(),
		actor:   req.Actor,
		at:      at.UTC(),
		entries: map[string]*entry{},
	}
}

func (tx *Tx) ID() string { return tx.id }
func (tx *Tx) Actor() string { return tx.actor }
func (tx *Tx) Now() time.Time { return tx.at }
func (tx *Tx) Context() context.Context { return tx.ctx }

func (tx *Tx) load(kind domain.EntityKind, id string) (*entry, error) {
	if err := domain.ValidateID(kind, id); err != nil {
		return nil, err
	}
	key := ledger.Key(string(kind), id)
	if e, ok := tx.entries[key]; ok {
		return e, nil
	}

	e := &entry{kind: kind, id: id}
	st, err := tx.store.Current(tx.ctx, key)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		e.value = emptySnapshot(kind, id)
	case err != nil:
		return nil, err
	default:
		e.exists = true
		e.version = st.Version
		switch kind {
		case domain.KindParticipant:
			e.value, err = projection.DecodeParticipant(st)
		case domain.KindContainer:
			e.value, err = projection.DecodeContainer(st)
		case domain.KindCargo:
			e.value, err = projection.DecodeCargo(st)
		}
		if err != nil {
			return nil, err
		}
	}
	tx.entries[key] = e
	return e, nil
}

func emptySnapshot(kind domain.EntityKind, id string) any {
	switch kind {
	case domain.KindParticipant:
		return domain.Participant{ID: id}
	case domain.KindContainer:
		return domain.Container{ID: id}
	default:
		return domain.Cargo{ID: id}
	}
}

// Exists reports whether the entity has committed or staged state.
func (tx *Tx) Exists(kind domain.EntityKind, id string) (bool, error) {
	e, err := tx.load(kind, id)
	if err != nil {
		return false, err
	}
	return e.exists, nil
}

func (tx *Tx) Participant(id string) (domain.Participant, error) {
	e, err := tx.load(domain.KindParticipant, id)
	if err != nil {
		return domain.Participant{}, err
	}
	if !e.exists {
		return domain.Participant{}, domain.NotFound(domain.KindParticipant, id)
	}
	return e.value.(domain.Participant), nil
}

func (tx *Tx) Container(id string) (domain.Container, error) {
	e, err := tx.load(domain.KindContainer, id)
	if err != nil {
		return domain.Container{}, err
	}
	if !e.exists {
		return domain.Container{}, domain.NotFound(domain.KindContainer, id)
	}
	return e.value.(domain.Container), nil
}

func (tx *Tx) Cargo(id string) (domain.Cargo, error) {
	e, err := tx.load(domain.KindCargo, id)
	if err != nil {
		return domain.Cargo{}, err
	}
	if !e.exists {
		return domain.Cargo{}, domain.NotFound(domain.KindCargo, id)
	}
	return e.value.(domain.Cargo), nil
}

// Ref names an entity touched by an emitted record.
type Ref struct {
	Kind domain.EntityKind
	ID   string
}

func (r Ref) Key() string { return ledger.Key(string(r.Kind), r.ID) }

func ParticipantRef(id string) Ref { return Ref{Kind: domain.KindParticipant, ID: id} }
func ContainerRef(id string) Ref { return Ref{Kind: domain.KindContainer, ID: id} }
func CargoRef(id string) Ref { return Ref{Kind: domain.KindCargo, ID: id} }

// Emit stages a record keyed to subject and referencing refs, folding it into
// every touched snapshot. A fold failure leaves the attempt unchanged.
func (tx *Tx) Emit(typ domain.RecordType, subject Ref, payload any, refs ...Ref) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", typ, err)
	}
	rec := ledger.Record{
		TxID:       tx.id,
		Key:        subject.Key(),
		Kind:       string(subject.Kind),
		Type:       string(typ),
		Actor:      tx.actor,
		OccurredAt: tx.at,
		Payload:    blob,
	}
	for _, r := range refs {
		rec.Refs = append(rec.Refs, r.Key())
	}

	touched := append([]Ref{subject}, refs...)
	next := make(map[string]any, len(touched))
	for _, r := range touched {
		e, err := tx.load(r.Kind, r.ID)
		if err != nil {
			return err
		}
		created := isCreate(typ) && r == subject
		if !e.exists && !created {
			return domain.NotFound(r.Kind, r.ID)
		}
		var v any
		switch snap := e.value.(type) {
		case domain.Participant:
			v, err = projection.ApplyParticipant(snap, rec)
		case domain.Container:
			v, err = projection.ApplyContainer(snap, rec)
		case domain.Cargo:
			v, err = projection.ApplyCargo(snap, rec)
		}
		if err != nil {
			return err
		}
		next[r.Key()] = v
	}

	for key, v := range next {
		e := tx.entries[key]
		e.value = v
		e.exists = true
		e.dirty = true
	}
	tx.records = append(tx.records, rec)
	return nil
}

func isCreate(typ domain.RecordType) bool {
	switch typ {
	case domain.RecordParticipantRegistered, domain.RecordContainerCreated, domain.RecordCargoCreated:
		return true
	}
	return false
}

func (tx *Tx) txn() (ledger.Txn, error) {
	keys := make([]string, 0, len(tx.entries))
	for key, e := range tx.entries {
		if e.dirty {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := ledger.Txn{ID: tx.id, Operation: tx.op, Scope: tx.scope, Records: tx.records}
	for _, key := range keys {
		e := tx.entries[key]
		value, err := projection.Encode(e.value)
		if err != nil {
			return ledger.Txn{}, err
		}
		out.Writes = append(out.Writes, ledger.Write{
			Key:             key,
			Kind:            string(e.kind),
			ExpectedVersion: e.version,
			Value:           value,
		})
	}
	return out, nil
}

// ActorRole returns the registered role of the acting participant, or "" when
// the actor is not a registered participant.
func (tx *Tx) ActorRole() (string, error) {
	if domain.ValidateID(domain.KindParticipant, tx.actor) != nil {
		return "", nil
	}
	p, err := tx.Participant(tx.actor)
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return p.Role, nil
}
