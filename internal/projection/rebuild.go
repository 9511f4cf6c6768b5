package projection

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/ledger"
)

// Snapshots is the result of replaying the ledger from the first record.
type Snapshots struct {
	HeadSeq      int64
	Participants map[string]domain.Participant
	Containers   map[string]domain.Container
	Cargo        map[string]domain.Cargo
	// Heads maps each primary key to the CID of its newest record.
	Heads map[string]string
}

// Rebuild replays every record up to the current head, checking content ids
// and per-key links on the way.
func Rebuild(ctx context.Context, store ledger.Store) (Snapshots, error) {
	head, err := store.Head(ctx)
	if err != nil {
		return Snapshots{}, err
	}
	out := Snapshots{
		HeadSeq:      head,
		Participants: map[string]domain.Participant{},
		Containers:   map[string]domain.Container{},
		Cargo:        map[string]domain.Cargo{},
		Heads:        map[string]string{},
	}

	var after int64
	for after < head {
		page, err := store.Records(ctx, after, ledger.MaxPageSize)
		if err != nil {
			return Snapshots{}, err
		}
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			if rec.Seq > head {
				return out, nil
			}
			if err := out.apply(rec); err != nil {
				return Snapshots{}, err
			}
			after = rec.Seq
		}
	}
	return out, nil
}

func (s *Snapshots) apply(rec ledger.Record) error {
	if err := ledger.VerifyRecord(rec); err != nil {
		return err
	}
	if rec.PrevCID != s.Heads[rec.Key] {
		return fmt.Errorf("%w: seq %d links to %q, chain tip is %q", ledger.ErrIntegrity, rec.Seq, rec.PrevCID, s.Heads[rec.Key])
	}
	s.Heads[rec.Key] = rec.CID

	keys := append([]string{rec.Key}, rec.Refs...)
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		kind, id, ok := ledger.SplitKey(key)
		if !ok {
			return fmt.Errorf("seq %d: malformed key %q", rec.Seq, key)
		}
		var err error
		switch domain.EntityKind(kind) {
		case domain.KindParticipant:
			s.Participants[id], err = ApplyParticipant(s.Participants[id], rec)
		case domain.KindContainer:
			c, ok := s.Containers[id]
			if !ok {
				c = domain.Container{ID: id}
			}
			s.Containers[id], err = ApplyContainer(c, rec)
		case domain.KindCargo:
			c, ok := s.Cargo[id]
			if !ok {
				c = domain.Cargo{ID: id}
			}
			s.Cargo[id], err = ApplyCargo(c, rec)
		default:
			err = fmt.Errorf("seq %d: unknown entity kind %q", rec.Seq, kind)
		}
		if err != nil {
			return fmt.Errorf("replay seq %d into %s: %w", rec.Seq, key, err)
		}
	}
	return nil
}

// Drift is one stored state that disagrees with the replayed ledger.
type Drift struct {
	Key     string `json:"key"`
	Problem string `json:"problem"`
}

type Report struct {
	HeadSeq  int64   `json:"head_seq"`
	Checked  int     `json:"checked"`
	Skipped  int     `json:"skipped"`
	Drift    []Drift `json:"drift"`
	Verified bool    `json:"verified"`
}

// Verify rebuilds every snapshot and compares it with the stored state. States
// written after the rebuild's head are skipped rather than reported.
func Verify(ctx context.Context, store ledger.Store, logger *slog.Logger) (Report, error) {
	snaps, err := Rebuild(ctx, store)
	if err != nil {
		return Report{}, err
	}
	report := Report{HeadSeq: snaps.HeadSeq, Drift: []Drift{}}
	seen := map[string]struct{}{}

	for _, kind := range []domain.EntityKind{domain.KindParticipant, domain.KindContainer, domain.KindCargo} {
		q := ledger.ScanQuery{Limit: ledger.MaxPageSize}
		for {
			page, err := store.States(ctx, string(kind), q)
			if err != nil {
				return Report{}, err
			}
			for _, st := range page {
				seen[st.Key] = struct{}{}
				if st.UpdatedSeq > snaps.HeadSeq {
					report.Skipped++
					continue
				}
				report.Checked++
				if problem := snaps.compare(kind, st); problem != "" {
					report.Drift = append(report.Drift, Drift{Key: st.Key, Problem: problem})
				}
			}
			if len(page) < q.Limit {
				break
			}
			q.AfterKey = page[len(page)-1].Key
		}
	}

	for _, key := range snaps.keys() {
		if _, ok := seen[key]; !ok {
			report.Drift = append(report.Drift, Drift{Key: key, Problem: "ledger history without stored state"})
		}
	}
	sort.Slice(report.Drift, func(i, j int) bool { return report.Drift[i].Key < report.Drift[j].Key })
	report.Verified = len(report.Drift) == 0

	if logger != nil {
		level := slog.LevelInfo
		if !report.Verified {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "projection verify",
			"head_seq", report.HeadSeq,
			"checked", report.Checked,
			"skipped", report.Skipped,
			"drift", len(report.Drift),
		)
	}
	return report, nil
}

func (s Snapshots) compare(kind domain.EntityKind, st ledger.State) string {
	_, id, ok := ledger.SplitKey(st.Key)
	if !ok {
		return "malformed key"
	}
	var (
		stored any
		want   any
		err    error
		found  bool
	)
	switch kind {
	case domain.KindParticipant:
		stored, err = DecodeParticipant(st)
		want, found = s.Participants[id]
	case domain.KindContainer:
		var c domain.Container
		c, err = DecodeContainer(st)
		stored = c
		if err == nil {
			if invErr := c.CheckInvariant(); invErr != nil {
				return invErr.Error()
			}
		}
		want, found = s.Containers[id]
	case domain.KindCargo:
		var c domain.Cargo
		c, err = DecodeCargo(st)
		stored = c
		if err == nil && c.Container != "" {
			holder := s.Containers[c.Container]
			if recErr := c.CheckReciprocal(&holder); recErr != nil {
				return recErr.Error()
			}
		}
		want, found = s.Cargo[id]
	}
	if err != nil {
		return err.Error()
	}
	if !found {
		return "stored state has no ledger history"
	}
	if head := s.Heads[st.Key]; head != st.HeadCID {
		return fmt.Sprintf("head cid %q, ledger tip %q", st.HeadCID, head)
	}
	a, errA := Encode(stored)
	b, errB := Encode(want)
	if errA != nil || errB != nil {
		return "snapshot not encodable"
	}
	if !bytes.Equal(a, b) {
		return "stored snapshot differs from ledger fold"
	}
	return ""
}

func (s Snapshots) keys() []string {
	out := make([]string, 0, len(s.Participants)+len(s.Containers)+len(s.Cargo))
	for id := range s.Participants {
		out = append(out, ledger.Key(string(domain.KindParticipant), id))
	}
	for id := range s.Containers {
		out = append(out, ledger.Key(string(domain.KindContainer), id))
	}
	for id := range s.Cargo {
		out = append(out, ledger.Key(string(domain.KindCargo), id))
	}
	return out
}
