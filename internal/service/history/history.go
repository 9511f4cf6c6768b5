// Package history reads the ordered ledger trail of an entity and its
// current snapshot.
package history

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/ledger"
	"github.com/animus-labs/cargo-custody/internal/projection"
	"github.com/animus-labs/cargo-custody/internal/projection/snapcache"
)

const tracerName = "github.com/animus-labs/cargo-custody/internal/service/history"

type Service struct {
	store    ledger.Store
	reader   *snapcache.Reader
	logger   *slog.Logger
	tracer   trace.Tracer
	pageSize int
}

type Option func(*Service)

// WithPageSize bounds how many records one store read returns.
func WithPageSize(n int) Option { return func(s *Service) { s.pageSize = ledger.ClampLimit(n) } }

func New(store ledger.Store, reader *snapcache.Reader, logger *slog.Logger, opts ...Option) (*Service, error) {
	if store == nil || reader == nil {
		return nil, errors.New("history: store and reader are required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Service{
		store:    store,
		reader:   reader,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		pageSize: ledger.DefaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Trace is an ordered, finite view of the records touching one entity. It is
// bounded by the ledger head observed when it was opened, so records
// committed later are never yielded. Ranging over it again starts over.
type Trace struct {
	Kind    domain.EntityKind
	ID      string
	HeadSeq int64
	Records iter.Seq2[ledger.Record, error]
}

func (s *Service) TraceCargo(ctx context.Context, id string) (Trace, error) {
	return s.Open(ctx, domain.KindCargo, id)
}

func (s *Service) TraceContainer(ctx context.Context, id string) (Trace, error) {
	return s.Open(ctx, domain.KindContainer, id)
}

// Open starts a trace for any entity kind. It fails with NotFound when no
// record touches the entity.
func (s *Service) Open(ctx context.Context, kind domain.EntityKind, id string) (Trace, error) {
	id = strings.TrimSpace(id)
	if err := domain.ValidateID(kind, id); err != nil {
		return Trace{}, err
	}
	spanCtx, span := s.tracer.Start(ctx, "custody.trace_open", trace.WithAttributes(
		attribute.String("custody.entity_kind", string(kind)),
		attribute.String("custody.entity_id", id),
	))
	defer span.End()

	key := ledger.Key(string(kind), id)
	head, err := s.store.Head(spanCtx)
	if err != nil {
		return Trace{}, err
	}
	first, err := s.store.History(spanCtx, key, ledger.HistoryQuery{UpToSeq: head, Limit: 1})
	if err != nil {
		return Trace{}, err
	}
	if head == 0 || len(first) == 0 {
		return Trace{}, domain.NotFound(kind, id)
	}
	span.SetAttributes(attribute.Int64("custody.head_seq", head))
	return Trace{Kind: kind, ID: id, HeadSeq: head, Records: s.records(ctx, key, head)}, nil
}

func (s *Service) records(ctx context.Context, key string, head int64) iter.Seq2[ledger.Record, error] {
	return func(yield func(ledger.Record, error) bool) {
		q := ledger.HistoryQuery{UpToSeq: head, Limit: s.pageSize}
		for {
			page, err := s.store.History(ctx, key, q)
			if err != nil {
				yield(ledger.Record{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < q.Limit {
				return
			}
			q.AfterSeq = page[len(page)-1].Seq
		}
	}
}

// Collect drains a trace into a slice.
func Collect(t Trace) ([]ledger.Record, error) {
	out := []ledger.Record{}
	for rec, err := range t.Records {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Service) TrackCargoDetails(ctx context.Context, id string) (domain.Cargo, error) {
	st, err := s.current(ctx, domain.KindCargo, id)
	if err != nil {
		return domain.Cargo{}, err
	}
	return projection.DecodeCargo(st)
}

func (s *Service) TrackContainerDetails(ctx context.Context, id string) (domain.Container, error) {
	st, err := s.current(ctx, domain.KindContainer, id)
	if err != nil {
		return domain.Container{}, err
	}
	return projection.DecodeContainer(st)
}

func (s *Service) TrackParticipantDetails(ctx context.Context, id string) (domain.Participant, error) {
	st, err := s.current(ctx, domain.KindParticipant, id)
	if err != nil {
		return domain.Participant{}, err
	}
	return projection.DecodeParticipant(st)
}

func (s *Service) current(ctx context.Context, kind domain.EntityKind, id string) (ledger.State, error) {
	id = strings.TrimSpace(id)
	if err := domain.ValidateID(kind, id); err != nil {
		return ledger.State{}, err
	}
	st, err := s.reader.Current(ctx, ledger.Key(string(kind), id))
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.State{}, domain.NotFound(kind, id)
	}
	return st, err
}

// ChainReport is the outcome of re-hashing one entity's records.
type ChainReport struct {
	Key      string `json:"key"`
	HeadSeq  int64  `json:"head_seq"`
	Records  int    `json:"records"`
	HeadCID  string `json:"head_cid"`
	Verified bool   `json:"verified"`
	Problem  string `json:"problem,omitempty"`
}

// VerifyChain recomputes the content id of every record touching the entity
// and checks the links between the records keyed to it. Tampering is
// reported in the result; the error is reserved for failed reads.
func (s *Service) VerifyChain(ctx context.Context, kind domain.EntityKind, id string) (ChainReport, error) {
	t, err := s.Open(ctx, kind, id)
	if err != nil {
		return ChainReport{}, err
	}
	records, err := Collect(t)
	if err != nil {
		return ChainReport{}, err
	}
	key := ledger.Key(string(kind), id)
	report := ChainReport{Key: key, HeadSeq: t.HeadSeq, Records: len(records)}

	var head string
	st, err := s.store.Current(ctx, key)
	switch {
	case err == nil && st.UpdatedSeq <= t.HeadSeq:
		head = st.HeadCID
	case err != nil && !errors.Is(err, ledger.ErrNotFound):
		return ChainReport{}, err
	}
	tip, err := ledger.VerifyChain(key, records, head)
	if err != nil {
		if !errors.Is(err, ledger.ErrIntegrity) {
			return ChainReport{}, err
		}
		report.Problem = err.Error()
		s.logger.Error("ledger chain verification failed", "entity_key", key, "error", err)
		return report, nil
	}
	report.HeadCID = tip
	report.Verified = true
	return report, nil
}
