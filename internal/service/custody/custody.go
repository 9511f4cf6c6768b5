// Package custody hands entities from one participant to another and
// records where they are.
//
// Custody and containment are independent: handing off a container never
// changes the custodian of the cargo inside it.
package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/ledger"
	"github.com/animus-labs/cargo-custody/internal/projection"
	"github.com/animus-labs/cargo-custody/internal/projection/snapcache"
	"github.com/animus-labs/cargo-custody/internal/service/authz"
	"github.com/animus-labs/cargo-custody/internal/service/ledgertx"
)

type Service struct {
	runner *ledgertx.Runner
	authz  *authz.Authorizer
	reader *snapcache.Reader
	logger *slog.Logger
}

func New(runner *ledgertx.Runner, authorizer *authz.Authorizer, reader *snapcache.Reader, logger *slog.Logger) (*Service, error) {
	if runner == nil || authorizer == nil || reader == nil {
		return nil, errors.New("custody: runner, authorizer and reader are required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{runner: runner, authz: authorizer, reader: reader, logger: logger}, nil
}

// ChangeCargoCustody hands the cargo to newCustodian. Retrying with the same
// transaction id returns the original record without appending another.
func (s *Service) ChangeCargoCustody(ctx context.Context, caller authz.Caller, cargoID string, newCustodian string) (domain.CustodyRecord, error) {
	return s.changeCustody(ctx, caller, domain.KindCargo, cargoID, newCustodian)
}

func (s *Service) ChangeContainerCustody(ctx context.Context, caller authz.Caller, containerID string, newCustodian string) (domain.CustodyRecord, error) {
	return s.changeCustody(ctx, caller, domain.KindContainer, containerID, newCustodian)
}

func (s *Service) changeCustody(ctx context.Context, caller authz.Caller, kind domain.EntityKind, id string, next string) (domain.CustodyRecord, error) {
	id = strings.TrimSpace(id)
	next = strings.TrimSpace(next)
	if err := domain.ValidateID(kind, id); err != nil {
		return domain.CustodyRecord{}, err
	}
	if err := domain.ValidateID(domain.KindParticipant, next); err != nil {
		return domain.CustodyRecord{}, err
	}
	op := authz.OpChangeCargoCustody
	if kind == domain.KindContainer {
		op = authz.OpChangeContainerCustody
	}
	subject := ledgertx.Ref{Kind: kind, ID: id}

	commit, err := s.runner.Run(ctx, request(op, caller, subject.Key(), ledger.Key(string(domain.KindParticipant), next)), func(tx *ledgertx.Tx) error {
		target, err := tx.Participant(next)
		if err != nil {
			return err
		}
		var (
			previous string
			opts     []authz.Option
		)
		switch kind {
		case domain.KindCargo:
			x, err := tx.Cargo(id)
			if err != nil {
				return err
			}
			previous = x.Custodian
			opts = append(opts, authz.WithStatus(string(x.Status)), authz.WithContainer(x.Container), authz.WithAttributes(x.Attributes))
		default:
			c, err := tx.Container(id)
			if err != nil {
				return err
			}
			previous = c.Custodian
			opts = append(opts, authz.WithStatus(string(c.Status)), authz.WithAttributes(c.Attributes))
		}
		opts = append(opts, authz.WithTarget(target.ID, target.Role))
		if err := s.authz.Check(tx, op, caller, kind, id, previous, opts...); err != nil {
			return err
		}
		return tx.Emit(domain.RecordCustodyTransferred, subject, domain.CustodyTransferred{
			EntityKind: kind,
			EntityID:   id,
			Previous:   previous,
			Next:       next,
		})
	})
	if err != nil {
		return domain.CustodyRecord{}, err
	}
	records, err := Records(commit.Records)
	if err != nil {
		return domain.CustodyRecord{}, err
	}
	if len(records) != 1 {
		return domain.CustodyRecord{}, fmt.Errorf("transaction %s holds %d custody records", caller.TxID, len(records))
	}
	rec := records[0]
	if rec.EntityKind != kind || rec.EntityID != id {
		return domain.CustodyRecord{}, fmt.Errorf("%w: transaction %s was committed for %s %q", domain.ErrInvalidArgument, caller.TxID, rec.EntityKind, rec.EntityID)
	}
	if commit.Replayed {
		s.logger.Debug("custody change replayed", "tx_id", caller.TxID, "entity_key", subject.Key())
	}
	return rec, nil
}

// Records extracts the custody records carried by committed ledger records.
func Records(records []ledger.Record) ([]domain.CustodyRecord, error) {
	out := []domain.CustodyRecord{}
	for _, rec := range records {
		if domain.RecordType(rec.Type) != domain.RecordCustodyTransferred {
			continue
		}
		var payload domain.CustodyTransferred
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode custody record seq %d: %w", rec.Seq, err)
		}
		out = append(out, domain.CustodyRecord{
			EntityKind:        payload.EntityKind,
			EntityID:          payload.EntityID,
			PreviousCustodian: payload.Previous,
			NewCustodian:      payload.Next,
			Timestamp:         rec.OccurredAt,
			TxID:              rec.TxID,
			Seq:               rec.Seq,
		})
	}
	return out, nil
}

// UpdateCargoCoordinates records a location reading for the cargo. When the
// cargo is loaded the container's coordinates follow in the same commit.
func (s *Service) UpdateCargoCoordinates(ctx context.Context, caller authz.Caller, cargoID string, coords domain.Coordinates) (domain.Cargo, error) {
	cargoID = strings.TrimSpace(cargoID)
	if err := domain.ValidateID(domain.KindCargo, cargoID); err != nil {
		return domain.Cargo{}, err
	}
	if err := coords.Validate(); err != nil {
		return domain.Cargo{}, err
	}
	key := ledger.Key(string(domain.KindCargo), cargoID)
	keys := []string{key}
	// The holding container is only known after the read; lock it up front
	// when the committed state already names it.
	if st, err := s.reader.Current(ctx, key); err == nil {
		if x, err := projection.DecodeCargo(st); err == nil && x.Container != "" {
			keys = append(keys, ledger.Key(string(domain.KindContainer), x.Container))
		}
	}

	req := request(authz.OpUpdateCargoCoordinates, caller, keys...)
	req.Scope = []string{key}
	_, err := s.runner.Run(ctx, req, func(tx *ledgertx.Tx) error {
		x, err := tx.Cargo(cargoID)
		if err != nil {
			return err
		}
		if err := s.authz.Check(tx, authz.OpUpdateCargoCoordinates, caller, domain.KindCargo, cargoID, x.Custodian,
			authz.WithStatus(string(x.Status)), authz.WithContainer(x.Container), authz.WithAttributes(x.Attributes)); err != nil {
			return err
		}
		payload := domain.CoordinatesUpdated{ID: cargoID, ContainerID: x.Container, Coordinates: coords}
		if x.Container == "" {
			return tx.Emit(domain.RecordCargoCoordinates, ledgertx.CargoRef(cargoID), payload)
		}
		return tx.Emit(domain.RecordCargoCoordinates, ledgertx.CargoRef(cargoID), payload, ledgertx.ContainerRef(x.Container))
	})
	if err != nil {
		return domain.Cargo{}, err
	}
	return s.cargo(ctx, cargoID)
}

func (s *Service) UpdateContainerCoordinates(ctx context.Context, caller authz.Caller, containerID string, coords domain.Coordinates) (domain.Container, error) {
	containerID = strings.TrimSpace(containerID)
	if err := domain.ValidateID(domain.KindContainer, containerID); err != nil {
		return domain.Container{}, err
	}
	if err := coords.Validate(); err != nil {
		return domain.Container{}, err
	}
	_, err := s.runner.Run(ctx, request(authz.OpUpdateContainerCoordinates, caller, ledger.Key(string(domain.KindContainer), containerID)), func(tx *ledgertx.Tx) error {
		c, err := tx.Container(containerID)
		if err != nil {
			return err
		}
		if err := s.authz.Check(tx, authz.OpUpdateContainerCoordinates, caller, domain.KindContainer, containerID, c.Custodian,
			authz.WithStatus(string(c.Status)), authz.WithAttributes(c.Attributes)); err != nil {
			return err
		}
		return tx.Emit(domain.RecordContainerCoordinates, ledgertx.ContainerRef(containerID), domain.CoordinatesUpdated{ID: containerID, Coordinates: coords})
	})
	if err != nil {
		return domain.Container{}, err
	}
	st, err := s.reader.Current(ctx, ledger.Key(string(domain.KindContainer), containerID))
	if err != nil {
		return domain.Container{}, err
	}
	return projection.DecodeContainer(st)
}

// DeliverCargo closes the cargo's lifecycle. The cargo must have been
// unloaded first.
func (s *Service) DeliverCargo(ctx context.Context, caller authz.Caller, cargoID string) (domain.Cargo, error) {
	cargoID = strings.TrimSpace(cargoID)
	if err := domain.ValidateID(domain.KindCargo, cargoID); err != nil {
		return domain.Cargo{}, err
	}
	_, err := s.runner.Run(ctx, request(authz.OpDeliverCargo, caller, ledger.Key(string(domain.KindCargo), cargoID)), func(tx *ledgertx.Tx) error {
		x, err := tx.Cargo(cargoID)
		if err != nil {
			return err
		}
		if err := s.authz.Check(tx, authz.OpDeliverCargo, caller, domain.KindCargo, cargoID, x.Custodian,
			authz.WithStatus(string(x.Status)), authz.WithContainer(x.Container), authz.WithAttributes(x.Attributes)); err != nil {
			return err
		}
		return tx.Emit(domain.RecordCargoDelivered, ledgertx.CargoRef(cargoID), domain.StatusChanged{ID: cargoID})
	})
	if err != nil {
		return domain.Cargo{}, err
	}
	return s.cargo(ctx, cargoID)
}

func (s *Service) cargo(ctx context.Context, id string) (domain.Cargo, error) {
	st, err := s.reader.Current(ctx, ledger.Key(string(domain.KindCargo), id))
	if errors.Is(err, ledger.ErrNotFound) {
		return domain.Cargo{}, domain.NotFound(domain.KindCargo, id)
	}
	if err != nil {
		return domain.Cargo{}, err
	}
	return projection.DecodeCargo(st)
}

func request(op string, caller authz.Caller, keys ...string) ledgertx.Request {
	return ledgertx.Request{Operation: op, TxID: caller.TxID, Actor: caller.Actor, Keys: keys}
}
