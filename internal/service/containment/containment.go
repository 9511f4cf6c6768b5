// Package containment loads cargo into containers and unloads it again,
// keeping both sides of the relationship in the same commit.
package containment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/ledger"
	"github.com/animus-labs/cargo-custody/internal/projection"
	"github.com/animus-labs/cargo-custody/internal/projection/snapcache"
	"github.com/animus-labs/cargo-custody/internal/service/authz"
	"github.com/animus-labs/cargo-custody/internal/service/ledgertx"
	"github.com/animus-labs/cargo-custody/internal/service/query"
	"github.com/animus-labs/cargo-custody/internal/service/registry"
)

type Service struct {
	runner *ledgertx.Runner
	authz  *authz.Authorizer
	reader *snapcache.Reader
	logger *slog.Logger
}

func New(runner *ledgertx.Runner, authorizer *authz.Authorizer, reader *snapcache.Reader, logger *slog.Logger) (*Service, error) {
	if runner == nil || authorizer == nil || reader == nil {
		return nil, errors.New("containment: runner, authorizer and reader are required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{runner: runner, authz: authorizer, reader: reader, logger: logger}, nil
}

// Result is the state of the container and every cargo the command touched,
// plus the containment events it appended.
type Result struct {
	Container domain.Container          `json:"container"`
	Cargo     []domain.Cargo            `json:"cargo"`
	Events    []domain.ContainmentEvent `json:"events"`
}

// LoadContainerWithPackages loads every cargo id into the container in one
// commit. Either all of them are loaded or none is.
func (s *Service) LoadContainerWithPackages(ctx context.Context, caller authz.Caller, containerID string, cargoIDs []string) (Result, error) {
	containerID = strings.TrimSpace(containerID)
	if err := domain.ValidateID(domain.KindContainer, containerID); err != nil {
		return Result{}, err
	}
	if len(cargoIDs) == 0 {
		return Result{}, domain.InvalidContainment(domain.KindContainer, containerID, "no cargo ids supplied")
	}
	ids, err := domain.NormalizeIDs(domain.KindCargo, cargoIDs)
	if err != nil {
		return Result{}, err
	}

	keys := []string{ledger.Key(string(domain.KindContainer), containerID)}
	for _, id := range ids {
		keys = append(keys, ledger.Key(string(domain.KindCargo), id))
	}
	commit, err := s.runner.Run(ctx, request(authz.OpLoadContainer, caller, keys...), func(tx *ledgertx.Tx) error {
		c, err := tx.Container(containerID)
		if err != nil {
			return err
		}
		if err := s.authz.Check(tx, authz.OpLoadContainer, caller, domain.KindContainer, containerID, c.Custodian,
			authz.WithStatus(string(c.Status)), authz.WithAttributes(c.Attributes)); err != nil {
			return err
		}
		return stageLoad(tx, containerID, ids)
	})
	if err != nil {
		return Result{}, err
	}
	return s.result(ctx, containerID, ids, commit)
}

// stageLoad validates every cargo before emitting anything so the error names
// the first offending cargo rather than a partially folded one.
func stageLoad(tx *ledgertx.Tx, containerID string, ids []string) error {
	c, err := tx.Container(containerID)
	if err != nil {
		return err
	}
	if c.Status == domain.ContainerInTransit {
		return domain.InvalidContainment(domain.KindContainer, containerID, "container is in transit")
	}
	for _, id := range ids {
		x, err := tx.Cargo(id)
		if err != nil {
			return err
		}
		if x.Container != "" {
			return domain.AlreadyLoaded(id, x.Container)
		}
		if x.Status == domain.CargoDelivered {
			return domain.InvalidContainment(domain.KindCargo, id, "cargo already delivered")
		}
	}
	for _, id := range ids {
		event := domain.ContainmentChanged{ContainerID: containerID, CargoID: id, Action: domain.ActionLoad}
		if err := tx.Emit(domain.RecordContainmentLoad, ledgertx.ContainerRef(containerID), event, ledgertx.CargoRef(id)); err != nil {
			return err
		}
	}
	return nil
}

// CreateCargoLoadContainers loads cargo into exactly one container, creating
// the cargo first when it does not exist. Loading one cargo into several
// containers is rejected.
func (s *Service) CreateCargoLoadContainers(ctx context.Context, caller authz.Caller, containerIDs []string, cargoID string, attrs domain.Attributes) (Result, error) {
	cargoID = strings.TrimSpace(cargoID)
	if err := domain.ValidateID(domain.KindCargo, cargoID); err != nil {
		return Result{}, err
	}
	ids, err := domain.NormalizeIDs(domain.KindContainer, containerIDs)
	if err != nil {
		return Result{}, err
	}
	if len(ids) != 1 {
		return Result{}, domain.InvalidContainment(domain.KindCargo, cargoID, fmt.Sprintf("cargo must be loaded into exactly one container, got %d", len(ids)))
	}
	if err := attrs.Validate(); err != nil {
		return Result{}, err
	}
	containerID := ids[0]

	keys := []string{
		ledger.Key(string(domain.KindContainer), containerID),
		ledger.Key(string(domain.KindCargo), cargoID),
		ledger.Key(string(domain.KindParticipant), caller.Actor),
	}
	commit, err := s.runner.Run(ctx, request("create_cargo_load_containers", caller, keys...), func(tx *ledgertx.Tx) error {
		c, err := tx.Container(containerID)
		if err != nil {
			return err
		}
		if err := s.authz.Check(tx, authz.OpLoadContainer, caller, domain.KindContainer, containerID, c.Custodian,
			authz.WithStatus(string(c.Status)), authz.WithAttributes(c.Attributes)); err != nil {
			return err
		}
		exists, err := tx.Exists(domain.KindCargo, cargoID)
		if err != nil {
			return err
		}
		if !exists {
			if err := s.authz.Check(tx, authz.OpCreateCargo, caller, domain.KindCargo, cargoID, caller.Actor, authz.WithAttributes(attrs)); err != nil {
				return err
			}
			if err := registry.CreateCargo(tx, cargoID, caller.Actor, attrs); err != nil {
				return err
			}
		}
		return stageLoad(tx, containerID, []string{cargoID})
	})
	if err != nil {
		return Result{}, err
	}
	return s.result(ctx, containerID, []string{cargoID}, commit)
}

// UnloadContainerFromCargo removes cargo from the container.
func (s *Service) UnloadContainerFromCargo(ctx context.Context, caller authz.Caller, containerID string, cargoID string) (Result, error) {
	containerID = strings.TrimSpace(containerID)
	cargoID = strings.TrimSpace(cargoID)
	if err := domain.ValidateID(domain.KindContainer, containerID); err != nil {
		return Result{}, err
	}
	if err := domain.ValidateID(domain.KindCargo, cargoID); err != nil {
		return Result{}, err
	}

	keys := []string{ledger.Key(string(domain.KindContainer), containerID), ledger.Key(string(domain.KindCargo), cargoID)}
	commit, err := s.runner.Run(ctx, request(authz.OpUnloadContainer, caller, keys...), func(tx *ledgertx.Tx) error {
		c, err := tx.Container(containerID)
		if err != nil {
			return err
		}
		if _, err := tx.Cargo(cargoID); err != nil {
			return err
		}
		if err := s.authz.Check(tx, authz.OpUnloadContainer, caller, domain.KindContainer, containerID, c.Custodian,
			authz.WithStatus(string(c.Status)), authz.WithAttributes(c.Attributes)); err != nil {
			return err
		}
		if !c.Holds(cargoID) {
			return domain.NotLoaded(cargoID, containerID)
		}
		event := domain.ContainmentChanged{ContainerID: containerID, CargoID: cargoID, Action: domain.ActionUnload}
		return tx.Emit(domain.RecordContainmentUnload, ledgertx.ContainerRef(containerID), event, ledgertx.CargoRef(cargoID))
	})
	if err != nil {
		return Result{}, err
	}
	return s.result(ctx, containerID, []string{cargoID}, commit)
}

// DispatchContainer moves a loaded container into transit.
func (s *Service) DispatchContainer(ctx context.Context, caller authz.Caller, containerID string) (domain.Container, error) {
	containerID = strings.TrimSpace(containerID)
	if err := domain.ValidateID(domain.KindContainer, containerID); err != nil {
		return domain.Container{}, err
	}
	_, err := s.runner.Run(ctx, request(authz.OpDispatchContainer, caller, ledger.Key(string(domain.KindContainer), containerID)), func(tx *ledgertx.Tx) error {
		c, err := tx.Container(containerID)
		if err != nil {
			return err
		}
		if err := s.authz.Check(tx, authz.OpDispatchContainer, caller, domain.KindContainer, containerID, c.Custodian,
			authz.WithStatus(string(c.Status)), authz.WithAttributes(c.Attributes)); err != nil {
			return err
		}
		return tx.Emit(domain.RecordContainerDispatched, ledgertx.ContainerRef(containerID), domain.StatusChanged{ID: containerID})
	})
	if err != nil {
		return domain.Container{}, err
	}
	return s.container(ctx, containerID)
}

// GetLoadedContainers lists containers that currently hold cargo, in id order.
func (s *Service) GetLoadedContainers(ctx context.Context) ([]domain.Container, error) {
	return query.Containers(ctx, s.runner.Store(), func(c domain.Container) bool { return len(c.Loaded) > 0 })
}

// GetAvailableContainers lists EMPTY containers, in id order.
func (s *Service) GetAvailableContainers(ctx context.Context) ([]domain.Container, error) {
	return query.Containers(ctx, s.runner.Store(), domain.Container.Available)
}

func (s *Service) result(ctx context.Context, containerID string, cargoIDs []string, commit ledger.Commit) (Result, error) {
	c, err := s.container(ctx, containerID)
	if err != nil {
		return Result{}, err
	}
	events, err := Events(commit.Records)
	if err != nil {
		return Result{}, err
	}
	out := Result{Container: c, Cargo: make([]domain.Cargo, 0, len(cargoIDs)), Events: events}
	sorted := append([]string(nil), cargoIDs...)
	sort.Strings(sorted)
	for _, id := range sorted {
		st, err := s.reader.Current(ctx, ledger.Key(string(domain.KindCargo), id))
		if err != nil {
			return Result{}, err
		}
		x, err := projection.DecodeCargo(st)
		if err != nil {
			return Result{}, err
		}
		out.Cargo = append(out.Cargo, x)
	}
	return out, nil
}

func (s *Service) container(ctx context.Context, id string) (domain.Container, error) {
	st, err := s.reader.Current(ctx, ledger.Key(string(domain.KindContainer), id))
	if errors.Is(err, ledger.ErrNotFound) {
		return domain.Container{}, domain.NotFound(domain.KindContainer, id)
	}
	if err != nil {
		return domain.Container{}, err
	}
	return projection.DecodeContainer(st)
}

// Events extracts the containment events carried by committed records.
func Events(records []ledger.Record) ([]domain.ContainmentEvent, error) {
	out := []domain.ContainmentEvent{}
	for _, rec := range records {
		switch domain.RecordType(rec.Type) {
		case domain.RecordContainmentLoad, domain.RecordContainmentUnload:
		default:
			continue
		}
		var payload domain.ContainmentChanged
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode containment record seq %d: %w", rec.Seq, err)
		}
		out = append(out, domain.ContainmentEvent{
			ContainerID: payload.ContainerID,
			CargoID:     payload.CargoID,
			Action:      payload.Action,
			Timestamp:   rec.OccurredAt,
			TxID:        rec.TxID,
			Seq:         rec.Seq,
		})
	}
	return out, nil
}

func request(op string, caller authz.Caller, keys ...string) ledgertx.Request {
	return ledgertx.Request{Operation: op, TxID: caller.TxID, Actor: caller.Actor, Keys: keys}
}
