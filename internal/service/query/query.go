// Package query lists committed snapshots. Every list is a paged scan over
// ledger state in key order; nothing here reads uncommitted data.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/ledger"
	"github.com/animus-labs/cargo-custody/internal/projection"
)

type Service struct {
	store ledger.Store
}

func New(store ledger.Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("query: store is required")
	}
	return &Service{store: store}, nil
}

// ListLoadedContainers returns containers that hold at least one cargo.
func (s *Service) ListLoadedContainers(ctx context.Context) ([]domain.Container, error) {
	return Containers(ctx, s.store, func(c domain.Container) bool { return len(c.Loaded) > 0 })
}

// ListAvailableContainers returns EMPTY containers.
func (s *Service) ListAvailableContainers(ctx context.Context) ([]domain.Container, error) {
	return Containers(ctx, s.store, domain.Container.Available)
}

type ParticipantFilter struct {
	// Key matches the participant id exactly, or as a prefix when Prefix is set.
	Key    string
	Prefix bool
	Role   string
}

func (s *Service) ListParticipants(ctx context.Context, f ParticipantFilter) ([]domain.Participant, error) {
	key := strings.TrimSpace(f.Key)
	role := domain.NormalizeRole(f.Role)
	keep := func(p domain.Participant) bool {
		if role != "" && domain.NormalizeRole(p.Role) != role {
			return false
		}
		if key == "" {
			return true
		}
		if f.Prefix {
			return strings.HasPrefix(p.ID, key)
		}
		return p.ID == key
	}

	out := []domain.Participant{}
	err := scan(ctx, s.store, domain.KindParticipant, "", func(st ledger.State) (bool, error) {
		p, err := projection.DecodeParticipant(st)
		if err != nil {
			return false, err
		}
		if keep(p) {
			out = append(out, p)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type CargoFilter struct {
	Status    domain.CargoStatus
	Custodian string
}

func (f CargoFilter) Validate() error {
	switch f.Status {
	case "", domain.CargoCreated, domain.CargoLoaded, domain.CargoUnloaded, domain.CargoDelivered:
		return nil
	default:
		return fmt.Errorf("%w: unknown cargo status %q", domain.ErrInvalidArgument, f.Status)
	}
}

func (s *Service) ListCargo(ctx context.Context, f CargoFilter) ([]domain.Cargo, error) {
	f.Status = domain.CargoStatus(strings.ToUpper(strings.TrimSpace(string(f.Status))))
	f.Custodian = strings.TrimSpace(f.Custodian)
	if err := f.Validate(); err != nil {
		return nil, err
	}
	out := []domain.Cargo{}
	err := scan(ctx, s.store, domain.KindCargo, "", func(st ledger.State) (bool, error) {
		c, err := projection.DecodeCargo(st)
		if err != nil {
			return false, err
		}
		if (f.Status == "" || c.Status == f.Status) && (f.Custodian == "" || c.Custodian == f.Custodian) {
			out = append(out, c)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Containers returns every container snapshot for which keep is true.
func Containers(ctx context.Context, store ledger.Store, keep func(domain.Container) bool) ([]domain.Container, error) {
	out := []domain.Container{}
	err := scan(ctx, store, domain.KindContainer, "", func(st ledger.State) (bool, error) {
		c, err := projection.DecodeContainer(st)
		if err != nil {
			return false, err
		}
		if keep(c) {
			out = append(out, c)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scan(ctx context.Context, store ledger.Store, kind domain.EntityKind, after string, fn func(ledger.State) (bool, error)) error {
	var fnErr error
	err := ledger.ScanStates(ctx, store, string(kind), after, func(st ledger.State) bool {
		var more bool
		more, fnErr = fn(st)
		return fnErr == nil && more
	})
	if err != nil {
		return err
	}
	return fnErr
}
