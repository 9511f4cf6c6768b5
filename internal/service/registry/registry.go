// Package registry registers participants, containers, and cargo and amends
// their attributes.
package registry

import (
	"context"
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
		return nil, errors.New("registry: runner, authorizer and reader are required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{runner: runner, authz: authorizer, reader: reader, logger: logger}, nil
}

type RegisterParticipantInput struct {
	ID         string            `json:"id"`
	Role       string            `json:"role"`
	Name       string            `json:"name,omitempty"`
	Email      string            `json:"email,omitempty"`
	Attributes domain.Attributes `json:"attributes,omitempty"`
}

func (s *Service) RegisterParticipant(ctx context.Context, caller authz.Caller, in RegisterParticipantInput) (domain.Participant, error) {
	p := domain.Participant{
		ID:         strings.TrimSpace(in.ID),
		Role:       domain.NormalizeRole(in.Role),
		Name:       strings.TrimSpace(in.Name),
		Email:      strings.TrimSpace(in.Email),
		Attributes: in.Attributes.Clone(),
	}
	if err := p.Validate(); err != nil {
		return domain.Participant{}, err
	}
	key := ledger.Key(string(domain.KindParticipant), p.ID)

	var out domain.Participant
	_, err := s.runner.Run(ctx, request(authz.OpRegisterParticipant, caller, key), func(tx *ledgertx.Tx) error {
		if err := s.authz.Check(tx, authz.OpRegisterParticipant, caller, domain.KindParticipant, p.ID, ""); err != nil {
			return err
		}
		exists, err := tx.Exists(domain.KindParticipant, p.ID)
		if err != nil {
			return err
		}
		if exists {
			return domain.Duplicate(domain.KindParticipant, p.ID)
		}
		if err := tx.Emit(domain.RecordParticipantRegistered, ledgertx.ParticipantRef(p.ID), domain.ParticipantRegistered{Participant: p}); err != nil {
			return err
		}
		out, err = tx.Participant(p.ID)
		return err
	})
	if err != nil {
		return domain.Participant{}, err
	}
	if out.ID == "" {
		return s.participant(ctx, p.ID)
	}
	return out, nil
}

type CreateEntityInput struct {
	ID string `json:"id"`
	// Custodian defaults to the acting participant.
	Custodian  string            `json:"custodian,omitempty"`
	Attributes domain.Attributes `json:"attributes,omitempty"`
}

func (s *Service) AddNewContainer(ctx context.Context, caller authz.Caller, in CreateEntityInput) (domain.Container, error) {
	id, custodian, err := s.normalizeCreate(domain.KindContainer, caller, in)
	if err != nil {
		return domain.Container{}, err
	}
	keys := []string{ledger.Key(string(domain.KindContainer), id), ledger.Key(string(domain.KindParticipant), custodian)}

	var out domain.Container
	_, err = s.runner.Run(ctx, request(authz.OpAddContainer, caller, keys...), func(tx *ledgertx.Tx) error {
		if err := s.authz.Check(tx, authz.OpAddContainer, caller, domain.KindContainer, id, custodian, authz.WithAttributes(in.Attributes)); err != nil {
			return err
		}
		if err := CreateContainer(tx, id, custodian, in.Attributes); err != nil {
			return err
		}
		out, err = tx.Container(id)
		return err
	})
	if err != nil {
		return domain.Container{}, err
	}
	if out.ID == "" {
		return s.container(ctx, id)
	}
	return out, nil
}

func (s *Service) CreateCargo(ctx context.Context, caller authz.Caller, in CreateEntityInput) (domain.Cargo, error) {
	id, custodian, err := s.normalizeCreate(domain.KindCargo, caller, in)
	if err != nil {
		return domain.Cargo{}, err
	}
	keys := []string{ledger.Key(string(domain.KindCargo), id), ledger.Key(string(domain.KindParticipant), custodian)}

	var out domain.Cargo
	_, err = s.runner.Run(ctx, request(authz.OpCreateCargo, caller, keys...), func(tx *ledgertx.Tx) error {
		if err := s.authz.Check(tx, authz.OpCreateCargo, caller, domain.KindCargo, id, custodian, authz.WithAttributes(in.Attributes)); err != nil {
			return err
		}
		if err := CreateCargo(tx, id, custodian, in.Attributes); err != nil {
			return err
		}
		out, err = tx.Cargo(id)
		return err
	})
	if err != nil {
		return domain.Cargo{}, err
	}
	if out.ID == "" {
		return s.cargo(ctx, id)
	}
	return out, nil
}

// CreateContainer stages the creation of a container inside tx. The custodian
// must be a registered participant.
func CreateContainer(tx *ledgertx.Tx, id string, custodian string, attrs domain.Attributes) error {
	if err := domain.NewContainer(id, custodian, attrs).Validate(); err != nil {
		return err
	}
	if err := requireNew(tx, domain.KindContainer, id, custodian); err != nil {
		return err
	}
	return tx.Emit(domain.RecordContainerCreated, ledgertx.ContainerRef(id), domain.EntityCreated{ID: id, Custodian: custodian, Attributes: attrs.Clone()})
}

// CreateCargo stages the creation of cargo inside tx.
func CreateCargo(tx *ledgertx.Tx, id string, custodian string, attrs domain.Attributes) error {
	if err := domain.NewCargo(id, custodian, attrs).Validate(); err != nil {
		return err
	}
	if err := requireNew(tx, domain.KindCargo, id, custodian); err != nil {
		return err
	}
	return tx.Emit(domain.RecordCargoCreated, ledgertx.CargoRef(id), domain.EntityCreated{ID: id, Custodian: custodian, Attributes: attrs.Clone()})
}

func requireNew(tx *ledgertx.Tx, kind domain.EntityKind, id string, custodian string) error {
	exists, err := tx.Exists(kind, id)
	if err != nil {
		return err
	}
	if exists {
		return domain.Duplicate(kind, id)
	}
	_, err = tx.Participant(custodian)
	return err
}

func (s *Service) normalizeCreate(kind domain.EntityKind, caller authz.Caller, in CreateEntityInput) (string, string, error) {
	id := strings.TrimSpace(in.ID)
	if err := domain.ValidateID(kind, id); err != nil {
		return "", "", err
	}
	custodian := strings.TrimSpace(in.Custodian)
	if custodian == "" {
		custodian = strings.TrimSpace(caller.Actor)
	}
	if err := domain.ValidateID(domain.KindParticipant, custodian); err != nil {
		return "", "", err
	}
	if err := in.Attributes.Validate(); err != nil {
		return "", "", err
	}
	return id, custodian, nil
}

// UpdateContainerAttributes merges patch into the container's attributes. An
// empty value removes the key.
func (s *Service) UpdateContainerAttributes(ctx context.Context, caller authz.Caller, id string, patch domain.Attributes) (domain.Container, error) {
	id = strings.TrimSpace(id)
	if err := validatePatch(domain.KindContainer, id, patch); err != nil {
		return domain.Container{}, err
	}
	var out domain.Container
	_, err := s.runner.Run(ctx, request(authz.OpUpdateContainerAttributes, caller, ledger.Key(string(domain.KindContainer), id)), func(tx *ledgertx.Tx) error {
		c, err := tx.Container(id)
		if err != nil {
			return err
		}
		if err := s.authz.Check(tx, authz.OpUpdateContainerAttributes, caller, domain.KindContainer, id, c.Custodian, authz.WithStatus(string(c.Status)), authz.WithAttributes(c.Attributes)); err != nil {
			return err
		}
		if err := tx.Emit(domain.RecordContainerAttributes, ledgertx.ContainerRef(id), domain.AttributesUpdated{ID: id, Patch: patch}); err != nil {
			return err
		}
		out, err = tx.Container(id)
		return err
	})
	if err != nil {
		return domain.Container{}, err
	}
	if out.ID == "" {
		return s.container(ctx, id)
	}
	return out, nil
}

func (s *Service) UpdateCargoAttributes(ctx context.Context, caller authz.Caller, id string, patch domain.Attributes) (domain.Cargo, error) {
	id = strings.TrimSpace(id)
	if err := validatePatch(domain.KindCargo, id, patch); err != nil {
		return domain.Cargo{}, err
	}
	var out domain.Cargo
	_, err := s.runner.Run(ctx, request(authz.OpUpdateCargoAttributes, caller, ledger.Key(string(domain.KindCargo), id)), func(tx *ledgertx.Tx) error {
		c, err := tx.Cargo(id)
		if err != nil {
			return err
		}
		if err := s.authz.Check(tx, authz.OpUpdateCargoAttributes, caller, domain.KindCargo, id, c.Custodian, authz.WithStatus(string(c.Status)), authz.WithAttributes(c.Attributes)); err != nil {
			return err
		}
		if err := tx.Emit(domain.RecordCargoAttributes, ledgertx.CargoRef(id), domain.AttributesUpdated{ID: id, Patch: patch}); err != nil {
			return err
		}
		out, err = tx.Cargo(id)
		return err
	})
	if err != nil {
		return domain.Cargo{}, err
	}
	if out.ID == "" {
		return s.cargo(ctx, id)
	}
	return out, nil
}

// UpdateParticipantAttributes amends a participant's attributes. Only the
// participant itself or an admin role may do so.
func (s *Service) UpdateParticipantAttributes(ctx context.Context, caller authz.Caller, id string, patch domain.Attributes) (domain.Participant, error) {
	id = strings.TrimSpace(id)
	if err := validatePatch(domain.KindParticipant, id, patch); err != nil {
		return domain.Participant{}, err
	}
	var out domain.Participant
	_, err := s.runner.Run(ctx, request(authz.OpUpdateParticipantAttributes, caller, ledger.Key(string(domain.KindParticipant), id)), func(tx *ledgertx.Tx) error {
		p, err := tx.Participant(id)
		if err != nil {
			return err
		}
		if err := s.authz.Check(tx, authz.OpUpdateParticipantAttributes, caller, domain.KindParticipant, id, "", authz.WithAttributes(p.Attributes)); err != nil {
			return err
		}
		if err := tx.Emit(domain.RecordParticipantAttributes, ledgertx.ParticipantRef(id), domain.AttributesUpdated{ID: id, Patch: patch}); err != nil {
			return err
		}
		out, err = tx.Participant(id)
		return err
	})
	if err != nil {
		return domain.Participant{}, err
	}
	if out.ID == "" {
		return s.participant(ctx, id)
	}
	return out, nil
}

func validatePatch(kind domain.EntityKind, id string, patch domain.Attributes) error {
	if err := domain.ValidateID(kind, id); err != nil {
		return err
	}
	if len(patch) == 0 {
		return fmt.Errorf("%w: attribute patch is empty", domain.ErrInvalidArgument)
	}
	return patch.Validate()
}

// GetParticipants returns the participant with id key, or with prefix set,
// every participant whose id starts with key, in id order.
func (s *Service) GetParticipants(ctx context.Context, key string, prefix bool) ([]domain.Participant, error) {
	key = strings.TrimSpace(key)
	if !prefix {
		p, err := s.participant(ctx, key)
		if err != nil {
			return nil, err
		}
		return []domain.Participant{p}, nil
	}
	if key == "" {
		return nil, fmt.Errorf("%w: participant key prefix is required", domain.ErrInvalidArgument)
	}

	out := []domain.Participant{}
	exact, err := s.participant(ctx, key)
	switch {
	case err == nil:
		out = append(out, exact)
	case !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrInvalidArgument):
		return nil, err
	}
	from := ledger.Key(string(domain.KindParticipant), key)
	var decodeErr error
	err = ledger.ScanStates(ctx, s.runner.Store(), string(domain.KindParticipant), from, func(st ledger.State) bool {
		if !strings.HasPrefix(st.Key, from) {
			return false
		}
		p, err := projection.DecodeParticipant(st)
		if err != nil {
			decodeErr = err
			return false
		}
		out = append(out, p)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

func (s *Service) participant(ctx context.Context, id string) (domain.Participant, error) {
	if err := domain.ValidateID(domain.KindParticipant, id); err != nil {
		return domain.Participant{}, err
	}
	st, err := s.reader.Current(ctx, ledger.Key(string(domain.KindParticipant), id))
	if errors.Is(err, ledger.ErrNotFound) {
		return domain.Participant{}, domain.NotFound(domain.KindParticipant, id)
	}
	if err != nil {
		return domain.Participant{}, err
	}
	return projection.DecodeParticipant(st)
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
