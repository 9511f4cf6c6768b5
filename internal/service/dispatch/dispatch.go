// Package dispatch routes custody commands to the component that owns them.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/projection"
	"github.com/animus-labs/cargo-custody/internal/service/authz"
	"github.com/animus-labs/cargo-custody/internal/service/containment"
	"github.com/animus-labs/cargo-custody/internal/service/history"
	"github.com/animus-labs/cargo-custody/internal/service/query"
	"github.com/animus-labs/cargo-custody/internal/service/registry"
)

type Registry interface {
	RegisterParticipant(ctx context.Context, caller authz.Caller, in registry.RegisterParticipantInput) (domain.Participant, error)
	AddNewContainer(ctx context.Context, caller authz.Caller, in registry.CreateEntityInput) (domain.Container, error)
	CreateCargo(ctx context.Context, caller authz.Caller, in registry.CreateEntityInput) (domain.Cargo, error)
	UpdateContainerAttributes(ctx context.Context, caller authz.Caller, id string, patch domain.Attributes) (domain.Container, error)
	UpdateCargoAttributes(ctx context.Context, caller authz.Caller, id string, patch domain.Attributes) (domain.Cargo, error)
	UpdateParticipantAttributes(ctx context.Context, caller authz.Caller, id string, patch domain.Attributes) (domain.Participant, error)
	GetParticipants(ctx context.Context, key string, prefix bool) ([]domain.Participant, error)
}

type Containment interface {
	LoadContainerWithPackages(ctx context.Context, caller authz.Caller, containerID string, cargoIDs []string) (containment.Result, error)
	CreateCargoLoadContainers(ctx context.Context, caller authz.Caller, containerIDs []string, cargoID string, attrs domain.Attributes) (containment.Result, error)
	UnloadContainerFromCargo(ctx context.Context, caller authz.Caller, containerID string, cargoID string) (containment.Result, error)
	DispatchContainer(ctx context.Context, caller authz.Caller, containerID string) (domain.Container, error)
	GetLoadedContainers(ctx context.Context) ([]domain.Container, error)
	GetAvailableContainers(ctx context.Context) ([]domain.Container, error)
}

type Custody interface {
	ChangeCargoCustody(ctx context.Context, caller authz.Caller, cargoID string, newCustodian string) (domain.CustodyRecord, error)
	ChangeContainerCustody(ctx context.Context, caller authz.Caller, containerID string, newCustodian string) (domain.CustodyRecord, error)
	UpdateCargoCoordinates(ctx context.Context, caller authz.Caller, cargoID string, coords domain.Coordinates) (domain.Cargo, error)
	UpdateContainerCoordinates(ctx context.Context, caller authz.Caller, containerID string, coords domain.Coordinates) (domain.Container, error)
	DeliverCargo(ctx context.Context, caller authz.Caller, cargoID string) (domain.Cargo, error)
}

type History interface {
	Open(ctx context.Context, kind domain.EntityKind, id string) (history.Trace, error)
	TrackCargoDetails(ctx context.Context, id string) (domain.Cargo, error)
	TrackContainerDetails(ctx context.Context, id string) (domain.Container, error)
	VerifyChain(ctx context.Context, kind domain.EntityKind, id string) (history.ChainReport, error)
}

type Query interface {
	ListParticipants(ctx context.Context, f query.ParticipantFilter) ([]domain.Participant, error)
	ListCargo(ctx context.Context, f query.CargoFilter) ([]domain.Cargo, error)
}

// Verifier compares stored snapshots with a replay of the ledger.
type Verifier func(ctx context.Context) (projection.Report, error)

type Components struct {
	Registry    Registry
	Containment Containment
	Custody     Custody
	History     History
	Query       Query
	Verify      Verifier
}

func (c Components) validate() error {
	var missing []string
	if c.Registry == nil {
		missing = append(missing, "registry")
	}
	if c.Containment == nil {
		missing = append(missing, "containment")
	}
	if c.Custody == nil {
		missing = append(missing, "custody")
	}
	if c.History == nil {
		missing = append(missing, "history")
	}
	if c.Query == nil {
		missing = append(missing, "query")
	}
	if c.Verify == nil {
		missing = append(missing, "verify")
	}
	if len(missing) > 0 {
		return fmt.Errorf("dispatch: missing components: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Dispatcher exposes one method per custody command.
type Dispatcher struct {
	c      Components
	logger *slog.Logger
	now    func() time.Time
}

func New(c Components, logger *slog.Logger) (*Dispatcher, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{c: c, logger: logger, now: time.Now}, nil
}

// normalize fills in a transaction id when the caller did not bring one and
// rejects anonymous callers.
func normalize(caller authz.Caller) (authz.Caller, error) {
	caller.Actor = strings.TrimSpace(caller.Actor)
	caller.TxID = strings.TrimSpace(caller.TxID)
	if caller.Actor == "" {
		return authz.Caller{}, fmt.Errorf("%w: actor is required", domain.ErrInvalidArgument)
	}
	if caller.TxID == "" {
		caller.TxID = uuid.NewString()
	}
	return caller, nil
}

func command[T any](d *Dispatcher, ctx context.Context, name string, caller authz.Caller, fn func(authz.Caller) (T, error)) (T, error) {
	var zero T
	caller, err := normalize(caller)
	if err != nil {
		return zero, err
	}
	start := d.now()
	out, err := fn(caller)
	attrs := []any{"command", name, "tx_id", caller.TxID, "actor", caller.Actor, "duration", d.now().Sub(start)}
	if err != nil {
		if kind, id, ok := domain.EntityOf(err); ok {
			attrs = append(attrs, "entity_key", string(kind)+"/"+id)
		}
		d.logger.DebugContext(ctx, "command failed", append(attrs, "error", err)...)
		return zero, err
	}
	d.logger.DebugContext(ctx, "command completed", attrs...)
	return out, nil
}

func (d *Dispatcher) RegisterParticipant(ctx context.Context, caller authz.Caller, in registry.RegisterParticipantInput) (domain.Participant, error) {
	return command(d, ctx, "registerParticipant", caller, func(c authz.Caller) (domain.Participant, error) {
		return d.c.Registry.RegisterParticipant(ctx, c, in)
	})
}

func (d *Dispatcher) AddNewContainer(ctx context.Context, caller authz.Caller, in registry.CreateEntityInput) (domain.Container, error) {
	return command(d, ctx, "addNewContainer", caller, func(c authz.Caller) (domain.Container, error) {
		return d.c.Registry.AddNewContainer(ctx, c, in)
	})
}

func (d *Dispatcher) CreateCargo(ctx context.Context, caller authz.Caller, in registry.CreateEntityInput) (domain.Cargo, error) {
	return command(d, ctx, "createCargo", caller, func(c authz.Caller) (domain.Cargo, error) {
		return d.c.Registry.CreateCargo(ctx, c, in)
	})
}

func (d *Dispatcher) UpdateContainerAttributes(ctx context.Context, caller authz.Caller, id string, patch domain.Attributes) (domain.Container, error) {
	return command(d, ctx, "updateContainerAttributes", caller, func(c authz.Caller) (domain.Container, error) {
		return d.c.Registry.UpdateContainerAttributes(ctx, c, id, patch)
	})
}

func (d *Dispatcher) UpdateCargoAttributes(ctx context.Context, caller authz.Caller, id string, patch domain.Attributes) (domain.Cargo, error) {
	return command(d, ctx, "updateCargoAttributes", caller, func(c authz.Caller) (domain.Cargo, error) {
		return d.c.Registry.UpdateCargoAttributes(ctx, c, id, patch)
	})
}

func (d *Dispatcher) UpdateParticipantAttributes(ctx context.Context, caller authz.Caller, id string, patch domain.Attributes) (domain.Participant, error) {
	return command(d, ctx, "updateParticipantAttributes", caller, func(c authz.Caller) (domain.Participant, error) {
		return d.c.Registry.UpdateParticipantAttributes(ctx, c, id, patch)
	})
}

func (d *Dispatcher) LoadContainerWithPackages(ctx context.Context, caller authz.Caller, containerID string, cargoIDs []string) (containment.Result, error) {
	return command(d, ctx, "loadContainerWithPackages", caller, func(c authz.Caller) (containment.Result, error) {
		return d.c.Containment.LoadContainerWithPackages(ctx, c, containerID, cargoIDs)
	})
}

func (d *Dispatcher) CreateCargoLoadContainers(ctx context.Context, caller authz.Caller, containerIDs []string, cargoID string, attrs domain.Attributes) (containment.Result, error) {
	return command(d, ctx, "createCargoLoadContainers", caller, func(c authz.Caller) (containment.Result, error) {
		return d.c.Containment.CreateCargoLoadContainers(ctx, c, containerIDs, cargoID, attrs)
	})
}

func (d *Dispatcher) UnloadContainerFromCargo(ctx context.Context, caller authz.Caller, containerID string, cargoID string) (containment.Result, error) {
	return command(d, ctx, "unloadContainerFromCargo", caller, func(c authz.Caller) (containment.Result, error) {
		return d.c.Containment.UnloadContainerFromCargo(ctx, c, containerID, cargoID)
	})
}

func (d *Dispatcher) DispatchContainer(ctx context.Context, caller authz.Caller, containerID string) (domain.Container, error) {
	return command(d, ctx, "dispatchContainer", caller, func(c authz.Caller) (domain.Container, error) {
		return d.c.Containment.DispatchContainer(ctx, c, containerID)
	})
}

func (d *Dispatcher) ChangeCargoCustody(ctx context.Context, caller authz.Caller, cargoID string, newCustodian string) (domain.CustodyRecord, error) {
	return command(d, ctx, "changeCargoCustody", caller, func(c authz.Caller) (domain.CustodyRecord, error) {
		return d.c.Custody.ChangeCargoCustody(ctx, c, cargoID, newCustodian)
	})
}

func (d *Dispatcher) ChangeContainerCustody(ctx context.Context, caller authz.Caller, containerID string, newCustodian string) (domain.CustodyRecord, error) {
	return command(d, ctx, "changeContainerCustody", caller, func(c authz.Caller) (domain.CustodyRecord, error) {
		return d.c.Custody.ChangeContainerCustody(ctx, c, containerID, newCustodian)
	})
}

func (d *Dispatcher) UpdateCargoCoordinates(ctx context.Context, caller authz.Caller, cargoID string, coords domain.Coordinates) (domain.Cargo, error) {
	return command(d, ctx, "updateCargoCoordinates", caller, func(c authz.Caller) (domain.Cargo, error) {
		return d.c.Custody.UpdateCargoCoordinates(ctx, c, cargoID, coords)
	})
}

func (d *Dispatcher) UpdateContainerCoordinates(ctx context.Context, caller authz.Caller, containerID string, coords domain.Coordinates) (domain.Container, error) {
	return command(d, ctx, "updateContainerCoordinates", caller, func(c authz.Caller) (domain.Container, error) {
		return d.c.Custody.UpdateContainerCoordinates(ctx, c, containerID, coords)
	})
}

func (d *Dispatcher) DeliverCargo(ctx context.Context, caller authz.Caller, cargoID string) (domain.Cargo, error) {
	return command(d, ctx, "deliverCargo", caller, func(c authz.Caller) (domain.Cargo, error) {
		return d.c.Custody.DeliverCargo(ctx, c, cargoID)
	})
}

// Reads. They do not take a caller and never write.

func (d *Dispatcher) TraceCargo(ctx context.Context, id string) (history.Trace, error) {
	return d.c.History.Open(ctx, domain.KindCargo, id)
}

func (d *Dispatcher) TraceContainer(ctx context.Context, id string) (history.Trace, error) {
	return d.c.History.Open(ctx, domain.KindContainer, id)
}

// Trace opens the trace of any entity kind.
func (d *Dispatcher) Trace(ctx context.Context, kind domain.EntityKind, id string) (history.Trace, error) {
	return d.c.History.Open(ctx, kind, id)
}

func (d *Dispatcher) TrackCargoDetails(ctx context.Context, id string) (domain.Cargo, error) {
	return d.c.History.TrackCargoDetails(ctx, id)
}

func (d *Dispatcher) TrackContainerDetails(ctx context.Context, id string) (domain.Container, error) {
	return d.c.History.TrackContainerDetails(ctx, id)
}

func (d *Dispatcher) VerifyChain(ctx context.Context, kind domain.EntityKind, id string) (history.ChainReport, error) {
	return d.c.History.VerifyChain(ctx, kind, id)
}

func (d *Dispatcher) GetParticipants(ctx context.Context, key string, prefix bool) ([]domain.Participant, error) {
	return d.c.Registry.GetParticipants(ctx, key, prefix)
}

func (d *Dispatcher) GetLoadedContainers(ctx context.Context) ([]domain.Container, error) {
	return d.c.Containment.GetLoadedContainers(ctx)
}

func (d *Dispatcher) GetAvailableContainers(ctx context.Context) ([]domain.Container, error) {
	return d.c.Containment.GetAvailableContainers(ctx)
}

func (d *Dispatcher) ListParticipants(ctx context.Context, f query.ParticipantFilter) ([]domain.Participant, error) {
	return d.c.Query.ListParticipants(ctx, f)
}

func (d *Dispatcher) ListCargo(ctx context.Context, f query.CargoFilter) ([]domain.Cargo, error) {
	return d.c.Query.ListCargo(ctx, f)
}

// VerifyProjections replays the ledger and reports stored snapshots that
// disagree with it.
func (d *Dispatcher) VerifyProjections(ctx context.Context) (projection.Report, error) {
	report, err := d.c.Verify(ctx)
	if err != nil {
		return projection.Report{}, err
	}
	if !report.Verified {
		d.logger.WarnContext(ctx, "projection drift detected", "drift", len(report.Drift), "head_seq", report.HeadSeq)
	}
	return report, nil
}
