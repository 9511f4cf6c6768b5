package dispatch

import (
	"context"
	"log/slog"

	"github.com/animus-labs/cargo-custody/internal/ledger"
	"github.com/animus-labs/cargo-custody/internal/projection"
	"github.com/animus-labs/cargo-custody/internal/projection/snapcache"
	"github.com/animus-labs/cargo-custody/internal/service/authz"
	"github.com/animus-labs/cargo-custody/internal/service/containment"
	"github.com/animus-labs/cargo-custody/internal/service/custody"
	"github.com/animus-labs/cargo-custody/internal/service/history"
	"github.com/animus-labs/cargo-custody/internal/service/ledgertx"
	"github.com/animus-labs/cargo-custody/internal/service/query"
	"github.com/animus-labs/cargo-custody/internal/service/registry"
)

// Deps are the shared pieces every component is built from.
type Deps struct {
	Store      ledger.Store
	Runner     ledgertx.Config
	Authorizer *authz.Authorizer
	Cache      snapcache.Cache
	Logger     *slog.Logger
}

// Assemble builds every component over one store and returns a dispatcher
// routing to them. Committed states are published to the snapshot cache.
func Assemble(deps Deps) (*Dispatcher, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	reader := snapcache.NewReader(deps.Store, deps.Cache, logger.With("component", "snapcache"))
	runner, err := ledgertx.NewRunner(deps.Store, deps.Runner, logger.With("component", "ledgertx"), ledgertx.WithPublisher(reader))
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(runner, deps.Authorizer, reader, logger.With("component", "registry"))
	if err != nil {
		return nil, err
	}
	cont, err := containment.New(runner, deps.Authorizer, reader, logger.With("component", "containment"))
	if err != nil {
		return nil, err
	}
	cust, err := custody.New(runner, deps.Authorizer, reader, logger.With("component", "custody"))
	if err != nil {
		return nil, err
	}
	hist, err := history.New(deps.Store, reader, logger.With("component", "history"))
	if err != nil {
		return nil, err
	}
	q, err := query.New(deps.Store)
	if err != nil {
		return nil, err
	}
	verifyLogger := logger.With("component", "projection")
	return New(Components{
		Registry:    reg,
		Containment: cont,
		Custody:     cust,
		History:     hist,
		Query:       q,
		Verify: func(ctx context.Context) (projection.Report, error) {
			return projection.Verify(ctx, deps.Store, verifyLogger)
		},
	}, logger.With("component", "dispatch"))
}
