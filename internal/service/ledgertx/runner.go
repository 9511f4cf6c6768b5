// Package ledgertx runs custody commands as units of work: lock the touched
// keys, read snapshots, validate, fold new records, commit, and retry the
// whole attempt when the ledger reports a version conflict.
package ledgertx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/ledger"
	"github.com/animus-labs/cargo-custody/internal/platform/env"
)

const tracerName = "github.com/animus-labs/cargo-custody/internal/service/ledgertx"

type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 5, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 500 * time.Millisecond}
}

func ConfigFromEnv() (Config, error) {
	def := DefaultConfig()
	attempts, err := env.Int("CUSTODY_COMMIT_MAX_ATTEMPTS", def.MaxAttempts)
	if err != nil {
		return Config{}, err
	}
	initial, err := env.Duration("CUSTODY_COMMIT_BACKOFF_INITIAL", def.InitialBackoff)
	if err != nil {
		return Config{}, err
	}
	maxBackoff, err := env.Duration("CUSTODY_COMMIT_BACKOFF_MAX", def.MaxBackoff)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{MaxAttempts: attempts, InitialBackoff: initial, MaxBackoff: maxBackoff}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("CUSTODY_COMMIT_MAX_ATTEMPTS must be >= 1")
	}
	if c.InitialBackoff <= 0 {
		return errors.New("CUSTODY_COMMIT_BACKOFF_INITIAL must be positive")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return errors.New("CUSTODY_COMMIT_BACKOFF_MAX must be >= CUSTODY_COMMIT_BACKOFF_INITIAL")
	}
	return nil
}

// Publisher receives the states of every successful commit.
type Publisher interface {
	Publish(ctx context.Context, states []ledger.State)
}

type Runner struct {
	store     ledger.Store
	locks     *LockTable
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	publisher Publisher
	now       func() time.Time
}

type Option func(*Runner)

func WithPublisher(p Publisher) Option { return func(r *Runner) { r.publisher = p } }

func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

func WithLockTable(t *LockTable) Option { return func(r *Runner) { r.locks = t } }

func NewRunner(store ledger.Store, cfg Config, logger *slog.Logger, opts ...Option) (*Runner, error) {
	if store == nil {
		return nil, errors.New("ledger store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Runner{
		store:  store,
		locks:  NewLockTable(),
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Runner) Store() ledger.Store { return r.store }

// Request identifies one unit of work.
type Request struct {
	Operation string
	TxID      string
	Actor     string
	// Keys are locked, in sorted order, for the whole unit of work.
	Keys []string
	// Scope names the entities the command is addressed to and is stored with
	// the transaction. Empty means Keys. Set it when Keys depend on state read
	// before the attempt.
	Scope []string
}

func (req Request) scope() []string {
	if len(req.Scope) > 0 {
		return ledger.NormalizeScope(req.Scope)
	}
	return ledger.NormalizeScope(req.Keys)
}

func (req Request) validate() error {
	if strings.TrimSpace(req.Operation) == "" {
		return fmt.Errorf("%w: operation is required", domain.ErrInvalidArgument)
	}
	if strings.TrimSpace(req.TxID) == "" {
		return fmt.Errorf("%w: transaction id is required", domain.ErrInvalidArgument)
	}
	if strings.TrimSpace(req.Actor) == "" {
		return fmt.Errorf("%w: actor is required", domain.ErrInvalidArgument)
	}
	return nil
}

// sameCommand rejects a committed transaction that another command or another
// actor produced.
func (req Request) sameCommand(prior ledger.Commit) error {
	if !prior.Matches(req.Operation, req.scope()) {
		return fmt.Errorf("%w: transaction id %q was already used by %s on %v",
			domain.ErrInvalidArgument, req.TxID, prior.Operation, prior.Scope)
	}
	for _, rec := range prior.Records {
		if rec.Actor != req.Actor {
			return fmt.Errorf("%w: transaction id %q was already used by another actor", domain.ErrInvalidArgument, req.TxID)
		}
	}
	return nil
}

// Run executes fn until it commits, fails validation, or exhausts the
// configured attempts. A transaction id that already committed returns the
// original commit with Replayed set and fn is not called; when that commit came
// from another command the id is rejected with domain.ErrInvalidArgument.
func (r *Runner) Run(ctx context.Context, req Request, fn func(tx *Tx) error) (ledger.Commit, error) {
	if err := req.validate(); err != nil {
		return ledger.Commit{}, err
	}
	ctx, span := r.tracer.Start(ctx, "custody."+req.Operation, trace.WithAttributes(
		attribute.String("custody.tx_id", req.TxID),
		attribute.StringSlice("custody.keys", req.Keys),
	))
	defer span.End()

	logger := r.logger.With("operation", req.Operation, "tx_id", req.TxID, "actor", req.Actor)

	release, err := r.locks.Acquire(ctx, req.Keys)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock")
		return ledger.Commit{}, err
	}
	defer release()

	attempts := 0
	op := func() (ledger.Commit, error) {
		attempts++
		prior, err := r.store.Transaction(ctx, req.TxID)
		if err == nil {
			if err := req.sameCommand(prior); err != nil {
				return ledger.Commit{}, backoff.Permanent(err)
			}
			prior.Replayed = true
			return prior, nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return ledger.Commit{}, backoff.Permanent(err)
		}

		tx := newTx(ctx, r.store, req, r.now())
		if err := fn(tx); err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				return ledger.Commit{}, err
			}
			return ledger.Commit{}, backoff.Permanent(err)
		}
		txn, err := tx.txn()
		if err != nil {
			return ledger.Commit{}, backoff.Permanent(err)
		}
		out, err := r.store.Commit(ctx, txn)
		if err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				return ledger.Commit{}, err
			}
			return ledger.Commit{}, backoff.Permanent(err)
		}
		if out.Replayed {
			if err := req.sameCommand(out); err != nil {
				return ledger.Commit{}, backoff.Permanent(err)
			}
		}
		return out, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialBackoff
	policy.MaxInterval = r.cfg.MaxBackoff

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("ledger conflict, retrying", "attempt", attempts, "wait", wait, "error", err)
		}),
	)
	span.SetAttributes(attribute.Int("custody.attempts", attempts))
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		if errors.Is(err, ledger.ErrConflict) {
			err = fmt.Errorf("%w: %s gave up after %d attempts: %v", domain.ErrLedgerConflict, req.Operation, attempts, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, req.Operation)
		if isRejection(err) {
			logger.Info("command rejected", "error", err)
		} else {
			logger.Error("command failed", "attempts", attempts, "error", err)
		}
		return ledger.Commit{}, err
	}

	span.SetAttributes(attribute.Bool("custody.replayed", out.Replayed))
	if out.Replayed {
		logger.Info("transaction replayed", "records", len(out.Records))
	} else {
		logger.Debug("transaction committed", "records", len(out.Records), "attempts", attempts)
	}
	if r.publisher != nil {
		r.publisher.Publish(ctx, out.States)
	}
	return out, nil
}

// isRejection reports whether err is an expected domain outcome rather than
// an infrastructure failure.
func isRejection(err error) bool {
	for _, target := range []error{
		domain.ErrNotFound,
		domain.ErrDuplicateEntity,
		domain.ErrUnauthorized,
		domain.ErrAlreadyLoaded,
		domain.ErrNotLoaded,
		domain.ErrInvalidContainment,
		domain.ErrInvalidArgument,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
