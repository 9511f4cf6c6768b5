package ledgertx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/animus-labs/cargo-custody/internal/domain"
	"github.com/animus-labs/cargo-custody/internal/ledger"
	"github.com/animus-labs/cargo-custody/internal/ledger/memstore"
)

func testConfig() Config {
	return Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

// flakyStore fails the first n commits with a version conflict.
type flakyStore struct {
	*memstore.Store
	failures atomic.Int64
	commits  atomic.Int64
}

func (s *flakyStore) Commit(ctx context.Context, txn ledger.Txn) (ledger.Commit, error) {
	s.commits.Add(1)
	if s.failures.Add(-1) >= 0 {
		return ledger.Commit{}, fmt.Errorf("%w: injected", ledger.ErrConflict)
	}
	return s.Store.Commit(ctx, txn)
}

func newRunner(t *testing.T, store ledger.Store) *Runner {
	t.Helper()
	r, err := NewRunner(store, testConfig(), nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func createCargo(tx *Tx) error {
	return tx.Emit(domain.RecordCargoCreated, CargoRef("X1"), domain.EntityCreated{ID: "X1", Custodian: "P1"})
}

func TestRunRetriesConflicts(t *testing.T) {
	store := &flakyStore{Store: memstore.New()}
	store.failures.Store(2)
	r := newRunner(t, store)

	calls := 0
	out, err := r.Run(context.Background(), Request{Operation: "create_cargo", TxID: "tx-1", Actor: "P1", Keys: []string{"cargo/X1"}},
		func(tx *Tx) error {
			calls++
			return createCargo(tx)
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 3 || store.commits.Load() != 3 {
		t.Fatalf("calls=%d commits=%d", calls, store.commits.Load())
	}
	if out.Replayed || len(out.Records) != 1 {
		t.Fatalf("commit=%+v", out)
	}
}

func TestRunSurfacesLedgerConflict(t *testing.T) {
	store := &flakyStore{Store: memstore.New()}
	store.failures.Store(10)
	r := newRunner(t, store)

	_, err := r.Run(context.Background(), Request{Operation: "create_cargo", TxID: "tx-1", Actor: "P1"}, createCargo)
	if !errors.Is(err, domain.ErrLedgerConflict) {
		t.Fatalf("expected ErrLedgerConflict, got %v", err)
	}
	if store.commits.Load() != 3 {
		t.Fatalf("commits=%d, want MaxAttempts", store.commits.Load())
	}
}

func TestRunDoesNotRetryRejections(t *testing.T) {
	store := &flakyStore{Store: memstore.New()}
	r := newRunner(t, store)

	calls := 0
	_, err := r.Run(context.Background(), Request{Operation: "load", TxID: "tx-1", Actor: "P1"}, func(tx *Tx) error {
		calls++
		_, err := tx.Container("missing")
		return err
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if calls != 1 || store.commits.Load() != 0 {
		t.Fatalf("calls=%d commits=%d", calls, store.commits.Load())
	}
}

func TestRunReplaysCommittedTransaction(t *testing.T) {
	store := memstore.New()
	r := newRunner(t, store)
	req := Request{Operation: "create_cargo", TxID: "tx-1", Actor: "P1"}

	first, err := r.Run(context.Background(), req, createCargo)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	called := false
	second, err := r.Run(context.Background(), req, func(tx *Tx) error {
		called = true
		return createCargo(tx)
	})
	if err != nil {
		t.Fatalf("replay Run: %v", err)
	}
	if called || !second.Replayed || second.Records[0].CID != first.Records[0].CID {
		t.Fatalf("called=%v replay=%+v", called, second)
	}
}

func TestEmitFoldsIntoLaterReads(t *testing.T) {
	store := memstore.New()
	r := newRunner(t, store)
	_, err := r.Run(context.Background(), Request{Operation: "setup", TxID: "tx-1", Actor: "P1"}, func(tx *Tx) error {
		if err := tx.Emit(domain.RecordContainerCreated, ContainerRef("C1"), domain.EntityCreated{ID: "C1", Custodian: "P1"}); err != nil {
			return err
		}
		if err := createCargo(tx); err != nil {
			return err
		}
		if err := tx.Emit(domain.RecordContainmentLoad, ContainerRef("C1"),
			domain.ContainmentChanged{ContainerID: "C1", CargoID: "X1", Action: domain.ActionLoad}, CargoRef("X1")); err != nil {
			return err
		}
		c, err := tx.Container("C1")
		if err != nil {
			return err
		}
		if !c.Holds("X1") || c.Status != domain.ContainerLoaded {
			return fmt.Errorf("staged container not folded: %+v", c)
		}
		// A second load of the same cargo must fail without staging anything.
		err = tx.Emit(domain.RecordContainmentLoad, ContainerRef("C1"),
			domain.ContainmentChanged{ContainerID: "C1", CargoID: "X1", Action: domain.ActionLoad}, CargoRef("X1"))
		if !errors.Is(err, domain.ErrAlreadyLoaded) {
			return fmt.Errorf("expected ErrAlreadyLoaded, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	head, _ := store.Head(context.Background())
	if head != 3 {
		t.Fatalf("head=%d, want 3", head)
	}
}

func TestEmitRequiresExistingEntity(t *testing.T) {
	r := newRunner(t, memstore.New())
	_, err := r.Run(context.Background(), Request{Operation: "custody", TxID: "tx-1", Actor: "P1"}, func(tx *Tx) error {
		return tx.Emit(domain.RecordCargoDelivered, CargoRef("X1"), domain.StatusChanged{ID: "X1"})
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRequestValidation(t *testing.T) {
	r := newRunner(t, memstore.New())
	_, err := r.Run(context.Background(), Request{Operation: "x", TxID: "tx-1"}, createCargo)
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestLockTableSerializesOverlappingKeys(t *testing.T) {
	locks := NewLockTable()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		keys := []string{"container/C1", "cargo/X1"}
		if i%2 == 1 {
			keys = []string{"cargo/X1", "container/C1", "cargo/X1"}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(ctx, keys)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			active++
			maxSeen = max(maxSeen, active)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			release()
			release()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("max concurrent holders=%d", maxSeen)
	}
	if locks.Len() != 0 {
		t.Fatalf("lock table leaked %d entries", locks.Len())
	}
}

func TestLockTableHonorsContext(t *testing.T) {
	locks := NewLockTable()
	release, err := locks.Acquire(context.Background(), []string{"cargo/X1"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := locks.Acquire(ctx, []string{"cargo/A0", "cargo/X1"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	release()
	if locks.Len() != 0 {
		t.Fatalf("lock table leaked %d entries", locks.Len())
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := DefaultConfig()
	bad.MaxBackoff = time.Microsecond
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestReplayRejectsAnotherCommand(t *testing.T) {
	store := memstore.New()
	r := newRunner(t, store)
	ctx := context.Background()
	req := Request{Operation: "create_cargo", TxID: "tx-1", Actor: "P1", Keys: []string{"cargo/X1"}}
	if _, err := r.Run(ctx, req, createCargo); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cases := map[string]Request{
		"operation": {Operation: "deliver_cargo", TxID: "tx-1", Actor: "P1", Keys: []string{"cargo/X1"}},
		"keys":      {Operation: "create_cargo", TxID: "tx-1", Actor: "P1", Keys: []string{"cargo/X2"}},
		"actor":     {Operation: "create_cargo", TxID: "tx-1", Actor: "P2", Keys: []string{"cargo/X1"}},
	}
	for name, other := range cases {
		t.Run(name, func(t *testing.T) {
			called := false
			_, err := r.Run(ctx, other, func(tx *Tx) error {
				called = true
				return nil
			})
			if !errors.Is(err, domain.ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
			if called {
				t.Fatalf("fn ran for a reused transaction id")
			}
		})
	}
	if head, _ := store.Head(ctx); head != 1 {
		t.Fatalf("head=%d", head)
	}
}

func TestReplayMatchesScopeNotLockKeys(t *testing.T) {
	r := newRunner(t, memstore.New())
	ctx := context.Background()
	req := Request{Operation: "create_cargo", TxID: "tx-1", Actor: "P1", Keys: []string{"cargo/X1", "container/C1"}, Scope: []string{"cargo/X1"}}
	first, err := r.Run(ctx, req, createCargo)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(first.Scope) != 1 || first.Operation != "create_cargo" {
		t.Fatalf("commit op=%q scope=%v", first.Operation, first.Scope)
	}

	req.Keys = []string{"cargo/X1"}
	again, err := r.Run(ctx, req, createCargo)
	if err != nil || !again.Replayed {
		t.Fatalf("replay=%+v err=%v", again, err)
	}
}
