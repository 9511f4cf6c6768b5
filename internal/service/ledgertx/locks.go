package ledgertx

import (
	"context"
	"slices"
	"sync"
)

// LockTable serializes work on the same ledger keys within one process.
// Multi-key acquisitions take locks in sorted key order so two commands over
// overlapping keys cannot deadlock.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLockTable() *LockTable {
	return &LockTable{locks: map[string]*keyLock{}}
}

// Acquire blocks until every key is held or ctx is done. The returned release
// function is safe to call once.
func (t *LockTable) Acquire(ctx context.Context, keys []string) (func(), error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]string, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			t.unlock(held[i])
		}
	}
	for _, key := range sorted {
		l := t.ref(key)
		select {
		case l.ch <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			t.unref(key)
			release()
			return nil, ctx.Err()
		}
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (t *LockTable) ref(key string) *keyLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		t.locks[key] = l
	}
	l.refs++
	return l
}

func (t *LockTable) unref(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.locks[key]; ok {
		l.refs--
		if l.refs == 0 {
			delete(t.locks, key)
		}
	}
}

func (t *LockTable) unlock(key string) {
	t.mu.Lock()
	l := t.locks[key]
	t.mu.Unlock()
	if l == nil {
		return
	}
	<-l.ch
	t.unref(key)
}

// Len reports how many keys currently have holders or waiters.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
