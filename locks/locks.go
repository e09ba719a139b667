// Package locks implements the relay's soft advisory lock table: an
// in-memory map mirrored to the store, with expiry, takeover and
// per-connection release. At most one lock exists per file.
package locks

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nyroxsystems/partsync/store"
	"github.com/nyroxsystems/partsync/wire"
)

// entry binds a lock to the connection identity of its holder. The binding
// is runtime-only; restoring persisted locks at startup leaves conn empty.
type entry struct {
	state wire.LockState
	conn  string
}

// Table - the shared lock map. All access goes through the mutex.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	store   *store.Store
	logger  *logrus.Logger
	now     func() time.Time
}

func NewTable(st *store.Store, logger *logrus.Logger) *Table {
	return &Table{
		entries: make(map[string]*entry),
		store:   st,
		logger:  logger,
		now:     time.Now,
	}
}

// Acquire takes or refreshes the lock on file for holder. A fresh acquire by
// the current holder refreshes type, since and the connection binding. A
// different holder succeeds only when the existing lock has expired; expired
// locks are replaced silently. On refusal the existing lock is returned.
func (t *Table) Acquire(file, holder, lockType, conn string) (bool, *wire.LockState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	nowMillis := t.now().UnixMilli()
	if e, ok := t.entries[file]; ok {
		if e.state.LockedBy == holder {
			e.state.LockType = lockType
			e.state.Since = nowMillis
			e.conn = conn
			t.persist(e.state)
			return true, nil
		}
		if !e.state.Expired(nowMillis) {
			existing := e.state
			return false, &existing
		}
	}
	e := &entry{
		state: wire.LockState{File: file, LockedBy: holder, LockType: lockType, Since: nowMillis},
		conn:  conn,
	}
	t.entries[file] = e
	t.persist(e.state)
	return true, nil
}

// Release removes the lock on file. With a non-empty holder the release is
// scoped: a mismatch fails. Absent locks are a no-op success.
func (t *Table) Release(file, holder string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[file]
	if !ok {
		return true
	}
	if holder != "" && e.state.LockedBy != holder {
		return false
	}
	delete(t.entries, file)
	t.unpersist(file)
	return true
}

// ReleaseForClient removes every lock whose holder matches, or whose runtime
// connection binding matches when conn is non-empty. Returns the released
// files.
func (t *Table) ReleaseForClient(holder, conn string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []string
	for file, e := range t.entries {
		if e.state.LockedBy == holder || (conn != "" && e.conn == conn) {
			delete(t.entries, file)
			t.unpersist(file)
			removed = append(removed, file)
		}
	}
	sort.Strings(removed)
	return removed
}

// Get returns the lock on file, if any.
func (t *Table) Get(file string) (wire.LockState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[file]
	if !ok {
		return wire.LockState{}, false
	}
	return e.state, true
}

// All returns a snapshot of every lock, ordered by file.
func (t *Table) All() []wire.LockState {
	t.mu.Lock()
	defer t.mu.Unlock()
	states := make([]wire.LockState, 0, len(t.entries))
	for _, e := range t.entries {
		states = append(states, e.state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].File < states[j].File })
	return states
}

// SweepExpired removes all expired locks and returns the affected files.
// The previous holder is not notified; takeover is silent by design.
func (t *Table) SweepExpired() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	nowMillis := t.now().UnixMilli()
	var removed []string
	for file, e := range t.entries {
		if e.state.Expired(nowMillis) {
			delete(t.entries, file)
			t.unpersist(file)
			removed = append(removed, file)
		}
	}
	sort.Strings(removed)
	return removed
}

// RestoreFromStore loads persisted locks at startup, dropping any already
// expired. Connection bindings are not fabricated for restored locks.
func (t *Table) RestoreFromStore() error {
	states, err := t.store.LoadLocks()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	nowMillis := t.now().UnixMilli()
	for _, l := range states {
		if l.Expired(nowMillis) {
			t.unpersist(l.File)
			continue
		}
		state := l
		t.entries[l.File] = &entry{state: state}
	}
	return nil
}

func (t *Table) persist(l wire.LockState) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveLock(l); err != nil {
		t.logger.Errorf("Failed to persist lock %s: %v", l.File, err)
	}
}

func (t *Table) unpersist(file string) {
	if t.store == nil {
		return
	}
	if err := t.store.DeleteLock(file); err != nil {
		t.logger.Errorf("Failed to remove persisted lock %s: %v", file, err)
	}
}
