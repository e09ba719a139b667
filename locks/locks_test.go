// Tests for the soft lock table

package locks

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/nyroxsystems/partsync/store"
	"github.com/nyroxsystems/partsync/wire"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.Level = logrus.InfoLevel
}

// fakeClock lets tests move the lock table through expiry without sleeping.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func testTable(t *testing.T) (*Table, *fakeClock, *store.Store) {
	st, err := store.Open(filepath.Join(t.TempDir(), "locks.db"), logger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	clock := &fakeClock{t: time.UnixMilli(1_000_000)}
	table := NewTable(st, logger)
	table.now = clock.now
	return table, clock, st
}

func TestAcquireAndGet(t *testing.T) {
	table, clock, _ := testTable(t)
	ok, existing := table.Acquire("a.ts", "alice", wire.LockEditing, "conn-1")
	assert.True(t, ok)
	assert.Nil(t, existing)

	l, found := table.Get("a.ts")
	assert.True(t, found)
	assert.Equal(t, "alice", l.LockedBy)
	assert.Equal(t, wire.LockEditing, l.LockType)
	assert.Equal(t, clock.t.UnixMilli(), l.Since)

	_, found = table.Get("other.ts")
	assert.False(t, found)
}

func TestSameHolderRefreshes(t *testing.T) {
	table, clock, _ := testTable(t)
	table.Acquire("a.ts", "alice", wire.LockEditing, "conn-1")
	clock.advance(time.Minute)
	ok, _ := table.Acquire("a.ts", "alice", wire.LockAgentWriting, "conn-2")
	assert.True(t, ok)

	l, _ := table.Get("a.ts")
	assert.Equal(t, wire.LockAgentWriting, l.LockType)
	assert.Equal(t, clock.t.UnixMilli(), l.Since)
}

func TestTakeoverOnlyAfterExpiry(t *testing.T) {
	table, clock, _ := testTable(t)
	table.Acquire("x.ts", "alice", wire.LockEditing, "conn-1")

	// not expired: denied, table unchanged
	clock.advance(wire.LockExpiry - time.Millisecond)
	ok, existing := table.Acquire("x.ts", "bob", wire.LockEditing, "conn-2")
	assert.False(t, ok)
	assert.NotNil(t, existing)
	assert.Equal(t, "alice", existing.LockedBy)
	l, _ := table.Get("x.ts")
	assert.Equal(t, "alice", l.LockedBy)

	// expired: silent replacement
	clock.advance(time.Millisecond)
	ok, existing = table.Acquire("x.ts", "bob", wire.LockEditing, "conn-2")
	assert.True(t, ok)
	assert.Nil(t, existing)
	l, _ = table.Get("x.ts")
	assert.Equal(t, "bob", l.LockedBy)
}

func TestAtMostOneLockPerFile(t *testing.T) {
	table, _, _ := testTable(t)
	table.Acquire("a.ts", "alice", wire.LockEditing, "c1")
	table.Acquire("a.ts", "bob", wire.LockEditing, "c2")
	table.Acquire("a.ts", "alice", wire.LockAgentWriting, "c1")
	assert.Equal(t, 1, len(table.All()))
}

func TestRelease(t *testing.T) {
	table, _, _ := testTable(t)
	table.Acquire("a.ts", "alice", wire.LockEditing, "c1")

	// wrong holder fails
	assert.False(t, table.Release("a.ts", "bob"))
	_, found := table.Get("a.ts")
	assert.True(t, found)

	// matching holder succeeds
	assert.True(t, table.Release("a.ts", "alice"))
	_, found = table.Get("a.ts")
	assert.False(t, found)

	// absent lock is a no-op success
	assert.True(t, table.Release("a.ts", "alice"))

	// empty holder releases unconditionally
	table.Acquire("b.ts", "bob", wire.LockEditing, "c2")
	assert.True(t, table.Release("b.ts", ""))
}

func TestReleaseForClient(t *testing.T) {
	table, _, _ := testTable(t)
	table.Acquire("a.ts", "alice", wire.LockEditing, "conn-1")
	table.Acquire("b.ts", "alice", wire.LockEditing, "conn-1")
	table.Acquire("c.ts", "bob", wire.LockEditing, "conn-2")

	removed := table.ReleaseForClient("alice", "")
	assert.Equal(t, []string{"a.ts", "b.ts"}, removed)
	assert.Equal(t, 1, len(table.All()))

	// release by connection identity
	removed = table.ReleaseForClient("nobody", "conn-2")
	assert.Equal(t, []string{"c.ts"}, removed)
	assert.Empty(t, table.All())
}

func TestSweepExpired(t *testing.T) {
	table, clock, _ := testTable(t)
	table.Acquire("a.ts", "alice", wire.LockEditing, "c1")
	clock.advance(2 * time.Minute)
	table.Acquire("b.ts", "bob", wire.LockEditing, "c2")

	assert.Empty(t, table.SweepExpired())

	clock.advance(wire.LockExpiry - 2*time.Minute)
	removed := table.SweepExpired()
	assert.Equal(t, []string{"a.ts"}, removed)

	_, found := table.Get("b.ts")
	assert.True(t, found)
}

func TestRestoreFromStore(t *testing.T) {
	table, clock, st := testTable(t)
	table.Acquire("live.ts", "alice", wire.LockEditing, "c1")
	// a stale lock persisted by an earlier run
	st.SaveLock(wire.LockState{File: "stale.ts", LockedBy: "bob",
		LockType: wire.LockEditing, Since: clock.t.Add(-2 * wire.LockExpiry).UnixMilli()})

	fresh := NewTable(st, logger)
	fresh.now = clock.now
	assert.NoError(t, fresh.RestoreFromStore())

	l, found := fresh.Get("live.ts")
	assert.True(t, found)
	assert.Equal(t, "alice", l.LockedBy)
	_, found = fresh.Get("stale.ts")
	assert.False(t, found)

	// expired rows are also cleaned from storage
	states, err := st.LoadLocks()
	assert.NoError(t, err)
	assert.Equal(t, 1, len(states))
	assert.Equal(t, "live.ts", states[0].File)
}

func TestAllSorted(t *testing.T) {
	table, _, _ := testTable(t)
	table.Acquire("z.ts", "a", wire.LockEditing, "c")
	table.Acquire("a.ts", "b", wire.LockEditing, "c")
	all := table.All()
	assert.Equal(t, "a.ts", all[0].File)
	assert.Equal(t, "z.ts", all[1].File)
}
