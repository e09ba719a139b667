// End-to-end dispatcher tests over real websocket connections

package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/nyroxsystems/partsync/patch"
	"github.com/nyroxsystems/partsync/store"
	"github.com/nyroxsystems/partsync/wire"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.Level = logrus.InfoLevel
}

const readWait = 2 * time.Second

func testRelay(t *testing.T, opts Options) (*Relay, *httptest.Server) {
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"), logger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	r := New(logger, st, opts)
	r.started = time.Now()
	srv := httptest.NewServer(http.HandlerFunc(r.handleWS))
	t.Cleanup(srv.Close)
	return r, srv
}

func dialAs(t *testing.T, srv *httptest.Server, name string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?clientName=" + name
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", name, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendEnv(t *testing.T, ws *websocket.Conn, event string, payload interface{}) {
	env, err := wire.NewEnvelope(event, payload)
	assert.NoError(t, err)
	assert.NoError(t, ws.WriteJSON(env))
}

// expectEvent reads until the named event arrives, failing on timeout.
func expectEvent(t *testing.T, ws *websocket.Conn, event string) wire.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(readWait))
	for {
		var env wire.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if env.Event == event {
			return env
		}
	}
}

func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var env wire.Envelope
	if err := ws.ReadJSON(&env); err == nil {
		t.Fatalf("unexpected message: %+v", env)
	}
}

func TestDiffStoredAndBroadcastToOthers(t *testing.T) {
	r, srv := testRelay(t, Options{})
	a := dialAs(t, srv, "A")
	b := dialAs(t, srv, "B")

	base := "line1\nline2\nline3\n"
	next := "line1\nline2\nline3\nline4\n"
	d := wire.FileDiff{
		File: "foo.txt", Patch: patch.MakePatch(base, next), Author: "A",
		Type: wire.AuthorHuman, Timestamp: wire.Now(),
		Version: patch.Fingerprint(next), PreviousVersion: patch.Fingerprint(base),
	}
	sendEnv(t, a, wire.EventFileDiff, d)

	env := expectEvent(t, b, wire.EventFileDiff)
	var got wire.FileDiff
	assert.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "foo.txt", got.File)
	assert.True(t, got.ID > 0, "re-broadcast carries the store id")
	assert.Equal(t, d.Version, got.Version)

	// sender does not get its own diff back
	expectSilence(t, a)

	hash, ok, err := r.store.Version("foo.txt")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, d.Version, hash)
}

func TestConflictDetectedOnDivergedChain(t *testing.T) {
	r, srv := testRelay(t, Options{})
	a := dialAs(t, srv, "A")
	b := dialAs(t, srv, "B")

	base := "line1\nline2\nline3\n"
	h0 := patch.Fingerprint(base)
	verA := "line1\nTWO-A\nline3\n"
	verB := "line1\nTWO-B\nline3\n"

	dA := wire.FileDiff{File: "foo.txt", Patch: patch.MakePatch(base, verA), Author: "A",
		Type: wire.AuthorHuman, Timestamp: wire.Now(),
		Version: patch.Fingerprint(verA), PreviousVersion: h0}
	sendEnv(t, a, wire.EventFileDiff, dA)
	expectEvent(t, b, wire.EventFileDiff)

	// B edited the same line against the same base; relay saw A first
	dB := wire.FileDiff{File: "foo.txt", Patch: patch.MakePatch(base, verB), Author: "B",
		Type: wire.AuthorHuman, Timestamp: wire.Now(),
		Version: patch.Fingerprint(verB), PreviousVersion: h0}
	sendEnv(t, b, wire.EventFileDiff, dB)

	envA := expectEvent(t, a, wire.EventFileConflict)
	var event wire.ConflictEvent
	assert.NoError(t, json.Unmarshal(envA.Data, &event))
	assert.Equal(t, "A", event.AuthorA)
	assert.Equal(t, "B", event.AuthorB)
	assert.True(t, strings.HasPrefix(event.ConflictFile, "foo.conflict-"))
	assert.True(t, strings.HasSuffix(event.ConflictFile, ".txt"))

	// the conflict goes to every connection, and B's diff still reaches A
	expectEvent(t, b, wire.EventFileConflict)
	expectEvent(t, a, wire.EventFileDiff)

	events, err := r.store.RecentConflicts(10)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(events), "conflict recorded exactly once")

	// both diffs stored
	diffs, err := r.store.DiffsByFile("foo.txt", 10)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(diffs))
}

func TestHandshakeDeliversMissingDiffs(t *testing.T) {
	r, srv := testRelay(t, Options{})

	// history accumulated while the client was away: 3 edits to 3 files
	for _, f := range []string{"a.txt", "b.txt", "c.txt"} {
		old := "old " + f + "\n"
		cur := "new " + f + "\n"
		d := wire.FileDiff{File: f, Patch: patch.MakePatch(old, cur), Author: "A",
			Type: wire.AuthorHuman, Timestamp: wire.Now(),
			Version: patch.Fingerprint(cur), PreviousVersion: patch.Fingerprint(old)}
		_, err := r.store.InsertDiff(d)
		assert.NoError(t, err)
		assert.NoError(t, r.store.UpsertVersion(f, d.Version, d.Timestamp))
	}

	ws := dialAs(t, srv, "B")
	hs := wire.SyncHandshake{
		ClientID:  "B",
		ProjectID: "proj",
		FileVersions: map[string]string{
			"a.txt": patch.Fingerprint("old a.txt\n"), // stale
			"b.txt": patch.Fingerprint("new b.txt\n"), // current
			// c.txt absent entirely
		},
	}
	env, err := wire.NewEnvelope(wire.EventSyncHandshake, hs)
	assert.NoError(t, err)
	env.ID = "req-1"
	assert.NoError(t, ws.WriteJSON(env))

	reply := expectEvent(t, ws, wire.EventSyncHandshake)
	assert.Equal(t, "req-1", reply.ReplyTo)
	var resp wire.SyncHandshakeResponse
	assert.NoError(t, json.Unmarshal(reply.Data, &resp))

	files := make(map[string]int)
	for _, d := range resp.MissingDiffs {
		files[d.File]++
	}
	assert.Equal(t, map[string]int{"a.txt": 1, "c.txt": 1}, files)
	assert.NotNil(t, resp.FullFiles)
	assert.Empty(t, resp.FullFiles)
}

func TestLockBroadcastAndDisconnectRelease(t *testing.T) {
	_, srv := testRelay(t, Options{})
	a := dialAs(t, srv, "A")
	b := dialAs(t, srv, "B")

	sendEnv(t, a, wire.EventFileLock, wire.LockRequest{File: "x.ts", LockType: wire.LockEditing})

	for _, ws := range []*websocket.Conn{a, b} {
		env := expectEvent(t, ws, wire.EventLockChanged)
		var states []wire.LockState
		assert.NoError(t, json.Unmarshal(env.Data, &states))
		assert.Equal(t, 1, len(states))
		assert.Equal(t, "A", states[0].LockedBy)
	}

	// holder disconnects uncleanly; the lock is released and rebroadcast
	a.Close()
	env := expectEvent(t, b, wire.EventLockChanged)
	var states []wire.LockState
	assert.NoError(t, json.Unmarshal(env.Data, &states))
	assert.Empty(t, states)
}

func TestUnlockScopedToCaller(t *testing.T) {
	r, srv := testRelay(t, Options{})
	a := dialAs(t, srv, "A")
	b := dialAs(t, srv, "B")

	sendEnv(t, a, wire.EventFileLock, wire.LockRequest{File: "x.ts", LockType: wire.LockEditing})
	expectEvent(t, a, wire.EventLockChanged)
	expectEvent(t, b, wire.EventLockChanged)

	// B cannot release A's lock
	sendEnv(t, b, wire.EventFileUnlock, wire.UnlockRequest{File: "x.ts"})
	time.Sleep(200 * time.Millisecond)
	_, held := r.locks.Get("x.ts")
	assert.True(t, held)

	sendEnv(t, a, wire.EventFileUnlock, wire.UnlockRequest{File: "x.ts"})
	expectEvent(t, b, wire.EventLockChanged)
	_, held = r.locks.Get("x.ts")
	assert.False(t, held)
}

func TestUndoBroadcastToAll(t *testing.T) {
	r, srv := testRelay(t, Options{})
	a := dialAs(t, srv, "A")
	b := dialAs(t, srv, "B")

	old := "v0 content\n"
	cur := "v1 content\n"
	d := wire.FileDiff{File: "m.ts", Patch: patch.MakePatch(old, cur), Author: "A",
		Type: wire.AuthorHuman, Timestamp: wire.Now(),
		Version: patch.Fingerprint(cur), PreviousVersion: patch.Fingerprint(old)}
	id, err := r.store.InsertDiff(d)
	assert.NoError(t, err)
	assert.NoError(t, r.store.UpsertVersion(d.File, d.Version, d.Timestamp))

	sendEnv(t, a, wire.EventDiffUndo, wire.UndoRequest{File: "m.ts", DiffID: id})

	// broadcast reaches the sender too, with the chain reversed
	for _, ws := range []*websocket.Conn{a, b} {
		env := expectEvent(t, ws, wire.EventFileDiff)
		var inv wire.FileDiff
		assert.NoError(t, json.Unmarshal(env.Data, &inv))
		assert.Equal(t, d.PreviousVersion, inv.Version)
		assert.Equal(t, d.Version, inv.PreviousVersion)
		assert.Equal(t, d.Patch, inv.Patch)
		assert.Equal(t, wire.AuthorHuman, inv.Type)
	}
}

func TestFullFileUpdatesVersionAndRebroadcasts(t *testing.T) {
	r, srv := testRelay(t, Options{})
	a := dialAs(t, srv, "A")
	b := dialAs(t, srv, "B")

	content := "line1\nline2\nline3\n"
	ff := wire.FullFile{File: "foo.txt", Content: content, Hash: patch.Fingerprint(content)}
	sendEnv(t, a, wire.EventSyncFullFile, ff)

	env := expectEvent(t, b, wire.EventApplyFullFile)
	var got wire.FullFile
	assert.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, content, got.Content)

	hash, ok, err := r.store.Version("foo.txt")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ff.Hash, hash)
}

func TestDeleteReleasesLockAndRebroadcasts(t *testing.T) {
	r, srv := testRelay(t, Options{})
	a := dialAs(t, srv, "A")
	b := dialAs(t, srv, "B")

	sendEnv(t, a, wire.EventFileLock, wire.LockRequest{File: "gone.ts", LockType: wire.LockEditing})
	expectEvent(t, a, wire.EventLockChanged)
	expectEvent(t, b, wire.EventLockChanged)

	sendEnv(t, a, wire.EventFileDelete, wire.DeleteRequest{File: "gone.ts", Author: "A"})
	env := expectEvent(t, b, wire.EventFileDelete)
	var dr wire.DeleteRequest
	assert.NoError(t, json.Unmarshal(env.Data, &dr))
	assert.Equal(t, "gone.ts", dr.File)

	_, held := r.locks.Get("gone.ts")
	assert.False(t, held)
}

func TestUnknownAndMalformedIgnored(t *testing.T) {
	_, srv := testRelay(t, Options{})
	a := dialAs(t, srv, "A")
	b := dialAs(t, srv, "B")

	assert.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("not json")))
	sendEnv(t, a, "no:such-event", map[string]string{"x": "y"})

	// connection survives; a normal message still flows
	sendEnv(t, a, wire.EventFileDelete, wire.DeleteRequest{File: "z.ts", Author: "A"})
	expectEvent(t, b, wire.EventFileDelete)
}

func TestTokenRejection(t *testing.T) {
	_, srv := testRelay(t, Options{Token: "s3cret"})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?clientName=A"
	_, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Error(t, err)

	ws, _, err := websocket.DefaultDialer.Dial(url+"&token=s3cret", nil)
	assert.NoError(t, err)
	ws.Close()
}

func TestDashboardSubscribePushesImmediately(t *testing.T) {
	r, srv := testRelay(t, Options{})
	r.store.UpsertVersion("a.txt", "h1", wire.Now())
	a := dialAs(t, srv, "A")

	sendEnv(t, a, wire.EventDashboardSubscribe, struct{}{})
	env := expectEvent(t, a, wire.EventDashboardState)
	var state wire.DashboardState
	assert.NoError(t, json.Unmarshal(env.Data, &state))
	assert.Equal(t, 1, len(state.Clients))
	assert.Equal(t, "A", state.Clients[0].DisplayName)
	assert.Equal(t, int64(1), state.Health.TotalFiles)
	assert.True(t, state.Health.DBSizeBytes > 0)
}
