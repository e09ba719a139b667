package relay

import (
	"encoding/json"

	"github.com/nyroxsystems/partsync/wire"
)

// dispatch routes one decoded envelope. Handlers run under dispatchMu so
// that version checks and store writes for a file cannot interleave between
// connections; messages from one connection arrive here in order already.
func (r *Relay) dispatch(c *conn, env wire.Envelope) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	switch env.Event {
	case wire.EventFileDiff:
		var d wire.FileDiff
		if r.decode(c, env, &d) {
			r.handleDiff(c, d)
		}
	case wire.EventFileLock:
		var lr wire.LockRequest
		if r.decode(c, env, &lr) {
			r.handleLock(c, lr)
		}
	case wire.EventFileUnlock:
		var ur wire.UnlockRequest
		if r.decode(c, env, &ur) {
			r.handleUnlock(c, ur)
		}
	case wire.EventFileDelete:
		var dr wire.DeleteRequest
		if r.decode(c, env, &dr) {
			r.handleDelete(c, dr)
		}
	case wire.EventFileRename:
		var rr wire.RenameRequest
		if r.decode(c, env, &rr) {
			r.handleRename(c, rr)
		}
	case wire.EventSyncFullFile:
		var ff wire.FullFile
		if r.decode(c, env, &ff) {
			r.handleFullFile(c, ff)
		}
	case wire.EventSyncHandshake:
		var hs wire.SyncHandshake
		if r.decode(c, env, &hs) {
			r.handleHandshake(c, env.ID, hs)
		}
	case wire.EventDiffUndo:
		var u wire.UndoRequest
		if r.decode(c, env, &u) {
			r.handleUndo(c, u)
		}
	case wire.EventDashboardSubscribe:
		r.handleDashboardSubscribe(c)
	default:
		r.logger.Warnf("Unknown event %q from %s ignored", env.Event, c.name)
	}
}

func (r *Relay) decode(c *conn, env wire.Envelope, v interface{}) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		r.logger.Warnf("Malformed %s payload from %s ignored: %v", env.Event, c.name, err)
		return false
	}
	return true
}

// handleDiff validates the incoming diff against the version chain, runs
// the conflict detector when the chain diverges, persists, prunes and
// re-broadcasts to all other connections.
func (r *Relay) handleDiff(c *conn, d wire.FileDiff) {
	current, known, err := r.store.Version(d.File)
	if err != nil {
		r.storageFailure(c, err)
		return
	}
	if known && current != d.PreviousVersion {
		r.logger.Debugf("Version divergence on %s: have %s, diff built on %s",
			d.File, current, d.PreviousVersion)
		latest, err := r.store.DiffsByFile(d.File, 1)
		if err != nil {
			r.storageFailure(c, err)
			return
		}
		if len(latest) > 0 {
			if merged, event := DetectConflict(latest[0], d, wire.Now()); !merged {
				id, err := r.store.InsertConflict(event)
				if err != nil {
					r.storageFailure(c, err)
					return
				}
				event.ID = id
				r.logger.Warnf("Conflict on %s between %s and %s -> %s",
					event.File, event.AuthorA, event.AuthorB, event.ConflictFile)
				if r.jnl != nil {
					r.jnl.WriteConflict(event)
				}
				if env, err := wire.NewEnvelope(wire.EventFileConflict, event); err == nil {
					r.broadcast(env, "")
				}
			}
		}
	}
	// Both sides of a conflict are stored and broadcast; clients hold
	// authoritative content and converge on subsequent diffs.
	id, err := r.store.InsertDiff(d)
	if err != nil {
		r.storageFailure(c, err)
		return
	}
	d.ID = id
	if err := r.store.UpsertVersion(d.File, d.Version, d.Timestamp); err != nil {
		r.storageFailure(c, err)
		return
	}
	if err := r.store.Prune(d.File, wire.MaxDiffHistory); err != nil {
		r.logger.Errorf("Prune failed for %s: %v", d.File, err)
	}
	if r.jnl != nil {
		r.jnl.WriteDiff(d)
	}
	if env, err := wire.NewEnvelope(wire.EventFileDiff, d); err == nil {
		r.broadcast(env, c.id)
	}
}

func (r *Relay) handleLock(c *conn, lr wire.LockRequest) {
	ok, existing := r.locks.Acquire(lr.File, c.name, lr.LockType, c.id)
	if !ok {
		r.logger.Debugf("Lock denied on %s for %s: held by %s", lr.File, c.name, existing.LockedBy)
	} else if r.jnl != nil {
		if l, found := r.locks.Get(lr.File); found {
			r.jnl.WriteLock(l)
		}
	}
	r.broadcastLocks()
}

func (r *Relay) handleUnlock(c *conn, ur wire.UnlockRequest) {
	if !r.locks.Release(ur.File, c.name) {
		r.logger.Debugf("Unlock of %s by %s refused: not the holder", ur.File, c.name)
		return
	}
	if r.jnl != nil {
		r.jnl.WriteRelease(ur.File, c.name)
	}
	r.broadcastLocks()
}

// handleDelete releases any lock and re-broadcasts. No tombstone is
// persisted; re-joining clients may still hold the file.
func (r *Relay) handleDelete(c *conn, dr wire.DeleteRequest) {
	r.locks.Release(dr.File, "")
	if env, err := wire.NewEnvelope(wire.EventFileDelete, dr); err == nil {
		r.broadcast(env, c.id)
	}
}

func (r *Relay) handleRename(c *conn, rr wire.RenameRequest) {
	r.locks.Release(rr.OldFile, "")
	if env, err := wire.NewEnvelope(wire.EventFileRename, rr); err == nil {
		r.broadcast(env, c.id)
	}
}

func (r *Relay) handleFullFile(c *conn, ff wire.FullFile) {
	if err := r.store.UpsertVersion(ff.File, ff.Hash, wire.Now()); err != nil {
		r.storageFailure(c, err)
		return
	}
	if env, err := wire.NewEnvelope(wire.EventApplyFullFile, ff); err == nil {
		r.broadcast(env, c.id)
	}
}

// handleUndo synthesizes an inverse-by-reapplication diff: the original
// patch text with the version chain reversed. Clients recognize the swapped
// hashes and reverse-apply. Broadcast to all connections, sender included.
func (r *Relay) handleUndo(c *conn, u wire.UndoRequest) {
	d, found, err := r.store.ByID(u.DiffID)
	if err != nil {
		r.storageFailure(c, err)
		return
	}
	if !found || d.File != u.File {
		r.logger.Warnf("Undo of unknown diff %d on %s from %s ignored", u.DiffID, u.File, c.name)
		return
	}
	inverse := wire.FileDiff{
		File:            d.File,
		Patch:           d.Patch,
		Author:          c.name,
		Type:            wire.AuthorHuman,
		Timestamp:       wire.Now(),
		Version:         d.PreviousVersion,
		PreviousVersion: d.Version,
	}
	if env, err := wire.NewEnvelope(wire.EventFileDiff, inverse); err == nil {
		r.broadcast(env, "")
	}
}

// handleHandshake answers the reconnect request: every file whose relay
// fingerprint differs from (or is absent in) the client's map contributes
// its chain since the client's version, oldest first. FullFiles stays empty
// (reserved); locks are a snapshot.
func (r *Relay) handleHandshake(c *conn, requestID string, hs wire.SyncHandshake) {
	resp := wire.SyncHandshakeResponse{
		MissingDiffs: []wire.FileDiff{},
		FullFiles:    []wire.FullFile{},
		Locks:        r.locks.All(),
	}
	versions, err := r.store.AllVersions()
	if err != nil {
		r.storageFailure(c, err)
		return
	}
	for file, hash := range versions {
		clientHash, ok := hs.FileVersions[file]
		if ok && clientHash == hash {
			continue
		}
		diffs, err := r.store.DiffsSince(file, clientHash)
		if err != nil {
			r.storageFailure(c, err)
			return
		}
		resp.MissingDiffs = append(resp.MissingDiffs, diffs...)
	}
	r.logger.Infof("Handshake from %s (%s): %d missing diffs, %d locks",
		hs.ClientID, c.id, len(resp.MissingDiffs), len(resp.Locks))
	env, err := wire.NewEnvelope(wire.EventSyncHandshake, resp)
	if err != nil {
		r.logger.Errorf("Failed to encode handshake response: %v", err)
		return
	}
	env.ReplyTo = requestID
	c.send(env)
}

func (r *Relay) handleDashboardSubscribe(c *conn) {
	r.mu.Lock()
	r.dashboards[c.id] = true
	r.mu.Unlock()
	r.pushDashboard(c)
}

// storageFailure - fatal to the request; the connection is closed and the
// client recovers via reconnect and handshake.
func (r *Relay) storageFailure(c *conn, err error) {
	r.logger.Errorf("Storage failure handling message from %s: %v", c.name, err)
	c.close()
}
