// Package journal writes an append-only text audit journal of relay events:
// accepted diffs, conflicts and lock changes. One record per line, fields
// @-quoted. The journal is an operator aid; the store remains authoritative.
package journal

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nyroxsystems/partsync/wire"
)

// Record type tags
const (
	tagHeader   = "@hdr@"
	tagDiff     = "@diff@"
	tagConflict = "@cfl@"
	tagLock     = "@lock@"
	tagRelease  = "@unlk@"
)

type Journal struct {
	mu sync.Mutex
	w  io.Writer
}

func (j *Journal) SetWriter(w io.Writer) {
	j.w = w
}

func quote(s string) string {
	return "@" + strings.ReplaceAll(s, "@", "%40") + "@"
}

func (j *Journal) writeLine(format string, args ...interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w == nil {
		return
	}
	fmt.Fprintf(j.w, format+"\n", args...)
}

// WriteHeader opens the journal for a project.
func (j *Journal) WriteHeader(project string) {
	j.writeLine("%s %s %d", tagHeader, quote(project), wire.Now())
}

// WriteDiff records an accepted diff: timestamp, author, author type, file,
// previous fingerprint, new fingerprint, store id.
func (j *Journal) WriteDiff(d wire.FileDiff) {
	j.writeLine("%s %d %s %s %s %s %s %d", tagDiff,
		d.Timestamp, quote(d.Author), quote(d.Type), quote(d.File),
		quote(d.PreviousVersion), quote(d.Version), d.ID)
}

// WriteConflict records a detected conflict and its synthesized copy name.
func (j *Journal) WriteConflict(e wire.ConflictEvent) {
	j.writeLine("%s %d %s %s %s %s", tagConflict,
		e.Timestamp, quote(e.File), quote(e.ConflictFile),
		quote(e.AuthorA), quote(e.AuthorB))
}

// WriteLock records a lock grant or refresh.
func (j *Journal) WriteLock(l wire.LockState) {
	j.writeLine("%s %d %s %s %s", tagLock,
		l.Since, quote(l.File), quote(l.LockedBy), quote(l.LockType))
}

// WriteRelease records a lock release. holder may be empty for expiry or
// unconditional release.
func (j *Journal) WriteRelease(file, holder string) {
	j.writeLine("%s %d %s %s", tagRelease, wire.Now(), quote(file), quote(holder))
}
