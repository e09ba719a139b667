package journal

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nyroxsystems/partsync/wire"
)

func TestWriteDiff(t *testing.T) {
	var buf bytes.Buffer
	j := &Journal{}
	j.SetWriter(&buf)
	j.WriteDiff(wire.FileDiff{
		ID: 7, File: "src/a.ts", Author: "alice", Type: wire.AuthorAgent,
		Timestamp: 1234, Version: "h1", PreviousVersion: "h0",
	})
	line := buf.String()
	assert.Equal(t, "@diff@ 1234 @alice@ @agent@ @src/a.ts@ @h0@ @h1@ 7\n", line)
}

func TestWriteConflictAndLocks(t *testing.T) {
	var buf bytes.Buffer
	j := &Journal{}
	j.SetWriter(&buf)
	j.WriteConflict(wire.ConflictEvent{
		File: "a.ts", ConflictFile: "a.conflict-9.ts",
		AuthorA: "alice", AuthorB: "bob", Timestamp: 9,
	})
	j.WriteLock(wire.LockState{File: "a.ts", LockedBy: "alice", LockType: wire.LockEditing, Since: 10})
	j.WriteRelease("a.ts", "alice")

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	assert.Equal(t, 3, len(lines))
	assert.Equal(t, "@cfl@ 9 @a.ts@ @a.conflict-9.ts@ @alice@ @bob@", lines[0])
	assert.Equal(t, "@lock@ 10 @a.ts@ @alice@ @editing@", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "@unlk@ "))
	assert.True(t, strings.HasSuffix(lines[2], " @a.ts@ @alice@"))
}

func TestQuoteEscapesDelimiter(t *testing.T) {
	var buf bytes.Buffer
	j := &Journal{}
	j.SetWriter(&buf)
	j.WriteRelease("weird@name.ts", "a@b")
	assert.Contains(t, buf.String(), "@weird%40name.ts@ @a%40b@")
}

func TestNilWriterIsSafe(t *testing.T) {
	j := &Journal{}
	j.WriteHeader("proj")
	j.WriteRelease("a.ts", "x")
}
