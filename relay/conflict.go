package relay

import (
	"fmt"
	"math"
	"strings"

	"github.com/nyroxsystems/partsync/patch"
	"github.com/nyroxsystems/partsync/wire"
)

// wholeFile - the range a zero-hunk patch is treated as.
var wholeFile = patch.Range{Start: 0, End: math.MaxInt32}

// DetectConflict decides merge-safe vs conflict for an incoming patch
// against the latest stored one. Two patches conflict when any new-side
// hunk range of one intersects any of the other, closed-inclusive. The
// relay never merges; both diffs are stored and broadcast either way.
func DetectConflict(existing, incoming wire.FileDiff, nowMillis int64) (merged bool, event wire.ConflictEvent) {
	if !rangesOverlap(hunkRanges(existing.Patch), hunkRanges(incoming.Patch)) {
		return true, wire.ConflictEvent{}
	}
	event = wire.ConflictEvent{
		File:         incoming.File,
		ConflictFile: conflictFileName(incoming.File, nowMillis),
		AuthorA:      existing.Author,
		AuthorB:      incoming.Author,
		Timestamp:    nowMillis,
	}
	return false, event
}

func hunkRanges(patchText string) []patch.Range {
	ranges := patch.HunkRanges(patchText)
	if len(ranges) == 0 {
		return []patch.Range{wholeFile}
	}
	return ranges
}

func rangesOverlap(a, b []patch.Range) bool {
	for _, ra := range a {
		for _, rb := range b {
			if ra.Start <= rb.End && rb.Start <= ra.End {
				return true
			}
		}
	}
	return false
}

// conflictFileName synthesizes <base>.conflict-<ts>.<ext>, defaulting the
// extension to ts when the path has none.
func conflictFileName(file string, nowMillis int64) string {
	base := file
	ext := "ts"
	if i := strings.LastIndex(file, "."); i > strings.LastIndex(file, "/") {
		base = file[:i]
		ext = file[i+1:]
	}
	return fmt.Sprintf("%s.conflict-%d.%s", base, nowMillis, ext)
}
