// Package patch wraps the diff-match-patch text patching library and adds
// the content fingerprinting used as version identifiers throughout the
// sync protocol.
package patch

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// MakePatch produces a text patch transforming old into new, in the
// library's native hunk format.
func MakePatch(old, new string) string {
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(old, new)
	return dmp.PatchToText(patches)
}

// ApplyPatch applies patchText to doc. ok is true iff the patch parsed and
// every hunk applied cleanly; on partial apply result is the best-effort
// output and ok is false.
func ApplyPatch(patchText, doc string) (result string, ok bool) {
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patchText)
	if err != nil {
		return doc, false
	}
	result, applied := dmp.PatchApply(patches, doc)
	ok = true
	for _, a := range applied {
		if !a {
			ok = false
			break
		}
	}
	return result, ok
}

// Fingerprint returns the first 64 bits of SHA-256 of the UTF-8 bytes as 16
// hex chars. Not cryptographically load-bearing; used as an opaque version
// identifier at project scale.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

// HasChanged filters no-op saves.
func HasChanged(a, b string) bool {
	return Fingerprint(a) != Fingerprint(b)
}

// Range - a closed-inclusive new-side span taken from one hunk header.
type Range struct {
	Start int
	End   int
}

var hunkRe = regexp.MustCompile(`@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)
var headerSwapRe = regexp.MustCompile(`@@ -(\d+(?:,\d+)?) \+(\d+(?:,\d+)?) @@`)

// HunkRanges extracts the new-side {start, start+len-1} range of every hunk
// header in patchText. Length defaults to 1 when absent. An empty result
// means the caller should treat the patch as covering the whole file.
func HunkRanges(patchText string) []Range {
	matches := hunkRe.FindAllStringSubmatch(patchText, -1)
	ranges := make([]Range, 0, len(matches))
	for _, m := range matches {
		start, err := strconv.Atoi(m[3])
		if err != nil {
			continue
		}
		length := 1
		if m[4] != "" {
			if l, err := strconv.Atoi(m[4]); err == nil {
				length = l
			}
		}
		end := start + length - 1
		if end < start {
			end = start
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return ranges
}

// Invert produces the true inverse of patchText: applying the result to
// content produced by the original patch restores the prior state. The hunk
// sides are swapped and every insert/delete line is flipped. Returns false
// if patchText does not parse.
func Invert(patchText string) (string, bool) {
	dmp := diffmatchpatch.New()
	if _, err := dmp.PatchFromText(patchText); err != nil {
		return "", false
	}
	var b strings.Builder
	for _, line := range strings.SplitAfter(patchText, "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			b.WriteString(headerSwapRe.ReplaceAllString(line, "@@ -$2 +$1 @@"))
		case strings.HasPrefix(line, "+"):
			b.WriteString("-" + line[1:])
		case strings.HasPrefix(line, "-"):
			b.WriteString("+" + line[1:])
		default:
			b.WriteString(line)
		}
	}
	return b.String(), true
}
